package fastpath

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/sync/errgroup"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/connection"
	"solana-fastpath/internal/solana"
)

// SPL token program IDs.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// Security check failure reasons.
const (
	CheckMintNotFound        = "MINT_NOT_FOUND"
	CheckNotTokenMint        = "NOT_TOKEN_MINT"
	CheckMalformedMint       = "MALFORMED_MINT"
	CheckNotInitialized      = "MINT_NOT_INITIALIZED"
	CheckFreezeAuthority     = "FREEZE_AUTHORITY_SET"
	CheckMintAuthorityWallet = "MINT_AUTHORITY_WALLET"
	CheckNoRecentActivity    = "NO_RECENT_ACTIVITY"
	CheckRPCUnavailable      = "RPC_UNAVAILABLE"
)

// SecurityChecker is the quick pre-trade check. A non-nil error rejects the
// trade; *ValidationError carries a reason code.
type SecurityChecker interface {
	Check(ctx context.Context, mint string) error
}

// ConnectionSource provides the active connection. *connection.Manager implements it.
type ConnectionSource interface {
	GetConnection() (*connection.ActiveConnection, error)
}

// RPCSecurityChecker inspects the SPL mint account and its recent activity.
type RPCSecurityChecker struct {
	conns ConnectionSource
	clock clock.Clock
	// ActivityWindow bounds the age of the newest transaction touching the mint.
	ActivityWindow time.Duration
}

// NewRPCSecurityChecker creates a checker reading through conns.
func NewRPCSecurityChecker(conns ConnectionSource, c clock.Clock) *RPCSecurityChecker {
	if c == nil {
		c = clock.Real()
	}
	return &RPCSecurityChecker{conns: conns, clock: c, ActivityWindow: 10 * time.Minute}
}

// SPL mint account layout (82 bytes).
const (
	mintAccountLen     = 82
	mintAuthorityOff   = 0  // COption<Pubkey>: u32 tag + 32 bytes
	mintSupplyOff      = 36 // u64
	mintInitializedOff = 45
	freezeAuthorityOff = 46 // COption<Pubkey>
)

// MintAccount is the decoded SPL mint state.
type MintAccount struct {
	MintAuthority   []byte // nil when absent
	Supply          uint64
	Decimals        uint8
	Initialized     bool
	FreezeAuthority []byte
}

// DecodeMint parses SPL mint account data. Token-2022 extensions after the
// base layout are ignored.
func DecodeMint(data []byte) (*MintAccount, error) {
	if len(data) < mintAccountLen {
		return nil, fmt.Errorf("mint data too short: %d bytes", len(data))
	}
	m := &MintAccount{
		Supply:      binary.LittleEndian.Uint64(data[mintSupplyOff:]),
		Decimals:    data[44],
		Initialized: data[mintInitializedOff] == 1,
	}
	var err error
	if m.MintAuthority, err = decodeCOptionKey(data[mintAuthorityOff:]); err != nil {
		return nil, fmt.Errorf("mint authority: %w", err)
	}
	if m.FreezeAuthority, err = decodeCOptionKey(data[freezeAuthorityOff:]); err != nil {
		return nil, fmt.Errorf("freeze authority: %w", err)
	}
	return m, nil
}

func decodeCOptionKey(b []byte) ([]byte, error) {
	switch binary.LittleEndian.Uint32(b) {
	case 0:
		return nil, nil
	case 1:
		key := make([]byte, 32)
		copy(key, b[4:36])
		return key, nil
	default:
		return nil, errors.New("invalid option tag")
	}
}

// IsOnCurve reports whether key is a valid ed25519 point, i.e. an address
// with a private key rather than a program-derived address.
func IsOnCurve(key []byte) bool {
	if len(key) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(key)
	return err == nil
}

// Check runs the mint and activity checks concurrently; the first failure wins.
func (s *RPCSecurityChecker) Check(ctx context.Context, mint string) error {
	if raw, err := base58.Decode(mint); err != nil || len(raw) != 32 {
		return invalid(CheckMalformedMint, err)
	}
	conn, err := s.conns.GetConnection()
	if err != nil {
		return invalid(CheckRPCUnavailable, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.checkMint(gctx, conn.RPC, mint) })
	g.Go(func() error { return s.checkActivity(gctx, conn.RPC, mint) })
	return g.Wait()
}

func (s *RPCSecurityChecker) checkMint(ctx context.Context, rpc solana.RPCClient, mint string) error {
	info, err := rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return rpcErr(ctx, err)
	}
	if info == nil {
		return invalid(CheckMintNotFound, nil)
	}
	if info.Owner != TokenProgramID && info.Owner != Token2022ProgramID {
		return invalid(CheckNotTokenMint, fmt.Errorf("owner %s", info.Owner))
	}
	data, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return invalid(CheckMalformedMint, err)
	}
	m, err := DecodeMint(data)
	if err != nil {
		return invalid(CheckMalformedMint, err)
	}
	if !m.Initialized {
		return invalid(CheckNotInitialized, nil)
	}
	if m.FreezeAuthority != nil {
		return invalid(CheckFreezeAuthority, fmt.Errorf("freeze authority %s", base58.Encode(m.FreezeAuthority)))
	}
	if m.MintAuthority != nil && IsOnCurve(m.MintAuthority) {
		return invalid(CheckMintAuthorityWallet, fmt.Errorf("mint authority %s", base58.Encode(m.MintAuthority)))
	}
	return nil
}

func (s *RPCSecurityChecker) checkActivity(ctx context.Context, rpc solana.RPCClient, mint string) error {
	sigs, err := rpc.GetSignaturesForAddress(ctx, mint, &solana.SignaturesOpts{Limit: 1})
	if err != nil {
		return rpcErr(ctx, err)
	}
	if len(sigs) == 0 {
		return invalid(CheckNoRecentActivity, nil)
	}
	newest := sigs[0]
	if newest.BlockTime != nil && s.ActivityWindow > 0 {
		age := s.clock.Now().Sub(time.Unix(*newest.BlockTime, 0))
		if age > s.ActivityWindow {
			return invalid(CheckNoRecentActivity, fmt.Errorf("newest transaction %s old", age.Truncate(time.Second)))
		}
	}
	return nil
}

// rpcErr keeps deadline errors unwrapped so the caller can tell a timeout
// from a failed check.
func rpcErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return invalid(CheckRPCUnavailable, err)
}
