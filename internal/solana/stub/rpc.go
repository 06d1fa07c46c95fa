package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"solana-fastpath/internal/solana"
)

// ErrNotFound is returned when a transaction or account is not found.
var ErrNotFound = errors.New("not found")

// RPCClient implements solana.RPCClient for testing. Safe for concurrent use.
type RPCClient struct {
	mu sync.Mutex

	slot         int64
	slotErr      error
	transactions map[string]*solana.Transaction
	signatures   map[string][]solana.SignatureInfo
	accounts     map[string]*solana.AccountInfo
	balances     map[string]uint64
	statuses     map[string]*solana.SignatureStatus
	sendErr      error
	sent         [][]byte
	sendOpts     []solana.SendOptions
	calls        map[string]int

	// AccountHook, when set, replaces GetAccountInfo lookups.
	AccountHook func(ctx context.Context, pubkey string) (*solana.AccountInfo, error)
}

var _ solana.RPCClient = (*RPCClient)(nil)

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		transactions: make(map[string]*solana.Transaction),
		signatures:   make(map[string][]solana.SignatureInfo),
		accounts:     make(map[string]*solana.AccountInfo),
		balances:     make(map[string]uint64),
		statuses:     make(map[string]*solana.SignatureStatus),
		calls:        make(map[string]int),
	}
}

func (c *RPCClient) record(method string) {
	c.calls[method]++
}

// Calls returns how many times method was invoked.
func (c *RPCClient) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// SetSlot sets the slot returned by GetSlot.
func (c *RPCClient) SetSlot(slot int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = slot
}

// SetSlotError makes GetSlot fail until cleared with nil.
func (c *RPCClient) SetSlotError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotErr = err
}

// GetSlot returns the configured slot.
func (c *RPCClient) GetSlot(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("getSlot")
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.slotErr != nil {
		return 0, c.slotErr
	}
	return c.slot, nil
}

// GetTransaction retrieves a transaction by signature from the stub store.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("getTransaction")
	tx, ok := c.transactions[signature]
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

// GetSignaturesForAddress pages through the stored signatures (newest first),
// honouring Before and Limit.
func (c *RPCClient) GetSignaturesForAddress(_ context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("getSignaturesForAddress")

	sigs := c.signatures[address]
	start := 0
	if opts != nil && opts.Before != "" {
		start = len(sigs)
		for i, s := range sigs {
			if s.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}
	page := sigs[start:]
	if opts != nil && opts.Limit > 0 && opts.Limit < len(page) {
		page = page[:opts.Limit]
	}
	return append([]solana.SignatureInfo(nil), page...), nil
}

// GetAccountInfo returns the stored account, nil when absent.
func (c *RPCClient) GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error) {
	c.mu.Lock()
	hook := c.AccountHook
	c.record("getAccountInfo")
	info := c.accounts[pubkey]
	c.mu.Unlock()

	if hook != nil {
		return hook(ctx, pubkey)
	}
	return info, nil
}

// GetBalance returns the stored balance.
func (c *RPCClient) GetBalance(_ context.Context, pubkey string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("getBalance")
	return c.balances[pubkey], nil
}

// SetSendError makes SendTransaction fail until cleared with nil.
func (c *RPCClient) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SendTransaction records the payload and returns its fee-payer signature.
func (c *RPCClient) SendTransaction(_ context.Context, raw []byte, opts solana.SendOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("sendTransaction")
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), raw...))
	c.sendOpts = append(c.sendOpts, opts)

	if tx, err := solana.ParseWireTransaction(raw); err == nil && tx.Signature() != "" {
		return tx.Signature(), nil
	}
	return fmt.Sprintf("stub-sig-%d", len(c.sent)), nil
}

// Sent returns the submitted payloads and their options.
func (c *RPCClient) Sent() ([][]byte, []solana.SendOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...), append([]solana.SendOptions(nil), c.sendOpts...)
}

// GetSignatureStatuses returns stored statuses; unknown signatures map to nil.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("getSignatureStatuses")
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		out[i] = c.statuses[sig]
	}
	return out, nil
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions[tx.Signature] = tx
}

// AddSignatures adds signatures for an address to the stub store. Order is newest first.
func (c *RPCClient) AddSignatures(address string, sigs []solana.SignatureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signatures[address] = sigs
}

// SetAccount stores account info for pubkey.
func (c *RPCClient) SetAccount(pubkey string, info *solana.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[pubkey] = info
}

// SetBalance stores a lamport balance.
func (c *RPCClient) SetBalance(pubkey string, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[pubkey] = lamports
}

// SetStatus stores a signature status.
func (c *RPCClient) SetStatus(signature string, status *solana.SignatureStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[signature] = status
}
