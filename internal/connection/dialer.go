package connection

import (
	"context"
	"fmt"

	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/solana"
)

// DialerConfig configures the default HTTP + WebSocket dialer.
type DialerConfig struct {
	// RateLimit caps RPC requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// MaxRetries for non-submission RPC calls.
	MaxRetries int
	WS         *solana.WSClientConfig
	Metrics    *observability.Metrics
}

// NewDialer returns a DialFunc building a solana.HTTPClient and, when the
// endpoint has a WebSocket URL, a solana.WSClient. The endpoint must answer
// getSlot before it is handed out.
func NewDialer(cfg DialerConfig) DialFunc {
	return func(ctx context.Context, ep Endpoint) (*ActiveConnection, error) {
		opts := []solana.ClientOption{solana.WithRateLimit(cfg.RateLimit, cfg.RateBurst)}
		if ep.Timeout > 0 {
			opts = append(opts, solana.WithTimeout(ep.Timeout))
		}
		if cfg.MaxRetries > 0 {
			opts = append(opts, solana.WithMaxRetries(cfg.MaxRetries))
		}
		if cfg.Metrics != nil {
			opts = append(opts, solana.WithCallObserver(cfg.Metrics.RecordRPCLatency))
		}
		rpc := solana.NewHTTPClient(ep.URL, opts...)

		if _, err := rpc.GetSlot(ctx); err != nil {
			return nil, fmt.Errorf("probe %s: %w", ep.URL, err)
		}

		conn := &ActiveConnection{Endpoint: ep, RPC: rpc}
		if ep.WSURL != "" {
			ws, err := solana.NewWSClient(ctx, ep.WSURL, cfg.WS)
			if err != nil {
				return nil, fmt.Errorf("dial %s: %w", ep.WSURL, err)
			}
			conn.WS = ws
		}
		return conn, nil
	}
}
