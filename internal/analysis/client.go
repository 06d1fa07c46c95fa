// Package analysis calls the external deep analysis engine.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds one analyze call.
const DefaultTimeout = 10 * time.Second

// Subscore names.
const (
	SubscoreSecurity  = "security"
	SubscoreLiquidity = "liquidity"
	SubscoreMomentum  = "momentum"
)

// ErrInvalidResult is returned when the engine's response has no usable score.
var ErrInvalidResult = errors.New("invalid analysis result")

// Context carries what the caller already knows about the instrument.
type Context struct {
	PositionID   string  `json:"positionId,omitempty"`
	Pool         string  `json:"pool,omitempty"`
	EntryPrice   string  `json:"entryPrice,omitempty"`
	LiquidityUSD float64 `json:"liquidityUsd,omitempty"`
	OpenedAt     int64   `json:"openedAt,omitempty"` // Unix ms
}

// Result is the engine's verdict. Scores are on a 0..10 scale.
type Result struct {
	Subscores  map[string]float64 `json:"subscores"`
	FinalScore float64            `json:"finalScore"`
}

// Security returns the security subscore, zero when absent.
func (r *Result) Security() float64 {
	if r == nil {
		return 0
	}
	return r.Subscores[SubscoreSecurity]
}

// Analyzer scores an instrument.
type Analyzer interface {
	Analyze(ctx context.Context, instrumentID string, ac Context) (*Result, error)
}

// Client implements Analyzer over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ Analyzer = (*Client)(nil)

// NewClient creates a client for the engine at baseURL. Zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	Mint    string  `json:"mint"`
	Context Context `json:"context"`
}

// Analyze posts the instrument to /analyze.
func (c *Client) Analyze(ctx context.Context, instrumentID string, ac Context) (*Result, error) {
	payload, err := json.Marshal(analyzeRequest{Mint: instrumentID, Context: ac})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyze: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if result.FinalScore < 0 || result.FinalScore > 10 {
		return nil, fmt.Errorf("%w: final score %v out of range", ErrInvalidResult, result.FinalScore)
	}
	if result.Subscores == nil {
		result.Subscores = map[string]float64{}
	}
	return &result, nil
}
