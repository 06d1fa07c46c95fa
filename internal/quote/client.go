// Package quote is a client for a Jupiter-style swap aggregator: it prices a
// route between two mints and builds the unsigned swap transaction for it.
package quote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default configuration values.
const (
	DefaultBaseURL = "https://quote-api.jup.ag/v6"
	DefaultTimeout = 5 * time.Second
)

// ErrInvalidQuote is returned when the aggregator's response cannot be used.
var ErrInvalidQuote = errors.New("invalid quote")

// Request asks for a route swapping Amount base units of InputMint into OutputMint.
type Request struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

// Quote is a priced route.
type Quote struct {
	InputMint            string
	OutputMint           string
	InAmount             uint64
	OutAmount            uint64
	OtherAmountThreshold uint64
	SlippageBps          int
	PriceImpactPct       float64
	// Raw is the aggregator's response, echoed back when building the swap.
	Raw jsoniter.RawMessage
}

// Provider prices routes and builds swap transactions.
type Provider interface {
	// Quote returns nil, nil when no route exists.
	Quote(ctx context.Context, req Request) (*Quote, error)
	// BuildSwap returns the serialized unsigned transaction for q.
	BuildSwap(ctx context.Context, q *Quote, userPublicKey string, priorityFeeLamports uint64) ([]byte, error)
}

// Client implements Provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

var _ Provider = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithAPIKey sends key in the x-api-key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a client for the aggregator at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// No-route error codes.
var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE": true,
	"NO_ROUTES_FOUND":          true,
	"TOKEN_NOT_TRADABLE":       true,
}

// Quote requests a route. A missing route is not an error.
func (c *Client) Quote(ctx context.Context, req Request) (*Quote, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrInvalidQuote)
	}
	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	body, status, err := c.do(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && noRouteCodes[e.ErrorCode] {
			return nil, nil
		}
		return nil, fmt.Errorf("quote: unexpected status %d: %s", status, string(body))
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	out, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: outAmount %q", ErrInvalidQuote, resp.OutAmount)
	}
	if out == 0 {
		return nil, nil
	}
	in, err := strconv.ParseUint(resp.InAmount, 10, 64)
	if err != nil || in == 0 {
		return nil, fmt.Errorf("%w: inAmount %q", ErrInvalidQuote, resp.InAmount)
	}
	threshold, _ := strconv.ParseUint(resp.OtherAmountThreshold, 10, 64)
	impact, _ := strconv.ParseFloat(resp.PriceImpactPct, 64)

	return &Quote{
		InputMint:            resp.InputMint,
		OutputMint:           resp.OutputMint,
		InAmount:             in,
		OutAmount:            out,
		OtherAmountThreshold: threshold,
		SlippageBps:          resp.SlippageBps,
		PriceImpactPct:       impact,
		Raw:                  append(jsoniter.RawMessage(nil), body...),
	}, nil
}

type swapRequest struct {
	QuoteResponse             jsoniter.RawMessage `json:"quoteResponse"`
	UserPublicKey             string              `json:"userPublicKey"`
	WrapAndUnwrapSol          bool                `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool                `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports uint64              `json:"prioritizationFeeLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwap returns the serialized unsigned transaction for q.
func (c *Client) BuildSwap(ctx context.Context, q *Quote, userPublicKey string, priorityFeeLamports uint64) ([]byte, error) {
	if q == nil || len(q.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing route", ErrInvalidQuote)
	}
	payload, err := json.Marshal(swapRequest{
		QuoteResponse:             q.Raw,
		UserPublicKey:             userPublicKey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: priorityFeeLamports,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPost, c.baseURL+"/swap", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("swap: unexpected status %d: %s", status, string(body))
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal swap: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: swapTransaction is not base64", ErrInvalidQuote)
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, 0, fmt.Errorf("rate limited (429)")
	}
	return body, resp.StatusCode, nil
}
