package quote

import (
	"context"
	"fmt"
	"math"
)

// Well-known mints.
const (
	WSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdw5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	lamportsPerSOL = 1_000_000_000
	usdcUnit       = 1_000_000
)

// SOLPriceUSD prices one SOL in USDC through p.
func SOLPriceUSD(ctx context.Context, p Provider) (float64, error) {
	q, err := p.Quote(ctx, Request{
		InputMint:   WSOLMint,
		OutputMint:  USDCMint,
		Amount:      lamportsPerSOL,
		SlippageBps: 50,
	})
	if err != nil {
		return 0, fmt.Errorf("price SOL: %w", err)
	}
	if q == nil {
		return 0, fmt.Errorf("price SOL: %w: no route", ErrInvalidQuote)
	}
	if q.InAmount == 0 {
		return 0, fmt.Errorf("price SOL: %w: zero inAmount", ErrInvalidQuote)
	}
	price := float64(q.OutAmount) / usdcUnit * lamportsPerSOL / float64(q.InAmount)
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, fmt.Errorf("price SOL: %w: price %v", ErrInvalidQuote, price)
	}
	return price, nil
}
