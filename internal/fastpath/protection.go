package fastpath

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/quote"
)

// checkProtection requotes every active position and exits those whose
// price crossed stop-loss or take-profit.
func (c *Controller) checkProtection() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var due []*domain.Position
	for _, t := range c.positions {
		if t.pos.Status == domain.PositionActive && t.pos.TokenAmount > 0 && t.pos.StopLossPrice.IsPositive() {
			due = append(due, t.pos.Clone())
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].OpenedAt.Before(due[j].OpenedAt) })

	for _, pos := range due {
		log := c.log.WithFields(logrus.Fields{"position_id": pos.ID, "mint": pos.InstrumentID})
		price, err := c.markPrice(pos)
		if err != nil {
			log.WithError(err).Debug("Protection quote failed")
			continue
		}
		reason := protectionTrigger(pos, price)
		if reason == "" {
			continue
		}
		log.WithFields(logrus.Fields{
			"price":       price.String(),
			"stop_loss":   pos.StopLossPrice.String(),
			"take_profit": pos.TakeProfitPrice.String(),
			"exit_reason": reason,
		}).Info("Protection level crossed")
		if res := c.Exit(c.ctx, pos.InstrumentID, reason); !res.OK {
			log.WithError(res.Err).WithField("reason", res.Reason).Warn("Protective exit not submitted")
		}
	}
}

// markPrice quotes selling the whole position, in the entry price's units.
func (c *Controller) markPrice(pos *domain.Position) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	q, err := c.quotes.Quote(ctx, quote.Request{
		InputMint:   pos.InstrumentID,
		OutputMint:  c.cfg.InputMint,
		Amount:      pos.TokenAmount,
		SlippageBps: c.cfg.ExitSlippageBps,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if q == nil {
		return decimal.Zero, errNoRoute
	}
	return entryPrice(q.OutAmount, pos.TokenAmount), nil
}

// protectionTrigger returns the exit reason price triggers, or "".
func protectionTrigger(pos *domain.Position, price decimal.Decimal) string {
	sl, tp := pos.StopLossPrice, pos.TakeProfitPrice
	if pos.Side == domain.SideShort {
		switch {
		case sl.IsPositive() && price.GreaterThanOrEqual(sl):
			return domain.ExitReasonStopLoss
		case tp.IsPositive() && price.LessThanOrEqual(tp):
			return domain.ExitReasonTakeProfit
		}
		return ""
	}
	switch {
	case sl.IsPositive() && price.LessThanOrEqual(sl):
		return domain.ExitReasonStopLoss
	case tp.IsPositive() && price.GreaterThanOrEqual(tp):
		return domain.ExitReasonTakeProfit
	}
	return ""
}
