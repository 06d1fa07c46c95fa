package fastpath

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/analysis"
	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/domain"
)

func (c *Controller) scheduleConfirm(t *tracked, exec *domain.Execution, attempt int) {
	c.schedule(t, c.cfg.ConfirmDelay, func() { c.checkConfirmation(t, exec, attempt) })
}

// checkConfirmation resolves a submission: confirmed, failed on-chain, or
// still unknown. Unknown retries until ConfirmAttempts, then counts as failed.
func (c *Controller) checkConfirmation(t *tracked, exec *domain.Execution, attempt int) {
	landed, cause := c.signatureLanded(exec.Signature)
	switch {
	case landed:
		c.confirmed(t, exec)
	case cause == nil && attempt < c.cfg.ConfirmAttempts:
		c.scheduleConfirm(t, exec, attempt+1)
	default:
		if cause == nil {
			cause = fmt.Errorf("%w after %d checks", ErrNotConfirmed, attempt)
		}
		c.notConfirmed(t, exec, cause)
	}
}

// signatureLanded reports (true, nil) once sig reached confirmed commitment
// and (false, err) when it landed with an error. RPC failures read as unknown.
func (c *Controller) signatureLanded(sig string) (bool, error) {
	conn, err := c.conns.GetConnection()
	if err != nil {
		c.log.WithError(err).WithField("signature", sig).Debug("Confirmation check skipped")
		return false, nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	statuses, err := conn.RPC.GetSignatureStatuses(ctx, []string{sig})
	if err != nil || len(statuses) == 0 || statuses[0] == nil {
		return false, nil
	}
	st := statuses[0]
	if st.Err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransactionFailed, st.Err)
	}
	return st.Landed(), nil
}

func (c *Controller) confirmed(t *tracked, exec *domain.Execution) {
	now := c.clock.Now()
	c.breaker.RecordSuccess()

	pnl := decimal.Zero
	var (
		scaleIn    bool
		exitReason string
	)

	c.mu.Lock()
	exec.Status = domain.ExecutionConfirmed
	exec.ConfirmedAt = &now
	switch exec.Kind {
	case domain.ExecutionEntry:
		if err := t.pos.Transition(domain.PositionActive); err != nil {
			c.log.WithError(err).WithField("position_id", t.pos.ID).Warn("Entry confirmed on a settled position")
		}
		scaleIn = t.scaleInPending
		t.scaleInPending = false
		exitReason = t.exitPending
		t.exitPending = ""
	case domain.ExecutionScaleIn:
		t.pos.Size = t.pos.Size.Add(c.cfg.toUnits(exec.AmountIn))
		t.pos.TokenAmount += exec.ExpectedOut
		t.pos.EntryPrice = entryPrice(c.cfg.toBaseUnits(t.pos.Size), t.pos.TokenAmount)
		c.protect(t.pos)
	case domain.ExecutionExit:
		// Realized against the quoted proceeds.
		pnl = c.cfg.toUnits(exec.ExpectedOut).Sub(t.pos.Size)
		if err := t.pos.Transition(domain.PositionClosed); err != nil {
			c.log.WithError(err).WithField("position_id", t.pos.ID).Warn("Exit confirmed on a settled position")
		}
		t.pos.ClosedAt = &now
		t.pos.ExitReason = exec.Reason
		t.pos.RealizedPnL = pnl
		c.untrackLocked(t)
	}
	pos, e := t.pos.Clone(), cloneExecution(exec)
	open := len(c.positions)
	c.mu.Unlock()

	c.breaker.RecordOutcome(true, pnl)
	c.metrics.RecordSubmission(string(exec.Kind), "confirmed")
	c.metrics.SetOpenPositions(open)
	c.persist(pos, e)

	c.log.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"mint":        pos.InstrumentID,
		"kind":        e.Kind,
		"signature":   e.Signature,
		"status":      pos.Status,
		"size":        pos.Size.String(),
	}).Info("Submission confirmed")

	switch {
	case exitReason != "":
		c.exitWhenActive(t, exitReason)
	case scaleIn:
		c.scaleIn(t)
	}
}

func (c *Controller) notConfirmed(t *tracked, exec *domain.Execution, cause error) {
	now := c.clock.Now()
	c.breaker.RecordFailure(cause)

	c.mu.Lock()
	exec.Status = domain.ExecutionFailed
	if exec.Reason == "" {
		exec.Reason = cause.Error()
	} else {
		exec.Reason = exec.Reason + ": " + cause.Error()
	}
	switch exec.Kind {
	case domain.ExecutionEntry:
		if err := t.pos.Transition(domain.PositionClosed); err == nil {
			t.pos.ClosedAt = &now
			t.pos.ExitReason = domain.ExitReasonEntryNotLanded
		}
		c.untrackLocked(t)
	case domain.ExecutionExit:
		if err := t.pos.Transition(domain.PositionActive); err != nil {
			c.log.WithError(err).WithField("position_id", t.pos.ID).Warn("Failed exit on a settled position")
		}
	}
	pos, e := t.pos.Clone(), cloneExecution(exec)
	open := len(c.positions)
	c.mu.Unlock()

	c.breaker.RecordOutcome(false, decimal.Zero)
	c.metrics.RecordSubmission(string(exec.Kind), "not_confirmed")
	c.metrics.SetOpenPositions(open)
	c.persist(pos, e)

	c.log.WithError(cause).WithFields(logrus.Fields{
		"position_id": pos.ID,
		"mint":        pos.InstrumentID,
		"kind":        e.Kind,
		"signature":   e.Signature,
	}).Warn("Submission not confirmed")
}

// analyze is phase two: score the instrument and adjust the position.
func (c *Controller) analyze(t *tracked) {
	c.mu.Lock()
	if !t.pos.IsOpen() {
		c.mu.Unlock()
		return
	}
	pos := t.pos.Clone()
	opp := t.opp
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	res, err := c.analyzer.Analyze(ctx, pos.InstrumentID, analysis.Context{
		PositionID:   pos.ID,
		Pool:         opp.Pool,
		EntryPrice:   pos.EntryPrice.String(),
		LiquidityUSD: opp.LiquidityUSD,
		OpenedAt:     pos.OpenedAt.UnixMilli(),
	})
	cancel()

	log := c.log.WithFields(logrus.Fields{"position_id": pos.ID, "mint": pos.InstrumentID})
	if err != nil {
		// Unscored positions are held under the tightest protection.
		log.WithError(err).Warn("Deep analysis failed, holding at high risk")
		c.mu.Lock()
		t.decision = DecisionHold
		t.pos.RiskTier = domain.RiskTierHigh
		c.protect(t.pos)
		pos = t.pos.Clone()
		c.mu.Unlock()
		c.persist(pos, nil)
		return
	}

	score, sec := res.FinalScore, res.Security()
	var decision string
	var tier domain.RiskTier
	switch {
	case score < c.cfg.LowScore:
		decision, tier = DecisionEarlyExit, domain.RiskTierHigh
	case score >= c.cfg.HighScore && sec >= c.cfg.HighSecurity:
		decision, tier = DecisionScaleIn, domain.RiskTierLow
	case score >= c.cfg.HoldTierScore:
		decision, tier = DecisionHold, domain.RiskTierLow
	default:
		decision, tier = DecisionHold, domain.RiskTierMedium
	}

	var scaleNow bool
	c.mu.Lock()
	t.analyzed = true
	t.finalScore, t.securityScore = score, sec
	t.decision = decision
	t.pos.RiskTier = tier
	c.protect(t.pos)
	if decision == DecisionScaleIn {
		// An entry still pending scales in once it confirms.
		if t.pos.Status == domain.PositionActive {
			scaleNow = true
		} else {
			t.scaleInPending = true
		}
	}
	pos = t.pos.Clone()
	c.mu.Unlock()

	c.persist(pos, nil)
	log.WithFields(logrus.Fields{
		"final_score":    score,
		"security_score": sec,
		"decision":       decision,
		"risk_tier":      tier,
	}).Info("Deep analysis complete")

	switch {
	case decision == DecisionEarlyExit:
		c.schedule(t, c.cfg.EarlyExitDelay, func() {
			c.exitWhenActive(t, domain.ExitReasonEarlyLowScore)
		})
	case scaleNow:
		c.scaleIn(t)
	}
}

// exitWhenActive exits the position now, or once its entry confirms if it
// is still pending.
func (c *Controller) exitWhenActive(t *tracked, reason string) {
	c.mu.Lock()
	mint := t.pos.InstrumentID
	if t.pos.Status == domain.PositionPending {
		t.exitPending = reason
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"mint": mint, "exit_reason": reason}).Info("Exit deferred until entry confirms")
		return
	}
	c.mu.Unlock()

	res := c.Exit(c.ctx, mint, reason)
	if !res.OK {
		c.log.WithError(res.Err).WithFields(logrus.Fields{"mint": mint, "exit_reason": reason, "reason": res.Reason}).
			Warn("Exit not submitted")
	}
}

// scaleIn submits the follow-up buy once per position.
func (c *Controller) scaleIn(t *tracked) {
	c.mu.Lock()
	if c.closed || t.pos.Status != domain.PositionActive || t.scaleInDone {
		c.mu.Unlock()
		return
	}
	t.scaleInDone = true
	pos := t.pos.Clone()
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"position_id": pos.ID, "mint": pos.InstrumentID})
	amount := c.cfg.ScaleInAmount()
	tx, reason, err := c.buildSwap(c.ctx, c.cfg.InputMint, pos.InstrumentID, amount, c.cfg.EntrySlippageBps, c.cfg.baseFee())
	if err != nil {
		log.WithError(err).WithField("reason", reason).Warn("Scale-in not built")
		return
	}
	signed, err := c.signer.Sign(tx.Raw)
	if err != nil {
		log.WithError(err).Warn("Scale-in not signed")
		return
	}

	var sig string
	sub := c.breaker.Submit(c.ctx, func(ctx context.Context) error {
		var err error
		sig, err = c.send(ctx, signed)
		return err
	})
	if !sub.OK() {
		c.metrics.RecordSubmission(string(domain.ExecutionScaleIn), "failed")
		log.WithError(sub.Err).WithField("reason", sub.Reason).Warn("Scale-in not submitted")
		return
	}

	exec := c.newExecution(pos, domain.ExecutionScaleIn, sig, c.cfg.InputMint, pos.InstrumentID, amount, tx.Quote.OutAmount, tx.Fee)
	c.metrics.RecordSubmission(string(domain.ExecutionScaleIn), "submitted")
	c.persist(nil, cloneExecution(exec))
	c.scheduleConfirm(t, exec, 1)
	log.WithFields(logrus.Fields{"signature": sig, "amount_in": amount}).Info("Scale-in submitted")
}

// Exit sells the whole position in mint. Exits bypass the breaker gate so a
// tripped breaker never traps a position, but submission failures are still
// recorded against it.
func (c *Controller) Exit(ctx context.Context, mint, reason string) Result {
	start := c.clock.Now()

	c.mu.Lock()
	t, ok := c.positions[mint]
	if !ok {
		c.mu.Unlock()
		return reject(ReasonNoPosition, nil)
	}
	if t.pos.Status != domain.PositionActive {
		c.mu.Unlock()
		return reject(ReasonNotActive, nil)
	}
	_ = t.pos.Transition(domain.PositionClosing)
	pos := t.pos.Clone()
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"position_id": pos.ID, "mint": mint, "exit_reason": reason})
	fail := func(refusal string, err error) Result {
		c.mu.Lock()
		_ = t.pos.Transition(domain.PositionActive)
		c.mu.Unlock()
		log.WithError(err).WithField("reason", refusal).Warn("Exit failed")
		return Result{Reason: refusal, Err: err, PositionID: pos.ID, Latency: clock.Since(c.clock, start)}
	}

	fee := c.cfg.urgentFee()
	tx, refusal, err := c.buildSwap(ctx, mint, c.cfg.InputMint, pos.TokenAmount, c.cfg.ExitSlippageBps, fee)
	if err != nil {
		return fail(refusal, err)
	}
	signed, err := c.signer.Sign(tx.Raw)
	if err != nil {
		return fail(ReasonSignFailed, err)
	}
	sig, err := c.send(ctx, signed)
	if err != nil {
		c.breaker.RecordFailure(err)
		c.metrics.RecordSubmission(string(domain.ExecutionExit), "failed")
		return fail(ReasonSubmitFailed, err)
	}

	exec := c.newExecution(pos, domain.ExecutionExit, sig, mint, c.cfg.InputMint, pos.TokenAmount, tx.Quote.OutAmount, tx.Fee)
	exec.Reason = reason

	c.mu.Lock()
	posCopy := t.pos.Clone()
	c.mu.Unlock()

	c.metrics.RecordSubmission(string(domain.ExecutionExit), "submitted")
	c.persist(posCopy, cloneExecution(exec))
	c.scheduleConfirm(t, exec, 1)
	log.WithField("signature", sig).Info("Exit submitted")

	return Result{
		OK:         true,
		Reason:     reason,
		PositionID: pos.ID,
		Signature:  sig,
		AmountIn:   pos.TokenAmount,
		Latency:    clock.Since(c.clock, start),
	}
}
