package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/internal/metrics"
	"github.com/layer-3/walletauth/ports"
)

// StepUpController gates sensitive operations behind a fresh proof of key
// ownership. Per session it moves NONE -> PENDING -> SATISFIED, and back to
// NONE once the grace period elapses.
type StepUpController struct {
	states     ports.StepUpStore
	challenges *ChallengeManager
	risk       *RiskEngine
	clock      ports.Clock

	cfg          config.StepUpConfig
	challengeTTL time.Duration
	timeout      time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStepUpController creates a step-up controller. risk may be nil.
func NewStepUpController(
	cfg config.Config,
	states ports.StepUpStore,
	challenges *ChallengeManager,
	risk *RiskEngine,
	clock ports.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *StepUpController {
	return &StepUpController{
		states:       states,
		challenges:   challenges,
		risk:         risk,
		clock:        clock,
		cfg:          cfg.StepUp,
		challengeTTL: cfg.Challenge.TTL,
		timeout:      cfg.Store.Timeout,
		logger:       logger,
		metrics:      m,
	}
}

// Classify ranks an operation by its monetary value and administrative
// sensitivity.
func (c *StepUpController) Classify(op core.Operation) core.OperationClass {
	if op.Administrative {
		return core.ClassHigh
	}
	if op.Amount.Valid {
		switch {
		case op.Amount.Decimal.GreaterThanOrEqual(c.cfg.HighThreshold):
			return core.ClassHigh
		case op.Amount.Decimal.GreaterThanOrEqual(c.cfg.MediumThreshold):
			return core.ClassMedium
		}
	}
	return core.ClassLow
}

// Require reports whether p may perform op now. When it may not, a step-up
// challenge is issued and recorded as pending against the session.
func (c *StepUpController) Require(ctx context.Context, p *core.Principal, op core.Operation, client core.RequestContext) (*core.StepUpResult, error) {
	logger := logx.FromContext(ctx, c.logger)
	class := c.Classify(op)
	needed := class >= core.ClassMedium || p.RequiresStepUp

	if c.risk != nil {
		client.Amount = op.Amount
		client.Operation = op.Name
		a := c.risk.Score(ctx, p.Address, client)
		switch a.Action {
		case core.ActionBlock:
			c.metrics.StepUp("blocked")
			logger.Warn("operation_blocked", "sid", p.SessionID, "operation", op.Name, "score", a.Score)
			return nil, core.ErrAuthenticationBlocked
		case core.ActionStepUp:
			needed = true
			if class < core.ClassMedium {
				class = core.ClassMedium
			}
		}
	}

	if !needed {
		c.metrics.StepUp("not_required")
		return &core.StepUpResult{Satisfied: true, Class: class}, nil
	}

	now := c.clock.Now()
	state, err := c.state(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if state.Effective(now) == core.StepUpSatisfied && state.Class >= class {
		c.metrics.StepUp("satisfied")
		return &core.StepUpResult{Satisfied: true, Class: class}, nil
	}

	ch, err := c.challenges.IssueStepUp(ctx, p.Address, p.SessionID, op.Name, client)
	if err != nil {
		return nil, err
	}

	pending := &core.StepUpState{
		SessionID:   p.SessionID,
		Status:      core.StepUpPending,
		Class:       class,
		Operation:   op.Name,
		ChallengeID: ch.ID,
		RequestedAt: now,
	}
	if err := storeCall(ctx, c.timeout, func(ctx context.Context) error {
		return c.states.PutStepUp(ctx, pending, c.challengeTTL)
	}); err != nil {
		return nil, fmt.Errorf("failed to record step-up: %w", err)
	}

	c.metrics.StepUp("challenge_required")
	logger.Info("step_up_required", "sid", p.SessionID, "operation", op.Name, "class", class.String())
	return &core.StepUpResult{Satisfied: false, Class: class, Challenge: ch}, nil
}

// Complete verifies a signed step-up challenge for p's pending requirement
// and marks the session SATISFIED for the grace period.
func (c *StepUpController) Complete(ctx context.Context, p *core.Principal, req ConsumeRequest) (*core.StepUpState, error) {
	state, err := c.state(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if state.Status != core.StepUpPending {
		return nil, core.ErrStepUpNotPending
	}
	// Only the challenge issued for the pending operation completes it; a
	// newer requirement supersedes earlier challenges.
	if req.ChallengeID != state.ChallengeID {
		c.metrics.StepUp("failed")
		return nil, core.ErrChallengeNotFound
	}

	jkt, err := clientThumbprint(req.ClientKey)
	if err != nil {
		return nil, err
	}
	if jkt != "" && jkt != p.DPoPJKT {
		return nil, core.ErrDPoPRebind
	}

	if req.Address == "" {
		req.Address = p.Address.String()
	}
	req.Purpose = core.PurposeStepUp
	req.SessionID = p.SessionID
	id, err := c.challenges.Consume(ctx, req)
	if err != nil {
		c.metrics.StepUp("failed")
		return nil, err
	}
	if !id.Address.Equal(p.Address) {
		c.metrics.StepUp("failed")
		return nil, core.ErrSignatureMismatch
	}

	now := c.clock.Now()
	satisfied := &core.StepUpState{
		SessionID:    p.SessionID,
		Status:       core.StepUpSatisfied,
		Class:        state.Class,
		Operation:    state.Operation,
		ChallengeID:  id.ChallengeID,
		RequestedAt:  state.RequestedAt,
		SatisfiedAt:  now,
		SatisfiedTil: now.Add(c.cfg.Grace),
	}
	if err := storeCall(ctx, c.timeout, func(ctx context.Context) error {
		return c.states.PutStepUp(ctx, satisfied, c.cfg.Grace)
	}); err != nil {
		return nil, fmt.Errorf("failed to record step-up: %w", err)
	}

	c.metrics.StepUp("completed")
	logx.FromContext(ctx, c.logger).Info("step_up_completed", "sid", p.SessionID, "class", state.Class.String())
	return satisfied, nil
}

// State returns the session's step-up state; an absent record is NONE.
func (c *StepUpController) State(ctx context.Context, sessionID string) (*core.StepUpState, error) {
	return c.state(ctx, sessionID)
}

func (c *StepUpController) state(ctx context.Context, sessionID string) (*core.StepUpState, error) {
	st, err := storeGet(ctx, c.timeout, func(ctx context.Context) (*core.StepUpState, error) {
		return c.states.GetStepUp(ctx, sessionID)
	})
	if errors.Is(err, core.ErrNotFound) {
		return &core.StepUpState{SessionID: sessionID, Status: core.StepUpNone}, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Effective(c.clock.Now()) == core.StepUpNone {
		return &core.StepUpState{SessionID: sessionID, Status: core.StepUpNone}, nil
	}
	return st, nil
}
