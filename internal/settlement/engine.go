// Package settlement implements one-shot forecast resolution: payouts,
// reputation deltas, the winners' bonus pool and void burn refunds, all
// written in a single store transaction.
//
// Payout rules per commitment of c CU:
//
//	correct: returned = floor(c * 1.5), RS += c * 0.1
//	wrong:   returned = 0,              RS -= c * 0.05
//	void:    returned = c,              RS unchanged
//
// cuLocked and RS are floored at zero after every change, so settlement
// succeeds even when cuLocked has drifted below the sum of open stakes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/metrics"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/store"
)

// Outcome is the moderator's verdict.
type Outcome string

const (
	OutcomeCorrect      Outcome = "correct"
	OutcomeWrong        Outcome = "wrong"
	OutcomeVoid         Outcome = "void"
	OutcomeUnresolvable Outcome = "unresolvable"
)

// Status returns the terminal status for o, and false for unknown outcomes.
func (o Outcome) Status() (model.PredictionStatus, bool) {
	switch o {
	case OutcomeCorrect:
		return model.StatusResolvedCorrect, true
	case OutcomeWrong:
		return model.StatusResolvedWrong, true
	case OutcomeVoid:
		return model.StatusVoid, true
	case OutcomeUnresolvable:
		return model.StatusUnresolvable, true
	}
	return "", false
}

// Refunds reports whether o returns every stake untouched.
func (o Outcome) Refunds() bool {
	return o == OutcomeVoid || o == OutcomeUnresolvable
}

var (
	winRS  = decimal.New(1, -1) // 0.1 RS per CU
	lossRS = decimal.New(5, -2) // 0.05 RS per CU
)

// ResolveRequest resolves one forecast.
type ResolveRequest struct {
	PredictionID string
	Outcome      Outcome

	// CorrectOptionID is required for MULTIPLE_CHOICE correct/wrong outcomes.
	CorrectOptionID string

	ResolvedByID   string
	ResolutionNote string
	EvidenceLinks  []string
}

// Payout is the settlement of one commitment.
type Payout struct {
	CommitmentID string          `json:"commitment_id"`
	UserID       string          `json:"user_id"`
	CUCommitted  int64           `json:"cu_committed"`
	CUReturned   int64           `json:"cu_returned"` // principal payout, excluding bonus
	BonusCU      int64           `json:"bonus_cu"`
	RSChange     decimal.Decimal `json:"rs_change"`
	WasCorrect   bool            `json:"was_correct"`
}

// Result summarizes a committed resolution.
type Result struct {
	Prediction       *model.Prediction `json:"prediction"`
	Payouts          []Payout          `json:"payouts"`
	BonusDistributed int64             `json:"bonus_distributed"`
	BurnRefunded     int64             `json:"burn_refunded"`
	AffectedUserIDs  []string          `json:"affected_user_ids"`
}

// SettledHook is called after a resolution commits. It must not block;
// panics are recovered and logged.
type SettledHook func(ctx context.Context, p *model.Prediction, affectedUserIDs []string)

// Engine resolves forecasts.
type Engine struct {
	store     store.Store
	logger    *slog.Logger
	onSettled SettledHook
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnSettled sets the post-commit hook.
func WithOnSettled(h SettledHook) Option {
	return func(e *Engine) { e.onSettled = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine backed by st.
func NewEngine(st store.Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

const opResolve = "settlement.resolve"

// Resolve moves a forecast into its terminal state and settles every open
// commitment on it. A forecast resolves exactly once: a second call fails
// with InvalidState and changes nothing.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (*Result, error) {
	start := time.Now()
	res, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.ResolutionsTotal.WithLabelValues(string(req.Outcome)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(req.Outcome)).Observe(time.Since(start).Seconds())

	var paid int64
	for _, p := range res.Payouts {
		paid += p.CUReturned
	}
	metrics.CUPaidOut.WithLabelValues("payout").Add(float64(paid))
	metrics.CUPaidOut.WithLabelValues("bonus").Add(float64(res.BonusDistributed))
	metrics.CUPaidOut.WithLabelValues("burn_refund").Add(float64(res.BurnRefunded))

	e.logger.Info("prediction resolved",
		"prediction", res.Prediction.ID,
		"outcome", req.Outcome,
		"status", res.Prediction.Status,
		"commitments", len(res.Payouts),
		"cu_paid", paid,
		"bonus_distributed", res.BonusDistributed,
		"burn_refunded", res.BurnRefunded,
		"resolved_by", req.ResolvedByID,
	)

	e.fireSettled(ctx, res)
	return res, nil
}

func (e *Engine) resolve(ctx context.Context, req ResolveRequest) (*Result, error) {
	if _, ok := req.Outcome.Status(); !ok {
		return nil, engineerr.New(engineerr.KindInvalidInput, opResolve, "unknown outcome %q", req.Outcome)
	}

	p, err := e.getPrediction(ctx, e.store, req.PredictionID)
	if err != nil {
		return nil, err
	}
	if err := checkResolve(p, req); err != nil {
		return nil, err
	}

	var result *Result
	err = store.WithTx(ctx, e.store, func(tx store.Tx) error {
		p, err := e.getPrediction(ctx, tx, req.PredictionID)
		if err != nil {
			return err
		}
		if err := checkResolve(p, req); err != nil {
			return err
		}
		result, err = e.settle(ctx, tx, p, req)
		return err
	})
	if err != nil {
		var ee *engineerr.Error
		if errors.As(err, &ee) {
			return nil, err
		}
		e.logger.Error("settlement rolled back", "prediction", req.PredictionID, "outcome", req.Outcome, "err", err)
		return nil, engineerr.Wrap(engineerr.KindSettlementFailed, opResolve, err)
	}
	return result, nil
}

// checkResolve enforces the one-shot transition and the option rules.
func checkResolve(p *model.Prediction, req ResolveRequest) error {
	if !p.Status.Resolvable() {
		return engineerr.New(engineerr.KindInvalidState, opResolve, "prediction is %s, not ACTIVE or PENDING", p.Status)
	}
	if p.OutcomeType == model.OutcomeMultipleChoice && !req.Outcome.Refunds() {
		if req.CorrectOptionID == "" {
			return engineerr.New(engineerr.KindInvalidInput, opResolve, "correct option is required for multiple choice")
		}
		if !p.HasOption(req.CorrectOptionID) {
			return engineerr.New(engineerr.KindInvalidInput, opResolve, "option %s is not part of this prediction", req.CorrectOptionID)
		}
	}
	return nil
}

// settle applies the resolution inside tx. p is already locked.
func (e *Engine) settle(ctx context.Context, tx store.Tx, p *model.Prediction, req ResolveRequest) (*Result, error) {
	now := e.now()
	refunds := req.Outcome.Refunds()

	all, err := tx.ListCommitments(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	open := make([]model.Commitment, 0, len(all))
	for _, c := range all {
		if !c.Settled() {
			open = append(open, c)
		}
	}

	var withdrawals []model.Withdrawal
	if refunds {
		if withdrawals, err = tx.ListWithdrawals(ctx, p.ID); err != nil {
			return nil, err
		}
	}

	// Lock every affected user in id order.
	ids := make([]string, 0, len(open)+len(withdrawals))
	for _, c := range open {
		ids = append(ids, c.UserID)
	}
	for _, w := range withdrawals {
		ids = append(ids, w.UserID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	users := make(map[string]*model.User, len(ids))
	for _, id := range ids {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		users[id] = u
	}

	claim := model.Truncate(p.ClaimText, 50)
	result := &Result{Payouts: make([]Payout, 0, len(open)), AffectedUserIDs: ids}

	// Principal payouts and RS.
	var winners []int
	var winnerCU int64
	for i := range open {
		c := &open[i]
		u := users[c.UserID]
		pay := payout(c, p, req)

		u.CUAvailable += pay.CUReturned
		u.CULocked = max(0, u.CULocked-c.CUCommitted)
		u.RS = u.RS.Add(pay.RSChange)
		u.ClampRS()

		typ, note := model.TxCommitmentUnlock, "Resolved ("+string(req.Outcome)+"): "+claim
		if refunds {
			typ, note = model.TxRefund, "Refunded ("+string(req.Outcome)+"): "+claim
		}
		if err := tx.AppendCuTransaction(ctx, u.Entry(typ, pay.CUReturned, c.ID, note, now)); err != nil {
			return nil, err
		}

		if pay.WasCorrect {
			winners = append(winners, len(result.Payouts))
			winnerCU += c.CUCommitted
		}
		result.Payouts = append(result.Payouts, pay)
	}

	// Winners' bonus pool, pro rata by stake.
	if !refunds && p.WinnersPoolBonus > 0 && len(winners) > 0 && winnerCU > 0 {
		for _, i := range winners {
			pay := &result.Payouts[i]
			share := p.WinnersPoolBonus * pay.CUCommitted / winnerCU
			if share == 0 {
				continue
			}
			u := users[pay.UserID]
			u.CUAvailable += share
			note := "Winners pool bonus: " + claim
			if err := tx.AppendCuTransaction(ctx, u.Entry(model.TxBonus, share, pay.CommitmentID, note, now)); err != nil {
				return nil, err
			}
			pay.BonusCU = share
			result.BonusDistributed += share
		}
	}

	// Void outcomes hand burned CU back and dissolve the bonus pool.
	if refunds {
		for _, w := range withdrawals {
			if w.CUBurned <= 0 {
				continue
			}
			u := users[w.UserID]
			u.CUAvailable += w.CUBurned
			note := "Burn refunded (" + string(req.Outcome) + "): " + claim
			if err := tx.AppendCuTransaction(ctx, u.Entry(model.TxVoidBurnRefund, w.CUBurned, w.ID, note, now)); err != nil {
				return nil, err
			}
			result.BurnRefunded += w.CUBurned
		}
		p.WinnersPoolBonus = 0
	}

	for i := range open {
		c := &open[i]
		pay := result.Payouts[i]
		returned := pay.CUReturned + pay.BonusCU
		rs := pay.RSChange
		c.CUReturned = &returned
		c.RSChange = &rs
		if err := tx.UpdateCommitment(ctx, c); err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		if err := tx.UpdateUser(ctx, users[id]); err != nil {
			return nil, err
		}
	}

	if p.OutcomeType == model.OutcomeMultipleChoice && !refunds {
		if err := tx.SetCorrectOption(ctx, p.ID, req.CorrectOptionID); err != nil {
			return nil, err
		}
		for i := range p.Options {
			correct := p.Options[i].ID == req.CorrectOptionID
			p.Options[i].IsCorrect = &correct
		}
	}

	status, _ := req.Outcome.Status()
	p.Status = status
	p.ResolvedAt = &now
	p.ResolvedByID = req.ResolvedByID
	p.ResolutionOutcome = string(req.Outcome)
	p.ResolutionNote = req.ResolutionNote
	p.EvidenceLinks = req.EvidenceLinks
	if err := tx.UpdatePrediction(ctx, p); err != nil {
		return nil, err
	}

	result.Prediction = p
	return result, nil
}

// payout computes the principal return and RS delta for one commitment.
func payout(c *model.Commitment, p *model.Prediction, req ResolveRequest) Payout {
	pay := Payout{
		CommitmentID: c.ID,
		UserID:       c.UserID,
		CUCommitted:  c.CUCommitted,
		RSChange:     decimal.Zero,
	}
	if req.Outcome.Refunds() {
		pay.CUReturned = c.CUCommitted
		return pay
	}

	pay.WasCorrect = wasCorrect(c.Side, p.OutcomeType, req)
	stake := decimal.NewFromInt(c.CUCommitted)
	if pay.WasCorrect {
		pay.CUReturned = c.CUCommitted + c.CUCommitted/2
		pay.RSChange = stake.Mul(winRS)
	} else {
		pay.RSChange = stake.Mul(lossRS).Neg()
	}
	return pay
}

// wasCorrect decides a commitment against a correct/wrong verdict. A BINARY
// "correct" verdict means the claim came true, so YES wins; "wrong" means NO
// wins. For MULTIPLE_CHOICE the backed option must be the correct one.
func wasCorrect(side model.Side, outcomeType model.OutcomeType, req ResolveRequest) bool {
	if outcomeType == model.OutcomeMultipleChoice {
		id, ok := side.OptionID()
		return ok && id == req.CorrectOptionID
	}
	choice, ok := side.Binary()
	if !ok {
		return false
	}
	return choice == (req.Outcome == OutcomeCorrect)
}

func (e *Engine) getPrediction(ctx context.Context, r store.Reader, id string) (*model.Prediction, error) {
	p, err := r.GetPrediction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, engineerr.New(engineerr.KindNotFound, opResolve, "prediction not found")
		}
		return nil, engineerr.Wrap(engineerr.KindSettlementFailed, opResolve, err)
	}
	return p, nil
}

// fireSettled runs the hook. The settlement has already committed, so a
// failing hook is only logged.
func (e *Engine) fireSettled(ctx context.Context, res *Result) {
	if e.onSettled == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("settled hook panicked", "prediction", res.Prediction.ID, "panic", r)
		}
	}()
	e.onSettled(ctx, res.Prediction, res.AffectedUserIDs)
}
