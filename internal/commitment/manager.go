// Package commitment implements the Commitment Manager: creating, changing
// and withdrawing a user's single stake on a forecast.
//
// Every operation validates against state read before the transaction, then
// re-validates inside the transaction against the locked rows, so a request
// that is obviously invalid never opens a transaction and a request that
// raced with another writer is still rejected. Locks are taken prediction
// first, then user, the same order the settlement engine uses.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/metrics"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/notify"
	"github.com/atmx/commitment-engine/internal/penalty"
	"github.com/atmx/commitment-engine/internal/store"
)

// Notifier receives an event after a commitment change has committed.
// Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Manager orchestrates commitment writes through the store.
type Manager struct {
	store    store.Store
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by st.
func NewManager(st store.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- Request/Response types ---

// CreateRequest stakes Amount CU on Side.
type CreateRequest struct {
	UserID       string
	PredictionID string
	Side         model.Side
	Amount       int64
}

// UpdateRequest changes the amount, the side, or both. Nil fields keep
// their current value.
type UpdateRequest struct {
	UserID       string
	PredictionID string
	NewAmount    *int64
	NewSide      *model.Side
}

// UpdateResult describes an applied update.
type UpdateResult struct {
	Commitment *model.Commitment `json:"commitment"`
	Penalized  bool              `json:"penalized"`
	Penalty    penalty.Result    `json:"penalty"`
}

// RemoveResult describes an early exit.
type RemoveResult struct {
	CUCommitted int64 `json:"cu_committed"`
	CUBurned    int64 `json:"cu_burned"`
	CURefunded  int64 `json:"cu_refunded"`
	BurnRate    int64 `json:"burn_rate"`
}

const (
	opCreate = "commitment.create"
	opUpdate = "commitment.update"
	opRemove = "commitment.remove"

	pathFree    = "free"
	pathPenalty = "penalty"
)

// --- Create ---

// Create stakes CU on a forecast. The first commitment on a forecast locks
// its pool: every later exit or side switch is penalty-bearing.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Commitment, error) {
	c, err := m.create(ctx, req)
	if err != nil {
		m.fail(opCreate, err)
		return nil, err
	}
	metrics.CommitmentsTotal.WithLabelValues("create", pathFree).Inc()
	m.notify(ctx, notify.Event{
		Type:         notify.EventCommitmentCreated,
		PredictionID: c.PredictionID,
		UserIDs:      []string{c.UserID},
		Amount:       c.CUCommitted,
	})
	return c, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*model.Commitment, error) {
	if req.Amount <= 0 {
		return nil, engineerr.New(engineerr.KindInvalidInput, opCreate, "amount must be positive, got %d", req.Amount)
	}

	p, err := getPrediction(ctx, m.store, opCreate, req.PredictionID)
	if err != nil {
		return nil, err
	}
	u, err := getUser(ctx, m.store, opCreate, req.UserID)
	if err != nil {
		return nil, err
	}
	exists, err := hasCommitment(ctx, m.store, opCreate, req.UserID, req.PredictionID)
	if err != nil {
		return nil, err
	}
	if err := checkCreate(p, u, exists, req); err != nil {
		return nil, err
	}

	var created *model.Commitment
	var lockedNow bool
	err = m.inTx(ctx, opCreate, func(tx store.Tx) error {
		p, err := getPrediction(ctx, tx, opCreate, req.PredictionID)
		if err != nil {
			return err
		}
		u, err := getUser(ctx, tx, opCreate, req.UserID)
		if err != nil {
			return err
		}
		exists, err := hasCommitment(ctx, tx, opCreate, req.UserID, req.PredictionID)
		if err != nil {
			return err
		}
		if err := checkCreate(p, u, exists, req); err != nil {
			return err
		}

		now := m.now()
		c := &model.Commitment{
			ID:           uuid.NewString(),
			UserID:       u.ID,
			PredictionID: p.ID,
			Side:         req.Side,
			CUCommitted:  req.Amount,
			RSSnapshot:   u.RS,
			CreatedAt:    now,
		}
		if err := tx.CreateCommitment(ctx, c); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return engineerr.New(engineerr.KindAlreadyExists, opCreate, "commitment already exists")
			}
			return err
		}

		u.CUAvailable -= req.Amount
		u.CULocked += req.Amount
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		note := "Committed to prediction: " + model.Truncate(p.ClaimText, 50)
		if err := tx.AppendCuTransaction(ctx, u.Entry(model.TxCommitmentLock, -req.Amount, c.ID, note, now)); err != nil {
			return err
		}

		if !p.Locked() {
			p.LockedAt = &now
			if err := tx.UpdatePrediction(ctx, p); err != nil {
				return err
			}
			lockedNow = true
		}

		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("commitment created",
		"commitment_id", created.ID,
		"user", created.UserID,
		"prediction", created.PredictionID,
		"side", created.Side.String(),
		"cu", created.CUCommitted,
		"pool_locked", lockedNow,
	)
	return created, nil
}

func checkCreate(p *model.Prediction, u *model.User, exists bool, req CreateRequest) error {
	if p.Status != model.StatusActive {
		return engineerr.New(engineerr.KindInvalidState, opCreate, "prediction is %s, not ACTIVE", p.Status)
	}
	if p.AuthorID == u.ID {
		return engineerr.New(engineerr.KindInvalidState, opCreate, "cannot commit to your own prediction")
	}
	if exists {
		return engineerr.New(engineerr.KindAlreadyExists, opCreate, "commitment already exists")
	}
	if err := model.ValidateSide(p, req.Side); err != nil {
		return &engineerr.Error{Kind: engineerr.KindInvalidInput, Op: opCreate, Err: err}
	}
	if req.Amount > u.CUAvailable {
		return engineerr.New(engineerr.KindInvalidInput, opCreate,
			"insufficient CU: available %d, requested %d", u.CUAvailable, req.Amount)
	}
	return nil
}

// --- Update ---

// updatePlan is the effect of an update computed from one consistent
// snapshot of prediction, user, commitment and pool.
type updatePlan struct {
	noop        bool
	path        string
	newAmount   int64
	newSide     model.Side
	penalty     penalty.Result
	pool        penalty.Pool
	availDelta  int64
	lockedDelta int64
}

// Update changes an open commitment. On an unlocked pool, or for a pure
// decrease on the same side, the change is free. On a locked pool a side
// switch or an increase first exits the old position at the penalty rate
// and then stakes the new amount from the refunded balance.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	res, path, err := m.update(ctx, req)
	if err != nil {
		m.fail(opUpdate, err)
		return nil, err
	}
	if path == "" {
		return res, nil
	}
	metrics.CommitmentsTotal.WithLabelValues("update", path).Inc()
	metrics.CUBurned.Add(float64(res.Penalty.CUBurned))
	m.notify(ctx, notify.Event{
		Type:         notify.EventCommitmentUpdated,
		PredictionID: req.PredictionID,
		UserIDs:      []string{req.UserID},
		Amount:       res.Commitment.CUCommitted,
		CUBurned:     res.Penalty.CUBurned,
	})
	return res, nil
}

func (m *Manager) update(ctx context.Context, req UpdateRequest) (*UpdateResult, string, error) {
	c, err := getCommitment(ctx, m.store, opUpdate, req.UserID, req.PredictionID)
	if err != nil {
		return nil, "", err
	}
	p, err := getPrediction(ctx, m.store, opUpdate, req.PredictionID)
	if err != nil {
		return nil, "", err
	}
	u, err := getUser(ctx, m.store, opUpdate, req.UserID)
	if err != nil {
		return nil, "", err
	}
	plan, err := planUpdate(ctx, m.store, p, u, c, req)
	if err != nil {
		return nil, "", err
	}
	if plan.noop {
		return &UpdateResult{Commitment: c}, "", nil
	}

	var result *UpdateResult
	err = m.inTx(ctx, opUpdate, func(tx store.Tx) error {
		p, err := getPrediction(ctx, tx, opUpdate, req.PredictionID)
		if err != nil {
			return err
		}
		u, err := getUser(ctx, tx, opUpdate, req.UserID)
		if err != nil {
			return err
		}
		c, err := getCommitment(ctx, tx, opUpdate, req.UserID, req.PredictionID)
		if err != nil {
			return err
		}
		plan, err = planUpdate(ctx, tx, p, u, c, req)
		if err != nil {
			return err
		}
		if plan.noop {
			result = &UpdateResult{Commitment: c}
			return nil
		}

		now := m.now()
		oldAmount := c.CUCommitted
		c.CUCommitted = plan.newAmount
		c.Side = plan.newSide
		if err := tx.UpdateCommitment(ctx, c); err != nil {
			return err
		}

		u.CUAvailable += plan.availDelta
		u.CULocked = max(0, u.CULocked+plan.lockedDelta)
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}

		if plan.path == pathPenalty || plan.availDelta != 0 {
			typ := model.TxCommitmentLock
			if plan.availDelta > 0 {
				typ = model.TxRefund
			}
			note := updateNote(plan, oldAmount, p.ClaimText)
			if err := tx.AppendCuTransaction(ctx, u.Entry(typ, plan.availDelta, c.ID, note, now)); err != nil {
				return err
			}
		}

		if plan.penalty.CUBurned > 0 {
			p.WinnersPoolBonus += plan.penalty.CUBurned
			if err := tx.UpdatePrediction(ctx, p); err != nil {
				return err
			}
			if err := tx.CreateWithdrawal(ctx, &model.Withdrawal{
				ID:           uuid.NewString(),
				UserID:       u.ID,
				PredictionID: p.ID,
				CommitmentID: c.ID,
				CUBurned:     plan.penalty.CUBurned,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}

		result = &UpdateResult{
			Commitment: c,
			Penalized:  plan.path == pathPenalty,
			Penalty:    plan.penalty,
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if plan.noop {
		return result, "", nil
	}

	m.logger.Info("commitment updated",
		"commitment_id", result.Commitment.ID,
		"user", req.UserID,
		"prediction", req.PredictionID,
		"path", plan.path,
		"cu", plan.newAmount,
		"side", plan.newSide.String(),
		"cu_burned", plan.penalty.CUBurned,
		"burn_rate", plan.penalty.BurnRate,
	)
	return result, plan.path, nil
}

// planUpdate validates req against one snapshot and computes its effect.
// The pool is only read on the penalty path.
func planUpdate(ctx context.Context, r store.Reader, p *model.Prediction, u *model.User, c *model.Commitment, req UpdateRequest) (updatePlan, error) {
	if p.Status != model.StatusActive {
		return updatePlan{}, engineerr.New(engineerr.KindInvalidState, opUpdate, "prediction is %s, not ACTIVE", p.Status)
	}

	plan := updatePlan{newAmount: c.CUCommitted, newSide: c.Side}
	if req.NewAmount != nil {
		plan.newAmount = *req.NewAmount
	}
	if req.NewSide != nil {
		plan.newSide = *req.NewSide
	}
	if plan.newAmount <= 0 {
		return updatePlan{}, engineerr.New(engineerr.KindInvalidInput, opUpdate, "amount must be positive, got %d", plan.newAmount)
	}
	if err := model.ValidateSide(p, plan.newSide); err != nil {
		return updatePlan{}, &engineerr.Error{Kind: engineerr.KindInvalidInput, Op: opUpdate, Err: err}
	}

	delta := plan.newAmount - c.CUCommitted
	sideChanged := !plan.newSide.Equal(c.Side)
	if delta == 0 && !sideChanged {
		plan.noop = true
		return plan, nil
	}

	if !p.Locked() || (delta < 0 && !sideChanged) {
		if delta > u.CUAvailable {
			return updatePlan{}, engineerr.New(engineerr.KindInsufficientFunds, opUpdate,
				"insufficient CU: available %d, additional needed %d", u.CUAvailable, delta)
		}
		plan.path = pathFree
		plan.availDelta = -delta
		plan.lockedDelta = delta
		return plan, nil
	}

	open, err := r.ListCommitments(ctx, p.ID)
	if err != nil {
		return updatePlan{}, err
	}
	plan.path = pathPenalty
	plan.penalty, plan.pool = penalty.ForCommitment(c, open)
	if u.CUAvailable+plan.penalty.CURefunded < plan.newAmount {
		return updatePlan{}, engineerr.New(engineerr.KindInsufficientFunds, opUpdate,
			"insufficient CU: available %d after %d refunded, need %d",
			u.CUAvailable+plan.penalty.CURefunded, plan.penalty.CURefunded, plan.newAmount)
	}
	plan.availDelta = plan.penalty.CURefunded - plan.newAmount
	plan.lockedDelta = delta
	return plan, nil
}

func updateNote(plan updatePlan, oldAmount int64, claim string) string {
	claim = model.Truncate(claim, 50)
	switch {
	case plan.path == pathPenalty:
		return fmt.Sprintf("Re-committed after penalty (burned %d CU) on: %s", plan.penalty.CUBurned, claim)
	case plan.newAmount > oldAmount:
		return "Increased commitment on: " + claim
	case plan.newAmount < oldAmount:
		return "Decreased commitment on: " + claim
	}
	return "Changed side on: " + claim
}

// --- Remove ---

// Remove withdraws a commitment. On an unlocked pool the full amount is
// refunded. On a locked pool the penalty is burned into the winners' bonus
// pool and recorded as a Withdrawal.
func (m *Manager) Remove(ctx context.Context, userID, predictionID string) (*RemoveResult, error) {
	res, path, err := m.remove(ctx, userID, predictionID)
	if err != nil {
		m.fail(opRemove, err)
		return nil, err
	}
	metrics.CommitmentsTotal.WithLabelValues("remove", path).Inc()
	metrics.CUBurned.Add(float64(res.CUBurned))
	m.notify(ctx, notify.Event{
		Type:         notify.EventCommitmentRemoved,
		PredictionID: predictionID,
		UserIDs:      []string{userID},
		Amount:       res.CURefunded,
		CUBurned:     res.CUBurned,
	})
	return res, nil
}

func (m *Manager) remove(ctx context.Context, userID, predictionID string) (*RemoveResult, string, error) {
	c, err := getCommitment(ctx, m.store, opRemove, userID, predictionID)
	if err != nil {
		return nil, "", err
	}
	p, err := getPrediction(ctx, m.store, opRemove, predictionID)
	if err != nil {
		return nil, "", err
	}
	if err := checkRemove(p); err != nil {
		return nil, "", err
	}

	var result *RemoveResult
	var path string
	err = m.inTx(ctx, opRemove, func(tx store.Tx) error {
		p, err := getPrediction(ctx, tx, opRemove, predictionID)
		if err != nil {
			return err
		}
		u, err := getUser(ctx, tx, opRemove, userID)
		if err != nil {
			return err
		}
		c, err := getCommitment(ctx, tx, opRemove, userID, predictionID)
		if err != nil {
			return err
		}
		if err := checkRemove(p); err != nil {
			return err
		}

		pen := penalty.Result{CURefunded: c.CUCommitted}
		path = pathFree
		if p.Locked() {
			open, err := tx.ListCommitments(ctx, p.ID)
			if err != nil {
				return err
			}
			pen, _ = penalty.ForCommitment(c, open)
			path = pathPenalty
		}

		now := m.now()
		if err := tx.DeleteCommitment(ctx, c.ID); err != nil {
			return err
		}

		u.CUAvailable += pen.CURefunded
		u.CULocked = max(0, u.CULocked-c.CUCommitted)
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		note := "Commitment withdrawn"
		if pen.CUBurned > 0 {
			note = fmt.Sprintf("Commitment withdrawn (burned %d CU)", pen.CUBurned)
		}
		if err := tx.AppendCuTransaction(ctx, u.Entry(model.TxRefund, pen.CURefunded, c.ID, note, now)); err != nil {
			return err
		}

		if p.Locked() {
			if err := tx.CreateWithdrawal(ctx, &model.Withdrawal{
				ID:           uuid.NewString(),
				UserID:       u.ID,
				PredictionID: p.ID,
				CommitmentID: c.ID,
				CUBurned:     pen.CUBurned,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			if pen.CUBurned > 0 {
				p.WinnersPoolBonus += pen.CUBurned
				if err := tx.UpdatePrediction(ctx, p); err != nil {
					return err
				}
			}
		}

		result = &RemoveResult{
			CUCommitted: c.CUCommitted,
			CUBurned:    pen.CUBurned,
			CURefunded:  pen.CURefunded,
			BurnRate:    pen.BurnRate,
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	m.logger.Info("commitment removed",
		"commitment_id", c.ID,
		"user", userID,
		"prediction", predictionID,
		"path", path,
		"cu_refunded", result.CURefunded,
		"cu_burned", result.CUBurned,
	)
	return result, path, nil
}

func checkRemove(p *model.Prediction) error {
	if p.Status != model.StatusActive {
		return engineerr.New(engineerr.KindInvalidState, opRemove, "prediction is %s, not ACTIVE", p.Status)
	}
	return nil
}

// --- Helpers ---

// inTx runs fn in one store transaction. Classified errors from fn pass
// through; anything else is a store failure and becomes CommitmentFailed.
func (m *Manager) inTx(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	err := store.WithTx(ctx, m.store, fn)
	if err == nil {
		return nil
	}
	var ee *engineerr.Error
	if errors.As(err, &ee) {
		return err
	}
	m.logger.Error("commitment transaction rolled back", "op", op, "err", err)
	return engineerr.Wrap(engineerr.KindCommitmentFailed, op, err)
}

func (m *Manager) fail(op string, err error) {
	metrics.CommitmentFailures.WithLabelValues(op, engineerr.KindOf(err).String()).Inc()
}

func (m *Manager) notify(ctx context.Context, ev notify.Event) {
	if m.notifier == nil {
		return
	}
	ev.OccurredAt = m.now()
	m.notifier.Notify(ctx, ev)
}

func getPrediction(ctx context.Context, r store.Reader, op, id string) (*model.Prediction, error) {
	p, err := r.GetPrediction(ctx, id)
	if err != nil {
		return nil, classify(op, "prediction", err)
	}
	return p, nil
}

func getUser(ctx context.Context, r store.Reader, op, id string) (*model.User, error) {
	u, err := r.GetUser(ctx, id)
	if err != nil {
		return nil, classify(op, "user", err)
	}
	return u, nil
}

func getCommitment(ctx context.Context, r store.Reader, op, userID, predictionID string) (*model.Commitment, error) {
	c, err := r.GetCommitment(ctx, userID, predictionID)
	if err != nil {
		return nil, classify(op, "commitment", err)
	}
	return c, nil
}

func hasCommitment(ctx context.Context, r store.Reader, op, userID, predictionID string) (bool, error) {
	_, err := r.GetCommitment(ctx, userID, predictionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, engineerr.Wrap(engineerr.KindCommitmentFailed, op, err)
}

func classify(op, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return engineerr.New(engineerr.KindNotFound, op, "%s not found", what)
	}
	return engineerr.Wrap(engineerr.KindCommitmentFailed, op, err)
}
