// Package forecast manages the non-terminal part of a forecast's lifecycle:
// drafting, publishing and moving past-deadline forecasts to PENDING.
// Terminal statuses are written only by the settlement engine.
package forecast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/metrics"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/notify"
	"github.com/atmx/commitment-engine/internal/store"
)

// Claim and option limits.
const (
	MinClaimLen  = 10
	MaxClaimLen  = 500
	MinOptions   = 2
	MaxOptions   = 10
	MaxOptionLen = 500
)

const (
	opCreate  = "forecast.create"
	opPublish = "forecast.publish"
	opSweep   = "forecast.sweep"
)

// Notifier receives lifecycle events after they commit.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Service drafts, publishes and expires forecasts.
type Service struct {
	store    store.Store
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service backed by st.
func NewService(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest drafts a forecast. Options are the answer texts of a
// MULTIPLE_CHOICE forecast, in display order.
type CreateRequest struct {
	AuthorID    string
	ClaimText   string
	OutcomeType model.OutcomeType
	Options     []string
	ResolveBy   time.Time
}

// Create stores a new DRAFT forecast.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Prediction, error) {
	now := s.now()
	if err := s.checkCreate(req, now); err != nil {
		return nil, err
	}

	p := &model.Prediction{
		ID:          uuid.NewString(),
		AuthorID:    req.AuthorID,
		ClaimText:   strings.TrimSpace(req.ClaimText),
		OutcomeType: req.OutcomeType,
		Status:      model.StatusDraft,
		ResolveBy:   req.ResolveBy.UTC(),
		CreatedAt:   now,
	}
	for i, text := range req.Options {
		p.Options = append(p.Options, model.PredictionOption{
			ID:           uuid.NewString(),
			PredictionID: p.ID,
			Text:         strings.TrimSpace(text),
			DisplayOrder: i,
		})
	}

	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, req.AuthorID); err != nil {
			return err
		}
		return tx.CreatePrediction(ctx, p)
	})
	if err != nil {
		return nil, classify(opCreate, err)
	}

	s.logger.Info("prediction drafted", "prediction", p.ID, "author", p.AuthorID, "type", p.OutcomeType)
	return p, nil
}

func (s *Service) checkCreate(req CreateRequest, now time.Time) error {
	claim := strings.TrimSpace(req.ClaimText)
	if n := utf8.RuneCountInString(claim); n < MinClaimLen || n > MaxClaimLen {
		return engineerr.New(engineerr.KindInvalidInput, opCreate, "claim must be %d to %d characters", MinClaimLen, MaxClaimLen)
	}
	if !req.ResolveBy.After(now) {
		return engineerr.New(engineerr.KindInvalidInput, opCreate, "resolution date must be in the future")
	}
	switch req.OutcomeType {
	case model.OutcomeBinary:
		if len(req.Options) > 0 {
			return engineerr.New(engineerr.KindInvalidInput, opCreate, "binary predictions take no options")
		}
	case model.OutcomeMultipleChoice:
		if len(req.Options) < MinOptions || len(req.Options) > MaxOptions {
			return engineerr.New(engineerr.KindInvalidInput, opCreate, "multiple choice needs %d to %d options", MinOptions, MaxOptions)
		}
		for _, o := range req.Options {
			if n := utf8.RuneCountInString(strings.TrimSpace(o)); n == 0 || n > MaxOptionLen {
				return engineerr.New(engineerr.KindInvalidInput, opCreate, "option text must be 1 to %d characters", MaxOptionLen)
			}
		}
	default:
		return engineerr.New(engineerr.KindInvalidInput, opCreate, "unknown outcome type %q", req.OutcomeType)
	}
	return nil
}

// Publish opens a DRAFT forecast for commitments. Only its author may
// publish it, and only while its deadline is still ahead.
func (s *Service) Publish(ctx context.Context, authorID, predictionID string) (*model.Prediction, error) {
	var published *model.Prediction
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		p, err := tx.GetPrediction(ctx, predictionID)
		if err != nil {
			return err
		}
		if p.AuthorID != authorID {
			return engineerr.New(engineerr.KindInvalidState, opPublish, "only the author can publish")
		}
		if p.Status != model.StatusDraft {
			return engineerr.New(engineerr.KindInvalidState, opPublish, "prediction is %s, not DRAFT", p.Status)
		}
		if !p.ResolveBy.After(s.now()) {
			return engineerr.New(engineerr.KindInvalidInput, opPublish, "resolution date must be in the future")
		}
		p.Status = model.StatusActive
		published = p
		return tx.UpdatePrediction(ctx, p)
	})
	if err != nil {
		return nil, classify(opPublish, err)
	}

	s.logger.Info("prediction published", "prediction", published.ID)
	return published, nil
}

// SweepDeadlines moves every ACTIVE forecast whose deadline has passed to
// PENDING and returns how many moved. Each forecast moves in its own
// transaction, so one failure does not hold back the rest.
func (s *Service) SweepDeadlines(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDuePredictions(ctx, now)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.KindInternal, opSweep, err)
	}

	var moved int
	var errs []error
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.expire(ctx, d.ID, now)
		if err != nil {
			s.logger.Error("deadline sweep failed", "prediction", d.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		moved++
		metrics.DeadlineSweeps.Inc()
		if s.notifier != nil {
			s.notifier.Notify(ctx, notify.Event{
				Type:         notify.EventPredictionPending,
				PredictionID: d.ID,
				Status:       model.StatusPending,
				OccurredAt:   now,
			})
		}
	}

	if moved > 0 {
		s.logger.Info("deadline sweep", "moved", moved, "due", len(due))
	}
	if len(errs) > 0 {
		return moved, engineerr.Wrap(engineerr.KindInternal, opSweep, errors.Join(errs...))
	}
	return moved, nil
}

// expire re-checks the locked row, which may have been resolved since the
// due list was read.
func (s *Service) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	var moved bool
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		p, err := tx.GetPrediction(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != model.StatusActive || p.ResolveBy.After(now) {
			return nil
		}
		p.Status = model.StatusPending
		moved = true
		return tx.UpdatePrediction(ctx, p)
	})
	return moved, err
}

func classify(op string, err error) error {
	var ee *engineerr.Error
	switch {
	case errors.As(err, &ee):
		return err
	case errors.Is(err, store.ErrNotFound):
		return engineerr.New(engineerr.KindNotFound, op, "%v", err)
	case errors.Is(err, store.ErrAlreadyExists):
		return engineerr.New(engineerr.KindAlreadyExists, op, "%v", err)
	}
	return engineerr.Wrap(engineerr.KindInternal, op, err)
}
