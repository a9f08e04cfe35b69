// Package notify delivers post-commit events (new commitments, settlements,
// deadline transitions) to external sinks. Delivery is fire-and-forget: a
// slow or failing sink never affects the transaction that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/commitment-engine/internal/metrics"
	"github.com/atmx/commitment-engine/internal/model"
)

// EventType names what happened.
type EventType string

const (
	EventCommitmentCreated EventType = "commitment_created"
	EventCommitmentUpdated EventType = "commitment_updated"
	EventCommitmentRemoved EventType = "commitment_removed"
	EventPredictionPending EventType = "prediction_pending"
	EventPredictionSettled EventType = "prediction_settled"
)

// Event is the payload handed to every sink.
type Event struct {
	Type         EventType              `json:"type"`
	PredictionID string                 `json:"prediction_id"`
	Status       model.PredictionStatus `json:"status,omitempty"`
	UserIDs      []string               `json:"user_ids,omitempty"`
	Amount       int64                  `json:"amount,omitempty"`
	CUBurned     int64                  `json:"cu_burned,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// Sink publishes events somewhere outside the process.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to every sink on background goroutines.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Each sink publish is bounded by timeout.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, logger: logger}
}

// Notify publishes ev to every sink without blocking the caller. The caller's
// context only contributes values; its cancellation does not abort delivery.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	base := context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		d.wg.Add(1)
		go d.publish(base, s, ev)
	}
}

func (d *Dispatcher) publish(base context.Context, s Sink, ev Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
			d.logger.Error("notification sink panicked", "sink", s.Name(), "type", ev.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(base, d.timeout)
	defer cancel()

	if err := s.Publish(ctx, ev); err != nil {
		metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
		d.logger.Warn("notification failed",
			"sink", s.Name(),
			"type", ev.Type,
			"prediction_id", ev.PredictionID,
			"err", err,
		)
	}
}

// OnSettled announces a resolved forecast and the users whose balances changed.
func (d *Dispatcher) OnSettled(ctx context.Context, p *model.Prediction, affectedUserIDs []string) {
	d.Notify(ctx, Event{
		Type:         EventPredictionSettled,
		PredictionID: p.ID,
		Status:       p.Status,
		UserIDs:      affectedUserIDs,
	})
}

// Wait blocks until every in-flight publish has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
