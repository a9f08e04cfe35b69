// Package store defines the Ledger Store for the commitment engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache around another Store), and in-memory (for testing and development).
//
// Every balance, commitment or ledger write happens inside a Tx. A Tx either
// commits all of its writes or none of them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/commitment-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on a unique-key conflict, e.g. a second
	// commitment for the same (user, prediction).
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrTxClosed is returned when a Tx is used after Commit or Rollback.
	ErrTxClosed = errors.New("store: transaction already closed")
)

// Reader is the set of lookups available both on the Store and inside a Tx.
// Inside a Tx, GetUser, GetPrediction and GetCommitment lock the row until
// the transaction ends.
type Reader interface {
	// GetUser returns a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetPrediction returns a prediction with its options.
	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)

	// GetCommitment returns the open stake of userID on predictionID.
	GetCommitment(ctx context.Context, userID, predictionID string) (*model.Commitment, error)

	// ListCommitments returns every commitment on a prediction.
	ListCommitments(ctx context.Context, predictionID string) ([]model.Commitment, error)

	// ListWithdrawals returns every penalty-bearing exit on a prediction.
	ListWithdrawals(ctx context.Context, predictionID string) ([]model.Withdrawal, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// ListUserCommitments returns all commitments made by a user.
	ListUserCommitments(ctx context.Context, userID string) ([]model.Commitment, error)

	// ListCuTransactions returns a user's ledger, newest first.
	ListCuTransactions(ctx context.Context, userID string) ([]model.CuTransaction, error)

	// ListDuePredictions returns ACTIVE predictions whose deadline is at or before now.
	ListDuePredictions(ctx context.Context, now time.Time) ([]model.Prediction, error)

	// Begin opens an atomic transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an atomic multi-row unit of work. Rollback after Commit is a no-op,
// so callers can always `defer tx.Rollback(ctx)`.
type Tx interface {
	Reader

	CreateUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, u *model.User) error

	CreatePrediction(ctx context.Context, p *model.Prediction) error
	// UpdatePrediction writes status, lock, bonus and resolution fields.
	UpdatePrediction(ctx context.Context, p *model.Prediction) error
	// SetCorrectOption marks optionID correct and every other option incorrect.
	SetCorrectOption(ctx context.Context, predictionID, optionID string) error

	CreateCommitment(ctx context.Context, c *model.Commitment) error
	UpdateCommitment(ctx context.Context, c *model.Commitment) error
	DeleteCommitment(ctx context.Context, id string) error

	// --- Immutable ledger ---

	AppendCuTransaction(ctx context.Context, entry *model.CuTransaction) error
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, st Store, fn func(tx Tx) error) error {
	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
