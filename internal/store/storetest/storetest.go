// Package storetest provides fixtures and fault injection for tests that run
// against the in-memory store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/store"
)

// Epoch is the fixed creation time of seeded rows.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrInjected is returned by a Faulty store's failing method.
var ErrInjected = errors.New("storetest: injected failure")

// Seed runs fn in one committed transaction, failing the test on error.
func Seed(t testing.TB, st store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	if err := store.WithTx(ctx, st, func(tx store.Tx) error { return fn(ctx, tx) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// User creates a user holding available CU and the given RS.
func User(t testing.TB, st store.Store, id string, available int64, rs float64) *model.User {
	t.Helper()
	u := &model.User{
		ID:          id,
		Name:        id,
		CUAvailable: available,
		RS:          decimal.NewFromFloat(rs),
		CreatedAt:   Epoch,
	}
	Seed(t, st, func(ctx context.Context, tx store.Tx) error { return tx.CreateUser(ctx, u) })
	return u
}

// BinaryPrediction creates an ACTIVE, unlocked BINARY forecast.
func BinaryPrediction(t testing.TB, st store.Store, id, authorID string) *model.Prediction {
	t.Helper()
	p := &model.Prediction{
		ID:          id,
		AuthorID:    authorID,
		ClaimText:   "Will " + id + " happen?",
		OutcomeType: model.OutcomeBinary,
		Status:      model.StatusActive,
		ResolveBy:   Epoch.Add(30 * 24 * time.Hour),
		CreatedAt:   Epoch,
	}
	Seed(t, st, func(ctx context.Context, tx store.Tx) error { return tx.CreatePrediction(ctx, p) })
	return p
}

// ChoicePrediction creates an ACTIVE, unlocked MULTIPLE_CHOICE forecast
// with one option per id.
func ChoicePrediction(t testing.TB, st store.Store, id, authorID string, optionIDs ...string) *model.Prediction {
	t.Helper()
	p := &model.Prediction{
		ID:          id,
		AuthorID:    authorID,
		ClaimText:   "Which " + id + "?",
		OutcomeType: model.OutcomeMultipleChoice,
		Status:      model.StatusActive,
		ResolveBy:   Epoch.Add(30 * 24 * time.Hour),
		CreatedAt:   Epoch,
	}
	for i, oid := range optionIDs {
		p.Options = append(p.Options, model.PredictionOption{
			ID:           oid,
			PredictionID: id,
			Text:         oid,
			DisplayOrder: i,
		})
	}
	Seed(t, st, func(ctx context.Context, tx store.Tx) error { return tx.CreatePrediction(ctx, p) })
	return p
}

// SetStatus overwrites a prediction's status.
func SetStatus(t testing.TB, st store.Store, id string, status model.PredictionStatus) {
	t.Helper()
	Seed(t, st, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPrediction(ctx, id)
		if err != nil {
			return err
		}
		p.Status = status
		return tx.UpdatePrediction(ctx, p)
	})
}

// MustUser reads a user, failing the test if absent.
func MustUser(t testing.TB, st store.Store, id string) *model.User {
	t.Helper()
	u, err := st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

// MustPrediction reads a prediction, failing the test if absent.
func MustPrediction(t testing.TB, st store.Store, id string) *model.Prediction {
	t.Helper()
	p, err := st.GetPrediction(context.Background(), id)
	if err != nil {
		t.Fatalf("get prediction %s: %v", id, err)
	}
	return p
}

// Ledger returns a user's ledger, newest first.
func Ledger(t testing.TB, st store.Store, userID string) []model.CuTransaction {
	t.Helper()
	entries, err := st.ListCuTransactions(context.Background(), userID)
	if err != nil {
		t.Fatalf("list ledger %s: %v", userID, err)
	}
	return entries
}

// --- Fault injection ---

// Method names a Tx method a Faulty store can fail.
type Method string

const (
	FailUpdateUser          Method = "UpdateUser"
	FailUpdatePrediction    Method = "UpdatePrediction"
	FailUpdateCommitment    Method = "UpdateCommitment"
	FailAppendCuTransaction Method = "AppendCuTransaction"
	FailCreateWithdrawal    Method = "CreateWithdrawal"
	FailCommit              Method = "Commit"
)

// Faulty wraps a Store so that every transaction it begins fails on one
// method with ErrInjected. Writes before the failure are rolled back by
// the underlying store.
type Faulty struct {
	store.Store
	Fail Method

	// After lets the first After calls of Fail succeed in each transaction.
	After int
}

// Begin implements store.Store.
func (f *Faulty) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, fail: f.Fail, after: f.After}, nil
}

type faultyTx struct {
	store.Tx
	fail  Method
	after int
	calls int
}

func (t *faultyTx) trip(m Method) error {
	if m != t.fail {
		return nil
	}
	t.calls++
	if t.calls > t.after {
		return ErrInjected
	}
	return nil
}

func (t *faultyTx) UpdateUser(ctx context.Context, u *model.User) error {
	if err := t.trip(FailUpdateUser); err != nil {
		return err
	}
	return t.Tx.UpdateUser(ctx, u)
}

func (t *faultyTx) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	if err := t.trip(FailUpdatePrediction); err != nil {
		return err
	}
	return t.Tx.UpdatePrediction(ctx, p)
}

func (t *faultyTx) UpdateCommitment(ctx context.Context, c *model.Commitment) error {
	if err := t.trip(FailUpdateCommitment); err != nil {
		return err
	}
	return t.Tx.UpdateCommitment(ctx, c)
}

func (t *faultyTx) AppendCuTransaction(ctx context.Context, e *model.CuTransaction) error {
	if err := t.trip(FailAppendCuTransaction); err != nil {
		return err
	}
	return t.Tx.AppendCuTransaction(ctx, e)
}

func (t *faultyTx) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	if err := t.trip(FailCreateWithdrawal); err != nil {
		return err
	}
	return t.Tx.CreateWithdrawal(ctx, w)
}

func (t *faultyTx) Commit(ctx context.Context) error {
	if err := t.trip(FailCommit); err != nil {
		return err
	}
	return t.Tx.Commit(ctx)
}
