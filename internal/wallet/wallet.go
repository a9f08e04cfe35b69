// Package wallet handles CU that enters the system from outside a forecast:
// account opening balances and admin grants. Every change is paired with an
// ADMIN_ADJUSTMENT ledger entry in the same transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/store"
)

// Grant limits.
const (
	DefaultInitialCU = 100
	MaxGrant         = 10000
	MaxNoteLen       = 200
)

const (
	opCreateUser = "wallet.create_user"
	opGrant      = "wallet.grant"
	opHistory    = "wallet.history"
)

// Service opens accounts and grants CU.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service backed by st.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateUser opens an account holding initialCU. A non-zero opening balance
// is recorded as a grant.
func (s *Service) CreateUser(ctx context.Context, name string, initialCU int64, isBot bool) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, engineerr.New(engineerr.KindInvalidInput, opCreateUser, "name is required")
	}
	if initialCU < 0 || initialCU > MaxGrant {
		return nil, engineerr.New(engineerr.KindInvalidInput, opCreateUser, "initial CU must be 0 to %d", MaxGrant)
	}

	now := s.now()
	u := &model.User{
		ID:          uuid.NewString(),
		Name:        name,
		CUAvailable: initialCU,
		RS:          decimal.Zero,
		IsBot:       isBot,
		CreatedAt:   now,
	}
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, u); err != nil {
			return err
		}
		if initialCU == 0 {
			return nil
		}
		return tx.AppendCuTransaction(ctx, u.Entry(model.TxAdminAdjustment, initialCU, "", "Opening balance", now))
	})
	if err != nil {
		return nil, classify(opCreateUser, err)
	}

	s.logger.Info("user created", "user", u.ID, "initial_cu", initialCU, "bot", isBot)
	return u, nil
}

// Grant adds amount CU to a user's available balance.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, note string) (*model.User, error) {
	if amount < 1 || amount > MaxGrant {
		return nil, engineerr.New(engineerr.KindInvalidInput, opGrant, "amount must be 1 to %d", MaxGrant)
	}
	if utf8.RuneCountInString(note) > MaxNoteLen {
		return nil, engineerr.New(engineerr.KindInvalidInput, opGrant, "note must be at most %d characters", MaxNoteLen)
	}
	if note == "" {
		note = fmt.Sprintf("Admin grant of %d CU", amount)
	}

	var granted *model.User
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.CUAvailable += amount
		if err := tx.AppendCuTransaction(ctx, u.Entry(model.TxAdminAdjustment, amount, "", note, s.now())); err != nil {
			return err
		}
		granted = u
		return tx.UpdateUser(ctx, u)
	})
	if err != nil {
		return nil, classify(opGrant, err)
	}

	s.logger.Info("cu granted", "user", userID, "amount", amount, "balance", granted.CUAvailable)
	return granted, nil
}

// History returns a user's ledger, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]model.CuTransaction, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, classify(opHistory, err)
	}
	entries, err := s.store.ListCuTransactions(ctx, userID)
	if err != nil {
		return nil, classify(opHistory, err)
	}
	if entries == nil {
		entries = []model.CuTransaction{}
	}
	return entries, nil
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
