package wallet_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/store"
	"github.com/atmx/commitment-engine/internal/store/storetest"
	"github.com/atmx/commitment-engine/internal/wallet"
)

func TestCreateUser(t *testing.T) {
	st := store.NewMemoryStore()
	svc := wallet.NewService(st, nil)

	u, err := svc.CreateUser(context.Background(), " alice ", wallet.DefaultInitialCU, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, int64(100), u.CUAvailable)
	assert.True(t, u.RS.IsZero())

	ledger := storetest.Ledger(t, st, u.ID)
	require.Len(t, ledger, 1)
	assert.Equal(t, model.TxAdminAdjustment, ledger[0].Type)
	assert.Equal(t, int64(100), ledger[0].Amount)
	assert.Equal(t, int64(100), ledger[0].BalanceAfter)
}

func TestCreateUser_ZeroBalanceHasNoEntry(t *testing.T) {
	st := store.NewMemoryStore()
	svc := wallet.NewService(st, nil)

	u, err := svc.CreateUser(context.Background(), "bot-1", 0, true)
	require.NoError(t, err)
	assert.True(t, storetest.MustUser(t, st, u.ID).IsBot)
	assert.Empty(t, storetest.Ledger(t, st, u.ID))
}

func TestCreateUser_Errors(t *testing.T) {
	svc := wallet.NewService(store.NewMemoryStore(), nil)

	_, err := svc.CreateUser(context.Background(), "  ", 10, false)
	assert.ErrorIs(t, err, engineerr.ErrInvalidInput)

	_, err = svc.CreateUser(context.Background(), "bob", -1, false)
	assert.ErrorIs(t, err, engineerr.ErrInvalidInput)
}

func TestGrant(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "u1", 40, 0)
	svc := wallet.NewService(st, nil)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return at })

	u, err := svc.Grant(context.Background(), "u1", 60, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.CUAvailable)
	assert.Equal(t, int64(100), storetest.MustUser(t, st, "u1").CUAvailable)

	ledger := storetest.Ledger(t, st, "u1")
	require.Len(t, ledger, 1)
	assert.Equal(t, "Admin grant of 60 CU", ledger[0].Note)
	assert.Equal(t, int64(100), ledger[0].BalanceAfter)
	assert.Equal(t, at, ledger[0].CreatedAt)

	_, err = svc.Grant(context.Background(), "u1", 5, "weekly top-up")
	require.NoError(t, err)
	assert.Equal(t, "weekly top-up", storetest.Ledger(t, st, "u1")[0].Note)
}

func TestGrant_Errors(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "u1", 0, 0)
	svc := wallet.NewService(st, nil)

	tests := []struct {
		name   string
		user   string
		amount int64
		note   string
		want   error
	}{
		{"zero", "u1", 0, "", engineerr.ErrInvalidInput},
		{"over limit", "u1", wallet.MaxGrant + 1, "", engineerr.ErrInvalidInput},
		{"long note", "u1", 1, strings.Repeat("n", 201), engineerr.ErrInvalidInput},
		{"unknown user", "ghost", 1, "", engineerr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Grant(context.Background(), tt.user, tt.amount, tt.note)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(0), storetest.MustUser(t, st, "u1").CUAvailable)
}

func TestGrant_RollsBack(t *testing.T) {
	mem := store.NewMemoryStore()
	storetest.User(t, mem, "u1", 10, 0)
	svc := wallet.NewService(&storetest.Faulty{Store: mem, Fail: storetest.FailUpdateUser}, nil)

	_, err := svc.Grant(context.Background(), "u1", 50, "")
	require.ErrorIs(t, err, storetest.ErrInjected)
	assert.Equal(t, int64(10), storetest.MustUser(t, mem, "u1").CUAvailable)
	assert.Empty(t, storetest.Ledger(t, mem, "u1"))
}

func TestHistory(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "u1", 0, 0)
	svc := wallet.NewService(st, nil)

	entries, err := svc.History(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	for _, amt := range []int64{1, 2, 3} {
		_, err := svc.Grant(context.Background(), "u1", amt, "")
		require.NoError(t, err)
	}
	entries, err = svc.History(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].Amount)
	assert.Equal(t, int64(6), entries[0].BalanceAfter)

	_, err = svc.History(context.Background(), "ghost")
	assert.ErrorIs(t, err, engineerr.ErrNotFound)
}
