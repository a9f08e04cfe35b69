package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/commitment-engine/internal/commitment"
	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/settlement"
	"github.com/atmx/commitment-engine/internal/store"
	"github.com/atmx/commitment-engine/internal/store/storetest"
)

var resolvedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newEngine(st store.Store, opts ...settlement.Option) *settlement.Engine {
	opts = append([]settlement.Option{settlement.WithClock(func() time.Time { return resolvedAt })}, opts...)
	return settlement.NewEngine(st, nil, opts...)
}

// stake moves amount from available to locked and records the commitment.
func stake(t *testing.T, st store.Store, userID, predictionID string, side model.Side, amount int64) {
	t.Helper()
	storetest.Seed(t, st, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.CUAvailable -= amount
		u.CULocked += amount
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		return tx.CreateCommitment(ctx, &model.Commitment{
			ID:           "c-" + userID + "-" + predictionID,
			UserID:       userID,
			PredictionID: predictionID,
			Side:         side,
			CUCommitted:  amount,
			RSSnapshot:   u.RS,
			CreatedAt:    storetest.Epoch,
		})
	})
}

func setBonus(t *testing.T, st store.Store, predictionID string, bonus int64) {
	t.Helper()
	storetest.Seed(t, st, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPrediction(ctx, predictionID)
		if err != nil {
			return err
		}
		p.WinnersPoolBonus = bonus
		return tx.UpdatePrediction(ctx, p)
	})
}

func resolve(t *testing.T, e *settlement.Engine, predictionID string, outcome settlement.Outcome) *settlement.Result {
	t.Helper()
	res, err := e.Resolve(context.Background(), settlement.ResolveRequest{
		PredictionID: predictionID,
		Outcome:      outcome,
		ResolvedByID: "mod",
	})
	require.NoError(t, err)
	return res
}

// --- Worked scenarios ---

func TestResolve_BinaryCorrect(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 100)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 20)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeCorrect)

	u := storetest.MustUser(t, st, "u1")
	assert.Equal(t, int64(110), u.CUAvailable)
	assert.Equal(t, int64(0), u.CULocked)
	assert.Equal(t, "102", u.RS.String())

	require.Len(t, res.Payouts, 1)
	assert.True(t, res.Payouts[0].WasCorrect)
	assert.Equal(t, int64(30), res.Payouts[0].CUReturned)
	assert.Equal(t, "2", res.Payouts[0].RSChange.String())

	c, err := st.GetCommitment(context.Background(), "u1", "p1")
	require.NoError(t, err)
	require.True(t, c.Settled())
	assert.Equal(t, int64(30), *c.CUReturned)

	ledger := storetest.Ledger(t, st, "u1")
	assert.Equal(t, model.TxCommitmentUnlock, ledger[0].Type)
	assert.Equal(t, int64(30), ledger[0].Amount)
	assert.Equal(t, int64(110), ledger[0].BalanceAfter)

	p := storetest.MustPrediction(t, st, "p1")
	assert.Equal(t, model.StatusResolvedCorrect, p.Status)
	assert.Equal(t, resolvedAt, *p.ResolvedAt)
	assert.Equal(t, "mod", p.ResolvedByID)
	assert.Equal(t, "correct", p.ResolutionOutcome)
}

func TestResolve_BinaryWrong(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 100)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 20)

	resolve(t, newEngine(st), "p1", settlement.OutcomeWrong)

	u := storetest.MustUser(t, st, "u1")
	assert.Equal(t, int64(80), u.CUAvailable)
	assert.Equal(t, int64(0), u.CULocked)
	assert.Equal(t, "99", u.RS.String())

	ledger := storetest.Ledger(t, st, "u1")
	assert.Equal(t, model.TxCommitmentUnlock, ledger[0].Type)
	assert.Equal(t, int64(0), ledger[0].Amount)
}

func TestResolve_NoSideWinsOnWrongVerdict(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(false), 40)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeWrong)
	require.Len(t, res.Payouts, 1)
	assert.True(t, res.Payouts[0].WasCorrect)
	assert.Equal(t, int64(60), res.Payouts[0].CUReturned)
	assert.Equal(t, int64(120), storetest.MustUser(t, st, "u1").CUAvailable)
}

func TestResolve_RSFlooredAtZero(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 2)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 50)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeWrong)

	assert.Equal(t, "-2.5", res.Payouts[0].RSChange.String())
	u := storetest.MustUser(t, st, "u1")
	assert.True(t, u.RS.IsZero(), "expected RS 0, got %s", u.RS)
}

func TestResolve_CULockedDriftFloored(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 40)
	storetest.Seed(t, st, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUser(ctx, "u1")
		if err != nil {
			return err
		}
		u.CULocked = 15 // drifted below the 40 staked
		return tx.UpdateUser(ctx, u)
	})

	resolve(t, newEngine(st), "p1", settlement.OutcomeCorrect)

	u := storetest.MustUser(t, st, "u1")
	assert.Equal(t, int64(0), u.CULocked)
	assert.Equal(t, int64(60+60), u.CUAvailable)
}

// --- Void ---

func TestResolve_VoidRefundsStakes(t *testing.T) {
	for _, outcome := range []settlement.Outcome{settlement.OutcomeVoid, settlement.OutcomeUnresolvable} {
		t.Run(string(outcome), func(t *testing.T) {
			st := store.NewMemoryStore()
			storetest.User(t, st, "author", 0, 0)
			storetest.User(t, st, "u1", 100, 10)
			storetest.User(t, st, "u2", 100, 10)
			storetest.BinaryPrediction(t, st, "p1", "author")
			stake(t, st, "u1", "p1", model.BinarySide(true), 30)
			stake(t, st, "u2", "p1", model.BinarySide(false), 70)

			res := resolve(t, newEngine(st), "p1", outcome)
			assert.Len(t, res.Payouts, 2)

			for _, id := range []string{"u1", "u2"} {
				u := storetest.MustUser(t, st, id)
				assert.Equal(t, int64(100), u.CUAvailable, id)
				assert.Equal(t, int64(0), u.CULocked, id)
				assert.Equal(t, "10", u.RS.String(), id)

				ledger := storetest.Ledger(t, st, id)
				assert.Equal(t, model.TxRefund, ledger[0].Type)
			}

			status, _ := outcome.Status()
			assert.Equal(t, status, storetest.MustPrediction(t, st, "p1").Status)
		})
	}
}

func TestResolve_VoidRefundsBurnsAndDissolvesBonus(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.User(t, st, "u2", 900, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")

	m := commitment.NewManager(st, nil)
	ctx := context.Background()
	for _, req := range []commitment.CreateRequest{
		{UserID: "u1", PredictionID: "p1", Side: model.BinarySide(true), Amount: 100},
		{UserID: "u2", PredictionID: "p1", Side: model.BinarySide(false), Amount: 900},
	} {
		_, err := m.Create(ctx, req)
		require.NoError(t, err)
	}
	removed, err := m.Remove(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Equal(t, int64(10), removed.CUBurned)
	require.Equal(t, int64(10), storetest.MustPrediction(t, st, "p1").WinnersPoolBonus)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeVoid)

	assert.Equal(t, int64(10), res.BurnRefunded)
	assert.Equal(t, int64(0), res.BonusDistributed)
	assert.ElementsMatch(t, []string{"u1", "u2"}, res.AffectedUserIDs)

	u1 := storetest.MustUser(t, st, "u1")
	assert.Equal(t, int64(100), u1.CUAvailable, "the exit burn comes back on void")
	u2 := storetest.MustUser(t, st, "u2")
	assert.Equal(t, int64(900), u2.CUAvailable)

	ledger := storetest.Ledger(t, st, "u1")
	assert.Equal(t, model.TxVoidBurnRefund, ledger[0].Type)
	assert.Equal(t, int64(10), ledger[0].Amount)
	assert.Equal(t, int64(100), ledger[0].BalanceAfter)

	assert.Zero(t, storetest.MustPrediction(t, st, "p1").WinnersPoolBonus)
}

// --- Bonus pool ---

func TestResolve_BonusSplitProRata(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.User(t, st, "u2", 300, 0)
	storetest.User(t, st, "u3", 200, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 100)
	stake(t, st, "u2", "p1", model.BinarySide(true), 300)
	stake(t, st, "u3", "p1", model.BinarySide(false), 200)
	setBonus(t, st, "p1", 101)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeCorrect)

	// floor(101*100/400) = 25, floor(101*300/400) = 75.
	assert.Equal(t, int64(100), res.BonusDistributed)

	u1 := storetest.MustUser(t, st, "u1")
	assert.Equal(t, int64(150+25), u1.CUAvailable)
	u2 := storetest.MustUser(t, st, "u2")
	assert.Equal(t, int64(450+75), u2.CUAvailable)
	u3 := storetest.MustUser(t, st, "u3")
	assert.Equal(t, int64(0), u3.CUAvailable)

	ledger := storetest.Ledger(t, st, "u2")
	require.Len(t, ledger, 2)
	assert.Equal(t, model.TxBonus, ledger[0].Type)
	assert.Equal(t, int64(75), ledger[0].Amount)
	assert.Equal(t, int64(525), ledger[0].BalanceAfter)

	c, err := st.GetCommitment(context.Background(), "u2", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(525), *c.CUReturned, "returned includes the bonus share")
}

func TestResolve_BonusSkippedWithoutWinners(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 100)
	setBonus(t, st, "p1", 50)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeWrong)

	assert.Zero(t, res.BonusDistributed)
	assert.Equal(t, int64(0), storetest.MustUser(t, st, "u1").CUAvailable)
}

func TestResolve_NoCommitments(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	setBonus(t, st, "p1", 40)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeCorrect)
	assert.Empty(t, res.Payouts)
	assert.Empty(t, res.AffectedUserIDs)
	assert.Equal(t, model.StatusResolvedCorrect, storetest.MustPrediction(t, st, "p1").Status)
}

// --- Multiple choice ---

func TestResolve_MultipleChoiceMarksOptions(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.User(t, st, "u2", 100, 0)
	storetest.ChoicePrediction(t, st, "p1", "author", "a", "b", "c")
	stake(t, st, "u1", "p1", model.OptionSide("a"), 100)
	stake(t, st, "u2", "p1", model.OptionSide("b"), 100)

	res, err := newEngine(st).Resolve(context.Background(), settlement.ResolveRequest{
		PredictionID:    "p1",
		Outcome:         settlement.OutcomeCorrect,
		CorrectOptionID: "b",
		ResolutionNote:  "b happened",
		EvidenceLinks:   []string{"https://example.com/b"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Payouts, 2)

	assert.Equal(t, int64(0), storetest.MustUser(t, st, "u1").CUAvailable)
	assert.Equal(t, int64(150), storetest.MustUser(t, st, "u2").CUAvailable)

	p := storetest.MustPrediction(t, st, "p1")
	for _, o := range p.Options {
		require.NotNil(t, o.IsCorrect, o.ID)
		assert.Equal(t, o.ID == "b", *o.IsCorrect, o.ID)
	}
	assert.Equal(t, "b happened", p.ResolutionNote)
	assert.Equal(t, []string{"https://example.com/b"}, p.EvidenceLinks)
}

func TestResolve_MultipleChoiceNeedsValidOption(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.ChoicePrediction(t, st, "p1", "author", "a", "b")
	e := newEngine(st)

	_, err := e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeCorrect})
	assert.ErrorIs(t, err, engineerr.ErrInvalidInput)

	_, err = e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeWrong, CorrectOptionID: "z"})
	assert.ErrorIs(t, err, engineerr.ErrInvalidInput)

	// Void needs no option.
	_, err = e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeVoid})
	assert.NoError(t, err)
}

// --- State machine ---

func TestResolve_SecondCallRejected(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 100)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 20)
	e := newEngine(st)

	resolve(t, e, "p1", settlement.OutcomeCorrect)
	before := storetest.MustUser(t, st, "u1")
	ledgerBefore := storetest.Ledger(t, st, "u1")

	_, err := e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeCorrect})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrInvalidState)

	_, err = e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeVoid})
	assert.ErrorIs(t, err, engineerr.ErrInvalidState)

	after := storetest.MustUser(t, st, "u1")
	assert.Equal(t, before.CUAvailable, after.CUAvailable)
	assert.True(t, before.RS.Equal(after.RS))
	assert.Len(t, storetest.Ledger(t, st, "u1"), len(ledgerBefore))
}

func TestResolve_ConcurrentCallsSettleOnce(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u1", "p1", model.BinarySide(true), 20)
	e := newEngine(st)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeCorrect})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, engineerr.ErrInvalidState)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(110), storetest.MustUser(t, st, "u1").CUAvailable)
}

func TestResolve_Errors(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.BinaryPrediction(t, st, "draft", "author")
	storetest.SetStatus(t, st, "draft", model.StatusDraft)
	e := newEngine(st)

	_, err := e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "nope", Outcome: settlement.OutcomeCorrect})
	assert.ErrorIs(t, err, engineerr.ErrNotFound)

	_, err = e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "draft", Outcome: settlement.OutcomeCorrect})
	assert.ErrorIs(t, err, engineerr.ErrInvalidState)

	_, err = e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "draft", Outcome: "maybe"})
	assert.ErrorIs(t, err, engineerr.ErrInvalidInput)
}

func TestResolve_PendingIsResolvable(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	storetest.SetStatus(t, st, "p1", model.StatusPending)

	res := resolve(t, newEngine(st), "p1", settlement.OutcomeWrong)
	assert.Equal(t, model.StatusResolvedWrong, res.Prediction.Status)
}

func TestResolve_RollsBackOnStoreFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	storetest.User(t, mem, "author", 0, 0)
	storetest.User(t, mem, "u1", 100, 50)
	storetest.User(t, mem, "u2", 100, 50)
	storetest.BinaryPrediction(t, mem, "p1", "author")
	stake(t, mem, "u1", "p1", model.BinarySide(true), 20)
	stake(t, mem, "u2", "p1", model.BinarySide(false), 20)

	var hooked bool
	e := newEngine(&storetest.Faulty{Store: mem, Fail: storetest.FailUpdateUser, After: 1},
		settlement.WithOnSettled(func(context.Context, *model.Prediction, []string) { hooked = true }))

	_, err := e.Resolve(context.Background(), settlement.ResolveRequest{PredictionID: "p1", Outcome: settlement.OutcomeCorrect})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrSettlementFailed)
	assert.ErrorIs(t, err, storetest.ErrInjected)
	assert.False(t, hooked)

	for _, id := range []string{"u1", "u2"} {
		u := storetest.MustUser(t, mem, id)
		assert.Equal(t, int64(80), u.CUAvailable, id)
		assert.Equal(t, int64(20), u.CULocked, id)
		assert.Equal(t, "50", u.RS.String(), id)
		assert.Len(t, storetest.Ledger(t, mem, id), 0, id)
	}
	assert.Equal(t, model.StatusActive, storetest.MustPrediction(t, mem, "p1").Status)
}

// --- Hook ---

func TestResolve_HookReceivesAffectedUsers(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.User(t, st, "u2", 100, 0)
	storetest.User(t, st, "u1", 100, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	stake(t, st, "u2", "p1", model.BinarySide(true), 10)
	stake(t, st, "u1", "p1", model.BinarySide(false), 10)

	var gotStatus model.PredictionStatus
	var gotUsers []string
	e := newEngine(st, settlement.WithOnSettled(func(_ context.Context, p *model.Prediction, ids []string) {
		gotStatus = p.Status
		gotUsers = ids
	}))

	resolve(t, e, "p1", settlement.OutcomeCorrect)
	assert.Equal(t, model.StatusResolvedCorrect, gotStatus)
	assert.Equal(t, []string{"u1", "u2"}, gotUsers)
}

func TestResolve_PanickingHookDoesNotFail(t *testing.T) {
	st := store.NewMemoryStore()
	storetest.User(t, st, "author", 0, 0)
	storetest.BinaryPrediction(t, st, "p1", "author")
	e := newEngine(st, settlement.WithOnSettled(func(context.Context, *model.Prediction, []string) {
		panic("sink exploded")
	}))

	res := resolve(t, e, "p1", settlement.OutcomeVoid)
	assert.Equal(t, model.StatusVoid, res.Prediction.Status)
	assert.Equal(t, model.StatusVoid, storetest.MustPrediction(t, st, "p1").Status)
}
