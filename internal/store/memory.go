package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/atmx/commitment-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Only one transaction runs at a time. A transaction works on a private copy
// of the state which replaces the shared state on Commit and is dropped on
// Rollback, so readers never observe a partially applied transaction.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState

	// sem admits one writer transaction at a time.
	sem chan struct{}
}

type memState struct {
	users       map[string]model.User
	predictions map[string]model.Prediction
	commitments map[string]model.Commitment // by commitment ID
	withdrawals []model.Withdrawal
	ledger      []model.CuTransaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:       make(map[string]model.User),
			predictions: make(map[string]model.Prediction),
			commitments: make(map[string]model.Commitment),
		},
		sem: make(chan struct{}, 1),
	}
}

// Begin waits for any running transaction to finish, or for ctx to end.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	staged := s.state.clone()
	s.mu.RUnlock()

	return &memTx{store: s, state: staged}, nil
}

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// The committed state is replaced wholesale, never mutated in place, so a
// pointer obtained under RLock stays consistent after the lock is released.

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	return s.read().getUser(id)
}

func (s *MemoryStore) GetPrediction(_ context.Context, id string) (*model.Prediction, error) {
	return s.read().getPrediction(id)
}

func (s *MemoryStore) GetCommitment(_ context.Context, userID, predictionID string) (*model.Commitment, error) {
	return s.read().getCommitment(userID, predictionID)
}

func (s *MemoryStore) ListCommitments(_ context.Context, predictionID string) ([]model.Commitment, error) {
	return s.read().listCommitments(func(c *model.Commitment) bool { return c.PredictionID == predictionID }), nil
}

func (s *MemoryStore) ListUserCommitments(_ context.Context, userID string) ([]model.Commitment, error) {
	return s.read().listCommitments(func(c *model.Commitment) bool { return c.UserID == userID }), nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, predictionID string) ([]model.Withdrawal, error) {
	return s.read().listWithdrawals(predictionID), nil
}

func (s *MemoryStore) ListCuTransactions(_ context.Context, userID string) ([]model.CuTransaction, error) {
	st := s.read()
	var result []model.CuTransaction
	for i := len(st.ledger) - 1; i >= 0; i-- {
		if st.ledger[i].UserID == userID {
			result = append(result, st.ledger[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListDuePredictions(_ context.Context, now time.Time) ([]model.Prediction, error) {
	st := s.read()
	var result []model.Prediction
	for _, p := range st.predictions {
		if p.Status == model.StatusActive && !p.ResolveBy.IsZero() && !p.ResolveBy.After(now) {
			result = append(result, clonePrediction(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResolveBy.Before(result[j].ResolveBy) })
	return result, nil
}

// --- Transaction ---

type memTx struct {
	store *MemoryStore
	state *memState
	done  bool
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxClosed
	}
	t.done = true

	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()

	<-t.store.sem
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.state = nil
	<-t.store.sem
	return nil
}

func (t *memTx) live() (*memState, error) {
	if t.done {
		return nil, ErrTxClosed
	}
	return t.state, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	st, err := t.live()
	if err != nil {
		return nil, err
	}
	return st.getUser(id)
}

func (t *memTx) GetPrediction(_ context.Context, id string) (*model.Prediction, error) {
	st, err := t.live()
	if err != nil {
		return nil, err
	}
	return st.getPrediction(id)
}

func (t *memTx) GetCommitment(_ context.Context, userID, predictionID string) (*model.Commitment, error) {
	st, err := t.live()
	if err != nil {
		return nil, err
	}
	return st.getCommitment(userID, predictionID)
}

func (t *memTx) ListCommitments(_ context.Context, predictionID string) ([]model.Commitment, error) {
	st, err := t.live()
	if err != nil {
		return nil, err
	}
	return st.listCommitments(func(c *model.Commitment) bool { return c.PredictionID == predictionID }), nil
}

func (t *memTx) ListWithdrawals(_ context.Context, predictionID string) ([]model.Withdrawal, error) {
	st, err := t.live()
	if err != nil {
		return nil, err
	}
	return st.listWithdrawals(predictionID), nil
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	if _, ok := st.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrAlreadyExists, u.ID)
	}
	st.users[u.ID] = *u
	return nil
}

func (t *memTx) UpdateUser(_ context.Context, u *model.User) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	if _, ok := st.users[u.ID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, u.ID)
	}
	st.users[u.ID] = *u
	return nil
}

func (t *memTx) CreatePrediction(_ context.Context, p *model.Prediction) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	if _, ok := st.predictions[p.ID]; ok {
		return fmt.Errorf("%w: prediction %s", ErrAlreadyExists, p.ID)
	}
	st.predictions[p.ID] = clonePrediction(*p)
	return nil
}

func (t *memTx) UpdatePrediction(_ context.Context, p *model.Prediction) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	existing, ok := st.predictions[p.ID]
	if !ok {
		return fmt.Errorf("%w: prediction %s", ErrNotFound, p.ID)
	}
	updated := clonePrediction(*p)
	// Options are written only through SetCorrectOption.
	updated.Options = existing.Options
	st.predictions[p.ID] = updated
	return nil
}

func (t *memTx) SetCorrectOption(_ context.Context, predictionID, optionID string) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	p, ok := st.predictions[predictionID]
	if !ok {
		return fmt.Errorf("%w: prediction %s", ErrNotFound, predictionID)
	}
	for i := range p.Options {
		correct := p.Options[i].ID == optionID
		p.Options[i].IsCorrect = &correct
	}
	st.predictions[predictionID] = p
	return nil
}

func (t *memTx) CreateCommitment(_ context.Context, c *model.Commitment) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	if _, err := st.getCommitment(c.UserID, c.PredictionID); err == nil {
		return fmt.Errorf("%w: commitment %s/%s", ErrAlreadyExists, c.UserID, c.PredictionID)
	}
	st.commitments[c.ID] = cloneCommitment(*c)
	return nil
}

func (t *memTx) UpdateCommitment(_ context.Context, c *model.Commitment) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	if _, ok := st.commitments[c.ID]; !ok {
		return fmt.Errorf("%w: commitment %s", ErrNotFound, c.ID)
	}
	st.commitments[c.ID] = cloneCommitment(*c)
	return nil
}

func (t *memTx) DeleteCommitment(_ context.Context, id string) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	if _, ok := st.commitments[id]; !ok {
		return fmt.Errorf("%w: commitment %s", ErrNotFound, id)
	}
	delete(st.commitments, id)
	return nil
}

func (t *memTx) AppendCuTransaction(_ context.Context, entry *model.CuTransaction) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	st.ledger = append(st.ledger, *entry)
	return nil
}

func (t *memTx) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	st, err := t.live()
	if err != nil {
		return err
	}
	st.withdrawals = append(st.withdrawals, *w)
	return nil
}

// --- State helpers ---

func (st *memState) clone() *memState {
	c := &memState{
		users:       make(map[string]model.User, len(st.users)),
		predictions: make(map[string]model.Prediction, len(st.predictions)),
		commitments: make(map[string]model.Commitment, len(st.commitments)),
		// Clip so appends in the copy never write into the shared backing array.
		withdrawals: slices.Clip(st.withdrawals),
		ledger:      slices.Clip(st.ledger),
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.predictions {
		c.predictions[k] = clonePrediction(v)
	}
	for k, v := range st.commitments {
		c.commitments[k] = cloneCommitment(v)
	}
	return c
}

func (st *memState) getUser(id string) (*model.User, error) {
	u, ok := st.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return &u, nil
}

func (st *memState) getPrediction(id string) (*model.Prediction, error) {
	p, ok := st.predictions[id]
	if !ok {
		return nil, fmt.Errorf("%w: prediction %s", ErrNotFound, id)
	}
	cp := clonePrediction(p)
	return &cp, nil
}

func (st *memState) getCommitment(userID, predictionID string) (*model.Commitment, error) {
	for _, c := range st.commitments {
		if c.UserID == userID && c.PredictionID == predictionID {
			cp := cloneCommitment(c)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: commitment %s/%s", ErrNotFound, userID, predictionID)
}

func (st *memState) listCommitments(match func(*model.Commitment) bool) []model.Commitment {
	var result []model.Commitment
	for _, c := range st.commitments {
		if match(&c) {
			result = append(result, cloneCommitment(c))
		}
	}
	// Map order is random; keep payouts and ledger order deterministic.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (st *memState) listWithdrawals(predictionID string) []model.Withdrawal {
	var result []model.Withdrawal
	for _, w := range st.withdrawals {
		if w.PredictionID == predictionID {
			result = append(result, w)
		}
	}
	return result
}

func clonePrediction(p model.Prediction) model.Prediction {
	if p.Options != nil {
		opts := make([]model.PredictionOption, len(p.Options))
		for i, o := range p.Options {
			if o.IsCorrect != nil {
				v := *o.IsCorrect
				o.IsCorrect = &v
			}
			opts[i] = o
		}
		p.Options = opts
	}
	if p.LockedAt != nil {
		v := *p.LockedAt
		p.LockedAt = &v
	}
	if p.ResolvedAt != nil {
		v := *p.ResolvedAt
		p.ResolvedAt = &v
	}
	p.EvidenceLinks = slices.Clone(p.EvidenceLinks)
	return p
}

func cloneCommitment(c model.Commitment) model.Commitment {
	if c.CUReturned != nil {
		v := *c.CUReturned
		c.CUReturned = &v
	}
	if c.RSChange != nil {
		v := *c.RSChange
		c.RSChange = &v
	}
	return c
}
