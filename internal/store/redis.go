package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/commitment-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users and predictions. Reads inside a transaction always go to
// the primary so row locks are honoured; committing a transaction
// invalidates every cached row it wrote.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.load(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, userKey(id), user)
	return user, nil
}

func (s *CachedStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	var p model.Prediction
	if s.load(ctx, predictionKey(id), &p) {
		return &p, nil
	}

	prediction, err := s.primary.GetPrediction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, predictionKey(id), prediction)
	return prediction, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetCommitment(ctx context.Context, userID, predictionID string) (*model.Commitment, error) {
	return s.primary.GetCommitment(ctx, userID, predictionID)
}

func (s *CachedStore) ListCommitments(ctx context.Context, predictionID string) ([]model.Commitment, error) {
	return s.primary.ListCommitments(ctx, predictionID)
}

func (s *CachedStore) ListUserCommitments(ctx context.Context, userID string) ([]model.Commitment, error) {
	return s.primary.ListUserCommitments(ctx, userID)
}

func (s *CachedStore) ListWithdrawals(ctx context.Context, predictionID string) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawals(ctx, predictionID)
}

func (s *CachedStore) ListCuTransactions(ctx context.Context, userID string) ([]model.CuTransaction, error) {
	return s.primary.ListCuTransactions(ctx, userID)
}

func (s *CachedStore) ListDuePredictions(ctx context.Context, now time.Time) ([]model.Prediction, error) {
	return s.primary.ListDuePredictions(ctx, now)
}

// --- Write path (invalidate on commit) ---

func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, store: s, dirty: make(map[string]struct{})}, nil
}

// cachedTx records the cache keys its writes make stale.
type cachedTx struct {
	Tx
	store *CachedStore
	dirty map[string]struct{}
}

func (t *cachedTx) touch(key string) { t.dirty[key] = struct{}{} }

func (t *cachedTx) CreateUser(ctx context.Context, u *model.User) error {
	t.touch(userKey(u.ID))
	return t.Tx.CreateUser(ctx, u)
}

func (t *cachedTx) UpdateUser(ctx context.Context, u *model.User) error {
	t.touch(userKey(u.ID))
	return t.Tx.UpdateUser(ctx, u)
}

func (t *cachedTx) CreatePrediction(ctx context.Context, p *model.Prediction) error {
	t.touch(predictionKey(p.ID))
	return t.Tx.CreatePrediction(ctx, p)
}

func (t *cachedTx) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	t.touch(predictionKey(p.ID))
	return t.Tx.UpdatePrediction(ctx, p)
}

func (t *cachedTx) SetCorrectOption(ctx context.Context, predictionID, optionID string) error {
	t.touch(predictionKey(predictionID))
	return t.Tx.SetCorrectOption(ctx, predictionID, optionID)
}

// Commit invalidates after the primary commit succeeds. Invalidation failures
// are logged only; entries expire after the TTL anyway.
func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if len(t.dirty) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	if err := t.store.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string       { return fmt.Sprintf("ce:user:%s", id) }
func predictionKey(id string) string { return fmt.Sprintf("ce:prediction:%s", id) }
