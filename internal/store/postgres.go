package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/commitment-engine/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// RS values are stored as NUMERIC for exact decimal precision; CU as BIGINT.
//
// Row locks (SELECT ... FOR UPDATE) serialize writers: every transaction
// locks the prediction row first, then user rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgTx{q: pgQueries{db: tx, lock: true}, tx: tx}, nil
}

func (s *PostgresStore) q() pgQueries { return pgQueries{db: s.pool} }

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.q().getUser(ctx, id)
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	return s.q().getPrediction(ctx, id)
}

func (s *PostgresStore) GetCommitment(ctx context.Context, userID, predictionID string) (*model.Commitment, error) {
	return s.q().getCommitment(ctx, userID, predictionID)
}

func (s *PostgresStore) ListCommitments(ctx context.Context, predictionID string) ([]model.Commitment, error) {
	return s.q().listCommitments(ctx, "prediction_id", predictionID)
}

func (s *PostgresStore) ListUserCommitments(ctx context.Context, userID string) ([]model.Commitment, error) {
	return s.q().listCommitments(ctx, "user_id", userID)
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, predictionID string) ([]model.Withdrawal, error) {
	return s.q().listWithdrawals(ctx, predictionID)
}

func (s *PostgresStore) ListCuTransactions(ctx context.Context, userID string) ([]model.CuTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount, COALESCE(reference_id, ''), COALESCE(note, ''), balance_after, created_at
		 FROM cu_transactions WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.CuTransaction
	for rows.Next() {
		var e model.CuTransaction
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.ReferenceID, &e.Note,
			&e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListDuePredictions(ctx context.Context, now time.Time) ([]model.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM predictions
		 WHERE status = 'ACTIVE' AND resolve_by <= $1
		 ORDER BY resolve_by`, now)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	q := s.q()
	predictions := make([]model.Prediction, 0, len(ids))
	for _, id := range ids {
		p, err := q.getPrediction(ctx, id)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, *p)
	}
	return predictions, nil
}

// --- Transaction ---

type pgTx struct {
	q  pgQueries
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return t.q.getUser(ctx, id)
}

func (t *pgTx) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	return t.q.getPrediction(ctx, id)
}

func (t *pgTx) GetCommitment(ctx context.Context, userID, predictionID string) (*model.Commitment, error) {
	return t.q.getCommitment(ctx, userID, predictionID)
}

func (t *pgTx) ListCommitments(ctx context.Context, predictionID string) ([]model.Commitment, error) {
	return t.q.listCommitments(ctx, "prediction_id", predictionID)
}

func (t *pgTx) ListWithdrawals(ctx context.Context, predictionID string) ([]model.Withdrawal, error) {
	return t.q.listWithdrawals(ctx, predictionID)
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, name, cu_available, cu_locked, rs, is_bot, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		u.ID, u.Name, u.CUAvailable, u.CULocked, u.RS.String(), u.IsBot, u.CreatedAt)
	return translate(err, "user "+u.ID)
}

func (t *pgTx) UpdateUser(ctx context.Context, u *model.User) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET cu_available = $2, cu_locked = $3, rs = $4::NUMERIC WHERE id = $1`,
		u.ID, u.CUAvailable, u.CULocked, u.RS.String())
	return affected(tag, err, "user "+u.ID)
}

func (t *pgTx) CreatePrediction(ctx context.Context, p *model.Prediction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO predictions (id, author_id, claim_text, outcome_type, status, resolve_by, winners_pool_bonus, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.AuthorID, p.ClaimText, p.OutcomeType, p.Status, p.ResolveBy, p.WinnersPoolBonus, p.CreatedAt)
	if err != nil {
		return translate(err, "prediction "+p.ID)
	}

	for _, o := range p.Options {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO prediction_options (id, prediction_id, text, display_order) VALUES ($1, $2, $3, $4)`,
			o.ID, p.ID, o.Text, o.DisplayOrder); err != nil {
			return translate(err, "option "+o.ID)
		}
	}
	return nil
}

func (t *pgTx) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE predictions
		 SET status = $2, locked_at = $3, winners_pool_bonus = $4,
		     resolved_at = $5, resolved_by_id = NULLIF($6, ''), resolution_outcome = NULLIF($7, ''),
		     resolution_note = NULLIF($8, ''), evidence_links = $9
		 WHERE id = $1`,
		p.ID, p.Status, p.LockedAt, p.WinnersPoolBonus,
		p.ResolvedAt, p.ResolvedByID, p.ResolutionOutcome,
		p.ResolutionNote, p.EvidenceLinks)
	return affected(tag, err, "prediction "+p.ID)
}

func (t *pgTx) SetCorrectOption(ctx context.Context, predictionID, optionID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE prediction_options SET is_correct = (id = $2) WHERE prediction_id = $1`,
		predictionID, optionID)
	return err
}

func (t *pgTx) CreateCommitment(ctx context.Context, c *model.Commitment) error {
	binary, optionID := sideColumns(c.Side)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO commitments (id, user_id, prediction_id, binary_choice, option_id, cu_committed, rs_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		c.ID, c.UserID, c.PredictionID, binary, optionID, c.CUCommitted, c.RSSnapshot.String(), c.CreatedAt)
	return translate(err, "commitment "+c.UserID+"/"+c.PredictionID)
}

func (t *pgTx) UpdateCommitment(ctx context.Context, c *model.Commitment) error {
	binary, optionID := sideColumns(c.Side)
	var rsChange *string
	if c.RSChange != nil {
		v := c.RSChange.String()
		rsChange = &v
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE commitments
		 SET binary_choice = $2, option_id = $3, cu_committed = $4, rs_snapshot = $5::NUMERIC,
		     cu_returned = $6, rs_change = $7::NUMERIC
		 WHERE id = $1`,
		c.ID, binary, optionID, c.CUCommitted, c.RSSnapshot.String(), c.CUReturned, rsChange)
	return affected(tag, err, "commitment "+c.ID)
}

func (t *pgTx) DeleteCommitment(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM commitments WHERE id = $1`, id)
	return affected(tag, err, "commitment "+id)
}

func (t *pgTx) AppendCuTransaction(ctx context.Context, e *model.CuTransaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO cu_transactions (id, user_id, type, amount, reference_id, note, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		e.ID, e.UserID, e.Type, e.Amount, e.ReferenceID, e.Note, e.BalanceAfter, e.CreatedAt)
	return err
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, prediction_id, commitment_id, cu_burned, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.UserID, w.PredictionID, w.CommitmentID, w.CUBurned, w.CreatedAt)
	return err
}

// --- Shared queries (pool or tx) ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	db   querier
	lock bool // append FOR UPDATE to single-row lookups
}

func (q pgQueries) forUpdate() string {
	if q.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (q pgQueries) getUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var rs string
	err := q.db.QueryRow(ctx,
		`SELECT id, name, cu_available, cu_locked, rs::TEXT, is_bot, created_at
		 FROM users WHERE id = $1`+q.forUpdate(), id).
		Scan(&u.ID, &u.Name, &u.CUAvailable, &u.CULocked, &rs, &u.IsBot, &u.CreatedAt)
	if err != nil {
		return nil, translate(err, "user "+id)
	}
	u.RS, _ = decimal.NewFromString(rs)
	return &u, nil
}

func (q pgQueries) getPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	var p model.Prediction
	var resolvedBy, outcome, note *string
	err := q.db.QueryRow(ctx,
		`SELECT id, author_id, claim_text, outcome_type, status, locked_at, resolve_by, winners_pool_bonus,
		        resolved_at, resolved_by_id, resolution_outcome, resolution_note, evidence_links, created_at
		 FROM predictions WHERE id = $1`+q.forUpdate(), id).
		Scan(&p.ID, &p.AuthorID, &p.ClaimText, &p.OutcomeType, &p.Status, &p.LockedAt, &p.ResolveBy,
			&p.WinnersPoolBonus, &p.ResolvedAt, &resolvedBy, &outcome, &note, &p.EvidenceLinks, &p.CreatedAt)
	if err != nil {
		return nil, translate(err, "prediction "+id)
	}
	p.ResolvedByID = deref(resolvedBy)
	p.ResolutionOutcome = deref(outcome)
	p.ResolutionNote = deref(note)

	rows, err := q.db.Query(ctx,
		`SELECT id, prediction_id, text, display_order, is_correct
		 FROM prediction_options WHERE prediction_id = $1 ORDER BY display_order`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var o model.PredictionOption
		if err := rows.Scan(&o.ID, &o.PredictionID, &o.Text, &o.DisplayOrder, &o.IsCorrect); err != nil {
			return nil, err
		}
		p.Options = append(p.Options, o)
	}
	return &p, rows.Err()
}

const commitmentColumns = `id, user_id, prediction_id, binary_choice, option_id, cu_committed,
	rs_snapshot::TEXT, cu_returned, rs_change::TEXT, created_at`

func (q pgQueries) getCommitment(ctx context.Context, userID, predictionID string) (*model.Commitment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+commitmentColumns+` FROM commitments
		 WHERE user_id = $1 AND prediction_id = $2`+q.forUpdate(), userID, predictionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commitments, err := scanCommitments(rows)
	if err != nil {
		return nil, err
	}
	if len(commitments) == 0 {
		return nil, fmt.Errorf("%w: commitment %s/%s", ErrNotFound, userID, predictionID)
	}
	return &commitments[0], nil
}

// column is always a package constant, never user input.
func (q pgQueries) listCommitments(ctx context.Context, column, value string) ([]model.Commitment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+commitmentColumns+` FROM commitments
		 WHERE `+column+` = $1 ORDER BY created_at, id`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func (q pgQueries) listWithdrawals(ctx context.Context, predictionID string) ([]model.Withdrawal, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, user_id, prediction_id, commitment_id, cu_burned, created_at
		 FROM withdrawals WHERE prediction_id = $1 ORDER BY created_at, id`, predictionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		if err := rows.Scan(&w.ID, &w.UserID, &w.PredictionID, &w.CommitmentID, &w.CUBurned, &w.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanCommitments(rows pgxRows) ([]model.Commitment, error) {
	var result []model.Commitment
	for rows.Next() {
		var c model.Commitment
		var binary *bool
		var optionID *string
		var rsSnapshot string
		var rsChange *string

		if err := rows.Scan(&c.ID, &c.UserID, &c.PredictionID, &binary, &optionID, &c.CUCommitted,
			&rsSnapshot, &c.CUReturned, &rsChange, &c.CreatedAt); err != nil {
			return nil, err
		}

		switch {
		case binary != nil:
			c.Side = model.BinarySide(*binary)
		case optionID != nil:
			c.Side = model.OptionSide(*optionID)
		}
		c.RSSnapshot, _ = decimal.NewFromString(rsSnapshot)
		if rsChange != nil {
			v, _ := decimal.NewFromString(*rsChange)
			c.RSChange = &v
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func sideColumns(s model.Side) (*bool, *string) {
	if b, ok := s.Binary(); ok {
		return &b, nil
	}
	if id, ok := s.OptionID(); ok {
		return nil, &id
	}
	return nil, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// translate maps driver errors onto the store's sentinel errors.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
	}
	return err
}

func affected(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return translate(err, what)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}
