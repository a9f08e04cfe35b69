package store

// schema is applied by PostgresStore.Migrate on startup.
// cu_transactions and withdrawals are append-only; nothing updates or deletes them.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    cu_available BIGINT NOT NULL DEFAULT 0 CHECK (cu_available >= 0),
    cu_locked    BIGINT NOT NULL DEFAULT 0 CHECK (cu_locked >= 0),
    rs           NUMERIC NOT NULL DEFAULT 0 CHECK (rs >= 0),
    is_bot       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS predictions (
    id                 TEXT PRIMARY KEY,
    author_id          TEXT NOT NULL REFERENCES users(id),
    claim_text         TEXT NOT NULL,
    outcome_type       TEXT NOT NULL CHECK (outcome_type IN ('BINARY', 'MULTIPLE_CHOICE')),
    status             TEXT NOT NULL,
    locked_at          TIMESTAMPTZ,
    resolve_by         TIMESTAMPTZ NOT NULL,
    winners_pool_bonus BIGINT NOT NULL DEFAULT 0 CHECK (winners_pool_bonus >= 0),
    resolved_at        TIMESTAMPTZ,
    resolved_by_id     TEXT,
    resolution_outcome TEXT,
    resolution_note    TEXT,
    evidence_links     TEXT[],
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS prediction_options (
    id            TEXT PRIMARY KEY,
    prediction_id TEXT NOT NULL REFERENCES predictions(id) ON DELETE CASCADE,
    text          TEXT NOT NULL,
    display_order INTEGER NOT NULL DEFAULT 0,
    is_correct    BOOLEAN
);

CREATE TABLE IF NOT EXISTS commitments (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    prediction_id TEXT NOT NULL REFERENCES predictions(id),
    binary_choice BOOLEAN,
    option_id     TEXT REFERENCES prediction_options(id),
    cu_committed  BIGINT NOT NULL CHECK (cu_committed > 0),
    rs_snapshot   NUMERIC NOT NULL DEFAULT 0,
    cu_returned   BIGINT,
    rs_change     NUMERIC,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (user_id, prediction_id),
    CHECK ((binary_choice IS NULL) <> (option_id IS NULL))
);

CREATE TABLE IF NOT EXISTS withdrawals (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    prediction_id TEXT NOT NULL REFERENCES predictions(id),
    commitment_id TEXT NOT NULL,
    cu_burned     BIGINT NOT NULL CHECK (cu_burned >= 0),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cu_transactions (
    seq           BIGSERIAL,
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    type          TEXT NOT NULL,
    amount        BIGINT NOT NULL,
    reference_id  TEXT,
    note          TEXT,
    balance_after BIGINT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_commitments_prediction ON commitments(prediction_id);
CREATE INDEX IF NOT EXISTS idx_withdrawals_prediction ON withdrawals(prediction_id);
CREATE INDEX IF NOT EXISTS idx_cu_transactions_user ON cu_transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_predictions_due ON predictions(status, resolve_by);
`
