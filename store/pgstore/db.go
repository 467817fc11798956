package pgstore

import (
	"context"
	"database/sql"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
)

// PGStore is a Postgres-backed StateStore. State transitions use
// compare-and-set updates guarded on the current status column; nonce
// reservation runs inside a database transaction so the counter advance and
// the status transition are one durable operation.
type PGStore struct {
	dbConnStr string
}

var _ store.StateStore = (*PGStore)(nil)

// New creates a new PGStore instance with the provided connection string.
//
// Parameters:
// - connStr: the database connection string.
//
// Returns:
// - *PGStore: a pointer to the newly created PGStore instance.
// - error: an error if the creation of the PGStore instance fails.
func New(connStr string) (*PGStore, error) {
	return &PGStore{
		dbConnStr: connStr,
	}, nil
}

// Close is a no-op; connections are opened per operation.
func (r *PGStore) Close() error {
	return nil
}

func (r *PGStore) open() (*sql.DB, error) {
	db, err := sql.Open("postgres", r.dbConnStr)
	if err != nil {
		return nil, errors.Wrapf(commonerrors.ErrDatabaseConnect, "%v", err)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS bids (
    id            TEXT PRIMARY KEY,
    route_key     TEXT   NOT NULL,
    source_chain  BIGINT NOT NULL,
    dest_chain    BIGINT NOT NULL,
    token         TEXT   NOT NULL,
    fee           TEXT   NOT NULL,
    valid_from    BIGINT NOT NULL,
    valid_until   BIGINT NOT NULL,
    signature     BYTEA  NOT NULL
);

CREATE TABLE IF NOT EXISTS current_bids (
    route_key TEXT PRIMARY KEY,
    bid_id    TEXT NOT NULL REFERENCES bids (id)
);

CREATE TABLE IF NOT EXISTS transfer_requests (
    request_id       TEXT PRIMARY KEY,
    sender           TEXT   NOT NULL,
    recipient        TEXT   NOT NULL,
    amount           TEXT   NOT NULL,
    source_chain     BIGINT NOT NULL,
    dest_chain       BIGINT NOT NULL,
    token            TEXT   NOT NULL,
    bid_id           TEXT   NOT NULL,
    sender_nonce     BIGINT NOT NULL,
    client_signature BYTEA  NOT NULL,
    status           TEXT   NOT NULL,
    assigned_nonce   BIGINT,
    tx_hash          TEXT   NOT NULL DEFAULT '',
    failure_reason   TEXT   NOT NULL DEFAULT '',
    retries          INT    NOT NULL DEFAULT 0,
    allow_retry      BOOL   NOT NULL DEFAULT FALSE,
    received_at      TIMESTAMPTZ NOT NULL,
    submitted_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS transfer_requests_status_idx
    ON transfer_requests (status, received_at);
CREATE UNIQUE INDEX IF NOT EXISTS transfer_requests_sender_nonce_key
    ON transfer_requests (sender, sender_nonce);

CREATE TABLE IF NOT EXISTS signing_nonce (
    id         INT PRIMARY KEY DEFAULT 1,
    next_nonce BIGINT NOT NULL DEFAULT 0,
    CONSTRAINT signing_nonce_single_row CHECK (id = 1)
);

INSERT INTO signing_nonce (id, next_nonce) VALUES (1, 0)
    ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS voided_nonces (
    nonce      BIGINT PRIMARY KEY,
    request_id TEXT NOT NULL
);
`

// InitSchema creates the tables the store needs if they do not exist.
func (r *PGStore) InitSchema(ctx context.Context) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to initialize schema")
	}

	return nil
}
