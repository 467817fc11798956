package pgstore

import (
	"context"
	"database/sql"
	"math/big"
	"strings"
	"time"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const requestColumns = `request_id, sender, recipient, amount, source_chain, dest_chain, token,
       bid_id, sender_nonce, client_signature, status, assigned_nonce, tx_hash,
       failure_reason, retries, allow_retry, received_at, submitted_at`

// CreateRequest inserts the request unless one with the same RequestID
// already exists. The insert races through ON CONFLICT DO NOTHING, so two
// concurrent admissions of the same RequestID yield exactly one winner and
// the loser reads back the winner's record. A different request claiming
// the same sender nonce trips the unique index and is rejected.
func (r *PGStore) CreateRequest(ctx context.Context, request *types.TransferRequest) (*types.TransferRequest, bool, error) {
	db, err := r.open()
	if err != nil {
		return nil, false, err
	}
	defer db.Close()

	result, err := db.ExecContext(ctx, `
       INSERT INTO transfer_requests (
           request_id,
           sender,
           recipient,
           amount,
           source_chain,
           dest_chain,
           token,
           bid_id,
           sender_nonce,
           client_signature,
           status,
           retries,
           allow_retry,
           received_at
       ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
       ON CONFLICT (request_id) DO NOTHING`,
		request.RequestID,
		strings.ToLower(request.Sender),
		request.Recipient,
		request.Amount.String(),
		request.Route.SourceChainID,
		request.Route.DestChainID,
		request.Route.Token,
		request.BidID,
		request.SenderNonce,
		request.ClientSignature,
		request.Status,
		request.Retries,
		request.AllowRetry,
		request.ReceivedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, false, errors.Wrapf(commonerrors.ErrSenderNonceUsed,
				"sender %s nonce %d", strings.ToLower(request.Sender), request.SenderNonce)
		}

		return nil, false, errors.Wrap(err, "failed to insert request")
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get rows affected")
	}

	if inserted == 0 {
		existing, err := r.GetRequest(ctx, request.RequestID)
		if err != nil {
			return nil, false, err
		}

		return existing, false, nil
	}

	return request, true, nil
}

// GetRequest returns a request by its ID.
func (r *PGStore) GetRequest(ctx context.Context, id string) (*types.TransferRequest, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM transfer_requests WHERE request_id = $1`, id)

	return scanRequest(row)
}

// SenderNonceUsed reports whether the sender already used the protocol
// nonce in a different request.
func (r *PGStore) SenderNonceUsed(ctx context.Context, sender string, nonce uint64, excludeRequestID string) (bool, error) {
	db, err := r.open()
	if err != nil {
		return false, err
	}
	defer db.Close()

	var count int
	err = db.QueryRowContext(ctx, `
       SELECT COUNT(*) FROM transfer_requests
       WHERE sender = $1 AND sender_nonce = $2 AND request_id <> $3`,
		strings.ToLower(sender), nonce, excludeRequestID,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to count sender nonces")
	}

	return count > 0, nil
}

// OldestPending returns the oldest PENDING request, FIFO by admission time
// with ties broken by RequestID, or nil if nothing is pending.
func (r *PGStore) OldestPending(ctx context.Context) (*types.TransferRequest, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
       SELECT `+requestColumns+` FROM transfer_requests
       WHERE status = $1
       ORDER BY received_at ASC, request_id ASC
       LIMIT 1`,
		types.StatusPending,
	)

	request, err := scanRequest(row)
	if errors.Is(err, commonerrors.ErrRequestNotFound) {
		return nil, nil
	}

	return request, err
}

// RequestsInStatus returns all requests currently in the given status.
func (r *PGStore) RequestsInStatus(ctx context.Context, status types.RequestStatus) ([]*types.TransferRequest, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
       SELECT `+requestColumns+` FROM transfer_requests
       WHERE status = $1
       ORDER BY received_at ASC, request_id ASC`,
		status,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query requests")
	}
	defer rows.Close()

	var result []*types.TransferRequest
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, request)
	}

	return result, rows.Err()
}

// ReserveNonce transitions PENDING -> SUBMITTING and assigns the next
// signing nonce inside one database transaction. The row lock on the
// signing_nonce counter serializes concurrent reservations.
func (r *PGStore) ReserveNonce(ctx context.Context, id string) (uint64, error) {
	db, err := r.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var (
		status        string
		assignedNonce sql.NullInt64
	)

	err = tx.QueryRowContext(ctx, `
       SELECT status, assigned_nonce FROM transfer_requests
       WHERE request_id = $1 FOR UPDATE`,
		id,
	).Scan(&status, &assignedNonce)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(commonerrors.ErrRequestNotFound, "id %s", id)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to lock request")
	}

	if types.RequestStatus(status) != types.StatusPending {
		return 0, errors.Wrapf(commonerrors.ErrInvalidTransition,
			"reserve nonce: request %s is %s", id, status)
	}

	var nonce uint64
	if assignedNonce.Valid {
		// Resubmission with the nonce retained from a dropped transaction.
		nonce = uint64(assignedNonce.Int64)
	} else {
		err = tx.QueryRowContext(ctx, `
           UPDATE signing_nonce SET next_nonce = next_nonce + 1
           WHERE id = 1
           RETURNING next_nonce - 1`,
		).Scan(&nonce)
		if err != nil {
			return 0, errors.Wrap(err, "failed to advance nonce counter")
		}
	}

	_, err = tx.ExecContext(ctx, `
       UPDATE transfer_requests SET status = $1, assigned_nonce = $2
       WHERE request_id = $3`,
		types.StatusSubmitting, nonce, id,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to update request")
	}

	return nonce, errors.Wrap(tx.Commit(), "failed to commit nonce reservation")
}

// MarkSubmitted transitions SUBMITTING -> SUBMITTED and records the hash.
func (r *PGStore) MarkSubmitted(ctx context.Context, id string, txHash string) error {
	return r.guardedUpdate(ctx, id, types.StatusSubmitting, `
       UPDATE transfer_requests
       SET status = $1, tx_hash = $2, submitted_at = $3
       WHERE request_id = $4 AND status = $5`,
		types.StatusSubmitted, txHash, time.Now().UTC(), id, types.StatusSubmitting)
}

// ReleaseForRetry transitions SUBMITTING -> PENDING, releases the nonce
// reservation and increments the retry counter. The assigned nonce is only
// cleared when the counter rolled back over it; a nonce below the counter
// top (kept through a dropped transaction) stays on the request so the next
// reservation reuses it.
func (r *PGStore) ReleaseForRetry(ctx context.Context, id string, reason string) (*types.TransferRequest, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var assignedNonce sql.NullInt64
	err = tx.QueryRowContext(ctx, `
       SELECT assigned_nonce FROM transfer_requests
       WHERE request_id = $1 AND status = $2 FOR UPDATE`,
		id, types.StatusSubmitting,
	).Scan(&assignedNonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(commonerrors.ErrInvalidTransition,
			"release for retry: request %s not in %s", id, types.StatusSubmitting)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock request")
	}

	clearNonce := false
	if assignedNonce.Valid {
		rolledBack, err := rollBackNonceTx(ctx, tx, uint64(assignedNonce.Int64))
		if err != nil {
			return nil, err
		}
		clearNonce = rolledBack
	}

	query := `
       UPDATE transfer_requests
       SET status = $1, failure_reason = $2, retries = retries + 1`
	if clearNonce {
		query += `, assigned_nonce = NULL`
	}
	query += ` WHERE request_id = $3`

	if _, err := tx.ExecContext(ctx, query, types.StatusPending, reason, id); err != nil {
		return nil, errors.Wrap(err, "failed to release request")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit release")
	}

	return r.GetRequest(ctx, id)
}

// RequeueSubmitted transitions SUBMITTED -> PENDING after the transaction
// was observed dropped.
func (r *PGStore) RequeueSubmitted(ctx context.Context, id string, keepNonce bool, reason string) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var assignedNonce sql.NullInt64
	err = tx.QueryRowContext(ctx, `
       SELECT assigned_nonce FROM transfer_requests
       WHERE request_id = $1 AND status = $2 FOR UPDATE`,
		id, types.StatusSubmitted,
	).Scan(&assignedNonce)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(commonerrors.ErrInvalidTransition,
			"requeue: request %s not in %s", id, types.StatusSubmitted)
	}
	if err != nil {
		return errors.Wrap(err, "failed to lock request")
	}

	if !keepNonce && assignedNonce.Valid {
		if err := voidNonceTx(ctx, tx, uint64(assignedNonce.Int64), id); err != nil {
			return err
		}
	}

	query := `
       UPDATE transfer_requests
       SET status = $1, tx_hash = '', submitted_at = NULL, failure_reason = $2, retries = retries + 1`
	if !keepNonce {
		query += `, assigned_nonce = NULL`
	}
	query += ` WHERE request_id = $3`

	if _, err := tx.ExecContext(ctx, query, types.StatusPending, reason, id); err != nil {
		return errors.Wrap(err, "failed to requeue request")
	}

	return errors.Wrap(tx.Commit(), "failed to commit requeue")
}

// MarkConfirmed transitions SUBMITTED -> CONFIRMED.
func (r *PGStore) MarkConfirmed(ctx context.Context, id string) error {
	return r.guardedUpdate(ctx, id, types.StatusSubmitted, `
       UPDATE transfer_requests
       SET status = $1, failure_reason = ''
       WHERE request_id = $2 AND status = $3`,
		types.StatusConfirmed, id, types.StatusSubmitted)
}

// MarkFailed transitions SUBMITTING/SUBMITTED -> FAILED. A voided nonce is
// recorded consumed; a releasable one rolls the counter back. A reservation
// below the counter top cannot be released and stays on the record until
// the request is reopened.
func (r *PGStore) MarkFailed(ctx context.Context, id string, reason string, voidHeldNonce bool) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var (
		status        string
		assignedNonce sql.NullInt64
	)

	err = tx.QueryRowContext(ctx, `
       SELECT status, assigned_nonce FROM transfer_requests
       WHERE request_id = $1 FOR UPDATE`,
		id,
	).Scan(&status, &assignedNonce)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(commonerrors.ErrRequestNotFound, "id %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to lock request")
	}

	current := types.RequestStatus(status)
	if current != types.StatusSubmitting && current != types.StatusSubmitted {
		return errors.Wrapf(commonerrors.ErrInvalidTransition,
			"mark failed: request %s is %s", id, status)
	}

	clearNonce := false
	if assignedNonce.Valid {
		if voidHeldNonce {
			if err := voidNonceTx(ctx, tx, uint64(assignedNonce.Int64), id); err != nil {
				return err
			}
			clearNonce = true
		} else {
			rolledBack, err := rollBackNonceTx(ctx, tx, uint64(assignedNonce.Int64))
			if err != nil {
				return err
			}
			clearNonce = rolledBack
		}
	}

	query := `UPDATE transfer_requests SET status = $1, failure_reason = $2`
	if clearNonce {
		query += `, assigned_nonce = NULL`
	}
	query += ` WHERE request_id = $3`

	if _, err := tx.ExecContext(ctx, query, types.StatusFailed, reason, id); err != nil {
		return errors.Wrap(err, "failed to fail request")
	}

	return errors.Wrap(tx.Commit(), "failed to commit failure")
}

// ReopenFailed transitions FAILED -> PENDING for a client-initiated retry.
// A live nonce reservation still attached to the record is kept so the
// resubmission fills the gap it left.
func (r *PGStore) ReopenFailed(ctx context.Context, id string) error {
	return r.guardedUpdate(ctx, id, types.StatusFailed, `
       UPDATE transfer_requests
       SET status = $1, failure_reason = '', retries = 0,
           tx_hash = '', submitted_at = NULL
       WHERE request_id = $2 AND status = $3`,
		types.StatusPending, id, types.StatusFailed)
}

// NextNonce returns the next signing nonce the scheduler would assign.
func (r *PGStore) NextNonce(ctx context.Context) (uint64, error) {
	db, err := r.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var nonce uint64
	err = db.QueryRowContext(ctx,
		`SELECT next_nonce FROM signing_nonce WHERE id = 1`).Scan(&nonce)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read nonce counter")
	}

	return nonce, nil
}

// SetNextNonce overrides the nonce counter. Recovery reconciliation only.
func (r *PGStore) SetNextNonce(ctx context.Context, nonce uint64) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`UPDATE signing_nonce SET next_nonce = $1 WHERE id = 1`, nonce)

	return errors.Wrap(err, "failed to set nonce counter")
}

// VoidedNonces returns the nonces recorded consumed-and-voided.
func (r *PGStore) VoidedNonces(ctx context.Context) ([]uint64, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT nonce FROM voided_nonces ORDER BY nonce ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query voided nonces")
	}
	defer rows.Close()

	var nonces []uint64
	for rows.Next() {
		var nonce uint64
		if err := rows.Scan(&nonce); err != nil {
			return nil, errors.Wrap(err, "failed to scan voided nonce")
		}

		nonces = append(nonces, nonce)
	}

	return nonces, rows.Err()
}

func (r *PGStore) guardedUpdate(ctx context.Context, id string, expected types.RequestStatus, query string, args ...interface{}) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update request")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rowsAffected == 0 {
		return errors.Wrapf(commonerrors.ErrInvalidTransition,
			"request %s is not in %s", id, expected)
	}

	return nil
}

// rollBackNonceTx rewinds the counter over the released nonce when it is
// still the most recently assigned one and reports whether it did.
func rollBackNonceTx(ctx context.Context, tx *sql.Tx, nonce uint64) (bool, error) {
	result, err := tx.ExecContext(ctx, `
       UPDATE signing_nonce SET next_nonce = $1
       WHERE id = 1 AND next_nonce = $2`,
		nonce, nonce+1,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to roll back nonce counter")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rowsAffected == 1, nil
}

func voidNonceTx(ctx context.Context, tx *sql.Tx, nonce uint64, requestID string) error {
	_, err := tx.ExecContext(ctx, `
       INSERT INTO voided_nonces (nonce, request_id) VALUES ($1, $2)
       ON CONFLICT (nonce) DO NOTHING`,
		nonce, requestID,
	)

	return errors.Wrap(err, "failed to void nonce")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*types.TransferRequest, error) {
	var (
		request       types.TransferRequest
		amount        string
		assignedNonce sql.NullInt64
		submittedAt   sql.NullTime
	)

	err := row.Scan(
		&request.RequestID,
		&request.Sender,
		&request.Recipient,
		&amount,
		&request.Route.SourceChainID,
		&request.Route.DestChainID,
		&request.Route.Token,
		&request.BidID,
		&request.SenderNonce,
		&request.ClientSignature,
		&request.Status,
		&assignedNonce,
		&request.TxHash,
		&request.FailureReason,
		&request.Retries,
		&request.AllowRetry,
		&request.ReceivedAt,
		&submittedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.ErrRequestNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan request")
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount value %q for request %s", amount, request.RequestID)
	}
	request.Amount = value

	if assignedNonce.Valid {
		nonce := uint64(assignedNonce.Int64)
		request.AssignedNonce = &nonce
	}

	if submittedAt.Valid {
		ts := submittedAt.Time
		request.SubmittedAt = &ts
	}

	return &request, nil
}
