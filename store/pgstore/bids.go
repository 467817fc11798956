package pgstore

import (
	"context"
	"database/sql"
	"math/big"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/pkg/errors"
)

// PutBid inserts the bid and makes it the current bid for its route.
//
// Parameters:
// - ctx: the context for managing the request.
// - bid: the signed bid to store.
//
// Returns:
// - error: an error if the database operation fails.
func (r *PGStore) PutBid(ctx context.Context, bid *types.Bid) error {
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

	_, err = tx.ExecContext(ctx, `
       INSERT INTO bids (
           id,
           route_key,
           source_chain,
           dest_chain,
           token,
           fee,
           valid_from,
           valid_until,
           signature
       ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
       ON CONFLICT (id) DO NOTHING`,
		bid.ID,
		bid.Route.Key(),
		bid.Route.SourceChainID,
		bid.Route.DestChainID,
		bid.Route.Token,
		bid.Fee.String(),
		bid.ValidFrom,
		bid.ValidUntil,
		bid.Signature,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert bid")
	}

	_, err = tx.ExecContext(ctx, `
       INSERT INTO current_bids (route_key, bid_id) VALUES ($1, $2)
       ON CONFLICT (route_key) DO UPDATE SET bid_id = $2`,
		bid.Route.Key(),
		bid.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update current bid")
	}

	return errors.Wrap(tx.Commit(), "failed to commit bid")
}

// CurrentBid returns the current bid for the route.
func (r *PGStore) CurrentBid(ctx context.Context, route types.Route) (*types.Bid, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
       SELECT b.id, b.source_chain, b.dest_chain, b.token, b.fee, b.valid_from, b.valid_until, b.signature
       FROM current_bids c
       JOIN bids b ON b.id = c.bid_id
       WHERE c.route_key = $1`,
		route.Key(),
	)

	return scanBid(row)
}

// GetBid returns a bid by its ID, whether current or superseded.
func (r *PGStore) GetBid(ctx context.Context, id string) (*types.Bid, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
       SELECT id, source_chain, dest_chain, token, fee, valid_from, valid_until, signature
       FROM bids
       WHERE id = $1`,
		id,
	)

	return scanBid(row)
}

func scanBid(row *sql.Row) (*types.Bid, error) {
	var (
		bid types.Bid
		fee string
	)

	err := row.Scan(
		&bid.ID,
		&bid.Route.SourceChainID,
		&bid.Route.DestChainID,
		&bid.Route.Token,
		&fee,
		&bid.ValidFrom,
		&bid.ValidUntil,
		&bid.Signature,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.ErrBidNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan bid")
	}

	amount, ok := new(big.Int).SetString(fee, 10)
	if !ok {
		return nil, errors.Errorf("invalid fee value %q for bid %s", fee, bid.ID)
	}
	bid.Fee = amount

	return &bid, nil
}
