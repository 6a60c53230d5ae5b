package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// InsertClaim records the durable claim fact. It reports false when the
// (event, requester) pair already exists; the stored row is left untouched.
func (r Repo) InsertClaim(ctx context.Context, ext sqlx.ExtContext, c domain.ClaimRecord) (bool, error) {
	if ext == nil {
		ext = r.DB
	}
	if c.EventID == "" || c.RequesterID == "" {
		return false, errors.New("event_id and requester_id required")
	}
	if c.ClaimedAt == "" {
		c.ClaimedAt = r.now()
	}
	res, err := ext.ExecContext(ctx, ext.Rebind(`
INSERT INTO claims(event_id,requester_id,campaign_id,destination,tx_ref,claimed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(event_id,requester_id) DO NOTHING`),
		c.EventID, c.RequesterID, c.CampaignID, c.Destination, c.TxRef, c.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r Repo) GetClaim(ctx context.Context, eventID, requesterID string) (domain.ClaimRecord, error) {
	var c domain.ClaimRecord
	err := r.DB.GetContext(ctx, &c, r.q(`SELECT event_id,requester_id,campaign_id,destination,tx_ref,claimed_at
FROM claims WHERE event_id=? AND requester_id=?`), eventID, requesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// HasClaim checks the durable table, which outlives the ledger's TTL.
func (r Repo) HasClaim(ctx context.Context, eventID, requesterID string) (bool, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, r.q(`SELECT COUNT(*) FROM claims WHERE event_id=? AND requester_id=?`), eventID, requesterID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
