package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

const deliveryColumns = `id,campaign_id,recipient_id,channel,status,error,message_id,created_at,updated_at,delivered_at`

func (r Repo) GetDelivery(ctx context.Context, campaignID, recipientID string) (domain.Delivery, error) {
	var d domain.Delivery
	err := r.DB.GetContext(ctx, &d, r.q(`SELECT `+deliveryColumns+` FROM deliveries WHERE campaign_id=? AND recipient_id=?`), campaignID, recipientID)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// CreatePendingDelivery inserts a pending record for (campaign, recipient). It
// reports false when a record already exists; callers then load the existing one.
func (r Repo) CreatePendingDelivery(ctx context.Context, d domain.Delivery) (domain.Delivery, bool, error) {
	if d.CampaignID == "" || d.RecipientID == "" {
		return domain.Delivery{}, false, errors.New("campaign_id and recipient_id required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := r.now()
	d.Status = domain.DeliveryPending
	d.CreatedAt, d.UpdatedAt = now, now
	res, err := r.DB.ExecContext(ctx, r.q(`
INSERT INTO deliveries(id,campaign_id,recipient_id,channel,status,message_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(campaign_id,recipient_id) DO NOTHING`),
		d.ID, d.CampaignID, d.RecipientID, d.Channel, d.Status, d.MessageID, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return domain.Delivery{}, false, fmt.Errorf("insert delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Delivery{}, false, err
	}
	if affected == 0 {
		return domain.Delivery{}, false, nil
	}
	return d, true, nil
}

// ReopenFailedDelivery moves a failed record back to pending. Only one of several
// concurrent callers wins the transition.
func (r Repo) ReopenFailedDelivery(ctx context.Context, campaignID, recipientID string, messageID *string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE deliveries SET status=?, error=NULL, message_id=?, updated_at=?
WHERE campaign_id=? AND recipient_id=? AND status=?`),
		domain.DeliveryPending, messageID, r.now(), campaignID, recipientID, domain.DeliveryFailed)
	if err != nil {
		return false, fmt.Errorf("reopen delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkDelivered completes a pending record.
func (r Repo) MarkDelivered(ctx context.Context, id string) error {
	now := r.now()
	return r.finishDelivery(ctx, `UPDATE deliveries SET status=?, error=NULL, updated_at=?, delivered_at=? WHERE id=? AND status=?`,
		domain.DeliveryDelivered, now, now, id, domain.DeliveryPending)
}

// MarkFailed records a grant failure on a pending record.
func (r Repo) MarkFailed(ctx context.Context, id, reason string) error {
	return r.finishDelivery(ctx, `UPDATE deliveries SET status=?, error=?, updated_at=? WHERE id=? AND status=?`,
		domain.DeliveryFailed, reason, r.now(), id, domain.DeliveryPending)
}

func (r Repo) finishDelivery(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("delivery not pending: %w", ErrNotFound)
	}
	return nil
}

func (r Repo) ListDeliveries(ctx context.Context, campaignID string) ([]domain.Delivery, error) {
	res := []domain.Delivery{}
	err := r.DB.SelectContext(ctx, &res, r.q(`SELECT `+deliveryColumns+` FROM deliveries WHERE campaign_id=? ORDER BY created_at, id`), campaignID)
	if err != nil {
		return nil, err
	}
	return res, nil
}
