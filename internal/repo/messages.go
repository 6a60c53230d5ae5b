package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// InsertMessage appends an inbound message. The upstream message id is unique,
// so a replayed webhook reports false and stores nothing.
func (r Repo) InsertMessage(ctx context.Context, m domain.InboundMessage) (bool, error) {
	if m.MessageID == "" {
		return false, errors.New("message_id required")
	}
	if m.ReceivedAt == "" {
		m.ReceivedAt = r.now()
	}
	res, err := r.DB.ExecContext(ctx, r.q(`
INSERT INTO inbound_messages(message_id,text,sender_id,recipient_id,ts,story_id,story_url,received_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(message_id) DO NOTHING`),
		m.MessageID, m.Text, m.SenderID, m.RecipientID, m.Timestamp, m.StoryID, m.StoryURL, m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r Repo) GetMessage(ctx context.Context, messageID string) (domain.InboundMessage, error) {
	var m domain.InboundMessage
	err := r.DB.GetContext(ctx, &m, r.q(`SELECT message_id,text,sender_id,recipient_id,ts,story_id,story_url,received_at
FROM inbound_messages WHERE message_id=?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// CountMessages counts stored messages sent to recipientID, optionally scoped to a story.
func (r Repo) CountMessages(ctx context.Context, recipientID string, storyID *string) (int, error) {
	var n int
	var err error
	if storyID != nil {
		err = r.DB.GetContext(ctx, &n, r.q(`SELECT COUNT(*) FROM inbound_messages WHERE recipient_id=? AND story_id=?`), recipientID, *storyID)
	} else {
		err = r.DB.GetContext(ctx, &n, r.q(`SELECT COUNT(*) FROM inbound_messages WHERE recipient_id=?`), recipientID)
	}
	return n, err
}
