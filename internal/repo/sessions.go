package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
)

// LoadSession returns the singleton events-platform session row.
func (r Repo) LoadSession(ctx context.Context) (domain.ExternalSession, error) {
	var s domain.ExternalSession
	err := r.DB.GetContext(ctx, &s, `SELECT cookie,expires_at,updated_at FROM external_sessions WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// SaveSession overwrites the singleton row wholesale.
func (r Repo) SaveSession(ctx context.Context, s domain.ExternalSession) error {
	if s.Cookie == "" {
		return errors.New("cookie required")
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, r.q(`
INSERT INTO external_sessions(id,cookie,expires_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET cookie=excluded.cookie, expires_at=excluded.expires_at, updated_at=excluded.updated_at`),
		s.Cookie, s.ExpiresAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
