// Package session holds the rotating events-platform session cookie shared by
// every upstream call.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/domain"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/luma"
	"github.com/poap-studio/poap-farcaster-saas-sub001/internal/repo"
)

var (
	// ErrNotConfigured means no artifact was ever stored.
	ErrNotConfigured = errors.New("session: no events platform cookie configured")
	ErrUnauthorized  = errors.New("session: rotation secret mismatch")
	ErrRejected      = errors.New("session: cookie failed validation")
	ErrMalformed     = errors.New("session: malformed rotation push")
	// ErrInvalid means the current cookie was rejected upstream. It stays
	// refused until a rotation replaces it.
	ErrInvalid = errors.New("session: cookie known invalid")
)

// Artifact is the current cookie. Values are replaced whole, never mutated.
type Artifact struct {
	Cookie    string
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// Store persists the singleton artifact so every process in the group sees rotations.
type Store interface {
	LoadSession(ctx context.Context) (domain.ExternalSession, error)
	SaveSession(ctx context.Context, s domain.ExternalSession) error
}

// Prober performs the cheap authenticated upstream check.
type Prober interface {
	Probe(ctx context.Context, cookie string) error
}

// Push is the payload of the cookie rotation webhook.
type Push struct {
	Secret    string     `json:"secret"`
	Cookie    string     `json:"cookie,omitempty"`
	Status    string     `json:"status" enum:"success,error"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Status is the operator view of the session.
type Status struct {
	Configured bool       `json:"configured"`
	Valid      *bool      `json:"valid,omitempty"`
	Expired    bool       `json:"expired"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type state struct {
	artifact Artifact
	valid    *bool
	loadedAt time.Time
}

type Manager struct {
	mu     sync.Mutex
	cur    *state
	store  Store
	prober Prober
	secret string
	reload time.Duration
	logger *log.Logger
	now    func() time.Time
}

type Option func(*Manager)

// WithReloadInterval makes Artifact re-read the store when the cached value is
// older than d, so rotations accepted by another process are picked up.
func WithReloadInterval(d time.Duration) Option {
	return func(m *Manager) { m.reload = d }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager. secret authenticates rotation pushes; an empty
// secret rejects every push.
func NewManager(store Store, prober Prober, secret string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		prober: prober,
		secret: secret,
		reload: 30 * time.Second,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Artifact returns the current cookie. Every upstream call goes through here,
// so a rotation is observed by the next call. A cookie already rejected
// upstream is not handed out again: callers get ErrInvalid until a rotation.
func (m *Manager) Artifact(ctx context.Context) (Artifact, error) {
	st, err := m.current(ctx)
	if err != nil {
		return Artifact{}, err
	}
	m.mu.Lock()
	rejected := st.valid != nil && !*st.valid
	m.mu.Unlock()
	if rejected {
		return Artifact{}, ErrInvalid
	}
	return st.artifact, nil
}

// current returns the cached state, reloading it from the store once it is
// older than the reload interval. Published states are never mutated except
// for their validity, which is guarded by mu.
func (m *Manager) current(ctx context.Context) (*state, error) {
	m.mu.Lock()
	st := m.cur
	fresh := st != nil && (m.reload <= 0 || m.now().Sub(st.loadedAt) < m.reload)
	m.mu.Unlock()
	if fresh {
		return st, nil
	}
	loaded, err := m.load(ctx)
	if err != nil {
		if st != nil {
			m.logger.Printf("session: reload failed, keeping cached cookie: %v", err)
			return st, nil
		}
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != st {
		// a Set raced with the reload; it wins
		return m.cur, nil
	}
	if st != nil && st.artifact.Cookie == loaded.artifact.Cookie && equalTime(st.artifact.ExpiresAt, loaded.artifact.ExpiresAt) {
		// same cookie: keep what we learned about it
		loaded.valid = st.valid
	}
	m.cur = loaded
	return loaded, nil
}

func (m *Manager) load(ctx context.Context) (*state, error) {
	row, err := m.store.LoadSession(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	a := Artifact{Cookie: row.Cookie}
	if row.ExpiresAt != nil {
		if t, err := time.Parse(time.RFC3339, *row.ExpiresAt); err == nil {
			a.ExpiresAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, row.UpdatedAt); err == nil {
		a.UpdatedAt = t
	}
	return &state{artifact: a, loadedAt: m.now()}, nil
}

// Set persists and swaps in a new cookie, resetting cached validity.
func (m *Manager) Set(ctx context.Context, cookie string, expiresAt *time.Time) error {
	_, err := m.set(ctx, cookie, expiresAt)
	return err
}

func (m *Manager) set(ctx context.Context, cookie string, expiresAt *time.Time) (*state, error) {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return nil, ErrMalformed
	}
	now := m.now().UTC()
	a := Artifact{Cookie: cookie, UpdatedAt: now}
	row := domain.ExternalSession{Cookie: cookie, UpdatedAt: now.Format(time.RFC3339)}
	if expiresAt != nil {
		t := expiresAt.UTC()
		a.ExpiresAt = &t
		s := t.Format(time.RFC3339)
		row.ExpiresAt = &s
	}
	if err := m.store.SaveSession(ctx, row); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	st := &state{artifact: a, loadedAt: now}
	m.mu.Lock()
	m.cur = st
	m.mu.Unlock()
	return st, nil
}

// Validate reports whether the current cookie is accepted upstream. The result
// is cached until the next rotation; transient probe failures are not cached.
func (m *Manager) Validate(ctx context.Context) bool {
	st, err := m.current(ctx)
	if err != nil {
		return false
	}
	m.mu.Lock()
	if st.valid != nil {
		v := *st.valid
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()
	if st.artifact.ExpiresAt != nil && !m.now().Before(*st.artifact.ExpiresAt) {
		m.cache(st, false)
		return false
	}
	err = m.prober.Probe(ctx, st.artifact.Cookie)
	switch {
	case err == nil:
		m.cache(st, true)
		return true
	case errors.Is(err, luma.ErrUnauthorized):
		m.cache(st, false)
		return false
	default:
		m.logger.Printf("session: probe failed: %v", err)
		return false
	}
}

func (m *Manager) cache(st *state, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == st {
		st.valid = &valid
	}
}

// Invalidate marks cookie as rejected if it is still the current one. Callers
// use it when an upstream call reports an authentication failure.
func (m *Manager) Invalidate(cookie string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.artifact.Cookie == cookie {
		f := false
		m.cur.valid = &f
	}
}

// Rotate applies an authenticated push from the cookie scraper. Error pushes
// are logged only.
func (m *Manager) Rotate(ctx context.Context, p Push) error {
	if m.secret == "" || subtle.ConstantTimeCompare([]byte(p.Secret), []byte(m.secret)) != 1 {
		return ErrUnauthorized
	}
	switch p.Status {
	case "success":
		if strings.TrimSpace(p.Cookie) == "" {
			return fmt.Errorf("%w: cookie required on success", ErrMalformed)
		}
		if err := m.Set(ctx, p.Cookie, p.ExpiresAt); err != nil {
			return err
		}
		m.logger.Printf("session: cookie rotated via push (expires %s)", formatExpiry(p.ExpiresAt))
		return nil
	case "error":
		m.logger.Printf("session: scraper reported error: %s", p.Error)
		return nil
	default:
		return fmt.Errorf("%w: status must be success or error", ErrMalformed)
	}
}

// Submit validates an operator-supplied cookie before accepting it. A rejected
// cookie leaves the previous one in place.
func (m *Manager) Submit(ctx context.Context, cookie string, expiresAt *time.Time) error {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return ErrMalformed
	}
	if err := m.prober.Probe(ctx, cookie); err != nil {
		if errors.Is(err, luma.ErrUnauthorized) {
			return ErrRejected
		}
		return fmt.Errorf("validate cookie: %w", err)
	}
	st, err := m.set(ctx, cookie, expiresAt)
	if err != nil {
		return err
	}
	m.cache(st, true)
	return nil
}

// Status reports the cached state without probing upstream.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st, err := m.current(ctx)
	if errors.Is(err, ErrNotConfigured) {
		return Status{Configured: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Status{Configured: true, ExpiresAt: st.artifact.ExpiresAt}
	if !st.artifact.UpdatedAt.IsZero() {
		t := st.artifact.UpdatedAt
		out.UpdatedAt = &t
	}
	if st.valid != nil {
		v := *st.valid
		out.Valid = &v
	}
	if st.artifact.ExpiresAt != nil && !m.now().Before(*st.artifact.ExpiresAt) {
		out.Expired = true
	}
	return out, nil
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
