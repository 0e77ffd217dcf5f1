// Package identity manages external-platform accounts: registration, status
// transitions, encrypted cookie storage, and rate-limit-aware selection.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/otomata/otomata/pkg/secrets"
)

// ErrNotFound is returned when an identity does not exist.
var ErrNotFound = errors.New("identity not found")

// Status is the identity lifecycle state.
type Status string

// Identity states.
const (
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
	StatusWarming Status = "warming"
)

// Identity is an external-platform account. The session cookie is stored
// encrypted and never leaves the registry in plaintext except via GetCookie.
type Identity struct {
	ID            int64      `json:"id"`
	Platform      string     `json:"platform"`
	Name          string     `json:"name"`
	AccountType   string     `json:"account_type"`
	Status        Status     `json:"status"`
	UserAgent     string     `json:"user_agent,omitempty"`
	BlockedAt     *time.Time `json:"blocked_at,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RateChecker reports whether an identity may perform an action right now.
type RateChecker interface {
	CanRequest(ctx context.Context, identityID int64, action string) (bool, time.Duration, error)
}

// Registry is the identity store.
type Registry struct {
	db     *sql.DB
	cipher *secrets.Cipher
}

// NewRegistry creates a Registry. The cipher encrypts stored cookies.
func NewRegistry(db *sql.DB, cipher *secrets.Cipher) *Registry {
	return &Registry{db: db, cipher: cipher}
}

// CreateParams are the inputs for registering an identity.
type CreateParams struct {
	Platform    string
	Name        string
	AccountType string
	Cookie      string
	UserAgent   string
}

// Create registers an identity. A non-empty cookie is encrypted before
// storage. New identities start active.
func (r *Registry) Create(ctx context.Context, p CreateParams) (int64, error) {
	if p.Platform == "" || p.Name == "" {
		return 0, fmt.Errorf("platform and name are required")
	}
	if p.AccountType == "" {
		p.AccountType = "free"
	}

	var encrypted any
	if p.Cookie != "" {
		token, err := r.cipher.Encrypt(p.Cookie)
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt cookie: %w", err)
		}
		encrypted = token
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO identities (platform, name, account_type, status, cookie_encrypted, user_agent)
		VALUES ($1, $2, $3, 'active', $4, $5)
		RETURNING id`,
		p.Platform, p.Name, p.AccountType, encrypted, nullable(p.UserAgent)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create identity: %w", err)
	}
	return id, nil
}

const identityColumns = `id, platform, name, account_type, status, user_agent,
	blocked_at, blocked_reason, last_used_at, created_at`

// Get fetches an identity by id.
func (r *Registry) Get(ctx context.Context, id int64) (*Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity %d: %w", id, err)
	}
	return ident, nil
}

// GetByName fetches an identity by its (platform, name) pair.
func (r *Registry) GetByName(ctx context.Context, platform, name string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE platform = $1 AND name = $2`,
		platform, name)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity %s/%s: %w", platform, name, err)
	}
	return ident, nil
}

// List returns identities, optionally filtered by platform.
func (r *Registry) List(ctx context.Context, platform string) ([]*Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities`
	var args []any
	if platform != "" {
		query += ` WHERE platform = $1`
		args = append(args, platform)
	}
	query += ` ORDER BY platform, name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// Delete removes an identity and, via cascade, its rate-limit rows.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Available returns the least-recently-used active identity on the platform.
// With a non-empty action, candidates the rate limiter rejects are skipped;
// with no action the limiter is not consulted at all. Returns nil when no
// candidate qualifies. Identities never used sort first.
func (r *Registry) Available(ctx context.Context, limiter RateChecker, platform, action string) (*Identity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE platform = $1 AND status = 'active'
		ORDER BY last_used_at ASC NULLS FIRST`, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to query available identities: %w", err)
	}
	defer rows.Close()

	var candidates []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		candidates = append(candidates, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if action == "" {
		return candidates[0], nil
	}

	for _, ident := range candidates {
		ok, wait, err := limiter.CanRequest(ctx, ident.ID, action)
		if err != nil {
			return nil, fmt.Errorf("failed to check rate limit for identity %d: %w", ident.ID, err)
		}
		if ok {
			return ident, nil
		}
		slog.Debug("Identity throttled",
			"identity_id", ident.ID,
			"action", action,
			"wait_seconds", int(wait.Seconds()))
	}
	return nil, nil
}

// MarkUsed stamps last_used_at.
func (r *Registry) MarkUsed(ctx context.Context, id int64) error {
	return r.exec(ctx, id,
		`UPDATE identities SET last_used_at = now() WHERE id = $1`)
}

// MarkBlocked flips the identity to blocked with a reason.
func (r *Registry) MarkBlocked(ctx context.Context, id int64, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE identities
		SET status = 'blocked', blocked_at = now(), blocked_reason = $1
		WHERE id = $2`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to block identity %d: %w", id, err)
	}
	return checkFound(res, id)
}

// MarkActive reactivates an identity and clears the block bookkeeping.
func (r *Registry) MarkActive(ctx context.Context, id int64) error {
	return r.exec(ctx, id, `
		UPDATE identities
		SET status = 'active', blocked_at = NULL, blocked_reason = NULL
		WHERE id = $1`)
}

// GetCookie decrypts the stored session cookie. Returns false when no cookie
// is stored.
func (r *Registry) GetCookie(ctx context.Context, id int64) (string, bool, error) {
	var encrypted sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT cookie_encrypted FROM identities WHERE id = $1`, id).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cookie for identity %d: %w", id, err)
	}
	if !encrypted.Valid || encrypted.String == "" {
		return "", false, nil
	}

	cookie, err := r.cipher.Decrypt(encrypted.String)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt cookie for identity %d: %w", id, err)
	}
	return cookie, true, nil
}

// SetCookie encrypts and stores a new session cookie.
func (r *Registry) SetCookie(ctx context.Context, id int64, cookie string) error {
	token, err := r.cipher.Encrypt(cookie)
	if err != nil {
		return fmt.Errorf("failed to encrypt cookie: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE identities SET cookie_encrypted = $1 WHERE id = $2`, token, id)
	if err != nil {
		return fmt.Errorf("failed to store cookie for identity %d: %w", id, err)
	}
	return checkFound(res, id)
}

func (r *Registry) exec(ctx context.Context, id int64, query string) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update identity %d: %w", id, err)
	}
	return checkFound(res, id)
}

func checkFound(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	var ident Identity
	var userAgent, blockedReason sql.NullString
	var blockedAt, lastUsedAt sql.NullTime

	err := row.Scan(&ident.ID, &ident.Platform, &ident.Name, &ident.AccountType,
		&ident.Status, &userAgent, &blockedAt, &blockedReason, &lastUsedAt,
		&ident.CreatedAt)
	if err != nil {
		return nil, err
	}

	ident.UserAgent = userAgent.String
	ident.BlockedReason = blockedReason.String
	if blockedAt.Valid {
		ts := blockedAt.Time
		ident.BlockedAt = &ts
	}
	if lastUsedAt.Valid {
		ts := lastUsedAt.Time
		ident.LastUsedAt = &ts
	}
	return &ident, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
