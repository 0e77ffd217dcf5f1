package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Scope determines who a secret belongs to.
type Scope string

// Secret scopes. User-scoped secrets shadow platform-scoped ones on lookup.
const (
	ScopePlatform Scope = "platform"
	ScopeUser     Scope = "user"
)

// Metadata describes a stored secret without exposing its value.
type Metadata struct {
	ID          int64      `json:"id"`
	Key         string     `json:"key"`
	Scope       Scope      `json:"scope"`
	UserID      *int64     `json:"user_id,omitempty"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SetParams are the inputs for storing a secret.
type SetParams struct {
	Key         string
	Value       string
	Scope       Scope
	UserID      *int64
	Description string
	ExpiresAt   *time.Time
}

// Service stores secrets encrypted at rest and decrypts them on read.
type Service struct {
	db     *sql.DB
	cipher *Cipher
}

// NewService creates a secrets Service backed by the given database and cipher.
func NewService(db *sql.DB, cipher *Cipher) *Service {
	return &Service{db: db, cipher: cipher}
}

// Cipher exposes the underlying cipher for callers that encrypt values stored
// outside the secrets table (identity cookies).
func (s *Service) Cipher() *Cipher {
	return s.cipher
}

// Get fetches and decrypts a secret. User scope wins over platform scope when
// userID is given. Expired secrets are reported as absent but not deleted.
// The second return value is false when no live secret matches.
func (s *Service) Get(ctx context.Context, key string, userID *int64) (string, bool, error) {
	if userID != nil {
		value, ok, err := s.getScoped(ctx, key, ScopeUser, userID)
		if err != nil || ok {
			return value, ok, err
		}
	}
	return s.getScoped(ctx, key, ScopePlatform, nil)
}

func (s *Service) getScoped(ctx context.Context, key string, scope Scope, userID *int64) (string, bool, error) {
	query := `SELECT encrypted_value, expires_at FROM secrets WHERE key = $1 AND scope = $2`
	args := []any{key, scope}
	if scope == ScopeUser {
		query += ` AND user_id = $3`
		args = append(args, *userID)
	} else {
		query += ` AND user_id IS NULL`
	}

	var encrypted string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&encrypted, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query secret: %w", err)
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return "", false, nil
	}

	value, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set encrypts and upserts a secret on (key, scope, user_id).
func (s *Service) Set(ctx context.Context, p SetParams) error {
	if p.Key == "" {
		return fmt.Errorf("secret key is required")
	}
	if p.Scope == "" {
		p.Scope = ScopePlatform
	}
	if p.Scope != ScopeUser {
		p.UserID = nil
	}

	encrypted, err := s.cipher.Encrypt(p.Value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	// Uniqueness is enforced by two partial indexes, one per scope shape,
	// so conflict inference must name the matching index predicate.
	conflict := `(key, scope) WHERE user_id IS NULL`
	if p.UserID != nil {
		conflict = `(key, scope, user_id) WHERE user_id IS NOT NULL`
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO secrets (key, scope, user_id, encrypted_value, description, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT %s DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			description = EXCLUDED.description,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`, conflict),
		p.Key, p.Scope, p.UserID, encrypted, nullableString(p.Description), p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert secret: %w", err)
	}
	return nil
}

// Delete removes a secret. Returns true when a row was deleted.
func (s *Service) Delete(ctx context.Context, key string, scope Scope, userID *int64) (bool, error) {
	query := `DELETE FROM secrets WHERE key = $1 AND scope = $2`
	args := []any{key, scope}
	if scope == ScopeUser && userID != nil {
		query += ` AND user_id = $3`
		args = append(args, *userID)
	} else {
		query += ` AND user_id IS NULL`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns metadata for all secrets, never plaintext values.
func (s *Service) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, scope, user_id, description, expires_at, created_at, updated_at
		FROM secrets ORDER BY key, scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var userID sql.NullInt64
		var description sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Key, &m.Scope, &userID, &description, &expiresAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret metadata: %w", err)
		}
		if userID.Valid {
			m.UserID = &userID.Int64
		}
		m.Description = description.String
		if expiresAt.Valid {
			t := expiresAt.Time
			m.ExpiresAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetForTask resolves multiple secrets for injection into a task environment.
// Missing or expired keys are silently omitted; decryption failures are not.
func (s *Service) GetForTask(ctx context.Context, keys []string, userID *int64) (map[string]string, error) {
	resolved := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret %q: %w", key, err)
		}
		if ok {
			resolved[key] = value
		}
	}
	return resolved, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
