package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a chat does not exist.
var ErrNotFound = errors.New("chat not found")

// Store persists chats and their ordered message logs.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateChat inserts a chat and returns its id.
func (s *Store) CreateChat(ctx context.Context, p CreateParams) (int64, error) {
	if p.MaxTurns <= 0 {
		p.MaxTurns = DefaultMaxTurns
	}
	if p.AllowedTools == nil {
		p.AllowedTools = []string{}
	}

	tools, err := json.Marshal(p.AllowedTools)
	if err != nil {
		return 0, fmt.Errorf("failed to encode allowed tools: %w", err)
	}
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chats (tenant, system_prompt, workspace, allowed_tools, max_turns, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		p.Tenant, p.SystemPrompt, nullable(p.Workspace), tools, p.MaxTurns, metadata).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}
	return id, nil
}

const chatColumns = `id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata, created_at, updated_at`

// GetChat fetches a chat by id.
func (s *Store) GetChat(ctx context.Context, id int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat %d: %w", id, err)
	}
	return c, nil
}

// ListChats returns chats newest first, optionally filtered by tenant and by
// metadata key/value equality.
func (s *Store) ListChats(ctx context.Context, tenant string, metadataFilter map[string]string) ([]*Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats`
	var clauses []string
	var args []any

	if tenant != "" {
		args = append(args, tenant)
		clauses = append(clauses, fmt.Sprintf("tenant = $%d", len(args)))
	}
	for key, value := range metadataFilter {
		args = append(args, key, value)
		clauses = append(clauses, fmt.Sprintf("metadata ->> $%d = $%d", len(args)-1, len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChat patches chat fields. Returns ErrNotFound for unknown ids.
func (s *Store) UpdateChat(ctx context.Context, id int64, p UpdateParams) error {
	sets := []string{"updated_at = now()"}
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.SystemPrompt != nil {
		add("system_prompt", *p.SystemPrompt)
	}
	if p.Workspace != nil {
		add("workspace", nullable(*p.Workspace))
	}
	if p.AllowedTools != nil {
		tools, err := json.Marshal(p.AllowedTools)
		if err != nil {
			return fmt.Errorf("failed to encode allowed tools: %w", err)
		}
		add("allowed_tools", tools)
	}
	if p.MaxTurns != nil {
		if *p.MaxTurns <= 0 {
			return fmt.Errorf("max_turns must be positive")
		}
		add("max_turns", *p.MaxTurns)
	}
	if p.Metadata != nil {
		metadata, err := marshalMetadata(p.Metadata)
		if err != nil {
			return err
		}
		add("metadata", metadata)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chats SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update chat %d: %w", id, err)
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

// AppendMessage adds a message with the next sequence number. The chat row is
// locked for the duration of the transaction, serializing the read-then-write
// per chat so sequences stay dense and gapless under concurrent appends.
func (s *Store) AppendMessage(ctx context.Context, chatID int64, role Role, content string, tokensInput, tokensOutput int) (int, error) {
	if role != RoleUser && role != RoleAssistant {
		return 0, fmt.Errorf("unknown message role: %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM chats WHERE id = $1 FOR UPDATE`, chatID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock chat %d: %w", chatID, err)
	}

	var sequence int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, role, content, sequence, tokens_input, tokens_output)
		SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, $4, $5
		FROM messages WHERE chat_id = $1
		RETURNING sequence`,
		chatID, role, content, tokensInput, tokensOutput).Scan(&sequence)
	if err != nil {
		return 0, fmt.Errorf("failed to append message to chat %d: %w", chatID, err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch chat %d: %w", chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return sequence, nil
}

// History returns the chat's messages as role+content pairs in sequence
// order, for rendering the agent's conversation context.
func (s *Store) History(ctx context.Context, chatID int64) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM messages
		WHERE chat_id = $1 ORDER BY sequence ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(&entry.Role, &entry.Content); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// Messages returns the chat's full messages in sequence order.
func (s *Store) Messages(ctx context.Context, chatID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, sequence, tokens_input, tokens_output, created_at
		FROM messages WHERE chat_id = $1 ORDER BY sequence ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Sequence,
			&m.TokensInput, &m.TokensOutput, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetUsage aggregates token totals over messages, optionally restricted to a
// tenant and a created_at window.
func (s *Store) GetUsage(ctx context.Context, tenant string, since, until *time.Time) (*Usage, error) {
	query := `
		SELECT COALESCE(SUM(m.tokens_input), 0),
		       COALESCE(SUM(m.tokens_output), 0),
		       COUNT(*)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id`
	var clauses []string
	var args []any

	if tenant != "" {
		args = append(args, tenant)
		clauses = append(clauses, fmt.Sprintf("c.tenant = $%d", len(args)))
	}
	if since != nil {
		args = append(args, *since)
		clauses = append(clauses, fmt.Sprintf("m.created_at >= $%d", len(args)))
	}
	if until != nil {
		args = append(args, *until)
		clauses = append(clauses, fmt.Sprintf("m.created_at < $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	var usage Usage
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&usage.TotalInputTokens, &usage.TotalOutputTokens, &usage.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return &usage, nil
}

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	var workspace sql.NullString
	var tools, metadata []byte

	err := row.Scan(&c.ID, &c.Tenant, &c.SystemPrompt, &workspace, &tools,
		&c.MaxTurns, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Workspace = workspace.String
	c.AllowedTools = []string{}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &c.AllowedTools); err != nil {
			return nil, fmt.Errorf("failed to decode allowed tools: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chat metadata: %w", err)
		}
	}
	return &c, nil
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat metadata: %w", err)
	}
	return encoded, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
