package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is one turn of a conversation.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	ResponseID     string            `json:"response_id,omitempty"`
	ToolCalls      []json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AppendMessage stores m with a fresh id and bumps the conversation's
// updated_at. ID and CreatedAt of m are filled in.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	var toolCalls sql.NullString
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	now := s.timestamp()
	id := ulid.Make().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, m.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, response_id, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, m.ConversationID, m.Role, m.Content, nullString(m.ResponseID), toolCalls, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}

	m.ID = id
	m.CreatedAt = parseTime(now)
	return nil
}

// ListMessages returns a conversation's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, response_id, tool_calls, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var (
			m                     Message
			responseID, toolCalls sql.NullString
			createdAt             string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &responseID, &toolCalls, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.ResponseID = responseID.String
		m.CreatedAt = parseTime(createdAt)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
