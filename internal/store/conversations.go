package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit bounds ListConversations when no limit is given.
const DefaultListLimit = 100

// Conversation is a chat thread. LastResponseID chains the next request to
// the upstream's stored conversation state.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title,omitempty"`
	L3StoreID      string    `json:"l3_store_id,omitempty"`
	LastResponseID string    `json:"last_response_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const conversationColumns = "id, title, l3_store_id, last_response_id, created_at, updated_at"

// CreateConversation inserts a new conversation with a random id.
func (s *Store) CreateConversation(ctx context.Context, title, l3StoreID string) (*Conversation, error) {
	now := s.timestamp()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		L3StoreID: l3StoreID,
		CreatedAt: parseTime(now),
		UpdatedAt: parseTime(now),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, l3_store_id, last_response_id, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?)`,
		c.ID, nullString(title), nullString(l3StoreID), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation with id, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the most recently updated conversations first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations ORDER BY updated_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetLastResponseID records the latest upstream response id.
func (s *Store) SetLastResponseID(ctx context.Context, conversationID, responseID string) error {
	return s.updateConversation(ctx,
		"UPDATE conversations SET last_response_id = ?, updated_at = ? WHERE id = ?",
		responseID, s.timestamp(), conversationID)
}

// SetTitle renames a conversation.
func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	return s.updateConversation(ctx,
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		nullString(title), s.timestamp(), conversationID)
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return s.updateConversation(ctx, "DELETE FROM conversations WHERE id = ?", id)
}

func (s *Store) updateConversation(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %v: %w", args[len(args)-1], ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c                       Conversation
		title, l3, lastResponse sql.NullString
		createdAt, updatedAt    string
	)
	if err := r.Scan(&c.ID, &title, &l3, &lastResponse, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Title = title.String
	c.L3StoreID = l3.String
	c.LastResponseID = lastResponse.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
