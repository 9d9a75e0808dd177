package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// CreateSession inserts a new research session.
func (c *Client) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = SessionActive
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO sessions (id, owner_id, name, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, s.ID, s.OwnerID, s.Name, s.Status, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	err := c.dbx.GetContext(ctx, &s, `
        SELECT id, owner_id, name, status, created_at, updated_at
        FROM sessions WHERE id = $1
    `, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// UpdateSessionStatus moves a session between active/completed/archived.
func (c *Client) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status string) error {
	res, err := c.db.ExecContext(ctx, `
        UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1
    `, id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session. Nodes, tasks, tables, and event log rows
// go with it via ON DELETE CASCADE.
func (c *Client) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions for an owner, newest first.
func (c *Client) ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Session
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, owner_id, name, status, created_at, updated_at
        FROM sessions WHERE owner_id = $1
        ORDER BY created_at DESC LIMIT $2
    `, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}
