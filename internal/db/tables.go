package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTableSpec inserts the one-to-one structuring spec for a node. The
// input rows are the parent table snapshot taken at node creation.
func (c *Client) CreateTableSpec(ctx context.Context, spec *TableSpec) error {
	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	now := time.Now()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO table_specs (id, node_id, instruction, input_rows, output_shape, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (node_id) DO NOTHING
    `, spec.ID, spec.NodeID, spec.Instruction, spec.InputRows, spec.OutputShape, spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create table spec: %w", err)
	}
	return nil
}

// GetTableSpec fetches the spec for a node.
func (c *Client) GetTableSpec(ctx context.Context, nodeID uuid.UUID) (*TableSpec, error) {
	var spec TableSpec
	err := c.dbx.GetContext(ctx, &spec, `
        SELECT id, node_id, instruction, input_rows, output_shape, created_at, updated_at
        FROM table_specs WHERE node_id = $1
    `, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table spec: %w", err)
	}
	return &spec, nil
}

// UpdateTableSpecInstruction edits the structuring instruction. The spec is
// otherwise immutable; an already-generated table is unaffected until the
// next regeneration.
func (c *Client) UpdateTableSpecInstruction(ctx context.Context, nodeID uuid.UUID, instruction string) error {
	res, err := c.db.ExecContext(ctx, `
        UPDATE table_specs SET instruction = $2, updated_at = $3 WHERE node_id = $1
    `, nodeID, instruction, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update table spec instruction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTable fetches a node's table.
func (c *Client) GetTable(ctx context.Context, nodeID uuid.UUID) (*Table, error) {
	var t Table
	err := c.dbx.GetContext(ctx, &t, `
        SELECT id, node_id, row_data, version, edited, aggregate, metadata, created_at, updated_at
        FROM tables WHERE node_id = $1
    `, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table: %w", err)
	}
	return &t, nil
}

// SaveTable upserts a node's table. First synthesis creates version 1; every
// regeneration strictly increments version. The edited flag resets on
// regeneration since generated content replaces any manual override.
func (c *Client) SaveTable(ctx context.Context, t *Table) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Version == 0 {
		t.Version = 1
	}

	err := c.db.QueryRowContext(ctx, `
        INSERT INTO tables (id, node_id, row_data, version, edited, aggregate, metadata, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (node_id) DO UPDATE SET
            row_data = EXCLUDED.row_data,
            version = tables.version + 1,
            edited = FALSE,
            aggregate = EXCLUDED.aggregate,
            metadata = EXCLUDED.metadata,
            updated_at = EXCLUDED.updated_at
        RETURNING id, version
    `, t.ID, t.NodeID, t.RowData, t.Version, t.Edited, t.Aggregate, t.Metadata,
		t.CreatedAt, t.UpdatedAt).Scan(&t.ID, &t.Version)
	if err != nil {
		return fmt.Errorf("failed to save table: %w", err)
	}
	return nil
}

// EditTableRows applies a manual row override: version increments and the
// edited flag sticks until the next regeneration.
func (c *Client) EditTableRows(ctx context.Context, nodeID uuid.UUID, rows Rows) (*Table, error) {
	var t Table
	err := c.dbx.GetContext(ctx, &t, `
        UPDATE tables
        SET row_data = $2, version = version + 1, edited = TRUE, updated_at = $3
        WHERE node_id = $1
        RETURNING id, node_id, row_data, version, edited, aggregate, metadata, created_at, updated_at
    `, nodeID, rows, time.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to edit table rows: %w", err)
	}
	return &t, nil
}

// DeleteTable removes a node's table. Used by retry-all so a stale synthesis
// is never served alongside regenerated content.
func (c *Client) DeleteTable(ctx context.Context, nodeID uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM tables WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete table: %w", err)
	}
	return nil
}
