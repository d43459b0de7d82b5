package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const entryColumns = `id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at`

// Repository keeps the audit trail in the audit_logs table.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("audit repository: nil db")
	}
	return &Repository{db: db}, nil
}

// Log appends an entry. Replaying an entry with a known id is a no-op.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	fill(&entry)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_logs (`+entryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID,
		string(entry.Metadata), entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit repository: log %s %s: %w", entry.Action, entry.ResourceType, err)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("resource_type", filter.ResourceType)
	add("resource_id", filter.ResourceID)
	add("actor", filter.Actor)

	query := `SELECT ` + entryColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit repository: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Role, &e.Action, &e.ResourceType, &e.ResourceID,
			&metadata, &e.PayloadDigest, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Metadata = metadata
		out = append(out, e)
	}
	return out, rows.Err()
}
