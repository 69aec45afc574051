package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// AuditRepo appends to and reads from `audit_logs`. It never updates or
// deletes rows.
type AuditRepo struct{ DB *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{DB: db} }

// Insert appends e, filling ID and CreatedAt when unset. Text fields are cut
// to their column widths so strict mode never rejects the row. Inserting an
// ID that already exists is a no-op, which makes redelivered events safe.
func (r *AuditRepo) Insert(ctx context.Context, e model.AuditEntry) error {
	e = e.Clamped()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detail []byte
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = b
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor_id, action, resource_type, resource_id, detail, ip, user_agent, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON DUPLICATE KEY UPDATE id = id`,
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, detail, e.IP, e.UserAgent, e.CreatedAt)
	return err
}

// List returns entries matching f, newest first.
func (r *AuditRepo) List(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	b := sq.Select("id", "actor_id", "action", "resource_type", "resource_id", "detail", "ip", "user_agent", "created_at").
		From("audit_logs").
		OrderBy("created_at DESC")
	if f.ActorID != "" {
		b = b.Where(sq.Eq{"actor_id": f.ActorID})
	}
	if f.Action != "" {
		b = b.Where(sq.Eq{"action": f.Action})
	}
	if f.ResourceType != "" {
		b = b.Where(sq.Eq{"resource_type": f.ResourceType})
	}
	limit := f.Limit
	if limit == 0 || limit > 500 {
		limit = 100
	}
	query, args, err := b.Limit(limit).Offset(f.Offset).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e          model.AuditEntry
			actorID    sql.NullString
			resourceID sql.NullString
			detail     []byte
		)
		if err := rows.Scan(&e.ID, &actorID, &e.Action, &e.ResourceType, &resourceID, &detail, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		if resourceID.Valid {
			e.ResourceID = &resourceID.String
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
