package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"hiegate/pkg/models"
)

const listColumns = `id, action, COALESCE(user_email, ''), COALESCE(user_name, ''),
	COALESCE(hospital, ''), COALESCE(additional_info, ''), created_at`

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Reader pages through audit_logs, newest first.
type Reader struct {
	DB queryer
}

func (r *Reader) List(ctx context.Context, q models.AuditQuery) (models.AuditPage, error) {
	q.Normalize()
	return r.page(ctx, "", nil, q)
}

// Search matches action, email and hospital as substrings and bounds the
// creation day inclusively.
func (r *Reader) Search(ctx context.Context, q models.AuditQuery) (models.AuditPage, error) {
	q.Normalize()
	where, args := searchClause(q)
	return r.page(ctx, where, args, q)
}

func searchClause(q models.AuditQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Action != "" {
		add("action LIKE $%d", "%"+escapeLike(q.Action)+"%")
	}
	if q.UserEmail != "" {
		add("user_email LIKE $%d", "%"+escapeLike(q.UserEmail)+"%")
	}
	if q.Hospital != "" {
		add("hospital LIKE $%d", "%"+escapeLike(q.Hospital)+"%")
	}
	if s := q.Start(); s != nil {
		add("created_at::date >= $%d::date", s.Format(time.DateOnly))
	}
	if e := q.End(); e != nil {
		add("created_at::date <= $%d::date", e.Format(time.DateOnly))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *Reader) page(ctx context.Context, where string, args []any, q models.AuditQuery) (models.AuditPage, error) {
	out := models.AuditPage{Logs: []models.AuditEntry{}, Page: q.Page, Limit: q.Limit}
	if err := r.DB.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("count audit logs: %w", err)
	}
	n := len(args)
	sql := fmt.Sprintf("SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		listColumns, where, n+1, n+2)
	rows, err := r.DB.Query(ctx, sql, append(args, q.Limit, q.Offset())...)
	if err != nil {
		return out, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.UserEmail, &e.UserName, &e.Hospital, &e.AdditionalInfo, &e.CreatedAt); err != nil {
			return out, fmt.Errorf("scan audit log: %w", err)
		}
		out.Logs = append(out.Logs, e)
	}
	return out, rows.Err()
}
