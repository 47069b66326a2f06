package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/bryanwahyu/cardscan/internal/domain/scanerrors"
)

type ScanErrorRepository struct {
	store
}

func NewScanErrorRepository(db *sql.DB, d Dialect) *ScanErrorRepository {
	return &ScanErrorRepository{store{db: db, d: d}}
}

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	q := `
INSERT INTO scan_errors
  (tenant_id, scan_session_id, scan_image_id, backend, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?,?,?)`
	msg := stringOrDash(e.Message)
	details := e.DetailsJSON
	if strings.TrimSpace(details) == "" {
		details = "{}"
	} else {
		// ensure valid json; if invalid, wrap as string field
		var js any
		if json.Unmarshal([]byte(details), &js) != nil {
			b, _ := json.Marshal(map[string]string{"raw": details})
			details = string(b)
		}
	}
	args := []any{
		stringOrDash(e.TenantID), stringOrDash(e.SessionID), e.ImageID, e.Backend,
		stringOrDash(string(e.Phase)), msg, details, utc(e.CreatedAt),
	}

	if r.d.ReturningID {
		if err := r.queryRow(ctx, r.db, q+" RETURNING id", args...).Scan(&e.ID); err != nil {
			return fmt.Errorf("insert scan error: %w", err)
		}
		return nil
	}
	res, err := r.exec(ctx, r.db, q, args...)
	if err != nil {
		return fmt.Errorf("insert scan error: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (r *ScanErrorRepository) ListBySession(ctx context.Context, tenant string, sessionID string, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, tenant_id, scan_session_id, scan_image_id, backend, phase, message, details_json, created_at
FROM scan_errors
WHERE tenant_id = ? AND scan_session_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.query(ctx, r.db, q, tenant, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*domain.ScanError{}
	for rows.Next() {
		var e domain.ScanError
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.ImageID, &e.Backend, &e.Phase,
			&e.Message, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
