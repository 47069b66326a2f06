package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/cardscan/internal/domain/scans"
)

// SessionRepository persists scan sessions, images and results.
type SessionRepository struct {
	store
}

func NewSessionRepository(db *sql.DB, d Dialect) *SessionRepository {
	return &SessionRepository{store{db: db, d: d}}
}

const sessionColumns = `id, tenant_id, status, created_at, updated_at,
       total_images, processed_images, total_cards_found, notes`

func (r *SessionRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	const q = `
INSERT INTO scan_sessions (` + sessionColumns + `)
VALUES (?,?,?,?,?,?,?,?,?)`
	_, err := r.exec(ctx, r.db, q,
		s.ID, stringOrDash(s.TenantID), stringOrDash(string(s.Status)), utc(s.CreatedAt), utc(s.UpdatedAt),
		s.TotalImages, s.ProcessedImages, s.TotalCardsFound, s.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM scan_sessions WHERE tenant_id=? AND id=?`
	s, err := scanSession(r.queryRow(ctx, r.db, q, tenant, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// UpdateSession hanya update kolom yang berubah selama workflow
func (r *SessionRepository) UpdateSession(ctx context.Context, s *domain.Session) error {
	const q = `
UPDATE scan_sessions
SET status = ?,
    updated_at = ?,
    total_images = ?,
    processed_images = ?,
    total_cards_found = ?,
    notes = ?
WHERE tenant_id = ? AND id = ?`
	res, err := r.exec(ctx, r.db, q,
		s.Status, utc(s.UpdatedAt), s.TotalImages, s.ProcessedImages, s.TotalCardsFound, s.Notes,
		s.TenantID, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports 0 when nothing changed; confirm the row exists.
		if _, gerr := r.GetSession(ctx, s.TenantID, s.ID); gerr != nil {
			return gerr
		}
	}
	return nil
}

// ListSessions paginates sessions newest first.
func (r *SessionRepository) ListSessions(ctx context.Context, tenant string, f domain.ListFilter) (domain.PaginatedResult, error) {
	page, pageSize, offset := normalizePage(f.Page, f.PageSize)

	where := " WHERE tenant_id=?"
	args := []any{tenant}
	if f.Status != "" {
		where += " AND status=?"
		args = append(args, f.Status)
	}

	var total int64
	if err := r.queryRow(ctx, r.db, "SELECT COUNT(*) FROM scan_sessions"+where, args...).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("counting sessions: %w", err)
	}

	q := "SELECT " + sessionColumns + " FROM scan_sessions" + where +
		"\nORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.query(ctx, r.db, q, append(args, pageSize, offset)...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return domain.PaginatedResult{}, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("iterating rows: %w", err)
	}
	return domain.PaginatedResult{
		Data:       out,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.TenantID, &s.Status, &s.CreatedAt, &s.UpdatedAt,
		&s.TotalImages, &s.ProcessedImages, &s.TotalCardsFound, &s.Notes); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

//
// ==== IMAGES ====
//

const imageColumns = `id, scan_session_id, tenant_id, storage_key, original_filename, content_type,
       size_bytes, created_at, processed_at, cards_found, processing_error, backend_id,
       quality_score, quality_issues`

func (r *SessionRepository) AddImage(ctx context.Context, img *domain.Image) error {
	issues, err := json.Marshal(img.Quality.Issues)
	if err != nil {
		return fmt.Errorf("encode quality issues: %w", err)
	}
	const q = `
INSERT INTO scan_images (` + imageColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = r.exec(ctx, r.db, q,
		img.ID, img.SessionID, img.TenantID, img.StorageKey, img.OriginalFilename, img.ContentType,
		img.SizeBytes, utc(img.CreatedAt), nullTime(img.ProcessedAt), img.CardsFound,
		nullString(img.ProcessingError), nullString(img.BackendID),
		img.Quality.Score, string(issues),
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListImages(ctx context.Context, tenant string, id domain.SessionID) ([]*domain.Image, error) {
	q := `SELECT ` + imageColumns + ` FROM scan_images
WHERE tenant_id=? AND scan_session_id=?
ORDER BY created_at, id`
	rows, err := r.query(ctx, r.db, q, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}
	defer rows.Close()

	out := []*domain.Image{}
	for rows.Next() {
		var img domain.Image
		var processedAt sql.NullTime
		var procErr, backend sql.NullString
		var issues string
		if err := rows.Scan(&img.ID, &img.SessionID, &img.TenantID, &img.StorageKey, &img.OriginalFilename,
			&img.ContentType, &img.SizeBytes, &img.CreatedAt, &processedAt, &img.CardsFound, &procErr, &backend,
			&img.Quality.Score, &issues); err != nil {
			return nil, fmt.Errorf("scanning image: %w", err)
		}
		img.CreatedAt = img.CreatedAt.UTC()
		img.ProcessedAt = timePtr(processedAt)
		img.ProcessingError = stringPtr(procErr)
		img.BackendID = stringPtr(backend)
		if issues != "" && issues != "null" {
			_ = json.Unmarshal([]byte(issues), &img.Quality.Issues)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

func (r *SessionRepository) UpdateImage(ctx context.Context, img *domain.Image) error {
	const q = `
UPDATE scan_images
SET processed_at = ?,
    cards_found = ?,
    processing_error = ?,
    backend_id = ?
WHERE tenant_id = ? AND id = ?`
	_, err := r.exec(ctx, r.db, q,
		nullTime(img.ProcessedAt), img.CardsFound, nullString(img.ProcessingError), nullString(img.BackendID),
		img.TenantID, img.ID,
	)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteImages(ctx context.Context, tenant string, id domain.SessionID) error {
	if _, err := r.exec(ctx, r.db, `DELETE FROM scan_images WHERE tenant_id=? AND scan_session_id=?`, tenant, id); err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	return nil
}

//
// ==== RESULTS ====
//

const resultColumns = `id, scan_session_id, scan_image_id, tenant_id, ordinal, candidate_name,
       candidate_json, lookup_json, lookup_set_code, lookup_set_name, lookup_collector_number,
       confidence_score, confidence_level, requires_review, decision_status, raw_backend_response,
       created_at, decided_at, consumed_at`

// AddResults stores results in one transaction, in slice order.
func (r *SessionRepository) AddResults(ctx context.Context, results []*domain.Result) error {
	const q = `
INSERT INTO scan_results (` + resultColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, res := range results {
			cand, err := json.Marshal(res.Candidate)
			if err != nil {
				return fmt.Errorf("encode candidate: %w", err)
			}
			var lookup sql.NullString
			if res.Lookup != nil {
				b, err := json.Marshal(res.Lookup)
				if err != nil {
					return fmt.Errorf("encode lookup: %w", err)
				}
				lookup = sql.NullString{String: string(b), Valid: true}
			}
			decision := res.DecisionStatus
			if decision == "" {
				decision = domain.DecisionPending
			}
			if _, err := r.exec(ctx, tx, q,
				res.ID, res.SessionID, res.ImageID, res.TenantID, res.Position, res.CandidateName,
				string(cand), lookup, nullString(res.LookupSetCode), nullString(res.LookupSetName), nullString(res.LookupCollectorNumber),
				res.ConfidenceScore, res.ConfidenceLevel, res.RequiresReview, decision, res.RawBackendResponse,
				utc(res.CreatedAt), nullTime(res.DecidedAt), nullTime(res.ConsumedAt),
			); err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
		}
		return nil
	})
}

func (r *SessionRepository) ListResults(ctx context.Context, tenant string, id domain.SessionID) ([]*domain.Result, error) {
	q := `SELECT ` + resultColumns + ` FROM scan_results
WHERE tenant_id=? AND scan_session_id=?
ORDER BY created_at, ordinal`
	rows, err := r.query(ctx, r.db, q, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	out := []*domain.Result{}
	for rows.Next() {
		var res domain.Result
		var cand string
		var lookup, setCode, setName, cn sql.NullString
		var decidedAt, consumedAt sql.NullTime
		if err := rows.Scan(&res.ID, &res.SessionID, &res.ImageID, &res.TenantID, &res.Position, &res.CandidateName,
			&cand, &lookup, &setCode, &setName, &cn,
			&res.ConfidenceScore, &res.ConfidenceLevel, &res.RequiresReview, &res.DecisionStatus, &res.RawBackendResponse,
			&res.CreatedAt, &decidedAt, &consumedAt); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		if err := json.Unmarshal([]byte(cand), &res.Candidate); err != nil {
			return nil, fmt.Errorf("decode candidate of %s: %w", res.ID, err)
		}
		if lookup.Valid {
			res.Lookup = &domain.LookupRecord{}
			if err := json.Unmarshal([]byte(lookup.String), res.Lookup); err != nil {
				return nil, fmt.Errorf("decode lookup of %s: %w", res.ID, err)
			}
		}
		res.LookupSetCode = stringPtr(setCode)
		res.LookupSetName = stringPtr(setName)
		res.LookupCollectorNumber = stringPtr(cn)
		res.CreatedAt = res.CreatedAt.UTC()
		res.DecidedAt = timePtr(decidedAt)
		res.ConsumedAt = timePtr(consumedAt)
		out = append(out, &res)
	}
	return out, rows.Err()
}

// DecideResults only touches rows still PENDING.
func (r *SessionRepository) DecideResults(ctx context.Context, tenant string, ids []domain.ResultID, decision domain.Decision, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `
UPDATE scan_results
SET decision_status = ?, decided_at = ?
WHERE tenant_id = ? AND decision_status = ? AND id IN (` + placeholders(len(ids)) + `)`
	args := []any{decision, utc(at), tenant, domain.DecisionPending}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.exec(ctx, r.db, q, args...)
	if err != nil {
		return 0, fmt.Errorf("decide results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
