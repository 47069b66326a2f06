package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/cardscan/internal/domain/inventory"
)

// InventoryRepository persists collection entries and keeps stack counts current.
type InventoryRepository struct {
	store
}

func NewInventoryRepository(db *sql.DB, d Dialect) *InventoryRepository {
	return &InventoryRepository{store{db: db, d: d}}
}

const entryColumns = `id, tenant_id, canonical_name, set_code, set_name, collector_number, rarity,
       mana_cost, type_line, oracle_text, flavor_text, power, toughness, colors, image_url,
       price_usd, price_eur, price_tix, quantity_count, stack_count, item_condition, notes,
       duplicate_group_key, stack_id, is_example, soft_deleted, deleted_at,
       origin_scan_session_id, origin_scan_result_id, added_method, first_seen, last_seen`

func (r *InventoryRepository) Insert(ctx context.Context, e *domain.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return r.insert(ctx, tx, e)
	})
}

// InsertFromScan claims the scan result first so a second commit of the same
// result inserts nothing.
func (r *InventoryRepository) InsertFromScan(ctx context.Context, e *domain.Entry, at time.Time) error {
	if e.OriginScanResultID == nil {
		return fmt.Errorf("insert from scan: missing origin result: %w", domain.ErrValidation)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := r.exec(ctx, tx,
			`UPDATE scan_results SET consumed_at=? WHERE tenant_id=? AND id=? AND consumed_at IS NULL`,
			utc(at), e.TenantID, *e.OriginScanResultID)
		if err != nil {
			return fmt.Errorf("claim scan result: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("result %s: %w", *e.OriginScanResultID, domain.ErrAlreadyCommitted)
		}
		return r.insert(ctx, tx, e)
	})
}

func (r *InventoryRepository) insert(ctx context.Context, tx *sql.Tx, e *domain.Entry) error {
	if e.DuplicateGroupKey == "" {
		e.RefreshGroupKey()
	}
	err := r.queryRow(ctx, tx, `
SELECT stack_id FROM inventory_entries
WHERE tenant_id=? AND duplicate_group_key=? AND soft_deleted=?
ORDER BY first_seen, id LIMIT 1`, e.TenantID, e.DuplicateGroupKey, false).Scan(&e.StackID)
	if errors.Is(err, sql.ErrNoRows) {
		e.StackID = uuid.New().String()
	} else if err != nil {
		return fmt.Errorf("find stack: %w", err)
	}

	const q = `
INSERT INTO inventory_entries (` + entryColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	if _, err := r.exec(ctx, tx, q,
		e.ID, e.TenantID, e.CanonicalName, e.SetCode, e.SetName, e.CollectorNumber, e.Rarity,
		e.ManaCost, e.TypeLine, e.OracleText, e.FlavorText, e.Power, e.Toughness, e.Colors, e.ImageURL,
		e.PriceUSD, e.PriceEUR, e.PriceTix, e.QuantityCount, e.QuantityCount, e.Condition, e.Notes,
		e.DuplicateGroupKey, e.StackID, e.IsExample, false, nil,
		nullString(e.OriginScanSessionID), nullString(e.OriginScanResultID), e.AddedMethod, utc(e.FirstSeen), utc(e.LastSeen),
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	count, err := r.refreshStack(ctx, tx, e.TenantID, e.DuplicateGroupKey)
	if err != nil {
		return err
	}
	e.StackCount = count
	return nil
}

// refreshStack recomputes stack_count for every live entry of a group.
func (r *InventoryRepository) refreshStack(ctx context.Context, q querier, tenant, groupKey string) (int, error) {
	var total int64
	if err := r.queryRow(ctx, q, `
SELECT COALESCE(SUM(quantity_count), 0) FROM inventory_entries
WHERE tenant_id=? AND duplicate_group_key=? AND soft_deleted=?`, tenant, groupKey, false).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum stack: %w", err)
	}
	if _, err := r.exec(ctx, q, `
UPDATE inventory_entries SET stack_count=?
WHERE tenant_id=? AND duplicate_group_key=? AND soft_deleted=?`, total, tenant, groupKey, false); err != nil {
		return 0, fmt.Errorf("update stack: %w", err)
	}
	return int(total), nil
}

func (r *InventoryRepository) Get(ctx context.Context, tenant string, id domain.EntryID) (*domain.Entry, error) {
	return r.get(ctx, r.db, tenant, id)
}

func (r *InventoryRepository) get(ctx context.Context, q querier, tenant string, id domain.EntryID) (*domain.Entry, error) {
	e, err := scanEntry(r.queryRow(ctx, q,
		`SELECT `+entryColumns+` FROM inventory_entries WHERE tenant_id=? AND id=? AND soft_deleted=?`,
		tenant, id, false))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (r *InventoryRepository) filter(tenant string, f domain.ListFilter) (string, []any) {
	where := " WHERE tenant_id=? AND soft_deleted=?"
	args := []any{tenant, false}
	if q := strings.TrimSpace(f.Query); q != "" {
		where += " AND LOWER(canonical_name) LIKE ? ESCAPE '!'"
		args = append(args, "%"+escapeLikePattern(strings.ToLower(q))+"%")
	}
	if f.SetCode != "" {
		where += " AND LOWER(set_code)=?"
		args = append(args, strings.ToLower(f.SetCode))
	}
	if f.Condition != "" {
		where += " AND item_condition=?"
		args = append(args, f.Condition)
	}
	return where, args
}

// List paginates live entries, newest first.
func (r *InventoryRepository) List(ctx context.Context, tenant string, f domain.ListFilter) (domain.PaginatedResult, error) {
	page, pageSize, offset := normalizePage(f.Page, f.PageSize)
	where, args := r.filter(tenant, f)

	var total int64
	if err := r.queryRow(ctx, r.db, "SELECT COUNT(*) FROM inventory_entries"+where, args...).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("counting entries: %w", err)
	}
	entries, err := r.list(ctx, "SELECT "+entryColumns+" FROM inventory_entries"+where+
		"\nORDER BY last_seen DESC, id LIMIT ? OFFSET ?", append(args, pageSize, offset)...)
	if err != nil {
		return domain.PaginatedResult{}, err
	}
	return domain.PaginatedResult{
		Data:       entries,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

func (r *InventoryRepository) All(ctx context.Context, tenant string, f domain.ListFilter) ([]*domain.Entry, error) {
	where, args := r.filter(tenant, f)
	return r.list(ctx, "SELECT "+entryColumns+" FROM inventory_entries"+where+
		"\nORDER BY canonical_name, first_seen, id", args...)
}

func (r *InventoryRepository) list(ctx context.Context, q string, args ...any) ([]*domain.Entry, error) {
	rows, err := r.query(ctx, r.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()
	out := []*domain.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Update writes the editable fields and refreshes the entry's stack.
func (r *InventoryRepository) Update(ctx context.Context, e *domain.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := r.exec(ctx, tx, `
UPDATE inventory_entries
SET item_condition = ?,
    notes = ?,
    is_example = ?,
    quantity_count = ?,
    last_seen = ?
WHERE tenant_id = ? AND id = ? AND soft_deleted = ?`,
			e.Condition, e.Notes, e.IsExample, e.QuantityCount, utc(e.LastSeen),
			e.TenantID, e.ID, false)
		if err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := r.get(ctx, tx, e.TenantID, e.ID); err != nil {
				return err
			}
		}
		count, err := r.refreshStack(ctx, tx, e.TenantID, e.DuplicateGroupKey)
		if err != nil {
			return err
		}
		e.StackCount = count
		return nil
	})
}

func (r *InventoryRepository) Increment(ctx context.Context, tenant string, id domain.EntryID, at time.Time) (*domain.Entry, error) {
	var out *domain.Entry
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		e, err := r.get(ctx, tx, tenant, id)
		if err != nil {
			return err
		}
		if _, err := r.exec(ctx, tx, `
UPDATE inventory_entries SET quantity_count = quantity_count + 1, last_seen = ?
WHERE tenant_id = ? AND id = ?`, utc(at), tenant, id); err != nil {
			return fmt.Errorf("increment entry: %w", err)
		}
		if _, err := r.refreshStack(ctx, tx, tenant, e.DuplicateGroupKey); err != nil {
			return err
		}
		out, err = r.get(ctx, tx, tenant, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *InventoryRepository) SoftDelete(ctx context.Context, tenant string, id domain.EntryID, at time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		e, err := r.get(ctx, tx, tenant, id)
		if err != nil {
			return err
		}
		if _, err := r.exec(ctx, tx, `
UPDATE inventory_entries SET soft_deleted = ?, deleted_at = ?
WHERE tenant_id = ? AND id = ?`, true, utc(at), tenant, id); err != nil {
			return fmt.Errorf("soft delete entry: %w", err)
		}
		_, err = r.refreshStack(ctx, tx, tenant, e.DuplicateGroupKey)
		return err
	})
}

// Stats counts live entries; example entries are left out of the owned figures.
func (r *InventoryRepository) Stats(ctx context.Context, tenant string) (domain.Stats, error) {
	const q = `
SELECT COUNT(*),
       COALESCE(SUM(quantity_count), 0),
       COALESCE(SUM(price_usd * quantity_count), 0),
       COALESCE(SUM(price_eur * quantity_count), 0),
       COUNT(DISTINCT duplicate_group_key)
FROM inventory_entries
WHERE tenant_id = ? AND soft_deleted = ?`
	var st domain.Stats
	var unique, count, stacks int64
	if err := r.queryRow(ctx, r.db, q, tenant, false).Scan(
		&unique, &count, &st.TotalValueUSD, &st.TotalValueEUR, &stacks,
	); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	st.TotalUniqueCards, st.TotalCardCount = int(unique), int(count)

	if err := r.queryRow(ctx, r.db, q+" AND is_example = ?", tenant, false, false).Scan(
		&unique, &count, &st.OwnedValueUSD, &st.OwnedValueEUR, new(int64),
	); err != nil {
		return st, fmt.Errorf("owned stats: %w", err)
	}
	st.OwnedUniqueCards, st.OwnedCardCount = int(unique), int(count)
	st.TotalStacks = int(stacks)
	return st, nil
}

func scanEntry(row rowScanner) (*domain.Entry, error) {
	var e domain.Entry
	var deletedAt sql.NullTime
	var originSession, originResult sql.NullString
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.CanonicalName, &e.SetCode, &e.SetName, &e.CollectorNumber, &e.Rarity,
		&e.ManaCost, &e.TypeLine, &e.OracleText, &e.FlavorText, &e.Power, &e.Toughness, &e.Colors, &e.ImageURL,
		&e.PriceUSD, &e.PriceEUR, &e.PriceTix, &e.QuantityCount, &e.StackCount, &e.Condition, &e.Notes,
		&e.DuplicateGroupKey, &e.StackID, &e.IsExample, &e.SoftDeleted, &deletedAt,
		&originSession, &originResult, &e.AddedMethod, &e.FirstSeen, &e.LastSeen,
	); err != nil {
		return nil, err
	}
	e.DeletedAt = timePtr(deletedAt)
	e.OriginScanSessionID = stringPtr(originSession)
	e.OriginScanResultID = stringPtr(originResult)
	e.FirstSeen = e.FirstSeen.UTC()
	e.LastSeen = e.LastSeen.UTC()
	return &e, nil
}
