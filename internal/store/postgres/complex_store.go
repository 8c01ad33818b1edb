package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jipview/collector/internal/collect"
)

// ComplexStore persists the target catalog in Postgres.
type ComplexStore struct {
	pool Querier
}

// NewComplexStore constructs a ComplexStore over an existing pool.
func NewComplexStore(pool Querier) *ComplexStore {
	return &ComplexStore{pool: pool}
}

const complexColumns = `id, name, address, region_code, kb_complex_id, priority,
	is_active, collect_listings, created_at, updated_at`

func scanComplex(row pgx.Row) (collect.Complex, error) {
	var cpx collect.Complex
	err := row.Scan(
		&cpx.ID, &cpx.Name, &cpx.Address, &cpx.RegionCode, &cpx.KBComplexID,
		&cpx.Priority, &cpx.Active, &cpx.CollectListings, &cpx.CreatedAt, &cpx.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collect.Complex{}, collect.ErrNotFound
	}
	if err != nil {
		return collect.Complex{}, fmt.Errorf("scan complex: %w", err)
	}
	return cpx, nil
}

// CreateComplex inserts a complex and its areas.
func (s *ComplexStore) CreateComplex(ctx context.Context, cpx collect.Complex) (collect.Complex, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO complexes (name, address, region_code, kb_complex_id, priority, is_active, collect_listings)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING `+complexColumns,
		cpx.Name, cpx.Address, cpx.RegionCode, cpx.KBComplexID, cpx.Priority,
		cpx.Active, cpx.CollectListings,
	)
	created, err := scanComplex(row)
	if err != nil {
		return collect.Complex{}, fmt.Errorf("insert complex: %w", err)
	}
	for _, area := range cpx.Areas {
		inserted, err := s.insertArea(ctx, created.ID, area)
		if err != nil {
			return collect.Complex{}, err
		}
		created.Areas = append(created.Areas, inserted)
	}
	return created, nil
}

func (s *ComplexStore) insertArea(ctx context.Context, complexID int64, area collect.Area) (collect.Area, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO areas (complex_id, exclusive_m2, supply_m2, pyeong, kb_area_code)
VALUES ($1,$2,$3,$4,$5)
RETURNING id, complex_id, exclusive_m2, supply_m2, pyeong, kb_area_code`,
		complexID, area.ExclusiveM2, area.SupplyM2, area.Pyeong, area.KBAreaCode,
	)
	var out collect.Area
	if err := row.Scan(&out.ID, &out.ComplexID, &out.ExclusiveM2, &out.SupplyM2, &out.Pyeong, &out.KBAreaCode); err != nil {
		return collect.Area{}, fmt.Errorf("insert area: %w", err)
	}
	return out, nil
}

func (s *ComplexStore) loadAreas(ctx context.Context, complexIDs []int64) (map[int64][]collect.Area, error) {
	if len(complexIDs) == 0 {
		return map[int64][]collect.Area{}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, complex_id, exclusive_m2, supply_m2, pyeong, kb_area_code
FROM areas WHERE complex_id = ANY($1) ORDER BY id`, complexIDs)
	if err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]collect.Area)
	for rows.Next() {
		var area collect.Area
		if err := rows.Scan(&area.ID, &area.ComplexID, &area.ExclusiveM2, &area.SupplyM2, &area.Pyeong, &area.KBAreaCode); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		out[area.ComplexID] = append(out[area.ComplexID], area)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	return out, nil
}

// GetComplex fetches a complex with its areas.
func (s *ComplexStore) GetComplex(ctx context.Context, id int64) (collect.Complex, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+complexColumns+` FROM complexes WHERE id = $1`, id)
	cpx, err := scanComplex(row)
	if err != nil {
		return collect.Complex{}, err
	}
	areas, err := s.loadAreas(ctx, []int64{cpx.ID})
	if err != nil {
		return collect.Complex{}, err
	}
	cpx.Areas = areas[cpx.ID]
	return cpx, nil
}

// ListComplexes returns complexes matching the filter plus the total count
// before paging.
func (s *ComplexStore) ListComplexes(ctx context.Context, filter collect.ComplexFilter) ([]collect.Complex, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.RegionPrefix != "" {
		args = append(args, filter.RegionPrefix+"%")
		conds = append(conds, fmt.Sprintf("region_code LIKE $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR address ILIKE $%d)", len(args), len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM complexes`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count complexes: %w", err)
	}

	query := `SELECT ` + complexColumns + ` FROM complexes` + where + " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list complexes: %w", err)
	}
	defer rows.Close()

	out := make([]collect.Complex, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		cpx, err := scanComplex(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cpx)
		ids = append(ids, cpx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list complexes: %w", err)
	}

	areas, err := s.loadAreas(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Areas = areas[out[i].ID]
	}
	return out, total, nil
}

// UpdateComplex replaces a complex's mutable fields and rewrites its areas.
func (s *ComplexStore) UpdateComplex(ctx context.Context, cpx collect.Complex) (collect.Complex, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE complexes SET name = $2, address = $3, region_code = $4, kb_complex_id = $5,
	priority = $6, is_active = $7, collect_listings = $8, updated_at = now()
WHERE id = $1
RETURNING `+complexColumns,
		cpx.ID, cpx.Name, cpx.Address, cpx.RegionCode, cpx.KBComplexID,
		cpx.Priority, cpx.Active, cpx.CollectListings,
	)
	updated, err := scanComplex(row)
	if err != nil {
		return collect.Complex{}, err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM areas WHERE complex_id = $1`, cpx.ID); err != nil {
		return collect.Complex{}, fmt.Errorf("clear areas: %w", err)
	}
	for _, area := range cpx.Areas {
		inserted, err := s.insertArea(ctx, updated.ID, area)
		if err != nil {
			return collect.Complex{}, err
		}
		updated.Areas = append(updated.Areas, inserted)
	}
	return updated, nil
}

// DeleteComplex removes a complex; areas cascade.
func (s *ComplexStore) DeleteComplex(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM complexes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete complex: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return collect.ErrNotFound
	}
	return nil
}

// ComplexesByIDs resolves an explicit ID list, keeping only rows that exist.
func (s *ComplexStore) ComplexesByIDs(ctx context.Context, ids []int64) ([]collect.Complex, error) {
	if len(ids) == 0 {
		return []collect.Complex{}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+complexColumns+` FROM complexes WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("complexes by ids: %w", err)
	}
	defer rows.Close()

	out := make([]collect.Complex, 0, len(ids))
	found := make([]int64, 0, len(ids))
	for rows.Next() {
		cpx, err := scanComplex(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cpx)
		found = append(found, cpx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("complexes by ids: %w", err)
	}

	areas, err := s.loadAreas(ctx, found)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Areas = areas[out[i].ID]
	}
	return out, nil
}

// ActiveByRegionPrefix resolves active complexes whose region code starts
// with the prefix.
func (s *ComplexStore) ActiveByRegionPrefix(ctx context.Context, prefix string) ([]collect.Complex, error) {
	active := true
	out, _, err := s.ListComplexes(ctx, collect.ComplexFilter{Active: &active, RegionPrefix: prefix})
	return out, err
}
