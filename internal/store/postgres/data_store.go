package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jipview/collector/internal/collect"
)

// DataStore writes collected rows with idempotent upserts so retried tasks
// never duplicate data.
type DataStore struct {
	pool Querier
}

// NewDataStore constructs a DataStore over an existing pool.
func NewDataStore(pool Querier) *DataStore {
	return &DataStore{pool: pool}
}

// UpsertPrice inserts or replaces a price snapshot keyed by
// (complex_id, area_id, as_of_date).
func (s *DataStore) UpsertPrice(ctx context.Context, p collect.PricePoint) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO price_points (complex_id, area_id, as_of_date, general_price,
	high_avg_price, low_avg_price, source, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (complex_id, area_id, as_of_date) DO UPDATE SET
	general_price = EXCLUDED.general_price,
	high_avg_price = EXCLUDED.high_avg_price,
	low_avg_price = EXCLUDED.low_avg_price,
	source = EXCLUDED.source,
	fetched_at = EXCLUDED.fetched_at`,
		p.ComplexID, p.AreaID, p.AsOfDate, p.GeneralPrice,
		p.HighAvgPrice, p.LowAvgPrice, p.Source, p.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

// UpsertTransaction inserts a recorded sale, ignoring exact duplicates on
// (complex_id, contract_date, price, exclusive_m2, floor).
func (s *DataStore) UpsertTransaction(ctx context.Context, tx collect.Transaction) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO transactions (complex_id, contract_date, price, exclusive_m2, floor, source, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (complex_id, contract_date, price, exclusive_m2, floor) DO NOTHING`,
		tx.ComplexID, tx.ContractDate, tx.Price, tx.ExclusiveM2, tx.Floor, tx.Source, tx.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

// UpsertListing inserts or refreshes a listing keyed by source_listing_id.
func (s *DataStore) UpsertListing(ctx context.Context, l collect.Listing) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO listings (complex_id, source_listing_id, ask_price, exclusive_m2,
	floor, status, posted_at, fetched_at, last_seen_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (source_listing_id) DO UPDATE SET
	ask_price = EXCLUDED.ask_price,
	status = EXCLUDED.status,
	fetched_at = EXCLUDED.fetched_at,
	last_seen_at = EXCLUDED.last_seen_at`,
		l.ComplexID, l.SourceListingID, l.AskPrice, l.ExclusiveM2,
		l.Floor, l.Status, l.PostedAt, l.FetchedAt, l.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// ListPrices returns price snapshots for a complex, newest first. A zero
// areaID matches every area.
func (s *DataStore) ListPrices(ctx context.Context, complexID, areaID int64, limit int) ([]collect.PricePoint, error) {
	conds := []string{"complex_id = $1"}
	args := []any{complexID}
	if areaID != 0 {
		args = append(args, areaID)
		conds = append(conds, fmt.Sprintf("area_id = $%d", len(args)))
	}
	query := `
SELECT complex_id, area_id, as_of_date, general_price, high_avg_price,
	low_avg_price, source, fetched_at
FROM price_points WHERE ` + strings.Join(conds, " AND ") + " ORDER BY as_of_date DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	out := make([]collect.PricePoint, 0)
	for rows.Next() {
		var p collect.PricePoint
		if err := rows.Scan(
			&p.ComplexID, &p.AreaID, &p.AsOfDate, &p.GeneralPrice,
			&p.HighAvgPrice, &p.LowAvgPrice, &p.Source, &p.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return out, nil
}

// ListTransactions returns recorded sales for a complex, newest first.
func (s *DataStore) ListTransactions(ctx context.Context, complexID int64, limit int) ([]collect.Transaction, error) {
	query := `
SELECT complex_id, contract_date, price, exclusive_m2, floor, source, fetched_at
FROM transactions WHERE complex_id = $1 ORDER BY contract_date DESC`
	args := []any{complexID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, func(row pgx.Row) (collect.Transaction, error) {
		var tx collect.Transaction
		err := row.Scan(&tx.ComplexID, &tx.ContractDate, &tx.Price, &tx.ExclusiveM2,
			&tx.Floor, &tx.Source, &tx.FetchedAt)
		return tx, err
	})
}

// ListListings returns listings for a complex, optionally filtered by
// status, newest first.
func (s *DataStore) ListListings(ctx context.Context, complexID int64, status collect.ListingStatus, limit int) ([]collect.Listing, error) {
	conds := []string{"complex_id = $1"}
	args := []any{complexID}
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `
SELECT complex_id, source_listing_id, ask_price, exclusive_m2, floor, status,
	posted_at, fetched_at, last_seen_at
FROM listings WHERE ` + strings.Join(conds, " AND ") + " ORDER BY last_seen_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, func(row pgx.Row) (collect.Listing, error) {
		var l collect.Listing
		err := row.Scan(&l.ComplexID, &l.SourceListingID, &l.AskPrice, &l.ExclusiveM2,
			&l.Floor, &l.Status, &l.PostedAt, &l.FetchedAt, &l.LastSeenAt)
		return l, err
	})
}

func scanRows[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return out, nil
}

// RetireUnseenListings flips active listings for the complex that are not in
// seen to removed, returning how many were retired.
func (s *DataStore) RetireUnseenListings(ctx context.Context, complexID int64, seen []string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE listings SET status = 'removed', last_seen_at = $3
WHERE complex_id = $1 AND status = 'active' AND source_listing_id <> ALL($2)`,
		complexID, seen, at,
	)
	if err != nil {
		return 0, fmt.Errorf("retire listings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
