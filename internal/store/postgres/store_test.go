package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jipview/collector/internal/collect"
)

func TestJobStoreGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	store := NewJobStore(mock)
	_, err = store.GetJob(context.Background(), 42)
	require.ErrorIs(t, err, collect.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateJobReturnsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "name", "job_type", "description", "target_config", "cron_schedule",
		"max_concurrency", "rate_limit_per_minute", "status", "created_at", "updated_at",
	}).AddRow(
		int64(1), "seoul prices", collect.JobTypeKBPrice, "", `{"complex_ids":[1]}`, "",
		5, 60, collect.JobStatusActive, now, now,
	)

	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs("seoul prices", collect.JobTypeKBPrice, "", `{"complex_ids":[1]}`, "",
			5, 60, collect.JobStatusActive).
		WillReturnRows(rows)

	store := NewJobStore(mock)
	created, err := store.CreateJob(context.Background(), collect.Job{
		Name:               "seoul prices",
		Type:               collect.JobTypeKBPrice,
		TargetConfig:       `{"complex_ids":[1]}`,
		MaxConcurrency:     5,
		RateLimitPerMinute: 60,
		Status:             collect.JobStatusActive,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreUpdateRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE runs SET").
		WithArgs(int64(9), collect.RunStatusRunning, (*time.Time)(nil), (*time.Time)(nil), 3, 0, 0, 0, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewRunStore(mock)
	err = store.UpdateRun(context.Background(), collect.Run{
		ID: 9, Status: collect.RunStatusRunning, TotalTasks: 3,
	})
	require.ErrorIs(t, err, collect.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreStaleRunning(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Unix(1700000000, 0).UTC()
	created := started.Add(-time.Minute)
	cutoff := started.Add(10 * time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "run_id", "task_key", "status", "started_at", "finished_at",
		"retry_count", "items_collected", "items_saved", "error_type", "error_message", "created_at",
	}).AddRow(
		int64(3), int64(1), "kb_price_10_20", collect.TaskStatusRunning, &started, nil,
		0, 0, 0, "", "", created,
	)

	mock.ExpectQuery("SELECT .+ FROM tasks").
		WithArgs(cutoff).
		WillReturnRows(rows)

	store := NewTaskStore(mock)
	stale, err := store.StaleRunning(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "kb_price_10_20", stale[0].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDataStoreUpsertPrice(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	p := collect.PricePoint{
		ComplexID: 1, AreaID: 2, AsOfDate: day,
		GeneralPrice: 150000, HighAvgPrice: 160000, LowAvgPrice: 140000,
		Source: "kb", FetchedAt: day.Add(6 * time.Hour),
	}

	mock.ExpectExec("INSERT INTO price_points").
		WithArgs(p.ComplexID, p.AreaID, p.AsOfDate, p.GeneralPrice,
			p.HighAvgPrice, p.LowAvgPrice, p.Source, p.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewDataStore(mock)
	require.NoError(t, store.UpsertPrice(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDataStoreRetireUnseenListings(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Unix(1700000000, 0).UTC()
	seen := []string{"L1", "L2"}

	mock.ExpectExec("UPDATE listings SET status = 'removed'").
		WithArgs(int64(7), seen, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	store := NewDataStore(mock)
	retired, err := store.RetireUnseenListings(context.Background(), 7, seen, at)
	require.NoError(t, err)
	require.Equal(t, 3, retired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDataStoreListPrices(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	day := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"complex_id", "area_id", "as_of_date", "general_price",
		"high_avg_price", "low_avg_price", "source", "fetched_at",
	}).AddRow(
		int64(1), int64(2), day, int64(310000),
		int64(330000), int64(295000), "kb", day.Add(6*time.Hour),
	)

	mock.ExpectQuery("SELECT .+ FROM price_points").
		WithArgs(int64(1), int64(2), 10).
		WillReturnRows(rows)

	store := NewDataStore(mock)
	prices, err := store.ListPrices(context.Background(), 1, 2, 10)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.Equal(t, int64(310000), prices[0].GeneralPrice)
	require.Equal(t, day, prices[0].AsOfDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDataStoreListListingsByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	seen := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"complex_id", "source_listing_id", "ask_price", "exclusive_m2", "floor",
		"status", "posted_at", "fetched_at", "last_seen_at",
	}).AddRow(
		int64(7), "L2", int64(290000), 84.43, 9,
		collect.ListingSold, (*time.Time)(nil), seen, seen,
	)

	mock.ExpectQuery("SELECT .+ FROM listings").
		WithArgs(int64(7), collect.ListingSold).
		WillReturnRows(rows)

	store := NewDataStore(mock)
	listings, err := store.ListListings(context.Background(), 7, collect.ListingSold, 0)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, "L2", listings[0].SourceListingID)
	require.NoError(t, mock.ExpectationsWereMet())
}
