package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup when the postgres provider is
// selected. The (run_id, task_key) unique index backs task de-duplication;
// the three data-table unique constraints back the idempotent upserts.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name TEXT NOT NULL,
	job_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	target_config TEXT NOT NULL DEFAULT '',
	cron_schedule TEXT NOT NULL DEFAULT '',
	max_concurrency INT NOT NULL,
	rate_limit_per_minute INT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	job_id BIGINT REFERENCES jobs(id),
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	total_tasks INT NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	failed_count INT NOT NULL DEFAULT 0,
	skipped_count INT NOT NULL DEFAULT 0,
	target_summary TEXT NOT NULL DEFAULT '',
	triggered_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES runs(id),
	task_key TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	retry_count INT NOT NULL DEFAULT 0,
	items_collected INT NOT NULL DEFAULT 0,
	items_saved INT NOT NULL DEFAULT 0,
	error_type TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, task_key)
);

CREATE TABLE IF NOT EXISTS complexes (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	region_code TEXT NOT NULL DEFAULT '',
	kb_complex_id TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'normal',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	collect_listings BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS areas (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	complex_id BIGINT NOT NULL REFERENCES complexes(id) ON DELETE CASCADE,
	exclusive_m2 DOUBLE PRECISION NOT NULL,
	supply_m2 DOUBLE PRECISION NOT NULL DEFAULT 0,
	pyeong DOUBLE PRECISION NOT NULL DEFAULT 0,
	kb_area_code TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS price_points (
	complex_id BIGINT NOT NULL,
	area_id BIGINT NOT NULL,
	as_of_date DATE NOT NULL,
	general_price BIGINT NOT NULL,
	high_avg_price BIGINT NOT NULL DEFAULT 0,
	low_avg_price BIGINT NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (complex_id, area_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS transactions (
	complex_id BIGINT NOT NULL,
	contract_date DATE NOT NULL,
	price BIGINT NOT NULL,
	exclusive_m2 DOUBLE PRECISION NOT NULL,
	floor INT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL,
	UNIQUE (complex_id, contract_date, price, exclusive_m2, floor)
);

CREATE TABLE IF NOT EXISTS listings (
	complex_id BIGINT NOT NULL,
	source_listing_id TEXT NOT NULL,
	ask_price BIGINT NOT NULL,
	exclusive_m2 DOUBLE PRECISION NOT NULL DEFAULT 0,
	floor INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	posted_at TIMESTAMPTZ,
	fetched_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	UNIQUE (source_listing_id)
);
`

// EnsureSchema creates the tables if they do not exist yet.
func EnsureSchema(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
