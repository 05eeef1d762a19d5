package store

import "context"

// schema is applied idempotently at startup. The unique fingerprint index is
// the deduplication guarantee; the partial indexes back the map-facing
// filters.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT 'other',
		endpoint_url TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		max_rows_per_run INTEGER NOT NULL DEFAULT 1000,
		max_runtime_minutes INTEGER NOT NULL DEFAULT 30,
		max_requests_per_minute INTEGER NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS source_state (
		source_id BIGINT PRIMARY KEY REFERENCES sources(id) ON DELETE CASCADE,
		last_max_timestamp TEXT,
		last_max_record_id BIGINT,
		last_issue_date TEXT,
		etag TEXT,
		checksum TEXT,
		rows_fetched INTEGER NOT NULL DEFAULT 0,
		rows_upserted INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		freshness_seconds BIGINT,
		last_sync_at TIMESTAMPTZ,
		is_running BOOLEAN NOT NULL DEFAULT FALSE,
		status_message TEXT NOT NULL DEFAULT '',
		current_page INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS permits (
		id UUID PRIMARY KEY,
		source_id BIGINT NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT 'other',
		source_record_id TEXT NOT NULL,
		permit_type TEXT,
		work_description TEXT,
		permit_status TEXT,
		issue_date TEXT,
		raw_address TEXT,
		address_parsed JSONB NOT NULL DEFAULT '{}',
		parcel_id TEXT,
		owner_name TEXT,
		contractor_name TEXT,
		permit_value DOUBLE PRECISION,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		geom_raw JSONB,
		fingerprint TEXT NOT NULL,
		is_roofing BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		provenance JSONB NOT NULL DEFAULT '{}',
		raw_blob_ref TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS permits_fingerprint_key ON permits (fingerprint)`,
	`CREATE INDEX IF NOT EXISTS permits_coords_idx ON permits (lat, lon) WHERE lat IS NOT NULL AND lon IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS permits_issue_date_idx ON permits (issue_date)`,
	`CREATE INDEX IF NOT EXISTS permits_roofing_idx ON permits (is_roofing) WHERE is_roofing`,
	`CREATE INDEX IF NOT EXISTS permits_source_idx ON permits (source_id)`,

	`CREATE TABLE IF NOT EXISTS geocode_cache (
		address TEXT PRIMARY KEY,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		display_name TEXT,
		matched BOOLEAN NOT NULL DEFAULT FALSE,
		fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
