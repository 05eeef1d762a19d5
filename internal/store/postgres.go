// Package store is the database boundary: Postgres via database/sql and
// lib/pq. All mutation paths are single statements so concurrent runs
// against the same source stay consistent.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/geocode"
)

const maxListLimit = 1000

// Store wraps the shared connection pool.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing pool (tests inject sqlmock here).
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ============================================================================
// SOURCES
// ============================================================================

const sourceColumns = `id, name, platform, endpoint_url, config, enabled,
	max_rows_per_run, max_runtime_minutes, max_requests_per_minute,
	created_at, updated_at`

func scanSource(row interface{ Scan(...interface{}) error }) (*core.Source, error) {
	var src core.Source
	var configRaw []byte
	err := row.Scan(
		&src.ID, &src.Name, &src.Platform, &src.EndpointURL, &configRaw, &src.Enabled,
		&src.MaxRowsPerRun, &src.MaxRuntimeMinutes, &src.MaxRequestsPerMinute,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &src.Config); err != nil {
			return nil, fmt.Errorf("decode source %d config: %w", src.ID, err)
		}
	}
	if src.Config == nil {
		src.Config = map[string]interface{}{}
	}
	return &src, nil
}

// GetSources returns all registered sources in creation order.
func (s *Store) GetSources(ctx context.Context) ([]core.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []core.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// GetSource returns one source, or nil when the id is unknown.
func (s *Store) GetSource(ctx context.Context, id int64) (*core.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

// CreateSource registers a new source and returns it with its assigned id.
func (s *Store) CreateSource(ctx context.Context, src *core.Source) (*core.Source, error) {
	if src.MaxRowsPerRun <= 0 {
		src.MaxRowsPerRun = 1000
	}
	if src.MaxRuntimeMinutes <= 0 {
		src.MaxRuntimeMinutes = 30
	}
	if src.MaxRequestsPerMinute <= 0 {
		src.MaxRequestsPerMinute = 60
	}
	configRaw, err := json.Marshal(src.Config)
	if err != nil {
		return nil, fmt.Errorf("encode source config: %w", err)
	}
	return scanSource(s.db.QueryRowContext(ctx, `
		INSERT INTO sources (name, platform, endpoint_url, config, enabled,
			max_rows_per_run, max_runtime_minutes, max_requests_per_minute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+sourceColumns,
		src.Name, src.Platform, src.EndpointURL, configRaw, src.Enabled,
		src.MaxRowsPerRun, src.MaxRuntimeMinutes, src.MaxRequestsPerMinute,
	))
}

// UpdateSource patch-merges operator-mutable fields into a source row.
func (s *Store) UpdateSource(ctx context.Context, id int64, patch core.SourcePatch) (*core.Source, error) {
	var configRaw interface{}
	if patch.Config != nil {
		raw, err := json.Marshal(*patch.Config)
		if err != nil {
			return nil, fmt.Errorf("encode source config: %w", err)
		}
		configRaw = raw
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, `
		UPDATE sources SET
			name = COALESCE($2, name),
			endpoint_url = COALESCE($3, endpoint_url),
			config = COALESCE($4, config),
			enabled = COALESCE($5, enabled),
			max_rows_per_run = COALESCE($6, max_rows_per_run),
			max_runtime_minutes = COALESCE($7, max_runtime_minutes),
			max_requests_per_minute = COALESCE($8, max_requests_per_minute),
			updated_at = now()
		WHERE id = $1
		RETURNING `+sourceColumns,
		id, patch.Name, patch.EndpointURL, configRaw, patch.Enabled,
		patch.MaxRowsPerRun, patch.MaxRuntimeMinutes, patch.MaxRequestsPerMinute,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

// ============================================================================
// SOURCE STATE
// ============================================================================

const stateColumns = `source_id, last_max_timestamp, last_max_record_id,
	last_issue_date, etag, checksum, rows_fetched, rows_upserted, errors,
	freshness_seconds, last_sync_at, is_running, status_message, current_page,
	updated_at`

func scanState(row interface{ Scan(...interface{}) error }) (*core.SourceState, error) {
	var st core.SourceState
	err := row.Scan(
		&st.SourceID, &st.LastMaxTimestamp, &st.LastMaxRecordID,
		&st.LastIssueDate, &st.ETag, &st.Checksum,
		&st.RowsFetched, &st.RowsUpserted, &st.Errors,
		&st.FreshnessSeconds, &st.LastSyncAt,
		&st.IsRunning, &st.StatusMessage, &st.CurrentPage, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetSourceState returns the single state row for a source, or nil.
func (s *Store) GetSourceState(ctx context.Context, sourceID int64) (*core.SourceState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM source_state WHERE source_id = $1`, sourceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// GetAllSourceStates returns every state row, for progress UIs.
func (s *Store) GetAllSourceStates(ctx context.Context) ([]core.SourceState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM source_state ORDER BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []core.SourceState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// UpsertSourceState inserts the row for a source if missing, else merges the
// fields present in the patch into the existing row and bumps updated_at.
// Nil patch fields leave stored values untouched, which is what keeps two
// concurrent runs against the same source consistent.
func (s *Store) UpsertSourceState(ctx context.Context, patch core.SourceStatePatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_state (source_id, last_max_timestamp, last_max_record_id,
			last_issue_date, etag, checksum, rows_fetched, rows_upserted, errors,
			freshness_seconds, last_sync_at, is_running, status_message, current_page, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE($7, 0), COALESCE($8, 0), COALESCE($9, 0),
			$10, $11, COALESCE($12, FALSE), COALESCE($13, ''), COALESCE($14, 0), now())
		ON CONFLICT (source_id) DO UPDATE SET
			last_max_timestamp = COALESCE($2, source_state.last_max_timestamp),
			last_max_record_id = COALESCE($3, source_state.last_max_record_id),
			last_issue_date = COALESCE($4, source_state.last_issue_date),
			etag = COALESCE($5, source_state.etag),
			checksum = COALESCE($6, source_state.checksum),
			rows_fetched = COALESCE($7, source_state.rows_fetched),
			rows_upserted = COALESCE($8, source_state.rows_upserted),
			errors = COALESCE($9, source_state.errors),
			freshness_seconds = COALESCE($10, source_state.freshness_seconds),
			last_sync_at = COALESCE($11, source_state.last_sync_at),
			is_running = COALESCE($12, source_state.is_running),
			status_message = COALESCE($13, source_state.status_message),
			current_page = COALESCE($14, source_state.current_page),
			updated_at = now()`,
		patch.SourceID, patch.LastMaxTimestamp, patch.LastMaxRecordID,
		patch.LastIssueDate, patch.ETag, patch.Checksum,
		patch.RowsFetched, patch.RowsUpserted, patch.Errors,
		patch.FreshnessSeconds, patch.LastSyncAt,
		patch.IsRunning, patch.StatusMessage, patch.CurrentPage,
	)
	return err
}

// ============================================================================
// PERMITS
// ============================================================================

const permitColumns = `id, source_id, source_name, platform, source_record_id,
	permit_type, work_description, permit_status, issue_date, raw_address,
	address_parsed, parcel_id, owner_name, contractor_name, permit_value,
	lat, lon, geom_raw, fingerprint, is_roofing, created_at, provenance,
	raw_blob_ref`

func scanPermit(row interface{ Scan(...interface{}) error }) (*core.Permit, error) {
	var p core.Permit
	var permitType, workDesc, status, issueDate, rawAddr sql.NullString
	var parcel, owner, contractor, rawBlob sql.NullString
	var addrRaw, provRaw, geomRaw []byte
	err := row.Scan(
		&p.ID, &p.SourceID, &p.SourceName, &p.Platform, &p.SourceRecordID,
		&permitType, &workDesc, &status, &issueDate, &rawAddr,
		&addrRaw, &parcel, &owner, &contractor, &p.PermitValue,
		&p.Lat, &p.Lon, &geomRaw, &p.Fingerprint, &p.IsRoofing,
		&p.CreatedAt, &provRaw, &rawBlob,
	)
	if err != nil {
		return nil, err
	}
	p.PermitType = permitType.String
	p.WorkDescription = workDesc.String
	p.PermitStatus = status.String
	p.IssueDate = issueDate.String
	p.RawAddress = rawAddr.String
	p.ParcelID = parcel.String
	p.OwnerName = owner.String
	p.ContractorName = contractor.String
	p.RawBlobRef = rawBlob.String
	if len(addrRaw) > 0 {
		if err := json.Unmarshal(addrRaw, &p.Address); err != nil {
			return nil, fmt.Errorf("decode address for permit %s: %w", p.ID, err)
		}
	}
	if len(provRaw) > 0 {
		if err := json.Unmarshal(provRaw, &p.Provenance); err != nil {
			return nil, fmt.Errorf("decode provenance for permit %s: %w", p.ID, err)
		}
	}
	if len(geomRaw) > 0 {
		p.GeomRaw = json.RawMessage(geomRaw)
	}
	return &p, nil
}

// GetPermit returns a permit by primary key, or nil.
func (s *Store) GetPermit(ctx context.Context, id string) (*core.Permit, error) {
	p, err := scanPermit(s.db.QueryRowContext(ctx,
		`SELECT `+permitColumns+` FROM permits WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetPermitByFingerprint returns the permit carrying fp, or nil.
func (s *Store) GetPermitByFingerprint(ctx context.Context, fp string) (*core.Permit, error) {
	p, err := scanPermit(s.db.QueryRowContext(ctx,
		`SELECT `+permitColumns+` FROM permits WHERE fingerprint = $1`, fp))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UpsertPermit inserts the permit or, when its fingerprint already exists,
// overwrites the stored row's fields with the new non-null values. Calling
// it twice with the same record is a no-op for stats.
func (s *Store) UpsertPermit(ctx context.Context, p *core.Permit) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	addrRaw, err := json.Marshal(p.Address)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	provRaw, err := json.Marshal(p.Provenance)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	var geomRaw interface{}
	if len(p.GeomRaw) > 0 {
		geomRaw = []byte(p.GeomRaw)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permits (id, source_id, source_name, platform, source_record_id,
			permit_type, work_description, permit_status, issue_date, raw_address,
			address_parsed, parcel_id, owner_name, contractor_name, permit_value,
			lat, lon, geom_raw, fingerprint, is_roofing, created_at, provenance, raw_blob_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, now(), $21, $22)
		ON CONFLICT (fingerprint) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			source_name = EXCLUDED.source_name,
			platform = EXCLUDED.platform,
			source_record_id = EXCLUDED.source_record_id,
			permit_type = COALESCE(EXCLUDED.permit_type, permits.permit_type),
			work_description = COALESCE(EXCLUDED.work_description, permits.work_description),
			permit_status = COALESCE(EXCLUDED.permit_status, permits.permit_status),
			issue_date = COALESCE(EXCLUDED.issue_date, permits.issue_date),
			raw_address = COALESCE(EXCLUDED.raw_address, permits.raw_address),
			address_parsed = EXCLUDED.address_parsed,
			parcel_id = COALESCE(EXCLUDED.parcel_id, permits.parcel_id),
			owner_name = COALESCE(EXCLUDED.owner_name, permits.owner_name),
			contractor_name = COALESCE(EXCLUDED.contractor_name, permits.contractor_name),
			permit_value = COALESCE(EXCLUDED.permit_value, permits.permit_value),
			lat = COALESCE(EXCLUDED.lat, permits.lat),
			lon = COALESCE(EXCLUDED.lon, permits.lon),
			geom_raw = COALESCE(EXCLUDED.geom_raw, permits.geom_raw),
			is_roofing = EXCLUDED.is_roofing,
			provenance = EXCLUDED.provenance,
			raw_blob_ref = COALESCE(EXCLUDED.raw_blob_ref, permits.raw_blob_ref)`,
		p.ID, p.SourceID, p.SourceName, p.Platform, p.SourceRecordID,
		nullStr(p.PermitType), nullStr(p.WorkDescription), nullStr(p.PermitStatus),
		nullStr(p.IssueDate), nullStr(p.RawAddress),
		addrRaw, nullStr(p.ParcelID), nullStr(p.OwnerName), nullStr(p.ContractorName),
		p.PermitValue, p.Lat, p.Lon, geomRaw, p.Fingerprint, p.IsRoofing,
		provRaw, nullStr(p.RawBlobRef),
	)
	return err
}

// GetPermits lists permits matching the filter, newest first, along with the
// unpaginated total.
func (s *Store) GetPermits(ctx context.Context, f core.PermitFilter) ([]core.Permit, int64, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.BBox != nil {
		where = append(where, fmt.Sprintf("lat BETWEEN %s AND %s", arg(f.BBox.South), arg(f.BBox.North)))
		where = append(where, fmt.Sprintf("lon BETWEEN %s AND %s", arg(f.BBox.West), arg(f.BBox.East)))
	}
	if f.City != "" {
		where = append(where, fmt.Sprintf("address_parsed->>'city' ILIKE '%%' || %s || '%%'", arg(f.City)))
	}
	if f.State != "" {
		where = append(where, fmt.Sprintf("address_parsed->>'state' ILIKE '%%' || %s || '%%'", arg(f.State)))
	}
	if f.PermitType != "" {
		where = append(where, fmt.Sprintf("permit_type ILIKE '%%' || %s || '%%'", arg(f.PermitType)))
	}
	if f.DateFrom != "" {
		where = append(where, fmt.Sprintf("issue_date >= %s", arg(f.DateFrom)))
	}
	if f.DateTo != "" {
		where = append(where, fmt.Sprintf("issue_date <= %s", arg(f.DateTo)))
	}
	if f.RoofingOnly {
		where = append(where, "is_roofing")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM permits`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + permitColumns + ` FROM permits` + clause +
		` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var permits []core.Permit
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, 0, err
		}
		permits = append(permits, *p)
	}
	return permits, total, rows.Err()
}

// GetPermitStats returns the aggregate counters.
func (s *Store) GetPermitStats(ctx context.Context) (core.PermitStats, error) {
	var stats core.PermitStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE lat IS NOT NULL AND lon IS NOT NULL),
			COUNT(*) FILTER (WHERE is_roofing)
		FROM permits`).Scan(&stats.Total, &stats.WithCoordinates, &stats.Roofing)
	return stats, err
}

// GetSourcePermitCount returns how many permits a source has contributed.
func (s *Store) GetSourcePermitCount(ctx context.Context, sourceID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM permits WHERE source_id = $1`, sourceID).Scan(&n)
	return n, err
}

// MaxSourceRecordID returns the largest source_record_id for a source, cast
// to integer. The cast matters: lexicographic ordering mis-sorts "999" above
// "1000". Non-integer identifiers are skipped.
func (s *Store) MaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(source_record_id AS BIGINT)), 0)
		FROM permits
		WHERE source_id = $1 AND source_record_id ~ '^[0-9]+$'`,
		sourceID).Scan(&max)
	return max, err
}

// ============================================================================
// GEOCODE CACHE (persistent tier)
// ============================================================================

// GetGeocode returns the cached geocode result for an address, or nil.
func (s *Store) GetGeocode(ctx context.Context, address string) (*geocode.Result, error) {
	var res geocode.Result
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT lat, lon, display_name, matched FROM geocode_cache WHERE address = $1`,
		address).Scan(&res.Lat, &res.Lon, &displayName, &res.Matched)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.DisplayName = displayName.String
	return &res, nil
}

// PutGeocode persists a geocode outcome, including definitive "no result".
func (s *Store) PutGeocode(ctx context.Context, address string, res geocode.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geocode_cache (address, lat, lon, display_name, matched, fetched_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (address) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			display_name = EXCLUDED.display_name,
			matched = EXCLUDED.matched,
			fetched_at = now()`,
		address, res.Lat, res.Lon, nullStr(res.DisplayName), res.Matched,
	)
	return err
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
