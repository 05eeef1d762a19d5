// Package ingest drives connector streams into the store: single runs,
// deep-ingestion loops, and the continuous background sweep.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/permitwatch/backend/internal/connector"
	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/geocode"
	"github.com/permitwatch/backend/internal/normalize"
)

// Mode selects which connector iterator a run uses.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
)

const (
	// statusEvery is how many records pass between progress writes to the
	// state row. Progress survives a mid-run crash at this granularity.
	statusEvery = 10

	// interBatchPause separates deep-ingestion batches.
	interBatchPause = time.Second
)

// Storage is the slice of the store the orchestrator depends on.
type Storage interface {
	GetSource(ctx context.Context, id int64) (*core.Source, error)
	GetSources(ctx context.Context) ([]core.Source, error)
	GetSourceState(ctx context.Context, sourceID int64) (*core.SourceState, error)
	UpsertSourceState(ctx context.Context, patch core.SourceStatePatch) error
	GetPermitByFingerprint(ctx context.Context, fp string) (*core.Permit, error)
	UpsertPermit(ctx context.Context, p *core.Permit) error
	MaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error)
}

// AddressGeocoder resolves a raw address to coordinates.
type AddressGeocoder interface {
	Geocode(ctx context.Context, address string) (geocode.Result, error)
}

// RunResult summarizes one completed run. RowsUpserted counts every record
// that persisted (updates included); RowsSaved counts only fingerprints not
// seen before.
type RunResult struct {
	RowsFetched  int `json:"rows_fetched"`
	RowsUpserted int `json:"rows_upserted"`
	RowsSaved    int `json:"rows_saved"`
	Errors       int `json:"errors"`
	// Exhausted means the portal returned fewer rows than the per-run
	// budget, so there is nothing more to pull right now.
	Exhausted bool `json:"exhausted"`
}

// Orchestrator coordinates one run at a time per call; is_running on the
// state row is advisory and overlapping runs stay consistent because every
// write is a single-statement merge.
type Orchestrator struct {
	store   Storage
	norm    *normalize.Normalizer
	geo     AddressGeocoder // nil disables geocoding
	metrics *Metrics
	logger  *log.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds an Orchestrator. geo may be nil.
func New(store Storage, norm *normalize.Normalizer, geo AddressGeocoder, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		norm:    norm,
		geo:     geo,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// RunByID loads the source and runs one ingestion batch. Manual trigger path;
// works on disabled sources too, since the operator asked explicitly.
func (o *Orchestrator) RunByID(ctx context.Context, sourceID int64, mode Mode) (RunResult, error) {
	src, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return RunResult{}, err
	}
	if src == nil {
		return RunResult{}, fmt.Errorf("source %d not found", sourceID)
	}
	return o.Run(ctx, src, mode)
}

// Run executes a single ingestion batch for the source: validate, stream up
// to max_rows_per_run records, persist each, then advance cursors.
func (o *Orchestrator) Run(ctx context.Context, src *core.Source, mode Mode) (RunResult, error) {
	return o.runBatch(ctx, src, mode, true)
}

// runBatch is Run with control over the validation probe. Loops that hit the
// same source back to back validate once up front and skip the probe on later
// batches, so the portal sees one extra request per drain instead of one per
// batch.
func (o *Orchestrator) runBatch(ctx context.Context, src *core.Source, mode Mode, validate bool) (RunResult, error) {
	started := o.now()
	res, err := o.run(ctx, src, mode, validate)
	if o.metrics != nil {
		o.metrics.RecordRun(src.Name, string(mode), err == nil, o.now().Sub(started).Seconds())
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, src *core.Source, mode Mode, validate bool) (RunResult, error) {
	started := o.now().UTC()

	conn, err := connector.ForPlatform(src.Platform, o.clientFor(src), o.norm, o.store)
	if err != nil {
		o.markFailed(ctx, src, err)
		return RunResult{}, err
	}

	prev, err := o.store.GetSourceState(ctx, src.ID)
	if err != nil {
		return RunResult{}, err
	}

	// The runtime budget bounds the whole run including retries and
	// geocoding waits.
	runtime := time.Duration(src.MaxRuntimeMinutes) * time.Minute
	if runtime <= 0 {
		runtime = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, runtime)
	defer cancel()

	if validate {
		if err := conn.Validate(runCtx, src); err != nil {
			o.markFailed(ctx, src, err)
			return RunResult{}, err
		}
	}

	o.setRunning(ctx, src, true, fmt.Sprintf("%s run started", mode))

	maxRows := src.MaxRowsPerRun
	if maxRows <= 0 {
		maxRows = 1000
	}
	state := connector.StateFrom(prev)

	var stream *connector.Stream
	if mode == ModeBackfill {
		stream = conn.Backfill(runCtx, src, state, maxRows)
	} else {
		stream = conn.Incremental(runCtx, src, state, maxRows)
	}

	var res RunResult
	var maxIssueDate string
	var maxRecordID int64

	for p := range stream.Records() {
		res.RowsFetched++
		if o.metrics != nil {
			o.metrics.RecordsFetched.WithLabelValues(src.Name).Inc()
		}

		if err := o.persist(runCtx, src, &p, &res); err != nil {
			// Per-record failures are skipped, not fatal for the run.
			res.Errors++
			if o.metrics != nil {
				o.metrics.RecordErrors.WithLabelValues(src.Name).Inc()
			}
			o.logger.Printf("source %d: skipping record %s: %v", src.ID, p.SourceRecordID, err)
		}

		if p.IssueDate > maxIssueDate {
			maxIssueDate = p.IssueDate
		}
		if p.Provenance.MaxRecordID != nil && *p.Provenance.MaxRecordID > maxRecordID {
			maxRecordID = *p.Provenance.MaxRecordID
		}

		if res.RowsFetched%statusEvery == 0 {
			o.writeProgress(ctx, src, res, stream.Page())
		}
	}

	if err := stream.Err(); err != nil {
		o.finishRun(ctx, src, prev, started, res, maxIssueDate, maxRecordID)
		o.markFailed(ctx, src, err)
		return res, fmt.Errorf("source %d %s run: %w", src.ID, mode, err)
	}

	res.Exhausted = res.RowsFetched < maxRows
	o.finishRun(ctx, src, prev, started, res, maxIssueDate, maxRecordID)
	o.logger.Printf("source %d (%s): %s run done, fetched=%d saved=%d errors=%d exhausted=%v",
		src.ID, src.Name, mode, res.RowsFetched, res.RowsSaved, res.Errors, res.Exhausted)
	return res, nil
}

// persist geocodes (when needed) and upserts one record, bumping RowsSaved
// only for fingerprints not seen before.
func (o *Orchestrator) persist(ctx context.Context, src *core.Source, p *core.Permit, res *RunResult) error {
	if o.geo != nil && p.Lat == nil && p.RawAddress != "" {
		geoRes, err := o.geo.Geocode(ctx, p.RawAddress)
		if o.metrics != nil {
			o.metrics.RecordGeocode(geoRes.Matched, err)
		}
		if err != nil {
			// Geocode failures never block ingestion; the record lands
			// without coordinates.
			o.logger.Printf("source %d: geocode failed for %q: %v", src.ID, p.RawAddress, err)
		} else if geoRes.Matched {
			p.Lat, p.Lon = geoRes.Lat, geoRes.Lon
		}
	}

	existing, err := o.store.GetPermitByFingerprint(ctx, p.Fingerprint)
	if err != nil {
		return err
	}
	if existing != nil {
		p.ID = existing.ID
	}
	if err := o.store.UpsertPermit(ctx, p); err != nil {
		return err
	}
	res.RowsUpserted++
	if existing == nil {
		res.RowsSaved++
		if o.metrics != nil {
			o.metrics.RecordsSaved.WithLabelValues(src.Name).Inc()
			if p.IsRoofing {
				o.metrics.RecordsRoofing.WithLabelValues(src.Name).Inc()
			}
		}
	}
	return nil
}

func (o *Orchestrator) clientFor(src *core.Source) *connector.Client {
	return connector.NewClient(connector.NewRateLimiter(src.MaxRequestsPerMinute))
}

func (o *Orchestrator) setRunning(ctx context.Context, src *core.Source, running bool, status string) {
	if o.metrics != nil {
		o.metrics.SetRunning(src.Name, running)
	}
	page := 0
	patch := core.SourceStatePatch{
		SourceID:      src.ID,
		IsRunning:     &running,
		StatusMessage: &status,
		CurrentPage:   &page,
	}
	if err := o.store.UpsertSourceState(ctx, patch); err != nil {
		o.logger.Printf("source %d: state write failed: %v", src.ID, err)
	}
}

func (o *Orchestrator) writeProgress(ctx context.Context, src *core.Source, res RunResult, page int) {
	status := fmt.Sprintf("in progress: fetched %d, upserted %d", res.RowsFetched, res.RowsUpserted)
	patch := core.SourceStatePatch{
		SourceID:      src.ID,
		RowsFetched:   &res.RowsFetched,
		RowsUpserted:  &res.RowsUpserted,
		Errors:        &res.Errors,
		StatusMessage: &status,
		CurrentPage:   &page,
	}
	if err := o.store.UpsertSourceState(ctx, patch); err != nil {
		o.logger.Printf("source %d: progress write failed: %v", src.ID, err)
	}
}

// finishRun writes counters and cursor advances. Cursors only move forward:
// a run that saw older rows than a previous run leaves them untouched.
func (o *Orchestrator) finishRun(ctx context.Context, src *core.Source, prev *core.SourceState, started time.Time, res RunResult, maxIssueDate string, maxRecordID int64) {
	now := o.now().UTC()
	running := false
	status := fmt.Sprintf("completed: fetched %d, upserted %d, errors %d", res.RowsFetched, res.RowsUpserted, res.Errors)
	fresh := int64(now.Sub(started).Seconds())

	patch := core.SourceStatePatch{
		SourceID:         src.ID,
		RowsFetched:      &res.RowsFetched,
		RowsUpserted:     &res.RowsUpserted,
		Errors:           &res.Errors,
		IsRunning:        &running,
		StatusMessage:    &status,
		LastSyncAt:       &now,
		FreshnessSeconds: &fresh,
	}
	if o.metrics != nil {
		o.metrics.SourceFreshness.WithLabelValues(src.Name).Set(float64(fresh))
	}
	if maxIssueDate != "" && (prev == nil || prev.LastIssueDate == nil || maxIssueDate > *prev.LastIssueDate) {
		patch.LastIssueDate = &maxIssueDate
	}
	if maxRecordID > 0 && (prev == nil || prev.LastMaxRecordID == nil || maxRecordID > *prev.LastMaxRecordID) {
		patch.LastMaxRecordID = &maxRecordID
	}

	if err := o.store.UpsertSourceState(ctx, patch); err != nil {
		o.logger.Printf("source %d: final state write failed: %v", src.ID, err)
	}
	if o.metrics != nil {
		o.metrics.SetRunning(src.Name, false)
	}
}

// markFailed flips the running flag off with a failure status. It leaves the
// errors counter alone: on a stream fault finishRun has already written the
// real per-record count, and overwriting it here would misreport the run.
func (o *Orchestrator) markFailed(ctx context.Context, src *core.Source, runErr error) {
	running := false
	status := fmt.Sprintf("failed: %v", runErr)
	patch := core.SourceStatePatch{
		SourceID:      src.ID,
		IsRunning:     &running,
		StatusMessage: &status,
	}
	if err := o.store.UpsertSourceState(ctx, patch); err != nil {
		o.logger.Printf("source %d: failure state write failed: %v", src.ID, err)
	}
	if o.metrics != nil {
		o.metrics.SetRunning(src.Name, false)
	}
}

// RunDeep loops backfill batches until a batch writes strictly fewer new
// permits than the per-run budget, sleeping a second between batches. With a
// finite corpus this terminates in at most ceil(total/max_rows)+1 batches.
func (o *Orchestrator) RunDeep(ctx context.Context, src *core.Source) (RunResult, error) {
	maxRows := src.MaxRowsPerRun
	if maxRows <= 0 {
		maxRows = 1000
	}

	var total RunResult
	validate := true
	for {
		res, err := o.runBatch(ctx, src, ModeBackfill, validate)
		validate = false
		total.RowsFetched += res.RowsFetched
		total.RowsUpserted += res.RowsUpserted
		total.RowsSaved += res.RowsSaved
		total.Errors += res.Errors
		total.Exhausted = res.Exhausted
		if err != nil {
			return total, err
		}

		if res.RowsSaved < maxRows {
			return total, nil
		}
		if err := o.sleep(ctx, interBatchPause); err != nil {
			return total, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
