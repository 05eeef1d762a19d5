package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permitwatch/backend/internal/classify"
	"github.com/permitwatch/backend/internal/config"
	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/geocode"
	"github.com/permitwatch/backend/internal/normalize"
)

// fakeStore is an in-memory Storage with patch-merge semantics matching the
// SQL layer.
type fakeStore struct {
	mu      sync.Mutex
	sources map[int64]*core.Source
	states  map[int64]*core.SourceState
	permits map[string]*core.Permit // by fingerprint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources: make(map[int64]*core.Source),
		states:  make(map[int64]*core.SourceState),
		permits: make(map[string]*core.Permit),
	}
}

func (f *fakeStore) GetSource(ctx context.Context, id int64) (*core.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[id], nil
}

func (f *fakeStore) GetSources(ctx context.Context) ([]core.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Source
	for _, s := range f.sources {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) GetSourceState(ctx context.Context, sourceID int64) (*core.SourceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[sourceID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) UpsertSourceState(ctx context.Context, patch core.SourceStatePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[patch.SourceID]
	if !ok {
		st = &core.SourceState{SourceID: patch.SourceID}
		f.states[patch.SourceID] = st
	}
	if patch.LastMaxTimestamp != nil {
		st.LastMaxTimestamp = patch.LastMaxTimestamp
	}
	if patch.LastMaxRecordID != nil {
		st.LastMaxRecordID = patch.LastMaxRecordID
	}
	if patch.LastIssueDate != nil {
		st.LastIssueDate = patch.LastIssueDate
	}
	if patch.RowsFetched != nil {
		st.RowsFetched = *patch.RowsFetched
	}
	if patch.RowsUpserted != nil {
		st.RowsUpserted = *patch.RowsUpserted
	}
	if patch.Errors != nil {
		st.Errors = *patch.Errors
	}
	if patch.FreshnessSeconds != nil {
		st.FreshnessSeconds = patch.FreshnessSeconds
	}
	if patch.LastSyncAt != nil {
		st.LastSyncAt = patch.LastSyncAt
	}
	if patch.IsRunning != nil {
		st.IsRunning = *patch.IsRunning
	}
	if patch.StatusMessage != nil {
		st.StatusMessage = *patch.StatusMessage
	}
	if patch.CurrentPage != nil {
		st.CurrentPage = *patch.CurrentPage
	}
	st.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) GetPermitByFingerprint(ctx context.Context, fp string) (*core.Permit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.permits[fp]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) UpsertPermit(ctx context.Context, p *core.Permit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.permits[p.Fingerprint] = &cp
	return nil
}

func (f *fakeStore) MaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error) {
	return 0, nil
}

func (f *fakeStore) permitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.permits)
}

// fakeGeo resolves every address to a fixed point.
type fakeGeo struct {
	calls int
}

func (g *fakeGeo) Geocode(ctx context.Context, address string) (geocode.Result, error) {
	g.calls++
	lat, lon := 38.58, -121.49
	return geocode.Result{Lat: &lat, Lon: &lon, Matched: true}, nil
}

func testOrchestrator(store Storage, geo AddressGeocoder) *Orchestrator {
	norm := normalize.New(classify.New(&config.RoofingRules{
		PermitTypes:     config.PermitTypeRules{PartialMatches: []string{"roof"}},
		MinTokenMatches: 1,
	}))
	o := New(store, norm, geo, nil)
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return o
}

// socrataPortal serves rowsPerCall rows on every page request, with ids
// offset by how often the handler ran.
func socrataPortal(rows []map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rows)
	}))
}

func socrataRows(n int, prefix string) []map[string]interface{} {
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{
			"id":          fmt.Sprintf("%s-%d", prefix, i),
			"permit_type": "Reroof",
			"issue_date":  fmt.Sprintf("2024-05-%02dT00:00:00.000", i%27+1),
			"address":     fmt.Sprintf("%d H Street, Sacramento, CA 95814", 100+i),
		}
	}
	return rows
}

func testSource(endpoint string) *core.Source {
	return &core.Source{
		ID:                   1,
		Name:                 "Sacramento",
		Platform:             core.PlatformJSONDataset,
		EndpointURL:          endpoint,
		Enabled:              true,
		MaxRowsPerRun:        100,
		MaxRuntimeMinutes:    5,
		MaxRequestsPerMinute: 1000,
		Config:               map[string]interface{}{"dataset_id": "abcd"},
	}
}

func TestRun_IngestsAndUpdatesState(t *testing.T) {
	srv := socrataPortal(socrataRows(5, "A"))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)
	store.sources[src.ID] = src

	res, err := o.Run(context.Background(), src, ModeBackfill)
	require.NoError(t, err)
	assert.Equal(t, 5, res.RowsFetched)
	assert.Equal(t, 5, res.RowsUpserted)
	assert.Equal(t, 5, res.RowsSaved)
	assert.Zero(t, res.Errors)
	assert.True(t, res.Exhausted, "short page exhausts the portal")
	assert.Equal(t, 5, store.permitCount())

	st, _ := store.GetSourceState(context.Background(), src.ID)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 5, st.RowsFetched)
	assert.Equal(t, 5, st.RowsUpserted)
	require.NotNil(t, st.LastIssueDate)
	assert.Equal(t, "2024-05-05", *st.LastIssueDate, "cursor is the max issue date seen")
	assert.NotNil(t, st.LastSyncAt)
	assert.Contains(t, st.StatusMessage, "completed")
}

func TestRun_SecondRunSavesNothing(t *testing.T) {
	srv := socrataPortal(socrataRows(5, "A"))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)

	_, err := o.Run(context.Background(), src, ModeBackfill)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), src, ModeBackfill)
	require.NoError(t, err)
	assert.Equal(t, 5, res.RowsFetched)
	assert.Equal(t, 5, res.RowsUpserted, "duplicates are still upserted")
	assert.Zero(t, res.RowsSaved, "same fingerprints are updates, not saves")
	assert.Equal(t, 5, store.permitCount())
}

func TestRun_GeocodesRecordsWithoutCoordinates(t *testing.T) {
	srv := socrataPortal(socrataRows(3, "A"))
	defer srv.Close()

	store := newFakeStore()
	geo := &fakeGeo{}
	o := testOrchestrator(store, geo)

	_, err := o.Run(context.Background(), testSource(srv.URL), ModeBackfill)
	require.NoError(t, err)
	assert.Equal(t, 3, geo.calls)

	for _, p := range store.permits {
		require.NotNil(t, p.Lat)
		assert.InDelta(t, 38.58, *p.Lat, 0.001)
	}
}

func TestRun_ValidationFailureMarksState(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, nil)

	src := testSource("https://data.example.gov")
	src.Config = map[string]interface{}{} // no dataset_id

	_, err := o.Run(context.Background(), src, ModeBackfill)
	require.Error(t, err)

	st, _ := store.GetSourceState(context.Background(), src.ID)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning)
	assert.Contains(t, st.StatusMessage, "failed")
}

func TestRunDeep_StopsWhenNewRowsFallBelowBudget(t *testing.T) {
	// The portal always returns exactly max_rows rows with the same ids, so
	// the second batch saves nothing new and the loop ends.
	srv := socrataPortal(socrataRows(4, "A"))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)
	src.MaxRowsPerRun = 4

	res, err := o.RunDeep(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RowsSaved)
	assert.Equal(t, 8, res.RowsFetched, "one saving batch plus one duplicate batch")
}

func TestRunDeep_StopsOnShortBatch(t *testing.T) {
	srv := socrataPortal(socrataRows(2, "A"))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)
	src.MaxRowsPerRun = 10

	res, err := o.RunDeep(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 2, res.RowsFetched, "one short batch ends the loop")
}

func TestRunByID_UnknownSource(t *testing.T) {
	o := testOrchestrator(newFakeStore(), nil)
	_, err := o.RunByID(context.Background(), 42, ModeIncremental)
	assert.ErrorContains(t, err, "not found")
}

func TestSweeper_PassCoversEnabledSources(t *testing.T) {
	srv := socrataPortal(socrataRows(2, "A"))
	defer srv.Close()

	store := newFakeStore()
	enabled := testSource(srv.URL)
	disabled := testSource(srv.URL)
	disabled.ID = 2
	disabled.Name = "Disabled"
	disabled.Enabled = false
	store.sources[enabled.ID] = enabled
	store.sources[disabled.ID] = disabled

	o := testOrchestrator(store, nil)
	sw := NewSweeper(o)

	require.NoError(t, sw.pass(context.Background()))

	st, _ := store.GetSourceState(context.Background(), enabled.ID)
	require.NotNil(t, st, "enabled source was ingested")

	stDisabled, _ := store.GetSourceState(context.Background(), disabled.ID)
	assert.Nil(t, stDisabled, "disabled source was skipped")
}

func TestSweeper_DrainStopsAfterZeroSaveStreak(t *testing.T) {
	// Full duplicate pages forever: the tri-state rule gives up after
	// zeroSaveBatchLimit consecutive batches with no new rows.
	var probes, pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$limit") == "1" {
			atomic.AddInt32(&probes, 1)
			w.Write([]byte(`[]`))
			return
		}
		atomic.AddInt32(&pages, 1)
		json.NewEncoder(w).Encode(socrataRows(4, "A"))
	}))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)
	src.MaxRowsPerRun = 4

	sw := NewSweeper(o)
	require.NoError(t, sw.drain(context.Background(), src))

	// 1 saving batch, then zeroSaveBatchLimit duplicate batches; one page
	// request per batch and a single validation probe for the whole drain.
	assert.Equal(t, int32(1+zeroSaveBatchLimit), atomic.LoadInt32(&pages))
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes), "later batches skip the probe")
	assert.Equal(t, 4, store.permitCount())
}

func TestRunDeep_ValidatesOnce(t *testing.T) {
	var probes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$limit") == "1" {
			atomic.AddInt32(&probes, 1)
			w.Write([]byte(`[]`))
			return
		}
		json.NewEncoder(w).Encode(socrataRows(4, "A"))
	}))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)
	src.MaxRowsPerRun = 4

	_, err := o.RunDeep(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))
}

func TestRun_StreamFaultKeepsErrorCounter(t *testing.T) {
	// The probe succeeds, then every page request fails with a fatal 400. The
	// state row must report the run's real per-record error count (zero), not
	// a synthetic one from the failure path.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$limit") == "1" {
			w.Write([]byte(`[]`))
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)

	_, err := o.Run(context.Background(), src, ModeBackfill)
	require.Error(t, err)

	st, _ := store.GetSourceState(context.Background(), src.ID)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning)
	assert.Contains(t, st.StatusMessage, "failed")
	assert.Zero(t, st.Errors, "no records were skipped this run")
}

func TestRun_ProgressReportsCurrentPage(t *testing.T) {
	srv := socrataPortal(socrataRows(12, "A"))
	defer srv.Close()

	store := newFakeStore()
	o := testOrchestrator(store, nil)
	src := testSource(srv.URL)

	_, err := o.Run(context.Background(), src, ModeBackfill)
	require.NoError(t, err)

	st, _ := store.GetSourceState(context.Background(), src.ID)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.CurrentPage, "live progress carries the page index")
}
