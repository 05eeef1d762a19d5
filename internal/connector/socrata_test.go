package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permitwatch/backend/internal/classify"
	"github.com/permitwatch/backend/internal/config"
	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/normalize"
)

func testNorm() *normalize.Normalizer {
	return normalize.New(classify.New(&config.RoofingRules{
		PermitTypes: config.PermitTypeRules{
			PartialMatches: []string{"roof"},
		},
		MinTokenMatches: 1,
	}))
}

func collect(st *Stream) ([]core.Permit, error) {
	var out []core.Permit
	for p := range st.Records() {
		out = append(out, p)
	}
	return out, st.Err()
}

func socrataSource(endpoint string) *core.Source {
	return &core.Source{
		ID:          1,
		Name:        "Sacramento",
		Platform:    core.PlatformJSONDataset,
		EndpointURL: endpoint,
		Config:      map[string]interface{}{"dataset_id": "abcd-1234"},
	}
}

func TestSocrata_ValidateRequiresDatasetID(t *testing.T) {
	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())

	src := socrataSource("https://data.example.gov")
	src.Config = map[string]interface{}{}
	assert.ErrorIs(t, s.Validate(context.Background(), src), ErrConfig)

	src.EndpointURL = ""
	assert.ErrorIs(t, s.Validate(context.Background(), src), ErrConfig)
}

func TestSocrata_BackfillStreamsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resource/abcd-1234.json", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"id":               "P-1",
				"permit_type":      "Reroof",
				"work_description": "tear off and reroof",
				"issue_date":       "2024-10-15T00:00:00.000",
				"address":          "700 H Street, Sacramento, CA 95814",
				"valuation":        "12500.50",
			},
			{
				"id":          "P-2",
				"permittype":  "Electrical",
				"issued_date": "2024-10-16T00:00:00.000",
				"address":     "123 J Street, Sacramento, CA 95814",
			},
		})
	}))
	defer srv.Close()

	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())
	permits, err := collect(s.Backfill(context.Background(), socrataSource(srv.URL), State{}, 100))
	require.NoError(t, err)
	require.Len(t, permits, 2)

	first := permits[0]
	assert.Equal(t, "P-1", first.SourceRecordID)
	assert.Equal(t, "Reroof", first.PermitType)
	assert.Equal(t, "2024-10-15", first.IssueDate, "timestamp trimmed to date")
	assert.Equal(t, "Sacramento", first.Address.City)
	require.NotNil(t, first.PermitValue)
	assert.Equal(t, 12500.50, *first.PermitValue)
	assert.True(t, first.IsRoofing)
	assert.Equal(t, "id", first.Provenance.FieldsMap["source_record_id"])
	assert.Equal(t, "permit_type", first.Provenance.FieldsMap["permit_type"])

	second := permits[1]
	assert.Equal(t, "Electrical", second.PermitType, "alternate column name probed")
	assert.Equal(t, "permittype", second.Provenance.FieldsMap["permit_type"])
	assert.False(t, second.IsRoofing)
}

func TestSocrata_IncrementalWhereClause(t *testing.T) {
	var gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWhere = r.URL.Query().Get("$where")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())
	src := socrataSource(srv.URL)

	// Issue-date cursor when there is no portal timestamp.
	_, err := collect(s.Incremental(context.Background(), src, State{LastIssueDate: "2024-10-01"}, 100))
	require.NoError(t, err)
	assert.Equal(t, "issue_date > '2024-10-01'", gotWhere)

	// The portal load timestamp wins when present.
	_, err = collect(s.Incremental(context.Background(), src, State{
		LastMaxTimestamp: "2024-10-20T12:00:00",
		LastIssueDate:    "2024-10-01",
	}, 100))
	require.NoError(t, err)
	assert.Equal(t, "data_loaded_at > '2024-10-20T12:00:00'", gotWhere)
}

func TestSocrata_PaginationAndMaxRows(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offsets = append(offsets, r.URL.Query().Get("$offset"))
		rows := make([]map[string]interface{}, socrataPageSize)
		for i := range rows {
			rows[i] = map[string]interface{}{"id": fmt.Sprintf("R-%s-%d", r.URL.Query().Get("$offset"), i)}
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())

	// Full pages keep paging until the per-run budget stops the stream.
	st := s.Backfill(context.Background(), socrataSource(srv.URL), State{}, socrataPageSize+10)
	permits, err := collect(st)
	require.NoError(t, err)
	assert.Len(t, permits, socrataPageSize+10)
	assert.Equal(t, []string{"0", "1000"}, offsets)
	assert.Equal(t, 2, st.Page())
}

func TestSocrata_LocationObjectAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"id": "P-9",
				"location_1": map[string]interface{}{
					"latitude":      "38.5816",
					"longitude":     "-121.4944",
					"human_address": `{"address": "700 H Street", "city": "Sacramento", "state": "CA", "zip": "95814"}`,
				},
			},
		})
	}))
	defer srv.Close()

	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())
	permits, err := collect(s.Backfill(context.Background(), socrataSource(srv.URL), State{}, 10))
	require.NoError(t, err)
	require.Len(t, permits, 1)

	p := permits[0]
	assert.Equal(t, "700 H Street, Sacramento, CA 95814", p.RawAddress)
	require.NotNil(t, p.Lat)
	require.NotNil(t, p.Lon)
	assert.InDelta(t, 38.5816, *p.Lat, 0.0001)
	assert.InDelta(t, -121.4944, *p.Lon, 0.0001)
}

func TestSocrata_AppTokenHeader(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-App-Token")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())
	src := socrataSource(srv.URL)
	src.Config["app_token"] = "tok-123"

	_, err := collect(s.Backfill(context.Background(), src, State{}, 10))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", gotToken)
}

func TestSocrata_PortalFailureFaultsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSocrata(NewClient(NewRateLimiter(1000)), testNorm())
	permits, err := collect(s.Backfill(context.Background(), socrataSource(srv.URL), State{}, 10))
	assert.Empty(t, permits)
	require.Error(t, err)

	var httpErr *HTTPError
	assert.ErrorAs(t, err, &httpErr)
}
