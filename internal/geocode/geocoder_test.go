package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a CacheStore backed by a map.
type memStore struct {
	data map[string]Result
	gets int
	puts int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]Result)}
}

func (m *memStore) GetGeocode(ctx context.Context, address string) (*Result, error) {
	m.gets++
	res, ok := m.data[address]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (m *memStore) PutGeocode(ctx context.Context, address string, res Result) error {
	m.puts++
	m.data[address] = res
	return nil
}

// fastGeocoder disables real sleeping and records slept durations.
func fastGeocoder(baseURL string, store CacheStore, slept *[]time.Duration) *Geocoder {
	g := New(baseURL, store, nil)
	clock := time.Unix(1000, 0)
	g.now = func() time.Time { return clock }
	g.sleep = func(ctx context.Context, d time.Duration) error {
		if slept != nil {
			*slept = append(*slept, d)
		}
		clock = clock.Add(d)
		return ctx.Err()
	}
	return g
}

func nominatimHits(lat, lon, name string) string {
	return `[{"lat": "` + lat + `", "lon": "` + lon + `", "display_name": "` + name + `"}]`
}

func TestGeocode_NetworkLookupAndCacheWriteback(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "700 H Street, Sacramento, CA 95814", r.URL.Query().Get("q"))
		assert.Contains(t, r.Header.Get("User-Agent"), "permitwatch")
		w.Write([]byte(nominatimHits("38.5816", "-121.4944", "700, H Street, Sacramento")))
	}))
	defer srv.Close()

	store := newMemStore()
	g := fastGeocoder(srv.URL, store, nil)

	res, err := g.Geocode(context.Background(), "700 H Street, Sacramento, CA 95814")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	require.NotNil(t, res.Lat)
	assert.InDelta(t, 38.5816, *res.Lat, 0.0001)
	assert.Equal(t, 1, store.puts, "result written through to the persistent tier")

	// Second call is served from memory: no network, no store read.
	gets := store.gets
	res2, err := g.Geocode(context.Background(), "700 H Street, Sacramento, CA 95814")
	require.NoError(t, err)
	assert.Equal(t, res, res2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, gets, store.gets)
}

func TestGeocode_PersistentTierPromotedToMemory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("network must not be hit when the store has the address")
	}))
	defer srv.Close()

	lat, lon := 47.25, -122.44
	store := newMemStore()
	store.data["1 Pacific Ave"] = Result{Lat: &lat, Lon: &lon, Matched: true}

	g := fastGeocoder(srv.URL, store, nil)

	res, err := g.Geocode(context.Background(), "1 Pacific Ave")
	require.NoError(t, err)
	assert.True(t, res.Matched)

	// Promotion: the second lookup skips even the store.
	gets := store.gets
	_, err = g.Geocode(context.Background(), "1 Pacific Ave")
	require.NoError(t, err)
	assert.Equal(t, gets, store.gets)
}

func TestGeocode_NoResultIsCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	store := newMemStore()
	g := fastGeocoder(srv.URL, store, nil)

	res, err := g.Geocode(context.Background(), "nowhere at all")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Nil(t, res.Lat)
	assert.Equal(t, 1, store.puts, "definitive no-result is cached")

	_, err = g.Geocode(context.Background(), "nowhere at all")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGeocode_TransientFailureNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := newMemStore()
	g := fastGeocoder(srv.URL, store, nil)

	_, err := g.Geocode(context.Background(), "somewhere")
	require.Error(t, err)
	assert.Zero(t, store.puts, "failures are never cached")
}

func TestGeocode_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(nominatimHits("10", "20", "x")))
	}))
	defer srv.Close()

	var slept []time.Duration
	g := fastGeocoder(srv.URL, newMemStore(), &slept)

	res, err := g.Geocode(context.Background(), "retry me")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, slept, retryWait)
}

func TestGeocode_ThrottleBetweenRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	var slept []time.Duration
	g := fastGeocoder(srv.URL, newMemStore(), &slept)

	_, err := g.Geocode(context.Background(), "first address")
	require.NoError(t, err)
	_, err = g.Geocode(context.Background(), "second address")
	require.NoError(t, err)

	// The second request has to wait out the remainder of the 1.1 s window.
	require.NotEmpty(t, slept)
	assert.Equal(t, minInterval, slept[len(slept)-1])
}

func TestGeocode_EmptyAddress(t *testing.T) {
	g := fastGeocoder("http://unused", newMemStore(), nil)
	res, err := g.Geocode(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Matched)
}
