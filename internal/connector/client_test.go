package connector

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

// testClient returns a Client whose backoff sleeps are recorded instead of
// slept.
func testClient(slept *[]time.Duration) *Client {
	c := NewClient(NewRateLimiter(1000))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return c
}

func TestGetJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "secret", r.Header.Get("X-App-Token"))
		w.Write([]byte(`{"value": 42}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := testClient(&slept)

	var out struct {
		Value int `json:"value"`
	}
	err := c.GetJSON(context.Background(), srv.URL, map[string]string{"X-App-Token": "secret"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
	assert.Empty(t, slept)
}

func TestGetJSON_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := testClient(&slept)

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.GetJSON(context.Background(), srv.URL, nil, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// One backoff: base delay plus up to 500 ms jitter.
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], time.Second)
	assert.Less(t, slept[0], time.Second+600*time.Millisecond)
}

func TestGetJSON_BackoffGrowsExponentially(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := testClient(&slept)

	var out map[string]interface{}
	err := c.GetJSON(context.Background(), srv.URL, nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")

	require.Len(t, slept, 3)
	assert.GreaterOrEqual(t, slept[0], 1*time.Second)
	assert.GreaterOrEqual(t, slept[1], 2*time.Second)
	assert.GreaterOrEqual(t, slept[2], 4*time.Second)
}

func TestGetJSON_FatalClientErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := testClient(&slept)

	var out map[string]interface{}
	err := c.GetJSON(context.Background(), srv.URL, nil, &out)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx other than 429 is fatal")
	assert.Empty(t, slept)
}

func TestHTTPError_Transient(t *testing.T) {
	assert.True(t, (&HTTPError{StatusCode: 429}).Transient())
	assert.True(t, (&HTTPError{StatusCode: 500}).Transient())
	assert.True(t, (&HTTPError{StatusCode: 503}).Transient())
	assert.False(t, (&HTTPError{StatusCode: 400}).Transient())
	assert.False(t, (&HTTPError{StatusCode: 404}).Transient())
}

func TestProbe_AnyResponseIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(NewRateLimiter(1000))
	assert.NoError(t, c.Probe(context.Background(), srv.URL))
	assert.Error(t, c.Probe(context.Background(), "http://127.0.0.1:1"))
}
