// Package geocode resolves permit addresses to WGS84 coordinates through a
// Nominatim-style search endpoint, behind a process-wide rate limit and a
// layered cache (memory, optional Redis, persistent table).
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// minInterval is the upstream policy: at most one request per 1.1 s for
	// the whole process, regardless of how many sources are ingesting.
	minInterval = 1100 * time.Millisecond

	maxRetries = 2
	retryWait  = 3 * time.Second

	userAgent = "permitwatch/1.0 (permit ingestion service)"

	redisPrefix = "geocode:"
	redisTTL    = 30 * 24 * time.Hour
)

// Result is a geocoding outcome. Matched=false with nil error means the
// upstream service had no result for the address; that outcome is cached.
type Result struct {
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Matched     bool     `json:"matched"`
}

// CacheStore is the persistent cache tier (address → coordinates), backed by
// the geocode_cache table.
type CacheStore interface {
	GetGeocode(ctx context.Context, address string) (*Result, error)
	PutGeocode(ctx context.Context, address string, res Result) error
}

// Geocoder is safe for concurrent use; all callers share one rate limit.
type Geocoder struct {
	baseURL string
	http    *http.Client
	store   CacheStore
	rdb     *redis.Client // optional middle tier; nil disables it
	logger  *log.Logger

	memMu sync.Mutex
	mem   map[string]Result

	reqMu    sync.Mutex
	lastCall time.Time

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a Geocoder over the given base URL and persistent store. rdb
// may be nil.
func New(baseURL string, store CacheStore, rdb *redis.Client) *Geocoder {
	return &Geocoder{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		store:   store,
		rdb:     rdb,
		logger:  log.New(log.Writer(), "[GEOCODE] ", log.LstdFlags),
		mem:     make(map[string]Result),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Geocode looks the address up through the cache tiers and falls back to the
// network. Transient upstream failures (429, network errors) return an error
// and are NOT cached; a definitive "no result" is cached at every tier.
func (g *Geocoder) Geocode(ctx context.Context, address string) (Result, error) {
	if address == "" {
		return Result{}, nil
	}

	if res, ok := g.fromMemory(address); ok {
		return res, nil
	}
	if res, ok := g.fromRedis(ctx, address); ok {
		g.toMemory(address, res)
		return res, nil
	}
	if g.store != nil {
		cached, err := g.store.GetGeocode(ctx, address)
		if err != nil {
			g.logger.Printf("persistent cache lookup failed: %v", err)
		} else if cached != nil {
			g.toMemory(address, *cached)
			g.toRedis(ctx, address, *cached)
			return *cached, nil
		}
	}

	res, err := g.lookup(ctx, address)
	if err != nil {
		return Result{}, err
	}

	g.toMemory(address, res)
	g.toRedis(ctx, address, res)
	if g.store != nil {
		if err := g.store.PutGeocode(ctx, address, res); err != nil {
			g.logger.Printf("persistent cache write failed: %v", err)
		}
	}
	return res, nil
}

func (g *Geocoder) fromMemory(address string) (Result, bool) {
	g.memMu.Lock()
	defer g.memMu.Unlock()
	res, ok := g.mem[address]
	return res, ok
}

func (g *Geocoder) toMemory(address string, res Result) {
	g.memMu.Lock()
	g.mem[address] = res
	g.memMu.Unlock()
}

func (g *Geocoder) fromRedis(ctx context.Context, address string) (Result, bool) {
	if g.rdb == nil {
		return Result{}, false
	}
	raw, err := g.rdb.Get(ctx, redisPrefix+address).Bytes()
	if err != nil {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (g *Geocoder) toRedis(ctx context.Context, address string, res Result) {
	if g.rdb == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := g.rdb.Set(ctx, redisPrefix+address, raw, redisTTL).Err(); err != nil {
		g.logger.Printf("redis cache write failed: %v", err)
	}
}

// lookup hits the upstream service, retrying transient failures twice with
// 3-second waits.
func (g *Geocoder) lookup(ctx context.Context, address string) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, retryWait); err != nil {
				return Result{}, err
			}
		}

		res, err := g.request(ctx, address)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Result{}, fmt.Errorf("geocode %q: %w", address, lastErr)
}

func (g *Geocoder) request(ctx context.Context, address string) (Result, error) {
	if err := g.throttle(ctx); err != nil {
		return Result{}, err
	}

	u := fmt.Sprintf("%s/search?q=%s&format=json&addressdetails=1&limit=1",
		g.baseURL, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Result{}, fmt.Errorf("geocoder returned %d", resp.StatusCode)
	}

	var hits []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return Result{}, err
	}

	// An empty array is a definitive "no result" and gets cached, unlike
	// the transient failures above.
	if len(hits) == 0 {
		return Result{Matched: false}, nil
	}

	lat, latErr := strconv.ParseFloat(hits[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(hits[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return Result{Matched: false}, nil
	}
	return Result{Lat: &lat, Lon: &lon, DisplayName: hits[0].DisplayName, Matched: true}, nil
}

// throttle enforces the process-wide one-request-per-1.1 s policy.
func (g *Geocoder) throttle(ctx context.Context) error {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()

	if wait := minInterval - g.now().Sub(g.lastCall); wait > 0 {
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
	g.lastCall = g.now()
	return nil
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
