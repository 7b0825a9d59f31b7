// Package facility looks up nearby blood banks and hospitals from the
// external facility directory.
package facility

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

// Directory is the nearby-facility lookup used by fallback stage C.
type Directory interface {
	NearbyFacilities(ctx context.Context, center models.Coordinate, radiusKm float64) ([]models.Facility, error)
}

// HTTPDirectory queries the directory service, caching results briefly
// since facility locations change rarely.
type HTTPDirectory struct {
	Endpoint string
	Client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	cache    *cache
}

func NewHTTPDirectory(endpoint string, cacheTTL time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "facility-directory",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		cache: newCache(cacheTTL),
	}
}

func (d *HTTPDirectory) NearbyFacilities(ctx context.Context, center models.Coordinate, radiusKm float64) ([]models.Facility, error) {
	key := fmt.Sprintf("%.4f,%.4f:%.0f", center.Lon, center.Lat, radiusKm)
	if v, ok := d.cache.get(key); ok {
		return v, nil
	}
	out, err := d.breaker.Execute(func() (interface{}, error) {
		u := fmt.Sprintf("%s/facilities/nearby?lon=%.6f&lat=%.6f&radius_km=%.1f",
			d.Endpoint, center.Lon, center.Lat, radiusKm)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := d.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("facility directory returned %d", resp.StatusCode)
		}
		var body struct {
			Facilities []models.Facility `json:"facilities"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.Facilities, nil
	})
	if err != nil {
		return nil, errs.Collaborator("facility directory", err)
	}
	facilities := out.([]models.Facility)
	d.cache.set(key, facilities)
	return facilities, nil
}

type cacheEntry struct {
	v  []models.Facility
	ts time.Time
}

type cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *cache) get(k string) ([]models.Facility, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

func (c *cache) set(k string, v []models.Facility) {
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
