package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

// DonorStore is the minimal donor-query surface the matching core needs.
type DonorStore interface {
	// FindCompatibleNear returns available, active, verified donors whose
	// blood type is in types, within radiusKm of center, nearest first.
	// Proximity order is a pre-filter only; final ranking is the scorer's.
	FindCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64, limit int) ([]models.Donor, error)
	// FindUnavailableCompatibleNear returns verified, active donors of a
	// compatible type inside the radius who are currently unavailable,
	// for fallback outreach.
	FindUnavailableCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64) ([]models.Donor, error)
	GetDonor(ctx context.Context, id string) (models.Donor, bool, error)
	Upsert(ctx context.Context, d models.Donor) error
}

// DistanceKm is the great-circle distance between two coordinates in
// kilometers (haversine, Earth radius 6371 km). A nil or out-of-range
// coordinate yields +Inf so radius comparisons naturally exclude it.
func DistanceKm(a, b *models.Coordinate) float64 {
	if a == nil || b == nil || !a.Valid() || !b.Valid() {
		return math.Inf(1)
	}
	const earthRadiusKm = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Index is an in-memory DonorStore for tests and single-node runs.
// Naive scan; production deployments use the Redis GEO implementation.
type Index struct {
	mu     sync.RWMutex
	donors map[string]models.Donor
}

func NewIndex() *Index {
	return &Index{donors: make(map[string]models.Donor)}
}

func (g *Index) Upsert(ctx context.Context, d models.Donor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.donors[d.ID] = d
	return nil
}

func (g *Index) GetDonor(ctx context.Context, id string) (models.Donor, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.donors[id]
	return d, ok, nil
}

func (g *Index) FindCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64, limit int) ([]models.Donor, error) {
	out := g.scan(types, center, radiusKm, func(d models.Donor) bool {
		return d.Available && d.Active && d.Verified
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Index) FindUnavailableCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64) ([]models.Donor, error) {
	return g.scan(types, center, radiusKm, func(d models.Donor) bool {
		return !d.Available && d.Active && d.Verified
	}), nil
}

func (g *Index) scan(types []models.BloodType, center models.Coordinate, radiusKm float64, keep func(models.Donor) bool) []models.Donor {
	typeSet := make(map[models.BloodType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Donor
		dist float64
	}
	arr := make([]pair, 0, len(g.donors))
	for _, d := range g.donors {
		if _, ok := typeSet[d.BloodType]; !ok {
			continue
		}
		if !keep(d) {
			continue
		}
		dist := DistanceKm(d.Loc, &center)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	out := make([]models.Donor, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out
}
