package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

// RedisGeo implements DonorStore on Redis GEO commands: donor positions in
// a single GEO set, donor metadata in one hash per donor.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoWithClient wraps an existing client, mainly for the consumer
// binary which shares its connection.
func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Donor) error {
	if d.Loc != nil && d.Loc.Valid() {
		if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
			Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID,
		}).Result(); err != nil {
			return errs.Collaborator("donor store", err)
		}
	}
	meta := map[string]interface{}{
		"blood_type":     string(d.BloodType),
		"available":      strconv.FormatBool(d.Available),
		"active":         strconv.FormatBool(d.Active),
		"verified":       strconv.FormatBool(d.Verified),
		"donations":      strconv.Itoa(d.TotalDonations),
		"last_active":    d.LastActiveAt.Format(time.RFC3339),
		"radius_km":      strconv.FormatFloat(d.RadiusKm, 'f', -1, 64),
		"accepts_urgent": strconv.FormatBool(d.AcceptsUrgent),
		"updated":        time.Now().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, metaKey(d.ID), meta).Err(); err != nil {
		return errs.Collaborator("donor store", err)
	}
	return nil
}

func (r *RedisGeo) GetDonor(ctx context.Context, id string) (models.Donor, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Donor{}, false, errs.Collaborator("donor store", err)
	}
	if len(m) == 0 {
		return models.Donor{}, false, nil
	}
	d := donorFromMeta(id, m)
	if pos, err := r.client.GeoPos(ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = &models.Coordinate{Lon: pos[0].Longitude, Lat: pos[0].Latitude}
	}
	return d, true, nil
}

func (r *RedisGeo) FindCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64, limit int) ([]models.Donor, error) {
	out, err := r.search(ctx, types, center, radiusKm, func(d models.Donor) bool {
		return d.Available && d.Active && d.Verified
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RedisGeo) FindUnavailableCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64) ([]models.Donor, error) {
	return r.search(ctx, types, center, radiusKm, func(d models.Donor) bool {
		return !d.Available && d.Active && d.Verified
	})
}

func (r *RedisGeo) search(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64, keep func(models.Donor) bool) ([]models.Donor, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, errs.Collaborator("donor store", err)
	}
	typeSet := make(map[models.BloodType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	out := make([]models.Donor, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			// stale geo entry with no metadata, skip
			continue
		}
		d := donorFromMeta(g.Name, m)
		d.Loc = &models.Coordinate{Lon: g.Longitude, Lat: g.Latitude}
		if _, ok := typeSet[d.BloodType]; !ok {
			continue
		}
		if !keep(d) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func donorFromMeta(id string, m map[string]string) models.Donor {
	d := models.Donor{ID: id, BloodType: models.BloodType(m["blood_type"])}
	d.Available = m["available"] == "true"
	d.Active = m["active"] == "true"
	d.Verified = m["verified"] == "true"
	d.AcceptsUrgent = m["accepts_urgent"] == "true"
	if v, err := strconv.Atoi(m["donations"]); err == nil {
		d.TotalDonations = v
	}
	if v, err := strconv.ParseFloat(m["radius_km"], 64); err == nil {
		d.RadiusKm = v
	}
	if ts, err := time.Parse(time.RFC3339, m["last_active"]); err == nil {
		d.LastActiveAt = ts
	}
	return d
}

func metaKey(id string) string { return "donor:meta:" + id }
