package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/mobility-sync/internal/models"
)

// RedisGeo implements Locator on Redis GEO commands, with a hash side
// table per service for the listing metadata a marker popup needs.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(s models.Service) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: s.Location.Lng, Latitude: s.Location.Lat, Name: s.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(s.ID), map[string]interface{}{
		"service_name": s.ServiceName,
		"provider_id":  s.ProviderID,
		"type":         string(s.Type),
		"rating":       strconv.FormatFloat(s.Rating, 'f', -1, 64),
		"requestable":  strconv.FormatBool(s.IsActive && s.IsAvailable && !s.IsOccupied),
		"expires_ms":   strconv.FormatInt(s.SubscriptionExpiresAtMs, 10),
	}).Err()
}

func (r *RedisGeo) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, metaKey(id)).Err()
}

func (r *RedisGeo) Nearby(lat, lng float64, limit int) []models.Service {
	res, err := r.client.GeoRadius(r.ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	nowMs := time.Now().UnixMilli()
	out := make([]models.Service, 0, len(res))
	for _, g := range res {
		s := models.Service{ID: g.Name}
		s.Location.Lat = g.Latitude
		s.Location.Lng = g.Longitude
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["requestable"] != "true" {
			continue
		}
		if exp, err := strconv.ParseInt(m["expires_ms"], 10, 64); err == nil && exp != 0 && exp < nowMs {
			continue
		}
		s.ServiceName = m["service_name"]
		s.ProviderID = m["provider_id"]
		s.Type = models.ServiceType(m["type"])
		if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
			s.Rating = f
		}
		s.IsActive, s.IsAvailable = true, true
		out = append(out, s)
	}
	return out
}

func metaKey(id string) string { return "service:meta:" + id }
