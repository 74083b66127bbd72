package geo

import (
	"testing"
	"time"

	"github.com/example/mobility-sync/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyOrdersByDistanceAndFilters(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	mk := func(id string, lat float64) models.Service {
		return models.Service{
			ID: id, IsActive: true, IsAvailable: true,
			Location:                models.Coord{Lat: lat, Lng: 0},
			SubscriptionExpiresAtMs: now.Add(time.Hour).UnixMilli(),
		}
	}
	idx.Upsert(mk("far", 0.2))
	idx.Upsert(mk("near", 0.01))
	idx.Upsert(mk("mid", 0.1))
	busy := mk("busy", 0.001)
	busy.IsOccupied = true
	idx.Upsert(busy)
	lapsed := mk("lapsed", 0.001)
	lapsed.SubscriptionExpiresAtMs = now.Add(-time.Minute).UnixMilli()
	idx.Upsert(lapsed)

	got := idx.Nearby(0, 0, 2)
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("nearby = %+v", got)
	}
}

func TestRemove(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Service{ID: "a", IsActive: true, IsAvailable: true})
	idx.Remove("a")
	if got := idx.Nearby(0, 0, 10); len(got) != 0 {
		t.Fatalf("removed service still indexed: %+v", got)
	}
}
