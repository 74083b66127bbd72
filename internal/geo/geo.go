package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/mobility-sync/internal/models"
)

// Locator answers "which requestable services are close to this rider".
type Locator interface {
	Nearby(lat, lng float64, limit int) []models.Service
	Upsert(s models.Service)
	Remove(id string)
}

// Index is the in-memory locator. The registry feeds it on every local
// commit and remote apply.
type Index struct {
	mu       sync.RWMutex
	services map[string]models.Service
	now      func() time.Time
}

func NewIndex() *Index {
	return &Index{services: make(map[string]models.Service), now: time.Now}
}

func (g *Index) Upsert(s models.Service) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.services[s.ID] = s
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.services, id)
}

// naive scan; fine for a city-scale fleet, swap for RedisGeo beyond that
func (g *Index) Nearby(lat, lng float64, limit int) []models.Service {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	type pair struct {
		s    models.Service
		dist float64
	}
	arr := make([]pair, 0, len(g.services))
	for _, s := range g.services {
		if !s.IsActive || !s.IsAvailable || s.IsOccupied || s.Expired(now) {
			continue
		}
		dist := Haversine(lat, lng, s.Location.Lat, s.Location.Lng)
		arr = append(arr, pair{s, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Service, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].s)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
