package rank

import (
	"sort"
	"time"

	"github.com/example/mobility-sync/internal/models"
)

// TopRankedCutoff is how deep into the leaderboard the badge reaches.
const TopRankedCutoff = 5

// Available filters to services a rider can request right now. Expiry is
// evaluated here at read time, whatever the stored flags say.
func Available(services []models.Service, now time.Time) []models.Service {
	out := make([]models.Service, 0, len(services))
	for _, s := range services {
		if s.IsActive && s.IsAvailable && !s.IsOccupied && !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out
}

// Ranking orders rated active services by rating descending, breaking ties
// by completed trips descending. The sort is stable so equal services keep
// registry order.
func Ranking(services []models.Service) []models.Service {
	out := make([]models.Service, 0, len(services))
	for _, s := range services {
		if s.IsActive && s.NumberOfRatings > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].CompletedTrips > out[j].CompletedTrips
	})
	return out
}

// IsTopRanked reports whether the provider holds one of the top leaderboard
// slots.
func IsTopRanked(services []models.Service, providerID string) bool {
	ranked := Ranking(services)
	n := TopRankedCutoff
	if n > len(ranked) {
		n = len(ranked)
	}
	for _, s := range ranked[:n] {
		if s.ProviderID == providerID {
			return true
		}
	}
	return false
}
