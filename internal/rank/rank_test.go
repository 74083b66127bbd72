package rank

import (
	"testing"
	"time"

	"github.com/example/mobility-sync/internal/models"
)

func TestAvailableExcludesExpired(t *testing.T) {
	now := time.Now()
	services := []models.Service{
		{ID: "live", IsActive: true, IsAvailable: true, SubscriptionExpiresAtMs: now.Add(time.Hour).UnixMilli()},
		{ID: "lapsed", IsActive: true, IsAvailable: true, SubscriptionExpiresAtMs: now.Add(-time.Hour).UnixMilli()},
		{ID: "busy", IsActive: true, IsAvailable: true, IsOccupied: true, SubscriptionExpiresAtMs: now.Add(time.Hour).UnixMilli()},
		{ID: "off", IsActive: true, IsAvailable: false, SubscriptionExpiresAtMs: now.Add(time.Hour).UnixMilli()},
		{ID: "pending", IsPendingPayment: true},
	}
	got := Available(services, now)
	if len(got) != 1 || got[0].ID != "live" {
		t.Fatalf("available = %+v, want only live", got)
	}
}

func TestRankingTieBreakByCompletedTrips(t *testing.T) {
	services := []models.Service{
		{ID: "a", IsActive: true, Rating: 4.5, NumberOfRatings: 3, CompletedTrips: 2},
		{ID: "b", IsActive: true, Rating: 4.5, NumberOfRatings: 9, CompletedTrips: 11},
		{ID: "c", IsActive: true, Rating: 4.9, NumberOfRatings: 1, CompletedTrips: 1},
		{ID: "unrated", IsActive: true},
		{ID: "inactive", Rating: 5, NumberOfRatings: 4},
	}
	got := Ranking(services)
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("ranking length = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("ranking[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestRankingStableForFullTies(t *testing.T) {
	services := []models.Service{
		{ID: "first", IsActive: true, Rating: 4.0, NumberOfRatings: 2, CompletedTrips: 5},
		{ID: "second", IsActive: true, Rating: 4.0, NumberOfRatings: 7, CompletedTrips: 5},
	}
	got := Ranking(services)
	if got[0].ID != "first" || got[1].ID != "second" {
		t.Fatalf("full tie not stable: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestIsTopRanked(t *testing.T) {
	services := make([]models.Service, 0, 7)
	for i := 0; i < 7; i++ {
		services = append(services, models.Service{
			ID:              string(rune('a' + i)),
			ProviderID:      "p" + string(rune('a'+i)),
			IsActive:        true,
			NumberOfRatings: 1,
			Rating:          float64(50-i) / 10, // descending, pa best
		})
	}
	if !IsTopRanked(services, "pa") {
		t.Fatal("best provider should hold the badge")
	}
	if !IsTopRanked(services, "pe") {
		t.Fatal("5th provider should hold the badge")
	}
	if IsTopRanked(services, "pf") {
		t.Fatal("6th provider must not hold the badge")
	}
	if IsTopRanked(services, "nobody") {
		t.Fatal("unknown provider must not hold the badge")
	}
}
