package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ServiceType distinguishes the two vehicle classes offered on the network.
type ServiceType string

const (
	ServiceMoto  ServiceType = "moto"
	ServiceRemis ServiceType = "remis"
)

// Service is a provider's advertised ride offering. One record per service
// id; every peer holds its own mirror and converges through broadcast
// events and the shared store.
type Service struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`

	ServiceName  string      `json:"service_name"`
	Type         ServiceType `json:"type"`
	VehicleModel string      `json:"vehicle_model"`
	VehicleColor string      `json:"vehicle_color"`
	WhatsApp     string      `json:"whatsapp"`
	Location     Coord       `json:"location"`
	Address      string      `json:"address"`
	PetsAllowed  bool        `json:"pets_allowed"`

	SubscriptionDurationHours int   `json:"subscription_duration_hours"`
	SubscriptionExpiresAtMs   int64 `json:"subscription_expires_at_ms"` // epoch ms, 0 = never activated

	IsPendingPayment bool   `json:"is_pending_payment"`
	IsActive         bool   `json:"is_active"`
	IsAvailable      bool   `json:"is_available"`
	IsOccupied       bool   `json:"is_occupied"`
	OccupiedBy       string `json:"occupied_by,omitempty"`

	Rating            float64 `json:"rating"`
	NumberOfRatings   int     `json:"number_of_ratings"`
	TotalRatingPoints float64 `json:"total_rating_points"`
	AvgPunctuality    float64 `json:"avg_punctuality"`
	AvgSafety         float64 `json:"avg_safety"`
	AvgCleanliness    float64 `json:"avg_cleanliness"`
	AvgKindness       float64 `json:"avg_kindness"`
	EcoScore          int     `json:"eco_score"`
	CompletedTrips    int     `json:"completed_trips"`

	RatingHistory []RatingEntry `json:"rating_history,omitempty"`

	// Version increments on every local mutation; replicas and the shared
	// store discard writes carrying an older version than the one held.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the subscription window has lapsed. Expiry is
// derived at read time; no flag is flipped by a background job.
func (s *Service) Expired(now time.Time) bool {
	return s.SubscriptionExpiresAtMs != 0 && s.SubscriptionExpiresAtMs < now.UnixMilli()
}

// Visible reports whether the service may appear in public listings.
func (s *Service) Visible(now time.Time) bool {
	return s.IsActive && !s.Expired(now)
}

// RatingScores are the four 1..5 sub-scores of one review.
type RatingScores struct {
	Punctuality int `json:"punctuality"`
	Safety      int `json:"safety"`
	Cleanliness int `json:"cleanliness"`
	Kindness    int `json:"kindness"`
}

// RatingEntry is one passenger's post-trip review. Immutable once appended.
type RatingEntry struct {
	UserID        string       `json:"user_id"`
	Timestamp     time.Time    `json:"timestamp"`
	OverallRating float64      `json:"overall_rating"`
	Scores        RatingScores `json:"scores"`
	Comment       string       `json:"comment,omitempty"`
	MediaURL      string       `json:"media_url,omitempty"`
}

// ChatMessage is one entry of a private two-party thread. From and To
// together name both participants, so a peer that missed the thread's
// creation can rebuild it from any single message.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// PrivateChat is created as a side effect of a confirmed request. The two
// participants are fixed at confirmation time; messages only ever append.
type PrivateChat struct {
	ID           string        `json:"id"`
	ServiceID    string        `json:"service_id"`
	Participants [2]string     `json:"participants"`
	Messages     []ChatMessage `json:"messages"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Notification is a UI-bound prompt pushed to a single user.
type Notification struct {
	Kind      string    `json:"kind"` // trip_confirmed, review_prompt
	ServiceID string    `json:"service_id"`
	ChatID    string    `json:"chat_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
