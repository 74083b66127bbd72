package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/mobility-sync/internal/broadcast"
	"github.com/example/mobility-sync/internal/models"
	"github.com/example/mobility-sync/internal/observability"
	"github.com/example/mobility-sync/internal/pricing"
	"github.com/example/mobility-sync/internal/rating"
	"github.com/example/mobility-sync/internal/storage"
)

var (
	ErrNotFound    = errors.New("registry: no such service")
	ErrInvalidCode = errors.New("registry: invalid activation code")
	ErrNotPending  = errors.New("registry: service is not awaiting payment")
	ErrNotActive   = errors.New("registry: service is not active")
)

// errUnchanged tells mutate the operation was a no-op: nothing to version,
// broadcast, or store.
var errUnchanged = errors.New("registry: no change")

// Notifier delivers UI-bound prompts (trip confirmed, review request) to a
// single user. Implementations live in internal/dispatch.
type Notifier interface {
	Notify(userID string, n models.Notification) error
}

// GeoIndex receives the location of every publicly visible service so the
// map view can answer nearby queries. Optional.
type GeoIndex interface {
	Upsert(s models.Service)
	Remove(id string)
}

// Registry owns one peer's mirror of the marketplace. Every local mutation
// updates the mirror first, then publishes a broadcast event and upserts
// the shared store; the two side writes are best-effort and non-atomic,
// remote peers converge from whichever lands. Received PILOT_* events are
// folded back in by ApplyRemote, last-write-wins per id with stale
// versions discarded.
type Registry struct {
	PeerID         string
	ActivationCode string
	Transport      broadcast.Transport
	Store          storage.ServiceStore
	Notifier       Notifier
	Geo            GeoIndex
	Logger         *slog.Logger
	Now            func() time.Time

	mu    sync.RWMutex
	order []string
	byID  map[string]models.Service
}

func New(peerID, activationCode string, transport broadcast.Transport, store storage.ServiceStore, logger *slog.Logger) *Registry {
	return &Registry{
		PeerID:         peerID,
		ActivationCode: activationCode,
		Transport:      transport,
		Store:          store,
		Logger:         logger,
		Now:            time.Now,
		byID:           make(map[string]models.Service),
	}
}

// Registration is the provider-entered data for a new service offering.
type Registration struct {
	ProviderID   string             `json:"provider_id"`
	ProviderName string             `json:"provider_name"`
	ServiceName  string             `json:"service_name"`
	Type         models.ServiceType `json:"type"`
	VehicleModel string             `json:"vehicle_model"`
	VehicleColor string             `json:"vehicle_color"`
	WhatsApp     string             `json:"whatsapp"`
	Location     models.Coord       `json:"location"`
	Address      string             `json:"address"`
	PetsAllowed  bool               `json:"pets_allowed"`

	SubscriptionDurationHours int `json:"subscription_duration_hours"`
}

// Load seeds the mirror from the shared store. A missing or corrupt store
// yields an empty registry, never an error past this boundary.
func (r *Registry) Load(ctx context.Context) {
	services, err := r.Store.ReadAll(ctx)
	if err != nil {
		r.Logger.Warn("registry: store read failed, starting empty", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range services {
		if _, ok := r.byID[s.ID]; !ok {
			r.order = append(r.order, s.ID)
		}
		r.byID[s.ID] = s
		if r.Geo != nil {
			r.Geo.Upsert(s)
		}
	}
}

// Register creates a new offering in the pending-payment state.
func (r *Registry) Register(ctx context.Context, reg Registration) (models.Service, error) {
	if reg.ProviderID == "" || reg.ServiceName == "" {
		return models.Service{}, fmt.Errorf("registry: provider id and service name are required")
	}
	if _, err := pricing.Quote(reg.Type, reg.SubscriptionDurationHours); err != nil {
		return models.Service{}, err
	}
	s := models.Service{
		ID:           uuid.NewString(),
		ProviderID:   reg.ProviderID,
		ProviderName: reg.ProviderName,
		ServiceName:  reg.ServiceName,
		Type:         reg.Type,
		VehicleModel: reg.VehicleModel,
		VehicleColor: reg.VehicleColor,
		WhatsApp:     reg.WhatsApp,
		Location:     reg.Location,
		Address:      reg.Address,
		PetsAllowed:  reg.PetsAllowed,

		SubscriptionDurationHours: reg.SubscriptionDurationHours,
		IsPendingPayment:          true,
	}
	r.commit(ctx, &s, broadcast.PilotDeployed)
	observability.ServicesRegistered.Inc()
	return s, nil
}

// Activate moves a pending service to active+available once the provider
// enters the right code. A wrong code leaves the record untouched and is
// retryable.
func (r *Registry) Activate(ctx context.Context, id, code string) (models.Service, error) {
	if code != r.ActivationCode {
		observability.ActivationFailures.Inc()
		return models.Service{}, ErrInvalidCode
	}
	return r.mutate(ctx, id, func(s *models.Service) error {
		if !s.IsPendingPayment {
			return ErrNotPending
		}
		s.IsPendingPayment = false
		s.IsActive = true
		s.IsAvailable = true
		s.SubscriptionExpiresAtMs = r.Now().UnixMilli() + int64(s.SubscriptionDurationHours)*3600000
		observability.ServicesActive.Inc()
		return nil
	})
}

// SetAvailability is the provider's free toggle. Going unavailable also
// clears any occupancy.
func (r *Registry) SetAvailability(ctx context.Context, id string, available bool) (models.Service, error) {
	return r.mutate(ctx, id, func(s *models.Service) error {
		if !s.IsActive {
			return ErrNotActive
		}
		if available == s.IsAvailable && !s.IsOccupied {
			return errUnchanged
		}
		s.IsAvailable = available
		if !available {
			s.IsOccupied = false
			s.OccupiedBy = ""
		}
		return nil
	})
}

// SetOccupied flips trip occupancy. Occupancy is only ever entered through
// a confirmed request (the protocol calls this with the rider as actor);
// releasing it counts the trip and, when released by someone other than
// the occupant, prompts the occupant for a review.
func (r *Registry) SetOccupied(ctx context.Context, id string, occupied bool, actingUserID string) (models.Service, error) {
	var promptUser string
	s, err := r.mutate(ctx, id, func(s *models.Service) error {
		if !s.IsActive {
			return ErrNotActive
		}
		if occupied == s.IsOccupied {
			return errUnchanged
		}
		if occupied {
			s.IsOccupied = true
			s.IsAvailable = false
			s.OccupiedBy = actingUserID
			return nil
		}
		if s.OccupiedBy != "" && s.OccupiedBy != actingUserID {
			promptUser = s.OccupiedBy
		}
		s.IsOccupied = false
		s.IsAvailable = true
		s.OccupiedBy = ""
		s.CompletedTrips++
		observability.TripsCompleted.Inc()
		return nil
	})
	if err == nil && promptUser != "" && r.Notifier != nil {
		_ = r.Notifier.Notify(promptUser, models.Notification{
			Kind:      "review_prompt",
			ServiceID: id,
			Message:   "How was your trip? Leave a review.",
			Timestamp: r.Now(),
		})
	}
	return s, err
}

// SubmitRating folds one review into the service aggregates.
func (r *Registry) SubmitRating(ctx context.Context, id string, scores models.RatingScores, comment, mediaURL, userID string) (models.Service, error) {
	s, err := r.mutate(ctx, id, func(s *models.Service) error {
		*s = rating.Fold(*s, scores, comment, mediaURL, userID, r.Now())
		return nil
	})
	if err == nil {
		observability.RatingsSubmitted.Inc()
	}
	return s, err
}

// SetEcoScore updates the informational eco score, which rating folds
// never touch.
func (r *Registry) SetEcoScore(ctx context.Context, id string, score int) (models.Service, error) {
	return r.mutate(ctx, id, func(s *models.Service) error {
		s.EcoScore = score
		return nil
	})
}

// Get returns one service by id.
func (r *Registry) Get(id string) (models.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Snapshot returns the mirror in insertion order.
func (r *Registry) Snapshot() []models.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ApplyRemote folds a PILOT_* event from another peer into the mirror.
// Events carrying an older version than the held record are discarded;
// ties apply in arrival order.
func (r *Registry) ApplyRemote(ev broadcast.Event) {
	if ev.Type != broadcast.PilotDeployed && ev.Type != broadcast.PilotUpdated {
		return
	}
	var s models.Service
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		r.Logger.Warn("registry: undecodable pilot event", "type", ev.Type, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.byID[s.ID]
	if ok && s.Version < prev.Version {
		observability.StaleEventsDropped.Inc()
		return
	}
	if !ok {
		r.order = append(r.order, s.ID)
	}
	r.byID[s.ID] = s
	if r.Geo != nil {
		r.Geo.Upsert(s)
	}
	observability.EventsApplied.WithLabelValues(string(ev.Type)).Inc()
}

// Pulse announces this peer on the network.
func (r *Registry) Pulse(ctx context.Context) {
	ev, err := broadcast.NewEvent(broadcast.PresencePulse, map[string]string{"peer_id": r.PeerID}, r.PeerID)
	if err != nil {
		return
	}
	_ = r.Transport.Publish(ctx, ev)
}

// mutate applies fn to a copy of the record and, if fn made a change
// without error, commits it (version bump, broadcast, store upsert). An
// fn returning errUnchanged leaves the record exactly as it was.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*models.Service) error) (models.Service, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return models.Service{}, ErrNotFound
	}
	if err := fn(&s); err != nil {
		r.mu.Unlock()
		if errors.Is(err, errUnchanged) {
			return s, nil
		}
		return models.Service{}, err
	}
	s.Version++
	s.UpdatedAt = r.Now()
	r.byID[id] = s
	if r.Geo != nil {
		r.Geo.Upsert(s)
	}
	r.mu.Unlock()

	r.sideWrite(ctx, s, broadcast.PilotUpdated)
	return s, nil
}

// commit stores a brand-new record and performs the side writes.
func (r *Registry) commit(ctx context.Context, s *models.Service, evType broadcast.EventType) {
	s.Version = 1
	s.UpdatedAt = r.Now()
	r.mu.Lock()
	r.order = append(r.order, s.ID)
	r.byID[s.ID] = *s
	if r.Geo != nil {
		r.Geo.Upsert(*s)
	}
	r.mu.Unlock()
	r.sideWrite(ctx, *s, evType)
}

// sideWrite is the non-atomic dual write: broadcast plus durable upsert.
// Either may fail independently; the local mirror already holds the truth
// and a reload reconverges from whichever write landed.
func (r *Registry) sideWrite(ctx context.Context, s models.Service, evType broadcast.EventType) {
	if ev, err := broadcast.NewEvent(evType, s, r.PeerID); err == nil {
		if err := r.Transport.Publish(ctx, ev); err != nil {
			r.Logger.Warn("registry: broadcast publish failed", "service_id", s.ID, "error", err)
		} else {
			observability.EventsPublished.WithLabelValues(string(evType)).Inc()
		}
	}
	if err := r.Store.Upsert(ctx, s); err != nil {
		r.Logger.Warn("registry: store upsert failed", "service_id", s.ID, "error", err)
	}
}
