package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/mobility-sync/internal/broadcast"
	"github.com/example/mobility-sync/internal/models"
	"github.com/example/mobility-sync/internal/storage"
)

const testCode = "4242"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeNotifier struct {
	mu    sync.Mutex
	notes []struct {
		UserID string
		N      models.Notification
	}
}

func (f *fakeNotifier) Notify(userID string, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, struct {
		UserID string
		N      models.Notification
	}{userID, n})
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func newTestRegistry() *Registry {
	return New("peer-1", testCode, broadcast.NopTransport{}, storage.NewMemoryStore(), testLogger())
}

func motoRegistration() Registration {
	return Registration{
		ProviderID:                "prov-1",
		ProviderName:              "Marta",
		ServiceName:               "Moto Centro",
		Type:                      models.ServiceMoto,
		VehicleModel:              "Honda Wave",
		VehicleColor:              "red",
		Location:                  models.Coord{Lat: -34.6, Lng: -58.4},
		SubscriptionDurationHours: 2,
	}
}

func assertFlagsConsistent(t *testing.T, s models.Service) {
	t.Helper()
	if s.IsPendingPayment && (s.IsActive || s.IsAvailable) {
		t.Fatalf("pending service has active/available flags set: %+v", s)
	}
	if !s.IsActive && (s.IsAvailable || s.IsOccupied) {
		t.Fatalf("inactive service has available/occupied flags set: %+v", s)
	}
}

func TestRegisterStartsPendingPayment(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Register(context.Background(), motoRegistration())
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsPendingPayment || s.IsActive || s.IsAvailable || s.IsOccupied {
		t.Fatalf("fresh registration flags: %+v", s)
	}
	if s.ID == "" || s.Version != 1 {
		t.Fatalf("id/version not assigned: id=%q version=%d", s.ID, s.Version)
	}
	assertFlagsConsistent(t, s)
}

func TestRegisterRejectsOffTablePlan(t *testing.T) {
	r := newTestRegistry()
	reg := motoRegistration()
	reg.SubscriptionDurationHours = 5
	if _, err := r.Register(context.Background(), reg); err == nil {
		t.Fatal("expected pricing rejection for a 5h moto plan")
	}
}

func TestActivateWrongCodeIsRetryable(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())

	if _, err := r.Activate(ctx, s.ID, "0000"); err != ErrInvalidCode {
		t.Fatalf("wrong code: err = %v, want ErrInvalidCode", err)
	}
	got, _ := r.Get(s.ID)
	if !got.IsPendingPayment || got.Version != s.Version {
		t.Fatalf("wrong code changed state: %+v", got)
	}

	// retry with the right code succeeds
	if _, err := r.Activate(ctx, s.ID, testCode); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestActivateMotoTwoHourWindow(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())

	before := time.Now()
	act, err := r.Activate(ctx, s.ID, testCode)
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now()

	if !act.IsActive || !act.IsAvailable || act.IsPendingPayment {
		t.Fatalf("activation flags: %+v", act)
	}
	lo := before.UnixMilli() + 7200000 - 1000
	hi := after.UnixMilli() + 7200000 + 1000
	if act.SubscriptionExpiresAtMs < lo || act.SubscriptionExpiresAtMs > hi {
		t.Fatalf("expiry %d outside [%d, %d]", act.SubscriptionExpiresAtMs, lo, hi)
	}
	assertFlagsConsistent(t, act)

	if _, err := r.Activate(ctx, s.ID, testCode); err != ErrNotPending {
		t.Fatalf("double activation: err = %v, want ErrNotPending", err)
	}
}

func TestAvailabilityToggleClearsOccupancy(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())
	s, _ = r.Activate(ctx, s.ID, testCode)
	s, err := r.SetOccupied(ctx, s.ID, true, "rider-1")
	if err != nil {
		t.Fatal(err)
	}

	s, err = r.SetAvailability(ctx, s.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.IsOccupied || s.IsAvailable {
		t.Fatalf("going unavailable must clear occupancy: %+v", s)
	}
	assertFlagsConsistent(t, s)
}

func TestAvailabilityRequiresActive(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())
	if _, err := r.SetAvailability(ctx, s.ID, true); err != ErrNotActive {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if _, err := r.SetOccupied(ctx, s.ID, true, "rider-1"); err != ErrNotActive {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestOccupancyReleaseCountsTripAndPromptsRider(t *testing.T) {
	r := newTestRegistry()
	notifier := &fakeNotifier{}
	r.Notifier = notifier
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())
	s, _ = r.Activate(ctx, s.ID, testCode)

	s, _ = r.SetOccupied(ctx, s.ID, true, "rider-1")
	if !s.IsOccupied || s.IsAvailable {
		t.Fatalf("occupied flags: %+v", s)
	}

	// the provider ends the trip, not the rider
	s, err := r.SetOccupied(ctx, s.ID, false, "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.IsOccupied || !s.IsAvailable {
		t.Fatalf("release flags: %+v", s)
	}
	if s.CompletedTrips != 1 {
		t.Fatalf("completed trips = %d, want 1", s.CompletedTrips)
	}
	if notifier.count() != 1 || notifier.notes[0].UserID != "rider-1" || notifier.notes[0].N.Kind != "review_prompt" {
		t.Fatalf("review prompt missing or misdirected: %+v", notifier.notes)
	}
}

func TestOccupancyReleaseByRiderDoesNotSelfPrompt(t *testing.T) {
	r := newTestRegistry()
	notifier := &fakeNotifier{}
	r.Notifier = notifier
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())
	s, _ = r.Activate(ctx, s.ID, testCode)
	s, _ = r.SetOccupied(ctx, s.ID, true, "rider-1")
	if _, err := r.SetOccupied(ctx, s.ID, false, "rider-1"); err != nil {
		t.Fatal(err)
	}
	if notifier.count() != 0 {
		t.Fatalf("rider should not be prompted to review their own release: %+v", notifier.notes)
	}
}

func TestRedundantTogglesDoNotVersionOrWrite(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s, _ := r.Register(ctx, motoRegistration())
	s, _ = r.Activate(ctx, s.ID, testCode)
	s, err := r.SetOccupied(ctx, s.ID, true, "rider-1")
	if err != nil {
		t.Fatal(err)
	}
	v := s.Version

	// setting occupied on an already occupied service is a no-op: no
	// version bump, no broadcast, no store write
	again, err := r.SetOccupied(ctx, s.ID, true, "rider-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Version != v || !again.IsOccupied || again.OccupiedBy != "rider-1" {
		t.Fatalf("redundant occupy changed record: version %d -> %d, %+v", v, again.Version, again)
	}
	stored, err := r.Store.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Version != v {
		t.Fatalf("redundant occupy reached the store: %+v", stored)
	}

	s, _ = r.SetOccupied(ctx, s.ID, false, "rider-1")
	v = s.Version
	again, err = r.SetAvailability(ctx, s.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if again.Version != v {
		t.Fatalf("redundant availability toggle bumped version: %d -> %d", v, again.Version)
	}
}

func TestApplyRemoteDropsStaleVersions(t *testing.T) {
	r := newTestRegistry()
	newer := models.Service{ID: "svc-1", ServiceName: "fresh", Version: 5}
	older := models.Service{ID: "svc-1", ServiceName: "stale", Version: 3}

	ev, _ := broadcast.NewEvent(broadcast.PilotUpdated, newer, "peer-2")
	r.ApplyRemote(ev)
	ev, _ = broadcast.NewEvent(broadcast.PilotUpdated, older, "peer-3")
	r.ApplyRemote(ev)

	got, ok := r.Get("svc-1")
	if !ok || got.ServiceName != "fresh" {
		t.Fatalf("mirror = %+v", got)
	}
}

func TestLoadSurvivesBrokenStore(t *testing.T) {
	r := New("peer-1", testCode, broadcast.NopTransport{}, brokenStore{}, testLogger())
	r.Load(context.Background())
	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %+v", got)
	}
}

type brokenStore struct{}

func (brokenStore) ReadAll(context.Context) ([]models.Service, error) {
	return nil, context.DeadlineExceeded
}
func (brokenStore) Upsert(context.Context, models.Service) error { return nil }

func TestTwoPeersConvergeOverBus(t *testing.T) {
	bus := broadcast.NewBus()
	store := storage.NewMemoryStore()

	ta := bus.Connect("peer-a")
	tb := bus.Connect("peer-b")
	defer ta.Close()
	defer tb.Close()

	regA := New("peer-a", testCode, ta, store, testLogger())
	regB := New("peer-b", testCode, tb, store, testLogger())
	ta.Subscribe(regA.ApplyRemote)
	tb.Subscribe(regB.ApplyRemote)

	ctx := context.Background()
	s, err := regA.Register(ctx, motoRegistration())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := regA.Activate(ctx, s.ID, testCode); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, ok := regB.Get(s.ID)
		if ok && got.IsActive && got.IsAvailable {
			assertFlagsConsistent(t, got)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer-b never converged, mirror = %+v", regB.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a peer started later seeds the same state from the shared store
	regC := New("peer-c", testCode, broadcast.NopTransport{}, store, testLogger())
	regC.Load(ctx)
	got, ok := regC.Get(s.ID)
	if !ok || !got.IsActive {
		t.Fatalf("late peer missed store state: %+v", got)
	}
}
