package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/mobility-sync/internal/broadcast"
	"github.com/example/mobility-sync/internal/chat"
	"github.com/example/mobility-sync/internal/config"
	"github.com/example/mobility-sync/internal/dispatch"
	"github.com/example/mobility-sync/internal/geo"
	"github.com/example/mobility-sync/internal/ingest"
	"github.com/example/mobility-sync/internal/models"
	"github.com/example/mobility-sync/internal/payments"
	"github.com/example/mobility-sync/internal/pricing"
	"github.com/example/mobility-sync/internal/rank"
	"github.com/example/mobility-sync/internal/registry"
	"github.com/example/mobility-sync/internal/request"
	"github.com/example/mobility-sync/internal/storage"
)

// Server exposes one peer's registry, booking protocol, and chat threads
// over HTTP, and bridges browser contexts onto the broadcast fan-out via
// websocket.
type Server struct {
	Registry *registry.Registry
	Protocol *request.Protocol
	Chats    *chat.Chats
	Geo      geo.Locator
	WSReg    *dispatch.WSRegistry
	Payments *payments.StripeClient

	logger *slog.Logger
	now    func() time.Time
	mux    *mux.Router
}

// NewServerFromEnv wires the whole peer from configuration, falling back
// to in-process pieces for anything unconfigured: no broker means a
// NopTransport (single-peer degraded mode), no Postgres means a memory
// store. Every operation still succeeds locally.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) *Server {
	peerID := cfg.PeerID
	if peerID == "" {
		peerID = "peer-" + newID()
	}

	var transport broadcast.Transport
	switch {
	case cfg.RedisAddr != "":
		transport = broadcast.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel, peerID, logger)
	case cfg.AMQPURL != "":
		t, err := broadcast.NewAMQPTransport(cfg.AMQPURL, cfg.AMQPExchange, peerID, logger)
		if err != nil {
			logger.Warn("amqp unavailable, degrading to local-only sync", "error", err)
			transport = broadcast.NopTransport{}
		} else {
			transport = t
		}
	default:
		transport = broadcast.NopTransport{}
	}

	if len(cfg.KafkaBrokers) > 0 {
		journal := ingest.NewJournal(cfg.KafkaBrokers, cfg.KafkaTopic)
		transport = &ingest.Tee{Inner: transport, Journal: journal, PeerID: cfg.PeerID, Logger: logger}
	}

	var store storage.ServiceStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		locator = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		locator = geo.NewIndex()
	}

	wsreg := dispatch.NewWSRegistry()
	var notifier registry.Notifier
	if cfg.FCMEndpoint != "" {
		notifier = &dispatch.FanoutNotifier{WS: wsreg, Push: dispatch.NewPushNotifier(cfg.FCMEndpoint, cfg.FCMKey)}
	} else {
		notifier = &dispatch.FanoutNotifier{WS: wsreg, Push: nil}
	}

	reg := registry.New(peerID, cfg.ActivationCode, transport, store, logger)
	reg.Notifier = notifier
	reg.Geo = locator
	reg.Load(context.Background())

	chats := chat.New(transport)

	proto := request.New(reg, chats, notifier, logger)
	proto.CountdownSeconds = cfg.CountdownSeconds

	var pay *payments.StripeClient
	if os.Getenv("STRIPE_API_KEY") != "" {
		pay = payments.NewStripeClient()
	}

	s := &Server{
		Registry: reg,
		Protocol: proto,
		Chats:    chats,
		Geo:      locator,
		WSReg:    wsreg,
		Payments: pay,
		logger:   logger,
		now:      time.Now,
		mux:      mux.NewRouter(),
	}

	// fold remote events into this peer's mirrors and relay to browsers
	transport.Subscribe(func(ev broadcast.Event) {
		switch ev.Type {
		case broadcast.PilotDeployed, broadcast.PilotUpdated:
			reg.ApplyRemote(ev)
		case broadcast.ChatMessage:
			var msg models.ChatMessage
			if err := json.Unmarshal(ev.Payload, &msg); err == nil {
				chats.ApplyRemote(msg)
			}
		}
		wsreg.Relay(ev)
	})

	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/services", s.handleRegister).Methods("POST")
	api.HandleFunc("/services", s.handleListServices).Methods("GET")
	api.HandleFunc("/services/available", s.handleAvailableServices).Methods("GET")
	api.HandleFunc("/services/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/services/{id}/activate", s.handleActivate).Methods("POST")
	api.HandleFunc("/services/{id}/availability", s.handleSetAvailability).Methods("POST")
	api.HandleFunc("/services/{id}/occupancy", s.handleSetOccupancy).Methods("POST")
	api.HandleFunc("/services/{id}/ratings", s.handleSubmitRating).Methods("POST")
	api.HandleFunc("/services/{id}/eco-score", s.handleSetEcoScore).Methods("POST")

	api.HandleFunc("/ranking", s.handleRanking).Methods("GET")
	api.HandleFunc("/ranking/top/{provider_id}", s.handleTopRanked).Methods("GET")

	api.HandleFunc("/requests", s.handleInitiateRequest).Methods("POST")
	api.HandleFunc("/requests/current", s.handleCurrentRequest).Methods("GET")
	api.HandleFunc("/requests/current", s.handleCancelRequest).Methods("DELETE")

	api.HandleFunc("/chats/{id}", s.handleGetChat).Methods("GET")
	api.HandleFunc("/chats/{id}/messages", s.handleAppendMessage).Methods("POST")
	api.HandleFunc("/users/{id}/chats", s.handleUserChats).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close releases the booking clock; transports and stores are closed by
// the owning process.
func (s *Server) Close() { s.Protocol.Close() }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc, err := s.Registry.Register(r.Context(), reg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{"service": svc}
	if price, err := pricing.Quote(svc.Type, svc.SubscriptionDurationHours); err == nil {
		resp["price_cents"] = price
		if s.Payments != nil {
			if intentID, err := s.Payments.Hold(r.Context(), price, "ars", reg.ProviderID); err == nil {
				resp["payment_intent_id"] = intentID
			} else {
				s.logger.Warn("stripe hold failed", "service_id", svc.ID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Code            string `json:"code"`
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc, err := s.Registry.Activate(r.Context(), id, body.Code)
	switch err {
	case nil:
	case registry.ErrInvalidCode:
		// recoverable, the provider retries
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case registry.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	default:
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if s.Payments != nil && body.PaymentIntentID != "" {
		if err := s.Payments.Capture(r.Context(), body.PaymentIntentID); err != nil {
			s.logger.Warn("stripe capture failed", "service_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc, err := s.Registry.SetAvailability(r.Context(), id, body.Available)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleSetOccupancy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Occupied bool   `json:"occupied"`
		UserID   string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc, err := s.Registry.SetOccupied(r.Context(), id, body.Occupied, body.UserID)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Scores   models.RatingScores `json:"scores"`
		Comment  string              `json:"comment"`
		MediaURL string              `json:"media_url"`
		UserID   string              `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, v := range []int{body.Scores.Punctuality, body.Scores.Safety, body.Scores.Cleanliness, body.Scores.Kindness} {
		if v < 1 || v > 5 {
			http.Error(w, "scores must be 1..5", http.StatusBadRequest)
			return
		}
	}
	svc, err := s.Registry.SubmitRating(r.Context(), id, body.Scores, body.Comment, body.MediaURL, body.UserID)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleSetEcoScore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Score int `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Score < 0 || body.Score > 100 {
		http.Error(w, "eco score must be 0..100", http.StatusBadRequest)
		return
	}
	svc, err := s.Registry.SetEcoScore(r.Context(), id, body.Score)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Snapshot())
}

func (s *Server) handleAvailableServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rank.Available(s.Registry.Snapshot(), s.now()))
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rank.Ranking(s.Registry.Snapshot()))
}

func (s *Server) handleTopRanked(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider_id"]
	writeJSON(w, http.StatusOK, map[string]bool{
		"top_ranked": rank.IsTopRanked(s.Registry.Snapshot(), providerID),
	})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.Geo.Nearby(lat, lng, limit))
}

func (s *Server) handleInitiateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ServiceID string `json:"service_id"`
		RiderID   string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// a second request while one is pending is a silent no-op, not an error
	started := s.Protocol.Initiate(body.ServiceID, body.RiderID)
	remaining, _ := s.Protocol.Remaining()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started, "countdown_seconds": remaining})
}

func (s *Server) handleCurrentRequest(w http.ResponseWriter, r *http.Request) {
	remaining, pending := s.Protocol.Remaining()
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "countdown_seconds": remaining})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	s.Protocol.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.Chats.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "no such chat", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		From string `json:"from"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.Chats.Append(r.Context(), id, body.From, body.Body)
	switch err {
	case nil:
	case chat.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case chat.ErrNotParticipant:
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleUserChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Chats.ForUser(mux.Vars(r)["id"]))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(userID, conn)
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch err {
	case registry.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case registry.ErrNotActive, registry.ErrNotPending:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
