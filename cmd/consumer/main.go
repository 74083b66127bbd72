// Command consumer replays the Kafka event journal into the durable
// service store and the Redis geo index. Peers write both paths
// optimistically; the consumer is the catch-up lane that makes a missed
// side write converge anyway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/mobility-sync/internal/broadcast"
	"github.com/example/mobility-sync/internal/config"
	"github.com/example/mobility-sync/internal/geo"
	"github.com/example/mobility-sync/internal/logging"
	"github.com/example/mobility-sync/internal/models"
	"github.com/example/mobility-sync/internal/storage"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_consumed_total",
		Help: "Total journal events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_invalid_total",
		Help: "Total undecodable journal events",
	})
	storeReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_replays_total",
		Help: "Total successful store upserts",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total store upsert failures after retries",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, storeReplays, storeErrors)
}

func main() {
	_ = godotenv.Load()

	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "mobility-sync-replicator"
	}

	var store storage.ServiceStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("no PG_DSN, replaying into a process-local store")
		store = storage.NewMemoryStore()
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		locator = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("replicator consuming", "topic", cfg.KafkaTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down replicator")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		eventsConsumed.Inc()

		var ev broadcast.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			eventsInvalid.Inc()
			logger.Warn("invalid journal entry", "error", err)
			continue
		}
		if ev.Type != broadcast.PilotDeployed && ev.Type != broadcast.PilotUpdated {
			continue
		}
		var svc models.Service
		if err := json.Unmarshal(ev.Payload, &svc); err != nil {
			eventsInvalid.Inc()
			logger.Warn("invalid service payload", "error", err)
			continue
		}

		if err := replayWithRetry(ctx, store, svc, 3, 200*time.Millisecond); err != nil {
			storeErrors.Inc()
			logger.Warn("store replay failed", "service_id", svc.ID, "error", err)
			continue
		}
		if locator != nil {
			locator.Upsert(svc)
		}
		storeReplays.Inc()
	}
}

// Upserter is the slice of the store the replay loop needs, split out so
// tests can fake it.
type Upserter interface {
	Upsert(ctx context.Context, s models.Service) error
}

// replayWithRetry upserts one service record with bounded retry/backoff.
func replayWithRetry(ctx context.Context, store Upserter, s models.Service, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.Upsert(ctx, s); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
