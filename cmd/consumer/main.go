// Command consumer mirrors captain presence events from Kafka into a Redis
// GEO set for dashboards and ad-hoc nearby queries.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_messages_consumed_total",
		Help: "Total presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("presence-mirror", cfg.LogLevel)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	mirror := geo.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	go func() {
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, opsMux(mirror)); err != nil {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaPresenceTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = mirror.Close()
	}()

	logger.Info("consumer_started", "topic", cfg.KafkaPresenceTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_stopping")
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ev ingest.PresenceEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.CaptainID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid_message", "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, mirror, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis_update_failed", "captain_id", ev.CaptainID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func opsMux(mirror *geo.RedisMirror) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok") })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := mirror.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		writeText(w, http.StatusOK, "ready")
	})
	mux.HandleFunc("/nearby", func(w http.ResponseWriter, r *http.Request) {
		q, err := parseNearby(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hits, err := mirror.Nearby(r.Context(), q.center, q.radiusKm, q.limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hits); err != nil {
			slog.Warn("nearby_encode_failed", "error", err)
		}
	})
	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Warn("response_write_failed", "status", code, "error", err)
	}
}

type nearbyQuery struct {
	center   models.Coord
	radiusKm float64
	limit    int
}

func parseNearby(r *http.Request) (nearbyQuery, error) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		return nearbyQuery{}, errors.New("lat and lon required")
	}
	out := nearbyQuery{center: models.Coord{Lat: lat, Lon: lon}, radiusKm: 3, limit: 50}
	if !out.center.Valid() {
		return nearbyQuery{}, errors.New("coordinates out of range")
	}
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nearbyQuery{}, errors.New("invalid radius_km")
		}
		out.radiusKm = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nearbyQuery{}, errors.New("invalid limit")
		}
		out.limit = n
	}
	return out, nil
}
