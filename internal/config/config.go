package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables (optionally seeded from a
// .env file) with defaults that run locally without extra setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaPresenceTopic string
	KafkaRideTopic     string

	PGDSN string

	DispatchRadiiKm   []float64
	SearchBudget      time.Duration
	RequestRetention  time.Duration
	GridCellKm        float64
	CheckpointQueue   int
	GatewayJWTSecret  string
	GatewayWriteLimit time.Duration
	// OpenAccounts accepts any captain id when no database is configured.
	OpenAccounts bool

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	StripeAPIKey   string
	StripeCurrency string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "captains_geo",
		KafkaPresenceTopic: "captain-presence",
		KafkaRideTopic:     "ride-events",
		DispatchRadiiKm:    []float64{3, 6, 10},
		SearchBudget:       30 * time.Second,
		RequestRetention:   10 * time.Minute,
		CheckpointQueue:    1024,
		GatewayWriteLimit:  5 * time.Second,
		ETACacheTTL:        5 * time.Minute,
		DefaultSpeedMps:    8,
		StripeCurrency:     "inr",
		LogLevel:           "info",
	}
}

// LoadServerConfig reads the environment. A .env file in the working
// directory (or the file named by ENV_FILE) is loaded first; variables
// already set in the environment win.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("load %s: %w", envFile, err))
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("DISPATCH_RADII_KM"); v != "" {
		radii, err := parseRadii(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DISPATCH_RADII_KM: %w", err))
		} else {
			cfg.DispatchRadiiKm = radii
		}
	}
	setDurationFromEnv(&cfg.SearchBudget, "DISPATCH_SEARCH_BUDGET", &errs)
	setDurationFromEnv(&cfg.RequestRetention, "DISPATCH_RETENTION", &errs)
	setFloatFromEnv(&cfg.GridCellKm, "DISPATCH_GRID_CELL_KM", &errs)
	setIntFromEnv(&cfg.CheckpointQueue, "CHECKPOINT_QUEUE", &errs)
	cfg.GatewayJWTSecret = os.Getenv("GATEWAY_JWT_SECRET")
	setDurationFromEnv(&cfg.GatewayWriteLimit, "GATEWAY_WRITE_TIMEOUT", &errs)
	cfg.OpenAccounts = strings.EqualFold(os.Getenv("OPEN_ACCOUNTS"), "true")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "FARE_DEFAULT_SPEED_MPS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.SearchBudget <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_BUDGET must be > 0"))
	}
	if cfg.GridCellKm < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_GRID_CELL_KM must be >= 0"))
	}
	if cfg.CheckpointQueue <= 0 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_QUEUE must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the presence mirror process.
type ConsumerConfig struct {
	MetricsAddr        string
	KafkaBrokers       []string
	KafkaPresenceTopic string
	KafkaGroup         string
	RedisAddr          string
	RedisPassword      string
	RedisGeoKey        string
	LogLevel           string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaPresenceTopic: "captain-presence",
		KafkaGroup:         "ride-dispatch-mirror",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "captains_geo",
		LogLevel:           "info",
	}
	var errs []error
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("load %s: %w", envFile, err))
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := splitAndTrim(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setStringFromEnv(&cfg.KafkaPresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return cfg, errors.Join(errs...)
}

// parseRadii reads a strictly increasing list of positive kilometres.
func parseRadii(v string) ([]float64, error) {
	parts := splitAndTrim(v)
	if len(parts) == 0 {
		return nil, errors.New("empty list")
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		if f <= 0 {
			return nil, fmt.Errorf("radius %v must be > 0", f)
		}
		if n := len(out); n > 0 && f <= out[n-1] {
			return nil, fmt.Errorf("radius %v must exceed %v", f, out[n-1])
		}
		out = append(out, f)
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
