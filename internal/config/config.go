// README: Config loader with env defaults for HTTP, storage, messaging, matching and booking settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type MatchingConfig struct {
	DefaultRadiusKm  float64
	PointToleranceKm float64
	WeightPickup     float64
	WeightDropoff    float64
	WeightTime       float64
	// Parallelism bounds concurrent offer evaluations per search.
	Parallelism int
}

type BookingConfig struct {
	MaxRetries     int
	RetryBase      time.Duration
	IdempotencyTTL time.Duration
}

type Config struct {
	HTTP struct {
		Addr            string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
	}
	DB struct {
		DSN           string
		RunMigrations bool
	}
	Redis struct {
		Addr     string
		Password string
	}
	Kafka struct {
		Brokers []string
		Topic   string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
	}
	Maps struct {
		APIKey   string
		CacheTTL time.Duration
	}
	Matching MatchingConfig
	Booking  BookingConfig
	Schedule struct {
		ExpiryTick time.Duration
		Location   *time.Location
	}
	Log struct {
		Level string
	}
}

// Load reads CARPOOL_* variables. Empty DB, Redis, Kafka, Firebase and Maps
// settings disable the corresponding integration rather than failing.
func Load() (Config, error) {
	var cfg Config
	var errs []error

	cfg.HTTP.Addr = envOrDefault("CARPOOL_HTTP_ADDR", ":8080")
	cfg.HTTP.ReadTimeout = envOrDefaultDuration("CARPOOL_HTTP_READ_TIMEOUT", 5*time.Second, &errs)
	cfg.HTTP.WriteTimeout = envOrDefaultDuration("CARPOOL_HTTP_WRITE_TIMEOUT", 10*time.Second, &errs)
	cfg.HTTP.ShutdownTimeout = envOrDefaultDuration("CARPOOL_HTTP_SHUTDOWN_TIMEOUT", 15*time.Second, &errs)

	cfg.DB.DSN = os.Getenv("CARPOOL_DB_DSN")
	cfg.DB.RunMigrations = envOrDefaultBool("CARPOOL_DB_MIGRATE", true, &errs)

	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("CARPOOL_REDIS_ADDR"))
	cfg.Redis.Password = os.Getenv("CARPOOL_REDIS_PASSWORD")

	if brokers := os.Getenv("CARPOOL_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitAndTrim(brokers)
	}
	cfg.Kafka.Topic = envOrDefault("CARPOOL_KAFKA_TOPIC", "carpool-events")

	cfg.Firebase.ProjectID = os.Getenv("CARPOOL_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("CARPOOL_FIREBASE_CREDENTIALS")

	cfg.Maps.APIKey = os.Getenv("CARPOOL_MAPS_API_KEY")
	cfg.Maps.CacheTTL = envOrDefaultDuration("CARPOOL_MAPS_CACHE_TTL", 6*time.Hour, &errs)

	cfg.Matching.DefaultRadiusKm = envOrDefaultFloat("CARPOOL_MATCH_DEFAULT_RADIUS_KM", 1.0, &errs)
	cfg.Matching.PointToleranceKm = envOrDefaultFloat("CARPOOL_MATCH_POINT_TOLERANCE_KM", 0.3, &errs)
	cfg.Matching.WeightPickup = envOrDefaultFloat("CARPOOL_MATCH_WEIGHT_PICKUP", 1.0, &errs)
	cfg.Matching.WeightDropoff = envOrDefaultFloat("CARPOOL_MATCH_WEIGHT_DROPOFF", 1.0, &errs)
	cfg.Matching.WeightTime = envOrDefaultFloat("CARPOOL_MATCH_WEIGHT_TIME", 0.1, &errs)
	cfg.Matching.Parallelism = envOrDefaultInt("CARPOOL_MATCH_PARALLELISM", 8, &errs)

	cfg.Booking.MaxRetries = envOrDefaultInt("CARPOOL_BOOKING_MAX_RETRIES", 8, &errs)
	cfg.Booking.RetryBase = envOrDefaultDuration("CARPOOL_BOOKING_RETRY_BASE", time.Millisecond, &errs)
	cfg.Booking.IdempotencyTTL = envOrDefaultDuration("CARPOOL_IDEMPOTENCY_TTL", 24*time.Hour, &errs)

	cfg.Schedule.ExpiryTick = envOrDefaultDuration("CARPOOL_EXPIRY_TICK", time.Minute, &errs)
	loc, err := time.LoadLocation(envOrDefault("CARPOOL_LOCAL_TZ", "UTC"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid CARPOOL_LOCAL_TZ: %w", err))
		loc = time.UTC
	}
	cfg.Schedule.Location = loc

	cfg.Log.Level = strings.ToLower(envOrDefault("CARPOOL_LOG_LEVEL", "info"))

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	if c.Matching.DefaultRadiusKm < 0 || c.Matching.PointToleranceKm < 0 {
		errs = append(errs, errors.New("matching radii must not be negative"))
	}
	if c.Matching.WeightPickup < 0 || c.Matching.WeightDropoff < 0 || c.Matching.WeightTime < 0 {
		errs = append(errs, errors.New("matching weights must not be negative"))
	}
	if c.Matching.Parallelism <= 0 {
		errs = append(errs, errors.New("CARPOOL_MATCH_PARALLELISM must be > 0"))
	}
	if c.Booking.MaxRetries < 0 {
		errs = append(errs, errors.New("CARPOOL_BOOKING_MAX_RETRIES must be >= 0"))
	}
	if c.Schedule.ExpiryTick <= 0 {
		errs = append(errs, errors.New("CARPOOL_EXPIRY_TICK must be > 0"))
	}
	if c.Firebase.CredentialsFile != "" && c.Firebase.ProjectID == "" {
		errs = append(errs, errors.New("CARPOOL_FIREBASE_PROJECT_ID is required with credentials"))
	}
	return errs
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int, errs *[]error) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return n
	}
	return def
}

func envOrDefaultFloat(key string, def float64, errs *[]error) float64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return n
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration, errs *[]error) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return d
	}
	return def
}

func envOrDefaultBool(key string, def bool, errs *[]error) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return b
	}
	return def
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
