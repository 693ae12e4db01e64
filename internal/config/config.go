package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Regions is the static service-area registry, parsed from the REGIONS
	// env var as "id:Name" pairs separated by commas.
	Regions []models.Region

	AssignWait     time.Duration
	FeedBufferSize int
	EventQueryMax  int

	LogLevel      string
	RunMigrations bool
	EnableSim     bool
	SimInterval   time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "driver-heartbeats",
		Regions: []models.Region{
			{ID: "downtown", Name: "Downtown"},
			{ID: "uptown", Name: "Uptown"},
		},
		AssignWait:     30 * time.Second,
		FeedBufferSize: 64,
		EventQueryMax:  500,
		LogLevel:       "info",
		SimInterval:    3 * time.Second,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("REGIONS"); v != "" {
		regions, err := parseRegions(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Regions = regions
		}
	}

	setDurationFromEnv(&cfg.AssignWait, "ASSIGN_WAIT", &errs)
	setIntFromEnv(&cfg.FeedBufferSize, "FEED_BUFFER_SIZE", &errs)
	setIntFromEnv(&cfg.EventQueryMax, "EVENT_QUERY_MAX", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.EnableSim = strings.EqualFold(os.Getenv("ENABLE_SIM"), "true")
	setDurationFromEnv(&cfg.SimInterval, "SIM_INTERVAL", &errs)

	if cfg.FeedBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("FEED_BUFFER_SIZE must be > 0"))
	}
	if cfg.AssignWait <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_WAIT must be > 0"))
	}
	if len(cfg.Regions) == 0 {
		errs = append(errs, fmt.Errorf("REGIONS must name at least one region"))
	}

	return cfg, errors.Join(errs...)
}

// parseRegions reads "downtown:Downtown,uptown:Uptown". A bare id is allowed
// and doubles as the display name.
func parseRegions(v string) ([]models.Region, error) {
	var out []models.Region
	for _, part := range splitAndTrim(v) {
		id, name, found := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid REGIONS entry %q", part)
		}
		if !found || strings.TrimSpace(name) == "" {
			name = id
		}
		out = append(out, models.Region{ID: id, Name: strings.TrimSpace(name)})
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
