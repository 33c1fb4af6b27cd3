package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/observation-portal/internal/duration"
	"github.com/ILLUVRSE/observation-portal/internal/logging"
)

type Config struct {
	Addr        string
	DatabaseURL string

	MaxFailuresPerRequest int
	MinIPPValue           float64
	MaxIPPValue           float64
	SweepInterval         time.Duration
	SemesterCacheTTL      time.Duration

	KafkaBrokers         []string
	KafkaTopic           string
	S3Bucket             string
	S3Prefix             string
	StreamBatchSize      int
	StreamMaxConcurrency int
	StreamPollInterval   time.Duration

	Log       logging.Config
	Overheads map[string]duration.InstrumentOverheads
}

// FileOverlay is the optional YAML file named by PORTAL_CONFIG_FILE. Instrument overheads
// only come from here; log settings in the file override the environment.
type FileOverlay struct {
	Log       *logging.Config                         `yaml:"log"`
	Overheads map[string]duration.InstrumentOverheads `yaml:"instrument_overheads"`
}

const (
	defaultAddr          = ":8070"
	defaultMinIPP        = 0.5
	defaultMaxIPP        = 2.0
	defaultSweepSeconds  = 60
	defaultSemesterTTL   = 60
	defaultKafkaTopic    = "portal.state-transitions"
	defaultStreamBatch   = 10
	defaultStreamWorkers = 5
	defaultStreamPoll    = 3
)

func Load() (Config, error) {
	cfg := Config{
		Addr:                  getEnv("PORTAL_ADDR", firstNonEmpty(os.Getenv("LISTEN_ADDR"), defaultAddr)),
		DatabaseURL:           firstNonEmpty(os.Getenv("PORTAL_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		MaxFailuresPerRequest: getInt("MAX_FAILURES_PER_REQUEST", 0),
		MinIPPValue:           getFloat("MIN_IPP_VALUE", defaultMinIPP),
		MaxIPPValue:           getFloat("MAX_IPP_VALUE", defaultMaxIPP),
		SweepInterval:         time.Duration(getInt("SWEEP_INTERVAL_SECONDS", defaultSweepSeconds)) * time.Second,
		SemesterCacheTTL:      time.Duration(getInt("SEMESTER_CACHE_TTL_SECONDS", defaultSemesterTTL)) * time.Second,
		KafkaBrokers:          parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:              os.Getenv("S3_BUCKET"),
		S3Prefix:              os.Getenv("S3_PREFIX"),
		StreamBatchSize:       getInt("STREAM_BATCH_SIZE", defaultStreamBatch),
		StreamMaxConcurrency:  getInt("STREAM_MAX_CONCURRENCY", defaultStreamWorkers),
		StreamPollInterval:    time.Duration(getInt("STREAM_POLL_INTERVAL_SECONDS", defaultStreamPoll)) * time.Second,
		Log: logging.Config{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if path := os.Getenv("PORTAL_CONFIG_FILE"); path != "" {
		overlay, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		if overlay.Log != nil {
			cfg.Log = *overlay.Log
		}
		cfg.Overheads = overlay.Overheads
	}

	if cfg.MinIPPValue < 0 || cfg.MaxIPPValue < cfg.MinIPPValue {
		return Config{}, fmt.Errorf("invalid ipp bounds: min %g max %g", cfg.MinIPPValue, cfg.MaxIPPValue)
	}
	if cfg.MaxFailuresPerRequest < 0 {
		return Config{}, fmt.Errorf("MAX_FAILURES_PER_REQUEST must not be negative")
	}
	return cfg, nil
}

// LoadFile reads a YAML overlay.
func LoadFile(path string) (FileOverlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileOverlay{}, fmt.Errorf("read config file: %w", err)
	}
	var overlay FileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return FileOverlay{}, fmt.Errorf("parse config file: %w", err)
	}
	return overlay, nil
}

// StreamingEnabled reports whether the outbox streamer has somewhere to publish.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
