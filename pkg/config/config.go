package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/nsidwatch"
	DefaultJetstreamURL = "wss://jetstream2.us-west.bsky.network/subscribe"
	DefaultMaxMemoryMB  = 48

	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

// Upstream consumer
const (
	ConsumerBaseBackoff = 1 * time.Second
	ConsumerMaxBackoff  = 60 * time.Second
	ConsumerBuffer      = 1024
	ConsumerStopGrace   = 3 * time.Second
)

// Aggregator
const (
	DeltaFlushInterval = 1 * time.Second
	HitBatchSize       = 256
	HitFlushInterval   = 2 * time.Second
	// Consecutive durable-write failures tolerated before the process is
	// considered diverged and terminated.
	MaxWriteFailures = 32
)

// Rate estimator
const (
	RateWindow = 5 * time.Second
)

// Storage maintenance
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config holds server configuration loaded from the environment.
type Config struct {
	Port         string
	DataDir      string
	JetstreamURL string
	MaxMemoryMB  int64
}

// Load reads configuration from NSIDWATCH_* environment variables,
// falling back to the defaults above.
func Load() Config {
	return Config{
		Port:         getEnv("NSIDWATCH_PORT", DefaultPort),
		DataDir:      getEnv("NSIDWATCH_DATA_DIR", DefaultDataDir),
		JetstreamURL: getEnv("NSIDWATCH_JETSTREAM_URL", DefaultJetstreamURL),
		MaxMemoryMB:  getEnvInt64("NSIDWATCH_MAX_MEMORY_MB", DefaultMaxMemoryMB),
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}
