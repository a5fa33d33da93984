package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine and the reference server.
type Config struct {
	// ServerAddr is the address the reference server listens on.
	ServerAddr string
	// BaseURL is the HTTP base URL clients use for history and uploads.
	BaseURL string
	// AuthToken is the bearer token clients present in their auth frame.
	AuthToken string

	// SurrealDB coordinates. When SurrealURL is empty the server falls back
	// to an in-memory message store.
	SurrealURL  string
	SurrealUser string
	SurrealPass string
	SurrealNS   string
	SurrealDB   string

	// UploadDir is the root directory for stored attachments.
	UploadDir string

	// Timing knobs. Zero values are replaced with defaults by New.
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	HeartbeatInterval time.Duration
	TypingDebounce    time.Duration
	TypingExpiry      time.Duration
	PresenceStale     time.Duration
}

// New loads configuration from environment variables.
func New() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		ServerAddr:        getEnv("WARDLINK_ADDR", ":8080"),
		BaseURL:           getEnv("WARDLINK_BASE_URL", "http://localhost:8080"),
		AuthToken:         os.Getenv("WARDLINK_TOKEN"),
		SurrealURL:        os.Getenv("SURREAL_URL"),
		SurrealUser:       os.Getenv("SURREAL_USER"),
		SurrealPass:       os.Getenv("SURREAL_PASS"),
		SurrealNS:         getEnv("SURREAL_NS", "wardlink"),
		SurrealDB:         getEnv("SURREAL_DB", "wardlink"),
		UploadDir:         getEnv("WARDLINK_UPLOAD_DIR", "uploads"),
		ReconnectBase:     getDuration("WARDLINK_RECONNECT_BASE", 250*time.Millisecond),
		ReconnectCap:      getDuration("WARDLINK_RECONNECT_CAP", 8*time.Second),
		HeartbeatInterval: getDuration("WARDLINK_HEARTBEAT_INTERVAL", 30*time.Second),
		TypingDebounce:    getDuration("WARDLINK_TYPING_DEBOUNCE", 3*time.Second),
		TypingExpiry:      getDuration("WARDLINK_TYPING_EXPIRY", 5*time.Second),
		PresenceStale:     getDuration("WARDLINK_PRESENCE_STALE", 75*time.Second),
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Printf("Invalid duration for %s: %q, using default", key, v)
	return fallback
}
