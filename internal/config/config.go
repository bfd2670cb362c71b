// Package config reads server configuration from the environment. In
// development a .env file is loaded when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the server process.
type Config struct {
	Port          string
	Env           string
	AllowedOrigin string

	MaxRooms          int
	MaxMembersPerRoom int
	RoomRetention     time.Duration
	ReapInterval      time.Duration
}

// Load reads configuration from environment variables, falling back to the
// production defaults of the original deployment. Malformed numeric values
// fall back rather than fail.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", "*"),
		MaxRooms:          getInt("MAX_ROOMS", 10),
		MaxMembersPerRoom: getInt("MAX_USERS_PER_ROOM", 15),
		RoomRetention:     getDuration("ROOM_RETENTION", 5*time.Hour),
		ReapInterval:      getDuration("REAP_INTERVAL", time.Minute),
	}
}

// IsDevelopment reports whether the server runs in development mode.
// The stats endpoint is only exposed in development.
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
