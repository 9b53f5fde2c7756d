// Package config resolves settings for the drawing binary. Flags win over
// environment variables, environment variables win over defaults. A .env file
// next to the binary is honored when present.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

const (
	DefaultAddr      = "127.0.0.1:8090"
	DefaultTransport = "tcp"

	envAddr      = "DRAWING_ADDR"
	envTransport = "DRAWING_TRANSPORT"
)

type Config struct {
	// Addr is the single externally supplied parameter of the core: the
	// address to bind (server role) or connect to (client role).
	Addr string
	// Transport selects the adapter: tcp, websocket or quic.
	Transport string
}

// Load reads the optional .env file and the environment. Missing values fall
// back to defaults.
func Load() Config {
	// Missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	return Config{
		Addr:      getenv(envAddr, DefaultAddr),
		Transport: getenv(envTransport, DefaultTransport),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
