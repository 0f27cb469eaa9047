package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Defaults for the engine tuning knobs. All of them can be overridden by
// flags in cmd/server.
const (
	DefaultMaxInactive       = 2 * time.Minute
	DefaultTokenLifetime     = 2 * time.Hour
	DefaultCleanupPeriod     = time.Minute
	DefaultEphemeralLifetime = 4 * time.Hour
	DefaultTermsVersion      = 1
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	RedisAddr      string
	SigningKey     []byte
	AllowedOrigins []string

	// MaxInactive is how long a user may go without a heartbeat before
	// the presence engine considers them gone.
	MaxInactive time.Duration
	// TokenLifetime is how long an issued channel token remains valid
	// before it is reissued.
	TokenLifetime time.Duration
	// CleanupPeriod is the debounce interval for shard cleanup sweeps.
	CleanupPeriod time.Duration
	// EphemeralLifetime bounds how far back topic listings reach.
	EphemeralLifetime time.Duration
	TermsVersion      int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, redisAddr, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if redisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:        serverAddr,
		DatabaseDSN:       databaseDSN,
		RedisAddr:         redisAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		MaxInactive:       DefaultMaxInactive,
		TokenLifetime:     DefaultTokenLifetime,
		CleanupPeriod:     DefaultCleanupPeriod,
		EphemeralLifetime: DefaultEphemeralLifetime,
		TermsVersion:      DefaultTermsVersion,
	}, nil
}
