package auth

import (
	"time"
)

// Config protects the admin API. Either a JWT secret or a bcrypt hash of an
// API key must be set unless auth is disabled.
type Config struct {
	Disabled   bool          `mapstructure:"disabled"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	JWTIssuer  string        `mapstructure:"jwt_issuer"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	APIKeyHash string        `mapstructure:"api_key_hash"`

	// Failed-attempt lockout; empty LockoutRedisAddr disables it.
	MaxFailures      int           `mapstructure:"max_failures"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
	LockoutRedisAddr string        `mapstructure:"lockout_redis_addr"`
}

// DefaultConfig returns auth defaults. No credentials are set.
func DefaultConfig() Config {
	return Config{
		JWTIssuer:       "inventory-notify",
		TokenTTL:        time.Hour,
		MaxFailures:     10,
		LockoutDuration: 15 * time.Minute,
	}
}
