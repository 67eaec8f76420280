package config

import "time"

// AuthConfig configures inbound request authentication for the HTTP
// surface: a static API key list and/or JWT bearer-token verification.
type AuthConfig struct {
	// JWTSecret, when set, enables JWT bearer-token verification (HS256).
	// The service only verifies and reads claims; it never issues tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenExpiry bounds how long an issued API key session is trusted for
	// claim caching purposes. Defaults to 24h.
	TokenExpiry time.Duration `yaml:"token_expiry"`

	// APIKeys are static bearer tokens accepted as an alternative to JWT.
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig identifies one accepted static API key.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}
