package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type AuthConfig struct {
	// SigningSecret is the HS256 secret shared with the credential issuer.
	SigningSecret string `yaml:"signingSecret"`
	// TokenTTL bounds tokens minted by the CLI helper.
	TokenTTL time.Duration `yaml:"tokenTTL"`
	// CacheTTL bounds the verified-token cache.
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

type SessionsConfig struct {
	WebSocketReadBufferSize  int  `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int  `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int  `yaml:"maxConnections"`
	SendBufferSize           int  `yaml:"sendBufferSize"`
	ConfirmSubscriptions     bool `yaml:"confirmSubscriptions"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Mutations RateLimiterConfig `yaml:"mutations"`
}

type Config struct {
	HttpBinding  string         `yaml:"httpBinding"`
	ClientDomain string         `yaml:"clientDomain,omitempty"`
	TLS          TLS            `yaml:"tls"`
	Auth         AuthConfig     `yaml:"auth"`
	Storage      StorageConfig  `yaml:"storage"`
	Sessions     SessionsConfig `yaml:"sessions"`
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable              = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable          = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing                = errors.New("httpBinding is missing in config")
	ErrSigningSecretMissing              = errors.New("auth.signingSecret is missing in config")
	ErrStorageDirMissing                 = errors.New("storage.dir is missing in config")
	ErrTLSMissing                        = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrSessionsMaxConnectionsMissing     = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrRateLimitersMutationsLimitMissing = errors.New("rateLimiters.mutations.limit is missing in config")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.Auth.SigningSecret == "" {
		return nil, ErrSigningSecretMissing
	}
	if cfg.Storage.Dir == "" {
		return nil, ErrStorageDirMissing
	}
	if (cfg.TLS.Cert == "") != (cfg.TLS.Key == "") {
		return nil, ErrTLSMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMaxConnectionsMissing
	}
	if cfg.RateLimiters.Mutations.Limit <= 0 {
		return nil, ErrRateLimitersMutationsLimitMissing
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Auth.CacheTTL == 0 {
		cfg.Auth.CacheTTL = time.Minute
	}
	if cfg.Sessions.WebSocketReadBufferSize == 0 {
		cfg.Sessions.WebSocketReadBufferSize = 1024
	}
	if cfg.Sessions.WebSocketWriteBufferSize == 0 {
		cfg.Sessions.WebSocketWriteBufferSize = 1024
	}
	if cfg.Sessions.SendBufferSize == 0 {
		cfg.Sessions.SendBufferSize = 256
	}
	if cfg.RateLimiters.Mutations.Burst == 0 {
		cfg.RateLimiters.Mutations.Burst = int(cfg.RateLimiters.Mutations.Limit)
	}

	return &cfg, nil
}
