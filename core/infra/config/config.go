package config

import (
	"os"
	"time"
)

const (
	defaultRedisURL    = "redis://localhost:6379"
	defaultB2APIURL    = "https://api.backblazeb2.com/b2api/v2"
	defaultHTTPAddr    = ":8081"
	defaultMetricsAddr = ":9092"
	defaultCredTTL     = 24 * time.Hour

	envRedisURL           = "REDIS_URL"
	envB2APIURL           = "B2_API_URL"
	envB2KeyID            = "B2_KEY_ID"
	envB2KeySecret        = "B2_KEY_SECRET"
	envHTTPAddr           = "GATEWAY_HTTP_ADDR"
	envMetricsAddr        = "GATEWAY_METRICS_ADDR"
	envCredentialTTL      = "CREDENTIAL_TTL"
	envDeliveryConfigPath = "DELIVERY_CONFIG_PATH"
)

// Config holds runtime configuration for the delivery tier.
type Config struct {
	RedisURL      string
	B2APIURL      string
	B2KeyID       string
	B2KeySecret   string
	HTTPAddr      string
	MetricsAddr   string
	CredentialTTL time.Duration
	Delivery      *DeliveryConfig
}

// Load returns configuration from environment variables with sane defaults.
// The delivery config file is optional; built-in defaults apply without it.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:      envOr(envRedisURL, defaultRedisURL),
		B2APIURL:      envOr(envB2APIURL, defaultB2APIURL),
		B2KeyID:       os.Getenv(envB2KeyID),
		B2KeySecret:   os.Getenv(envB2KeySecret),
		HTTPAddr:      envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:   envOr(envMetricsAddr, defaultMetricsAddr),
		CredentialTTL: durationEnv(envCredentialTTL, defaultCredTTL),
	}
	delivery, err := LoadDeliveryConfig(os.Getenv(envDeliveryConfigPath))
	if err != nil {
		return nil, err
	}
	cfg.Delivery = delivery
	return cfg, nil
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
