package redisutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA       = "REDIS_TLS_CA"
	envRedisTLSCert     = "REDIS_TLS_CERT"
	envRedisTLSKey      = "REDIS_TLS_KEY"
	envRedisTLSInsecure = "REDIS_TLS_INSECURE"
)

// NewClient builds a Redis client from a URL, applying TLS settings from the
// environment when present.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsCfg, err := tlsFromEnv(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.TLSConfig = tlsCfg
	}
	return redis.NewClient(opts), nil
}

func tlsFromEnv(existing *tls.Config) (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envRedisTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envRedisTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisTLSKey))
	insecure := os.Getenv(envRedisTLSInsecure) == "true"

	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return existing, nil
	}

	cfg := &tls.Config{}
	if existing != nil {
		cfg = existing.Clone()
	}
	cfg.InsecureSkipVerify = insecure

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
