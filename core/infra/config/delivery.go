package config

import (
	"embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pixserve/pixserve/core/infra/schema"
)

const deliverySchemaFile = "schema/delivery.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

// DeliveryConfig tunes the image delivery path.
type DeliveryConfig struct {
	// Ladder holds the candidate widths generated eagerly at ingest time.
	Ladder []uint `yaml:"ladder"`
	// MaxUploadBytes caps the accepted upload body size.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// PersistQueueDepth bounds the background persistence queue.
	PersistQueueDepth int `yaml:"persist_queue_depth"`
	// PersistWorkers is the number of background persistence workers.
	PersistWorkers int `yaml:"persist_workers"`
}

// DefaultDelivery returns the built-in delivery configuration.
func DefaultDelivery() *DeliveryConfig {
	return &DeliveryConfig{
		Ladder:            []uint{320, 640, 1280, 1920},
		MaxUploadBytes:    32 << 20,
		PersistQueueDepth: 64,
		PersistWorkers:    4,
	}
}

// ParseDeliveryConfig parses and validates delivery config YAML bytes.
func ParseDeliveryConfig(data []byte) (*DeliveryConfig, error) {
	if len(data) == 0 {
		return DefaultDelivery(), nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(deliverySchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load delivery schema: %w", err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse delivery config: %w", err)
	}
	if err := schema.Validate("delivery", schemaBytes, payload); err != nil {
		return nil, fmt.Errorf("validate delivery config: %w", err)
	}
	cfg := DefaultDelivery()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse delivery config: %w", err)
	}
	if len(cfg.Ladder) == 0 {
		return nil, fmt.Errorf("delivery config has an empty ladder")
	}
	sort.Slice(cfg.Ladder, func(i, j int) bool { return cfg.Ladder[i] < cfg.Ladder[j] })
	return cfg, nil
}

// LoadDeliveryConfig reads a delivery config file. An empty path or a missing
// file yields the defaults.
func LoadDeliveryConfig(path string) (*DeliveryConfig, error) {
	if path == "" {
		return DefaultDelivery(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDelivery(), nil
		}
		return nil, fmt.Errorf("read delivery config: %w", err)
	}
	return ParseDeliveryConfig(data)
}
