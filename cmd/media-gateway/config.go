package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wolfeidau/media-gateway/cache"
	"github.com/wolfeidau/media-gateway/origin"
)

// gatewayConfig is the JSON configuration document: origin matching rules,
// TTL profiles, and object-store bucket bindings. Validation of the
// document itself happens upstream; here we only require that something
// routable came out of it.
type gatewayConfig struct {
	Origins    []origin.Origin   `json:"origins,omitempty"`
	Patterns   []origin.Pattern  `json:"patterns,omitempty"`
	Profiles   []cache.Profile   `json:"profiles,omitempty"`
	DefaultTTL origin.TTLProfile `json:"default_ttl"`
	Buckets    map[string]string `json:"buckets,omitempty"`
}

// loadConfig reads and decodes the gateway configuration file.
func loadConfig(path string) (*gatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg gatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(cfg.Origins) == 0 && len(cfg.Patterns) == 0 {
		return nil, fmt.Errorf("config %s defines no origins or patterns", path)
	}

	return &cfg, nil
}
