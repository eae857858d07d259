package main

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/deepaksharma/negative-reservoir/internal/host"
)

// loadConfig layers the YAML file at path over host.DefaultConfig. An empty
// path yields the defaults.
func loadConfig(path string) (host.Config, error) {
	cfg := host.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return host.Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(data, cfg)
}

func parseConfig(data []byte, base host.Config) (host.Config, error) {
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return host.Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg := base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return host.Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
