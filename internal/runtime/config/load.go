package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScopeEnv overrides the configured scope prefix when set.
const ScopeEnv = "FLOWRPC_SCOPE"

// LoadClientConfig reads a client configuration from a YAML file, starting
// from DefaultClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFile(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	cfg.ScopePrefix = applyScopeOverride(cfg.ScopePrefix)
	return cfg, nil
}

// LoadServerConfig reads a server configuration from a YAML file, starting
// from DefaultServerConfig.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.ScopePrefix = applyScopeOverride(cfg.ScopePrefix)
	return cfg, nil
}

// ParseClientConfig decodes YAML data over DefaultClientConfig.
func ParseClientConfig(data []byte) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("decode client config: %w", err)
	}
	cfg.ScopePrefix = applyScopeOverride(cfg.ScopePrefix)
	return cfg, nil
}

// ParseServerConfig decodes YAML data over DefaultServerConfig.
func ParseServerConfig(data []byte) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("decode server config: %w", err)
	}
	cfg.ScopePrefix = applyScopeOverride(cfg.ScopePrefix)
	return cfg, nil
}

func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyScopeOverride(current string) string {
	if scope, ok := os.LookupEnv(ScopeEnv); ok {
		return strings.TrimSpace(scope)
	}
	return current
}
