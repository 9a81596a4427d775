package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the format implied by ext, applies defaults and validates
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.WSPort == 0 {
		cfg.WSPort = DefaultWSPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxSubscriptionsPerClient == 0 {
		cfg.MaxSubscriptionsPerClient = DefaultMaxSubscriptionsPerClient
	}
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = DefaultSendBufferSize
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}

	// A server without sources still exposes an in-memory property store
	if len(cfg.Sources) == 0 {
		cfg.Sources = []SourceConfig{{Name: DefaultSourceName, Type: SourceProperty}}
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = cfg.Sources[0].Name
	}

	for i := range cfg.Keys {
		if cfg.Keys[i].Codec == "" {
			cfg.Keys[i].Codec = DefaultCodec
		}
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Type != SourceUpstream {
			continue
		}
		if src.MessageTimeout == 0 {
			src.MessageTimeout = DefaultMessageTimeout
		}
		if src.ReconnectInterval == 0 {
			src.ReconnectInterval = DefaultReconnectInterval
		}
		if src.PingInterval == 0 {
			src.PingInterval = DefaultPingInterval
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.WSPort < 1 || cfg.WSPort > 65535 {
		return fmt.Errorf("wsPort must be between 1 and 65535")
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("metricsPort must be between 0 and 65535")
	}
	if cfg.MetricsPort != 0 && cfg.MetricsPort == cfg.WSPort {
		return fmt.Errorf("metricsPort must differ from wsPort")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if cfg.MaxMessageSize < 0 {
		return fmt.Errorf("maxMessageSize must be non-negative")
	}

	if cfg.MaxSubscriptionsPerClient < 0 {
		return fmt.Errorf("maxSubscriptionsPerClient must be non-negative")
	}

	if cfg.SendBufferSize < 0 {
		return fmt.Errorf("sendBufferSize must be non-negative")
	}

	if cfg.DedupCacheSize < 0 {
		return fmt.Errorf("dedupCacheSize must be non-negative")
	}

	if cfg.Converters != nil && cfg.Converters.Timeout < 0 {
		return fmt.Errorf("converters.timeout must be non-negative")
	}

	prefixes := make(map[string]bool)
	for i, rule := range cfg.Keys {
		if prefixes[rule.Prefix] {
			return fmt.Errorf("keys[%d]: duplicate prefix '%s'", i, rule.Prefix)
		}
		prefixes[rule.Prefix] = true

		switch rule.Codec {
		case CodecJSON, CodecCBOR, CodecText:
		default:
			return fmt.Errorf("keys[%d]: codec must be one of: json, cbor, text", i)
		}
		if rule.Converter != "" && !cfg.IsConvertersEnabled() {
			return fmt.Errorf("keys[%d]: converter '%s' requires converters to be enabled", i, rule.Converter)
		}
	}

	sourceNames := make(map[string]bool)
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return fmt.Errorf("source[%d]: name is required", i)
		}
		if sourceNames[src.Name] {
			return fmt.Errorf("source[%d]: duplicate source name '%s'", i, src.Name)
		}
		sourceNames[src.Name] = true

		switch src.Type {
		case SourceProperty:
		case SourceFile:
			if src.Root == "" {
				return fmt.Errorf("source '%s': root is required for file sources", src.Name)
			}
		case SourceNATS:
			if src.URL == "" || src.Bucket == "" {
				return fmt.Errorf("source '%s': url and bucket are required for nats sources", src.Name)
			}
		case SourceUpstream:
			if src.URL == "" {
				return fmt.Errorf("source '%s': url is required for upstream sources", src.Name)
			}
			if src.MessageTimeout < 0 || src.ReconnectInterval < 0 || src.PingInterval < 0 {
				return fmt.Errorf("source '%s': intervals must be non-negative", src.Name)
			}
		default:
			return fmt.Errorf("source '%s': type must be one of: property, file, nats, upstream", src.Name)
		}
	}

	if !sourceNames[cfg.DefaultSource] {
		return errors.New("defaultSource must name a configured source")
	}

	return nil
}
