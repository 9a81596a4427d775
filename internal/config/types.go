package config

import (
	"strings"
	"time"
)

// SourceType selects the ObservationSource implementation
type SourceType string

const (
	SourceProperty SourceType = "property"
	SourceFile     SourceType = "file"
	SourceNATS     SourceType = "nats"
	SourceUpstream SourceType = "upstream"
)

// Codec names the raw value decoding applied before converters
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
	CodecText Codec = "text"
)

// Config represents the main configuration structure
type Config struct {
	Host                      string           `json:"host" yaml:"host"`
	WSPort                    int              `json:"wsPort" yaml:"wsPort"`
	MetricsPort               int              `json:"metricsPort" yaml:"metricsPort"` // 0 disables the metrics listener
	LogLevel                  string           `json:"logLevel" yaml:"logLevel"`
	MaxMessageSize            int64            `json:"maxMessageSize" yaml:"maxMessageSize"` // bytes, 0 means no limit
	RequestTimeout            int              `json:"requestTimeout" yaml:"requestTimeout"` // ms
	MaxSubscriptionsPerClient int              `json:"maxSubscriptionsPerClient" yaml:"maxSubscriptionsPerClient"`
	SendBufferSize            int              `json:"sendBufferSize" yaml:"sendBufferSize"` // queued notifications per client
	DedupCacheSize            int              `json:"dedupCacheSize" yaml:"dedupCacheSize"`
	DefaultSource             string           `json:"defaultSource" yaml:"defaultSource"`
	Converters                *ConverterConfig `json:"converters,omitempty" yaml:"converters,omitempty"`
	Keys                      []KeyRule        `json:"keys" yaml:"keys"`
	Sources                   []SourceConfig   `json:"sources" yaml:"sources"`
}

// ConverterConfig configures JavaScript converters
type ConverterConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Directory string `json:"directory" yaml:"directory"` // path to converter scripts
	Timeout   int    `json:"timeout" yaml:"timeout"`     // execution timeout in milliseconds
}

// KeyRule decides how values of keys under Prefix are decoded and converted.
// The longest matching prefix wins.
type KeyRule struct {
	Prefix    string `json:"prefix" yaml:"prefix"`
	Codec     Codec  `json:"codec" yaml:"codec"`
	Converter string `json:"converter,omitempty" yaml:"converter,omitempty"`
}

// SourceConfig represents one observation source
type SourceConfig struct {
	Name string     `json:"name" yaml:"name"`
	Type SourceType `json:"type" yaml:"type"`

	// property
	StrictKeys bool                   `json:"strictKeys,omitempty" yaml:"strictKeys,omitempty"`
	Values     map[string]interface{} `json:"values,omitempty" yaml:"values,omitempty"` // initial values

	// file
	Root string `json:"root,omitempty" yaml:"root,omitempty"` // keys resolve relative to root

	// nats
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// nats, upstream
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// upstream
	RemoteSource      string `json:"remoteSource,omitempty" yaml:"remoteSource,omitempty"`
	MessageTimeout    int    `json:"messageTimeout,omitempty" yaml:"messageTimeout,omitempty"`       // ms
	ReconnectInterval int    `json:"reconnectInterval,omitempty" yaml:"reconnectInterval,omitempty"` // ms
	PingInterval      int    `json:"pingInterval,omitempty" yaml:"pingInterval,omitempty"`           // ms
}

// Default values
const (
	DefaultHost                      = "localhost"
	DefaultWSPort                    = 8646
	DefaultMetricsPort               = 0
	DefaultLogLevel                  = "info"
	DefaultMaxMessageSize            = int64(0) // 0 means no limit
	DefaultRequestTimeout            = 5000     // ms
	DefaultMaxSubscriptionsPerClient = 100
	DefaultSendBufferSize            = 256
	DefaultDedupCacheSize            = 4096
	DefaultSourceName                = "props"
	DefaultCodec                     = CodecJSON
	DefaultConverterDirectory        = "./converters"
	DefaultConverterTimeout          = 1000  // ms
	DefaultMessageTimeout            = 60000 // ms - read timeout on upstream connections
	DefaultReconnectInterval         = 3000  // ms - interval between upstream reconnection attempts
	DefaultPingInterval              = 20000 // ms
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// IsConvertersEnabled returns true if converters are configured and enabled
func (c *Config) IsConvertersEnabled() bool {
	return c.Converters != nil && c.Converters.Enabled
}

// GetConverterDirectory returns the converter scripts directory
func (c *Config) GetConverterDirectory() string {
	if c.Converters == nil || c.Converters.Directory == "" {
		return DefaultConverterDirectory
	}
	return c.Converters.Directory
}

// GetConverterTimeoutDuration returns converter timeout as time.Duration
func (c *Config) GetConverterTimeoutDuration() time.Duration {
	if c.Converters == nil || c.Converters.Timeout == 0 {
		return time.Duration(DefaultConverterTimeout) * time.Millisecond
	}
	return time.Duration(c.Converters.Timeout) * time.Millisecond
}

// RuleFor returns the key rule with the longest prefix matching key.
// Keys without a rule use the default codec and no converter.
func (c *Config) RuleFor(key string) KeyRule {
	best := KeyRule{Codec: DefaultCodec}
	bestLen := -1
	for _, r := range c.Keys {
		if strings.HasPrefix(key, r.Prefix) && len(r.Prefix) > bestLen {
			best, bestLen = r, len(r.Prefix)
		}
	}
	return best
}

// GetMessageTimeoutDuration returns upstream message timeout as time.Duration
func (s *SourceConfig) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(s.MessageTimeout) * time.Millisecond
}

// GetReconnectIntervalDuration returns upstream reconnect interval as time.Duration
func (s *SourceConfig) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(s.ReconnectInterval) * time.Millisecond
}

// GetPingIntervalDuration returns upstream ping interval as time.Duration
func (s *SourceConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(s.PingInterval) * time.Millisecond
}
