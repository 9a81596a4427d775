package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"keyflow/internal/config"
	"keyflow/internal/flow"
	"keyflow/internal/metrics"
	"keyflow/internal/plugin"
	"keyflow/internal/session"
)

var (
	decodeJSON = flow.JSON[any]()
	decodeCBOR = flow.CBOR[any]()
)

// Catalog holds the configured sources and builds the publishers clients
// subscribe to. Every publisher yields JSON regardless of the source encoding.
type Catalog struct {
	cfg     *config.Config
	plugins plugin.Manager
	metrics *metrics.PrometheusCollector
	ctx     context.Context
	logger  zerolog.Logger

	mu      sync.RWMutex
	sources map[string]flow.ObservationSource
}

// NewCatalog creates an empty catalog. plugins and collector may be nil.
// ctx bounds converter execution.
func NewCatalog(ctx context.Context, cfg *config.Config, plugins plugin.Manager, collector *metrics.PrometheusCollector, logger zerolog.Logger) *Catalog {
	return &Catalog{
		cfg:     cfg,
		plugins: plugins,
		metrics: collector,
		ctx:     ctx,
		logger:  logger,
		sources: make(map[string]flow.ObservationSource),
	}
}

// Add registers src under name
func (c *Catalog) Add(name string, src flow.ObservationSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sources[name]; exists {
		return fmt.Errorf("duplicate source %q", name)
	}
	c.sources[name] = src
	return nil
}

// Names returns the registered source names in sorted order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publisher implements session.Catalog
func (c *Catalog) Publisher(source, key string, initial bool) (*flow.Publisher[json.RawMessage], error) {
	if source == "" {
		source = c.cfg.DefaultSource
	}
	c.mu.RLock()
	src, ok := c.sources[source]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownSource, source)
	}

	opts := []flow.Option{flow.WithName(source), flow.WithLogger(c.logger)}
	if c.metrics != nil {
		opts = append(opts, flow.WithMetrics(c.metrics.ForSource(source)))
	}
	pub := flow.NewPublisher[json.RawMessage](src, key, initial, opts...)
	return pub.WithConverter(c.converterFor(key)), nil
}

// converterFor chains the key's codec, its optional script converter and
// JSON encoding into one flow converter
func (c *Catalog) converterFor(key string) flow.Converter[json.RawMessage] {
	rule := c.cfg.RuleFor(key)
	return func(raw any) (json.RawMessage, error) {
		value, err := decode(rule.Codec, raw)
		if err != nil {
			return nil, err
		}
		if rule.Converter != "" {
			if c.plugins == nil {
				return nil, fmt.Errorf("%w: %s", plugin.ErrConverterNotFound, rule.Converter)
			}
			value, err = c.plugins.Convert(c.ctx, rule.Converter, value)
			if err != nil {
				return nil, err
			}
		}
		return json.Marshal(value)
	}
}

// decode interprets encoded source values. Values that are already
// structured pass through unchanged.
func decode(codec config.Codec, raw any) (any, error) {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		return raw, nil
	}

	switch codec {
	case config.CodecText:
		return string(data), nil
	case config.CodecCBOR:
		return decodeCBOR(data)
	default:
		return decodeJSON(data)
	}
}
