package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"keyflow/internal/config"
	"keyflow/internal/flow"
	"keyflow/internal/metrics"
	"keyflow/internal/plugin"
	"keyflow/internal/session"
	"keyflow/internal/source/filewatch"
	"keyflow/internal/source/natskv"
	"keyflow/internal/source/property"
	"keyflow/internal/source/rpcws"
	"keyflow/internal/ws"
)

// Server represents the main server
type Server struct {
	cfg           *config.Config
	catalog       *Catalog
	props         *property.Store
	pluginManager *plugin.PluginManager
	sessions      *session.Manager
	registry      *prometheus.Registry
	closers       []func() error
	ctx           context.Context
	cancel        context.CancelFunc
	wsServer      *http.Server
	metricsServer *http.Server
	logger        zerolog.Logger
}

// New creates a new Server. Sources are added with AddSource.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var pluginMgr *plugin.PluginManager
	var converters plugin.Manager
	if cfg.IsConvertersEnabled() {
		pluginMgr = plugin.NewPluginManager(logger)
		pluginMgr.SetTimeout(cfg.GetConverterTimeoutDuration())

		if err := pluginMgr.LoadFromDirectory(cfg.GetConverterDirectory()); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load converters: %w", err)
		}
		converters = pluginMgr

		names := pluginMgr.Converters()
		if len(names) > 0 {
			logger.Info().
				Strs("converters", names).
				Str("directory", cfg.GetConverterDirectory()).
				Msg("converters enabled")
		} else {
			logger.Info().
				Str("directory", cfg.GetConverterDirectory()).
				Msg("converters enabled but none loaded")
		}
	} else {
		logger.Info().Msg("converters disabled")
	}

	for _, rule := range cfg.Keys {
		if rule.Converter != "" && (pluginMgr == nil || !pluginMgr.HasConverter(rule.Converter)) {
			cancel()
			return nil, fmt.Errorf("keys prefix '%s': converter '%s' is not loaded", rule.Prefix, rule.Converter)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewPrometheus(registry, "keyflow")

	catalog := NewCatalog(ctx, cfg, converters, collector, logger)
	sessions := session.NewManager(catalog, cfg.MaxSubscriptionsPerClient, logger)

	return &Server{
		cfg:           cfg,
		catalog:       catalog,
		pluginManager: pluginMgr,
		sessions:      sessions,
		registry:      registry,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
	}, nil
}

// AddSource creates the source described by srcCfg and exposes it to clients
func (s *Server) AddSource(srcCfg config.SourceConfig) error {
	logger := s.logger.With().Str("source", srcCfg.Name).Logger()

	switch srcCfg.Type {
	case config.SourceProperty:
		opts := []property.Option{property.WithLogger(logger)}
		if srcCfg.StrictKeys {
			opts = append(opts, property.WithStrictKeys())
		}
		store := property.New(opts...)
		for key, value := range srcCfg.Values {
			if err := store.Set(key, value); err != nil {
				store.Close()
				return fmt.Errorf("source %s: %w", srcCfg.Name, err)
			}
		}
		if err := s.add(srcCfg.Name, store, store.Close); err != nil {
			return err
		}
		// flow_get/flow_set use the default source, or the first property source
		if s.props == nil || srcCfg.Name == s.cfg.DefaultSource {
			s.props = store
			if s.pluginManager != nil {
				s.pluginManager.SetPropertyReader(store)
			}
		}

	case config.SourceFile:
		watcher, err := filewatch.New(logger)
		if err != nil {
			return fmt.Errorf("source %s: %w", srcCfg.Name, err)
		}
		var src flow.ObservationSource = watcher
		if srcCfg.Root != "" {
			src = watcher.Rooted(srcCfg.Root)
		}
		if err := s.add(srcCfg.Name, src, watcher.Close); err != nil {
			return err
		}

	case config.SourceNATS:
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.GetRequestTimeoutDuration())
		defer cancel()
		kv, err := natskv.Open(ctx, srcCfg.URL, srcCfg.Bucket, logger)
		if err != nil {
			return fmt.Errorf("source %s: %w", srcCfg.Name, err)
		}
		if err := s.add(srcCfg.Name, kv, kv.Close); err != nil {
			return err
		}

	case config.SourceUpstream:
		client, err := rpcws.New(rpcws.Config{
			URL:               srcCfg.URL,
			Source:            srcCfg.RemoteSource,
			MessageTimeout:    srcCfg.GetMessageTimeoutDuration(),
			ReconnectInterval: srcCfg.GetReconnectIntervalDuration(),
			PingInterval:      srcCfg.GetPingIntervalDuration(),
			DedupSize:         s.cfg.DedupCacheSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("source %s: %w", srcCfg.Name, err)
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.GetRequestTimeoutDuration())
		defer cancel()
		if err := client.Connect(ctx); err != nil {
			client.Close()
			return fmt.Errorf("source %s: %w", srcCfg.Name, err)
		}
		closeClient := func() error {
			client.Close()
			return nil
		}
		if err := s.add(srcCfg.Name, client, closeClient); err != nil {
			return err
		}

	default:
		return fmt.Errorf("source %s: unknown type '%s'", srcCfg.Name, srcCfg.Type)
	}

	s.logger.Info().
		Str("source", srcCfg.Name).
		Str("type", string(srcCfg.Type)).
		Msg("added source")
	return nil
}

func (s *Server) add(name string, src flow.ObservationSource, closeFn func() error) error {
	if err := s.catalog.Add(name, src); err != nil {
		closeFn()
		return err
	}
	s.closers = append(s.closers, closeFn)
	return nil
}

// Properties returns the store behind flow_get and flow_set, or nil
func (s *Server) Properties() *property.Store {
	return s.props
}

// Handler returns the WebSocket JSON-RPC handler
func (s *Server) Handler() http.Handler {
	var props ws.PropertyStore
	if s.props != nil {
		props = s.props
	}
	return ws.NewHandler(s.sessions, props, s.cfg, s.logger)
}

// MetricsHandler returns the Prometheus scrape handler
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Start starts the listeners
func (s *Server) Start() error {
	wsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.WSPort)

	s.wsServer = &http.Server{
		Addr:        wsAddr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", wsAddr).
			Strs("sources", s.catalog.Names()).
			Msg("starting WebSocket server")
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	if s.cfg.MetricsPort != 0 {
		metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.MetricsHandler())
		s.metricsServer = &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}

		go func() {
			s.logger.Info().
				Str("addr", metricsAddr).
				Msg("starting metrics server")
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	// Client sessions first so no subscription outlives its source
	s.sessions.CloseAll()

	var wsErr, metricsErr error
	if s.wsServer != nil {
		wsErr = s.wsServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		metricsErr = s.metricsServer.Shutdown(ctx)
	}

	s.cancel()

	var closeErrs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}

	if s.pluginManager != nil {
		s.pluginManager.Close()
	}

	if wsErr != nil {
		return fmt.Errorf("WebSocket server shutdown error: %w", wsErr)
	}
	if metricsErr != nil {
		return fmt.Errorf("metrics server shutdown error: %w", metricsErr)
	}
	if err := errors.Join(closeErrs...); err != nil {
		return fmt.Errorf("source shutdown error: %w", err)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// Sessions returns the session manager
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}
