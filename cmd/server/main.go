package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proctorwatch/proctor-server/internal/config"
	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/server"
	"github.com/proctorwatch/proctor-server/internal/violations"
	"github.com/proctorwatch/proctor-server/internal/webrtc"
)

var (
	// Command-line flags. Flags that are set override the config file and
	// the PROCTOR_* environment.
	configFile  = flag.String("config", "", "Config file (yaml, json or toml)")
	httpAddr    = flag.String("http", "", "HTTP server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty disables)")
	detectorURL = flag.String("detector", "", "Inference sidecar base URL")
	storePath   = flag.String("store", "", "SQLite history path")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// App is the proctoring server process.
type App struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	store      *violations.SQLiteStore
	kafka      *violations.KafkaPublisher
	webrtc     *webrtc.Server
	registry   *server.Registry
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Proctoring server starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	app.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "detector":
			cfg.DetectorURL = *detectorURL
		case "store":
			cfg.StorePath = *storePath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
}

// NewApp wires the sinks, transports and the session registry.
func NewApp(cfg config.Config) (*App, error) {
	app := &App{cfg: cfg, metrics: metrics.New()}

	if cfg.StorePath != "" {
		store, err := violations.OpenSQLite(cfg.StorePath, app.metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		app.store = store
	}

	deps := server.Deps{
		Adapters: server.RemoteAdapterFactory(
			detector.RemoteConfig{
				BaseURL:     cfg.DetectorURL,
				Timeout:     cfg.CallTimeout,
				JPEGQuality: cfg.JPEGQuality,
			},
			detector.Config{
				CallTimeout:   cfg.CallTimeout,
				MaxFrameWidth: cfg.MaxFrameWidth,
				FaceOptions:   detector.DefaultFaceOptions(),
			},
		),
		Session:       cfg.SessionConfig(),
		MaxSessions:   cfg.MaxSessions,
		MaxViolations: cfg.MaxViolations,
		EvidencePath:  cfg.EvidencePath,
		Metrics:       app.metrics,
	}
	if app.store != nil {
		deps.Store = app.store
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := violations.NewKafkaPublisher(violations.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, app.metrics)
		if err != nil {
			app.closeStore()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		app.kafka = publisher
		deps.Kafka = publisher
	}

	if cfg.MaxWebRTCClients > 0 {
		app.webrtc = webrtc.NewServer(webrtc.Config{
			STUNServers: cfg.STUNServers,
			MaxClients:  cfg.MaxWebRTCClients,
		})
		deps.WebRTC = app.webrtc
	}

	if cfg.EvidencePath != "" {
		if err := os.MkdirAll(cfg.EvidencePath, 0755); err != nil {
			app.closeStore()
			return nil, fmt.Errorf("failed to create evidence directory: %w", err)
		}
	}

	app.registry = server.NewRegistry(deps)
	api := server.NewServer(server.Config{MaxUploadBytes: cfg.MaxUploadBytes}, app.registry)
	app.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Ending the sessions closes their violation streams, which would
	// otherwise hold Shutdown open.
	app.httpServer.RegisterOnShutdown(app.registry.Close)
	return app, nil
}

// Start starts the HTTP, metrics and pprof listeners.
func (a *App) Start() {
	logger.Info("Main", "Starting proctoring server...")
	logger.Info("Main", "  HTTP server: %s", a.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", a.cfg.MetricsAddr)
	logger.Info("Main", "  Detector: %s", a.cfg.DetectorURL)
	logger.Info("Main", "  History store: %s", orDisabled(a.cfg.StorePath))
	logger.Info("Main", "  Evidence path: %s", orDisabled(a.cfg.EvidencePath))
	logger.Info("Main", "  Kafka: %v", a.kafka != nil)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", a.cfg.MetricsAddr)
		if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
}

// Shutdown stops accepting requests, ends every session and flushes the sinks.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.httpServer.Shutdown(ctx)

	// Sessions created while shutting down
	a.registry.Close()
	if a.webrtc != nil {
		if werr := a.webrtc.Close(); werr != nil {
			logger.Warn("Main", "WebRTC server close: %v", werr)
		}
	}
	if a.kafka != nil {
		if kerr := a.kafka.Close(ctx); kerr != nil {
			logger.Warn("Main", "Kafka publisher close: %v", kerr)
		}
	}
	a.closeStore()
	return err
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("Main", "History store close: %v", err)
	}
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
