package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/cipherchat/internal/api"
	"github.com/kenneth/cipherchat/internal/audit"
	"github.com/kenneth/cipherchat/internal/cache"
	"github.com/kenneth/cipherchat/internal/config"
	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/history"
	"github.com/kenneth/cipherchat/internal/identity"
	"github.com/kenneth/cipherchat/internal/metrics"
	"github.com/kenneth/cipherchat/internal/middleware"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/storage"
	"github.com/kenneth/cipherchat/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
)

var (
	buildVersion = "dev"
	commit       = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	version.Version = buildVersion
	version.Revision = commit
	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"commit":  version.Revision,
		"build":   version.BuildContext(),
	}).Info("Starting cipherchat node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	prometheus.MustRegister(versioncollector.NewCollector("cipherchat"))
	m.StartSystemMetricsCollector(ctx, 15*time.Second)

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = buildVersion
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	id := loadIdentity(cfg.Identity, logger)

	var inbox cache.Inbox
	if cfg.Inbox.Enabled {
		inbox = cache.NewMemoryInbox(cfg.Inbox.MaxSize, cfg.Inbox.MaxItems, cfg.Inbox.DefaultTTL)
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Inbox.MaxSize,
			"max_items":   cfg.Inbox.MaxItems,
			"default_ttl": cfg.Inbox.DefaultTTL,
		}).Info("Inbox enabled")
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	if store != nil {
		store = storage.WithMetrics(store, m)
		logger.WithField("backend", store.Backend()).Info("Storage enabled")
	}

	var hist api.HistoryStore
	if cfg.History.Enabled {
		repo, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open transfer history")
		}
		defer repo.Close()
		hist = repo
		logger.WithField("path", cfg.History.Path).Info("Transfer history enabled")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		var writer audit.EventWriter
		if cfg.Audit.Path != "" {
			w, closer, err := audit.NewFileWriter(cfg.Audit.Path)
			if err != nil {
				logger.WithError(err).Fatal("Failed to open audit log")
			}
			defer closer.Close()
			writer = w
		}
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, writer)
		logger.WithFields(logrus.Fields{
			"max_events": cfg.Audit.MaxEvents,
			"path":       cfg.Audit.Path,
		}).Info("Audit logging enabled")
	}

	policy := config.NewPolicyManager(cfg.Peers.Allow)
	if err := policy.LoadPolicies(cfg.Peers.PolicyFiles); err != nil {
		logger.WithError(err).Fatal("Failed to load peer policies")
	}

	delivery := api.NewDelivery(inbox, store, hist, cfg.Inbox.DefaultTTL, logger)

	var peersUp atomic.Bool
	handler := api.NewHandler(api.Options{
		Identity:     id,
		Delivery:     delivery,
		Inbox:        inbox,
		Store:        store,
		History:      hist,
		Logger:       logger,
		Metrics:      m,
		Audit:        auditLogger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		CipherStages: cfg.Tracing.CipherStages,
		Ready: func() error {
			if cfg.PeerListenAddr != "" && !peersUp.Load() {
				return errors.New("peer listener not running")
			}
			return nil
		},
	})

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	var httpHandler http.Handler = router
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}
	if cfg.TLS.Enabled {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, updated *config.Config) error {
			if err := policy.LoadPolicies(updated.Peers.PolicyFiles); err != nil {
				return err
			}
			policy.SetAllow(updated.Peers.Allow)
			if lvl, err := logrus.ParseLevel(updated.LogLevel); err == nil {
				logger.SetLevel(lvl)
			}
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	if cfg.PeerListenAddr != "" {
		var trace crypto.TraceFunc
		if cfg.Tracing.CipherStages {
			trace = tracing.Chain(tracing.MetricsTracer(m), tracing.LogTracer(logger))
		}
		listener := protocol.NewListener(id.PrivateKey, protocol.Options{
			Logger:  logger,
			Metrics: m,
			Audit:   auditLogger,
			Policy:  policy,
			Trace:   trace,
		}, cfg.Peers.HandshakeTimeout, func(ctx context.Context, s *protocol.Session, ev protocol.Event) {
			delivery.HandleEvent(ctx, ev, s.PeerFingerprint())
		})

		ln, err := net.Listen("tcp", cfg.PeerListenAddr)
		if err != nil {
			logger.WithError(err).Fatal("Failed to listen for peers")
		}
		peersUp.Store(true)
		go func() {
			if err := listener.Serve(ctx, ln); err != nil {
				logger.WithError(err).Error("Peer listener stopped")
			}
			peersUp.Store(false)
		}()
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down node...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}

// loadIdentity opens the keystore in cfg.Dir, creating it on first start.
// Without a directory the node runs with a fresh identity per process.
func loadIdentity(cfg config.IdentityConfig, logger *logrus.Logger) *identity.Identity {
	if cfg.Dir == "" {
		id, err := identity.Generate()
		if err != nil {
			logger.WithError(err).Fatal("Failed to generate identity")
		}
		logger.WithField("fingerprint", id.Fingerprint).Warn("Using ephemeral identity")
		return id
	}

	id, created, err := identity.NewStore(cfg.Dir).LoadOrCreate(cfg.Passphrase)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load identity")
	}
	logger.WithFields(logrus.Fields{
		"fingerprint": id.Fingerprint,
		"dir":         cfg.Dir,
		"created":     created,
	}).Info("Identity loaded")
	return id
}
