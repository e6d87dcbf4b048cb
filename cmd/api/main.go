// Package main is the entry point for the WhatsApp gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/whatsapp-gateway/internal/broadcast"
	"github.com/capitalize-ai/whatsapp-gateway/internal/config"
	"github.com/capitalize-ai/whatsapp-gateway/internal/handler"
	"github.com/capitalize-ai/whatsapp-gateway/internal/llm"
	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	natsclient "github.com/capitalize-ai/whatsapp-gateway/internal/nats"
	"github.com/capitalize-ai/whatsapp-gateway/internal/profile"
	"github.com/capitalize-ai/whatsapp-gateway/internal/service"
	"github.com/capitalize-ai/whatsapp-gateway/internal/session"
	"github.com/capitalize-ai/whatsapp-gateway/internal/sessionstore"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting WhatsApp gateway", zap.String("port", cfg.ServerPort))

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "whatsapp-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Application database
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := store.Migrate(db); err != nil {
		return err
	}
	data := store.New(db)

	// WhatsApp device store and transport
	container, err := sessionstore.OpenContainer(ctx, cfg.WAStoreDialect, cfg.WAStoreDSN)
	if err != nil {
		return err
	}
	sessions, err := sessionstore.NewWhatsmeow(container, db, log)
	if err != nil {
		return err
	}
	wa := transport.NewWhatsmeow(sessions, log)

	// Profile cache
	var profiles profile.Resolver = profile.Direct{}
	var redisCheck handler.Pinger
	if cfg.RedisURL != "" {
		rdb, err := profile.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, profile cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			cached := profile.NewCached(rdb, cfg.ProfileCacheTTL, log)
			profiles = cached
			redisCheck = cached
		}
	}

	// Event fan-out
	feed := broadcast.NewFeed(64)
	hub := broadcast.NewHub(nil, func(r *http.Request, tenantID string) bool {
		return middleware.Authorized(r.Context(), tenantID)
	}, log)
	publishers := broadcast.Multi{hub, feed}

	g, gctx := errgroup.WithContext(ctx)

	var (
		eventLog  handler.EventLog
		natsCheck handler.Pinger
	)
	if cfg.NATSEnabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,

			MaxReconnects: cfg.NATSMaxReconnects,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()

		streams := natsclient.NewStreamManager(nc)
		if err := streams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		js := broadcast.NewJetStream(streams, 1024, log)
		g.Go(func() error { return js.Run(gctx) })

		publishers = append(publishers, js)
		eventLog = streams
		natsCheck = nc
	}

	// Worker pool for AI replies and session restore
	pool, err := ants.NewPool(cfg.AIWorkerPool)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	// Session lifecycle
	manager := session.NewManager(session.Deps{
		Sessions:  sessions,
		Transport: wa,
		Phones:    data,
		Renderer:  transport.QRRenderer{},
		Publisher: publishers,
		Policy: session.Policy{
			QRTimeout:         cfg.QRTimeout,
			ReconnectInterval: cfg.ReconnectInterval,
			MaxAttempts:       cfg.MaxReconnectAttempts,
			InitWait:          cfg.InitWait,
		},
		Logger: log,
	})
	hub.SetStatusSource(manager)

	// Services
	llmClient := llm.NewFromKeys(llm.Options{
		Default:         llm.Provider(cfg.DefaultLLM),
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIModel:     cfg.OpenAIModel,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		AnthropicModel:  cfg.AnthropicModel,
	})
	if _, ok := llmClient.(llm.Static); ok {
		log.Warn("no LLM provider configured, AI replies will use the fallback text")
	}

	companySvc := service.NewCompanyService(data, log)
	conversationSvc := service.NewConversationService(data, log)
	dispatcher := service.NewDispatcher(manager, data, publishers, log)
	responder := service.NewResponder(data, data, llmClient, dispatcher, session.SystemScheduler{}, pool,
		service.ResponderOptions{
			Debounce:     cfg.AIDebounce,
			History:      cfg.AIHistory,
			FallbackText: cfg.AIFallbackText,
			MaxTokens:    cfg.LLMMaxTokens,
			Temperature:  cfg.LLMTemperature,
			Timeout:      cfg.LLMTimeout,
		}, log)
	defer responder.Close()
	processor := service.NewProcessor(manager, data, profiles, publishers, responder, log)
	manager.SetMessageHandler(processor.Handle)
	defer manager.Close()

	// Periodic gauges
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.MetricsInterval, func() {
		metrics.SessionsConnected.Set(float64(manager.Registry().CountConnected()))
	}); err != nil {
		return fmt.Errorf("schedule metrics: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.RestoreOnBoot {
		if err := manager.Restore(gctx, pool); err != nil {
			log.Warn("session restore failed", zap.Error(err))
		}
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": data,
		"nats":     natsCheck,
		"redis":    redisCheck,
	})
	companyHandler := handler.NewCompanyHandler(companySvc, log)
	whatsappHandler := handler.NewWhatsAppHandler(manager, companySvc, log)
	messageHandler := handler.NewMessageHandler(dispatcher, conversationSvc, log)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(eventLog, feed, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Status websocket, authorized per subscribed company
	r.With(middleware.Auth(cfg.JWTSecret)).Get("/ws", hub.ServeHTTP)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/companies", func(r chi.Router) {
			r.With(middleware.RequireScope(middleware.ScopeAdmin)).Post("/", companyHandler.Create)
			r.With(middleware.RequireScope(middleware.ScopeAdmin)).Get("/", companyHandler.List)

			r.Route("/{companyID}", func(r chi.Router) {
				r.Use(middleware.RequireCompany)
				r.Get("/", companyHandler.Get)

				r.Route("/whatsapp", func(r chi.Router) {
					r.Post("/initialize", whatsappHandler.Initialize)
					r.Post("/connect", whatsappHandler.Initialize)
					r.Get("/status", whatsappHandler.Status)
					r.Post("/disconnect", whatsappHandler.Disconnect)
					r.Post("/clear-session", whatsappHandler.ClearSession)
					r.Post("/validate-number", whatsappHandler.ValidateNumber)
					r.With(middleware.CompanyRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
						Post("/send", messageHandler.Send)
				})

				r.Get("/conversations", conversationHandler.List)
				r.Delete("/conversations", conversationHandler.Clear)

				r.Get("/events", streamHandler.Events)
				r.Get("/events/stream", streamHandler.Stream)
			})
		})

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversationHandler.Get)
			r.Get("/messages", messageHandler.List)
			r.Post("/read", conversationHandler.MarkRead)
			r.Post("/ai", conversationHandler.SetAI)
		})
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		// Event streams and websockets stay open; only bound the header read.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
