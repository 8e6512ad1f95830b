package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	engineapi "github.com/selfwork/taxgate/api/echo"
	"github.com/selfwork/taxgate/cache"
	redistoken "github.com/selfwork/taxgate/cache/redis"
	"github.com/selfwork/taxgate/config"
	"github.com/selfwork/taxgate/domain"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/internal/memstore"
	"github.com/selfwork/taxgate/internal/metrics"
	"github.com/selfwork/taxgate/mongodb"
	"github.com/selfwork/taxgate/poller"
	"github.com/selfwork/taxgate/registry"
	"github.com/selfwork/taxgate/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logLevel)
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	log.Logger = logger
	if parseErr != nil {
		log.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}

	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("storage_backend", cfg.StorageBackend).
		Str("log_level", logLevel.String()).
		Msg("Starting taxgate server")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(promRegistry)

	ctx := context.Background()

	var consentRepo domain.ConsentRepository
	var obligationRepo domain.ObligationRepository
	switch cfg.StorageBackend {
	case "mongo":
		if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
			log.Fatal().Err(initErr).Msg("Failed to initialize MongoDB connection")
		}
		db, dbErr := mongodb.GetDatabase()
		if dbErr != nil {
			log.Fatal().Err(dbErr).Msg("Failed to get MongoDB database")
		}
		consentRepo = mongodb.NewConsentRepository(db)
		obligationRepo = mongodb.NewObligationRepository(db)
	case "memory":
		consentRepo = memstore.NewConsentStore()
		obligationRepo = memstore.NewObligationStore()
	default:
		log.Fatal().Str("storage_backend", cfg.StorageBackend).
			Msg("Unknown STORAGE_BACKEND, expected 'memory' or 'mongo'")
	}

	var tokens cache.TokenSource
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		tokens = redistoken.NewTokenSource(redisClient, "taxgate", cfg.TokenTTLMargin())
		log.Info().Str("redis_addr", cfg.RedisAddr).Msg("Using Redis provider token cache")
	} else {
		memTokens := cache.NewMemoryTokenSource(cfg.TokenTTLMargin())
		defer memTokens.Close()
		tokens = memTokens
	}

	providers := domain.DefaultProviders()
	for i := range providers {
		switch providers[i].Name {
		case "abank":
			if cfg.ABankBaseURL != "" {
				providers[i].BaseURL = cfg.ABankBaseURL
			}
		case "sbank":
			if cfg.SBankBaseURL != "" {
				providers[i].BaseURL = cfg.SBankBaseURL
			}
		case "vbank":
			if cfg.VBankBaseURL != "" {
				providers[i].BaseURL = cfg.VBankBaseURL
			}
		}
	}

	creds := bank.Credentials{
		ClientID:     cfg.BankClientID,
		ClientSecret: cfg.BankClientSecret,
	}
	httpClient := &http.Client{Timeout: cfg.CallTimeout()}
	banks := bank.NewClients(providers, creds, httpClient, tokens)

	consentRegistry := registry.New(consentRepo)

	consentService := services.NewConsentService(consentRegistry, banks)
	accountService := services.NewAccountService(
		consentRegistry, banks, cfg.CallTimeout(), cfg.ListBudget(), cfg.TxCacheTTL())
	defer accountService.Close()
	paymentService := services.NewPaymentService(consentRegistry, obligationRepo, banks)

	approvalPoller := poller.New(
		consentRegistry, banks, paymentService,
		cfg.PollInterval(), cfg.PollMaxAttempts, cfg.CallTimeout())
	approvalPoller.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	api := engineapi.NewEngineAPI(consentService, accountService, paymentService)
	api.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if serveErr := e.Start(":" + cfg.HTTPPort); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal().Err(serveErr).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	approvalPoller.Close()

	if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("HTTP server shutdown error")
	}

	if cfg.StorageBackend == "mongo" {
		if closeErr := mongodb.Close(shutdownCtx); closeErr != nil {
			log.Error().Err(closeErr).Msg("MongoDB close error")
		}
	}

	log.Info().Msg("Server gracefully stopped")
}
