package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tidyops/recurring-booking-service/internal/api"
	"github.com/tidyops/recurring-booking-service/internal/booking"
	"github.com/tidyops/recurring-booking-service/internal/config"
	"github.com/tidyops/recurring-booking-service/internal/db"
	"github.com/tidyops/recurring-booking-service/internal/geo"
	"github.com/tidyops/recurring-booking-service/internal/notify"
	"github.com/tidyops/recurring-booking-service/internal/payments"
	redisclient "github.com/tidyops/recurring-booking-service/internal/redis"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	setupLogging(cfg.Env)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	if cfg.MigrationsDir != "" {
		migCtx, cancelMig := context.WithTimeout(rootCtx, 30*time.Second)
		err = db.RunMigrations(migCtx, pgPool, cfg.MigrationsDir)
		cancelMig()
		if err != nil {
			log.Fatal().Err(err).Msg("migration error")
		}
	}

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := booking.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSeriesLocker(rdb, cfg.LockTTL)

	var sender notify.Sender = notify.NewNoopSender()
	if cfg.SMSGatewayURL != "" {
		sender = notify.NewHTTPSender(cfg.SMSGatewayURL, cfg.SMSFrom)
	}

	var geocoder geo.Geocoder = geo.NewDisabledGeocoder()
	if cfg.GeocoderBaseURL != "" {
		geocoder = geo.NewHTTPGeocoder(cfg.GeocoderBaseURL)
	}

	var issuer payments.LinkIssuer = payments.NewDisabledIssuer()
	if cfg.PaymentGatewayURL != "" {
		issuer = payments.NewHTTPIssuer(cfg.PaymentGatewayURL)
	}

	svc := booking.NewService(repo, locker, sender, geocoder, issuer, cfg)

	router := api.NewRouter(api.RouterConfig{
		Service:              svc,
		Geocoder:             geocoder,
		Sessions:             api.StaticTokenVerifier{Token: cfg.APIToken},
		PaymentWebhookSecret: cfg.PaymentWebhookSecret,
		PgPool:               pgPool,
		Redis:                rdb,
		Env:                  cfg.Env,
		Version:              version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
