package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tidyops/recurring-booking-service/internal/booking"
	"github.com/tidyops/recurring-booking-service/internal/geo"
)

type RouterConfig struct {
	Service              *booking.Service
	Geocoder             geo.Geocoder
	Sessions             SessionVerifier
	PaymentWebhookSecret string
	PgPool               *pgxpool.Pool
	Redis                *redis.Client
	Env                  string
	Version              string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Reads
	r.Get("/customers", listCustomersHandler(cfg.Service))
	r.Get("/cleaners", listCleanersHandler(cfg.Service))
	r.Get("/series/{id}", getSeriesHandler(cfg.Service))
	r.Get("/occurrences", listOccurrencesHandler(cfg.Service))
	r.Get("/geocode", geocodeHandler(cfg.Geocoder))

	// Writes require a staff session
	r.Group(func(r chi.Router) {
		r.Use(RequireStaffSession(cfg.Sessions))

		r.Post("/customers", createCustomerHandler(cfg.Service))
		r.Post("/cleaners", createCleanerHandler(cfg.Service))
		r.Post("/cleaners/{id}/deactivate", deactivateCleanerHandler(cfg.Service))

		r.Post("/series", createSeriesHandler(cfg.Service))
		r.Put("/series/{id}", updateSeriesHandler(cfg.Service))
		r.Post("/series/{id}/status", setSeriesStatusHandler(cfg.Service))
		r.Post("/series/{id}/location", attachLocationHandler(cfg.Service))

		r.Post("/occurrences/{id}/reschedule", rescheduleHandler(cfg.Service))
		r.Post("/occurrences/{id}/status", setOccurrenceStatusHandler(cfg.Service))
		r.Post("/occurrences/{id}/assign", assignHandler(cfg.Service))
		r.Post("/occurrences/{id}/payment-link", paymentLinkHandler(cfg.Service))
	})

	// The payment processor signs its own requests; no staff session here.
	r.Post("/webhooks/payment", paymentWebhookHandler(cfg.Service, cfg.PaymentWebhookSecret))

	return r
}
