package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tidyops/recurring-booking-service/internal/booking"
	"github.com/tidyops/recurring-booking-service/internal/config"
	"github.com/tidyops/recurring-booking-service/internal/db"
	"github.com/tidyops/recurring-booking-service/internal/recurrence"
)

const (
	customerCount = 40
	cleanerCount  = 8
)

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Info().Msg("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if cfg.MigrationsDir != "" {
		if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
	}

	gofakeit.Seed(time.Now().UnixNano())
	repo := booking.NewPgRepository(pool)

	cleaners, err := seedCleaners(ctx, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("seed cleaners")
	}

	customers, err := seedCustomers(ctx, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("seed customers")
	}

	seriesCount, err := seedSeries(ctx, repo, customers)
	if err != nil {
		log.Fatal().Err(err).Msg("seed series")
	}

	inserted, err := materializeHorizon(ctx, repo, cfg.HorizonDays)
	if err != nil {
		log.Fatal().Err(err).Msg("materialize horizon")
	}

	assigned, err := assignCleaners(ctx, repo, cleaners, cfg.HorizonDays)
	if err != nil {
		log.Fatal().Err(err).Msg("assign cleaners")
	}

	log.Info().Int("customers", len(customers)).Int("cleaners", len(cleaners)).
		Int("series", seriesCount).Int("occurrences", inserted).
		Int("assigned", assigned).Msg("seed complete")
}

func seedCleaners(ctx context.Context, repo *booking.PgRepository) ([]booking.Cleaner, error) {
	log.Info().Int("count", cleanerCount).Msg("seeding cleaners")

	var out []booking.Cleaner
	for i := 0; i < cleanerCount; i++ {
		phone := gofakeit.Phone()
		c, err := repo.CreateCleaner(ctx, &booking.Cleaner{
			Name:  gofakeit.Name(),
			Phone: &phone,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func seedCustomers(ctx context.Context, repo *booking.PgRepository) ([]booking.Customer, error) {
	log.Info().Int("count", customerCount).Msg("seeding customers")

	var out []booking.Customer
	for i := 0; i < customerCount; i++ {
		phone := gofakeit.Phone()
		email := gofakeit.Email()
		c, err := repo.CreateCustomer(ctx, &booking.Customer{
			Name:  gofakeit.Name(),
			Phone: &phone,
			Email: &email,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func seedSeries(ctx context.Context, repo *booking.PgRepository, customers []booking.Customer) (int, error) {
	log.Info().Msg("seeding series")

	titles := []string{
		"Standard clean",
		"Deep clean",
		"Move-out clean",
		"Office clean",
		"Window service",
	}

	count := 0
	for _, customer := range customers {
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return count, err
		}

		// Anchor within the next two weeks at a workday hour.
		anchor := time.Now().In(loc).
			AddDate(0, 0, gofakeit.Number(0, 13)).
			Truncate(time.Hour).
			Add(time.Duration(gofakeit.Number(8, 16)) * time.Hour)

		var rule *recurrence.Rule
		switch gofakeit.Number(0, 3) {
		case 0: // weekly
			rule, err = recurrence.New(recurrence.Weekly, 1, nil, nil)
		case 1: // fortnightly
			rule, err = recurrence.New(recurrence.Weekly, 2, nil, nil)
		case 2: // monthly, capped at a year of visits
			n := 12
			rule, err = recurrence.New(recurrence.Monthly, 1, nil, &n)
		case 3: // one-time
			rule = nil
		}
		if err != nil {
			return count, err
		}

		_, err = repo.CreateSeries(ctx, &booking.Series{
			CustomerID:      customer.ID,
			Title:           titles[gofakeit.Number(0, len(titles)-1)],
			Timezone:        tz,
			StartsAt:        anchor.UTC(),
			DurationMinutes: gofakeit.Number(1, 4) * 60,
			Rule:            rule,
			Status:          booking.SeriesActive,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// materializeHorizon generates the initial occurrence set so the calendar
// has rows before the first window query.
func materializeHorizon(ctx context.Context, repo *booking.PgRepository, horizonDays int) (int, error) {
	now := time.Now().UTC()
	window := booking.Window{Start: now, End: now.AddDate(0, 0, horizonDays)}

	series, err := repo.ListSeriesForWindow(ctx, window)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range series {
		existing, err := repo.ListAnchorsTouching(ctx, series[i].ID, window)
		if err != nil {
			return total, err
		}
		missing, err := booking.Materialize(&series[i], window, existing)
		if err != nil {
			return total, fmt.Errorf("materialize series %s: %w", series[i].ID, err)
		}
		if len(missing) == 0 {
			continue
		}
		res, err := repo.UpsertGenerated(ctx, missing)
		if err != nil {
			return total, err
		}
		total += res.Inserted
	}
	return total, nil
}

// assignCleaners staffs most of the generated horizon so dispatch views
// have something to show; the rest stays unassigned on purpose.
func assignCleaners(ctx context.Context, repo *booking.PgRepository, cleaners []booking.Cleaner, horizonDays int) (int, error) {
	if len(cleaners) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	details, err := repo.QueryWindow(ctx, booking.WindowQuery{
		From: now,
		To:   now.AddDate(0, 0, horizonDays),
	})
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, d := range details {
		if gofakeit.Number(0, 9) < 3 {
			continue
		}
		cleaner := cleaners[gofakeit.Number(0, len(cleaners)-1)]
		if _, err := repo.Assign(ctx, d.ID, &cleaner.ID); err != nil {
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}
