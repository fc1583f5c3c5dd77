package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrCleanerNotFound    = errors.New("cleaner not found")
	ErrSeriesNotFound     = errors.New("series not found")
	ErrOccurrenceNotFound = errors.New("occurrence not found")

	// ErrConflict means a write would violate the per-series anchor
	// uniqueness constraint. Callers should re-query the window instead of
	// trusting their in-memory view.
	ErrConflict = errors.New("occurrence slot anchor already taken")
)

// WindowQuery selects occurrences whose start falls in [From, To).
// Dispatch and map views set ExcludeCancelled; calendar views do not.
type WindowQuery struct {
	From             time.Time
	To               time.Time
	ExcludeCancelled bool
	SeriesID         *uuid.UUID
	CleanerID        *uuid.UUID
}

// UpsertResult reports how an UpsertGenerated call landed. Conflicts are
// expected under concurrent materialization and are not an error.
type UpsertResult struct {
	Inserted  int
	Conflicts int
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	CreateCustomer(ctx context.Context, c *Customer) (*Customer, error)
	GetCustomerByID(ctx context.Context, id uuid.UUID) (*Customer, error)
	ListCustomers(ctx context.Context, limit, offset int) ([]Customer, error)

	CreateCleaner(ctx context.Context, c *Cleaner) (*Cleaner, error)
	GetCleanerByID(ctx context.Context, id uuid.UUID) (*Cleaner, error)
	ListCleaners(ctx context.Context, activeOnly bool) ([]Cleaner, error)
	// DeactivateCleaner refuses while future scheduled occurrences still
	// reference the cleaner.
	DeactivateCleaner(ctx context.Context, id uuid.UUID) error

	CreateSeries(ctx context.Context, s *Series) (*Series, error)
	GetSeriesByID(ctx context.Context, id uuid.UUID) (*Series, error)
	UpdateSeriesSchedule(ctx context.Context, s *Series) (*Series, error)
	UpdateSeriesStatus(ctx context.Context, id uuid.UUID, status SeriesStatus) (*Series, error)
	SetSeriesLocation(ctx context.Context, id uuid.UUID, label string, lat, lng float64) (*Series, error)
	// ListSeriesForWindow returns every series that could generate or own
	// occurrences in the window, regardless of status.
	ListSeriesForWindow(ctx context.Context, window Window) ([]Series, error)

	// ListAnchorsTouching returns a series' occurrences whose effective
	// anchor falls in the window; this is the "existing" set fed to the
	// materializer.
	ListAnchorsTouching(ctx context.Context, seriesID uuid.UUID, window Window) ([]Occurrence, error)
	QueryWindow(ctx context.Context, q WindowQuery) ([]OccurrenceDetail, error)
	UpsertGenerated(ctx context.Context, occs []Occurrence) (UpsertResult, error)

	GetOccurrenceByID(ctx context.Context, id uuid.UUID) (*Occurrence, error)
	Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (*Occurrence, error)
	SetStatus(ctx context.Context, id uuid.UUID, status OccurrenceStatus) (*Occurrence, error)
	Assign(ctx context.Context, id uuid.UUID, cleanerID *uuid.UUID) (*Occurrence, error)
	MarkPaid(ctx context.Context, id uuid.UUID, at time.Time) (*Occurrence, error)

	// Reminder worker
	FindDueReminders(ctx context.Context, now time.Time, lead time.Duration) ([]OccurrenceDetail, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
