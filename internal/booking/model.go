package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/tidyops/recurring-booking-service/internal/recurrence"
)

type SeriesStatus string

const (
	SeriesActive    SeriesStatus = "active"
	SeriesPaused    SeriesStatus = "paused"
	SeriesCancelled SeriesStatus = "cancelled"
)

type OccurrenceStatus string

const (
	StatusScheduled OccurrenceStatus = "scheduled"
	StatusCompleted OccurrenceStatus = "completed"
	StatusCancelled OccurrenceStatus = "cancelled"
	StatusSkipped   OccurrenceStatus = "skipped"
)

type Customer struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Cleaner struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Series is a recurring (or one-time) service agreement. StartsAt is the
// anchor timestamp in UTC; Timezone is the IANA zone the cadence arithmetic
// runs in. A nil Rule means exactly one occurrence ever exists.
type Series struct {
	ID              uuid.UUID
	CustomerID      uuid.UUID
	Title           string
	Timezone        string
	StartsAt        time.Time
	DurationMinutes int
	Rule            *recurrence.Rule
	Notes           *string
	Status          SeriesStatus
	LocationLabel   *string
	Latitude        *float64
	Longitude       *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Occurrence is one concrete calendar instance of a series. OriginalStartAt
// is set the first time the occurrence is moved off its generated slot and
// never changes afterwards.
type Occurrence struct {
	ID              uuid.UUID
	SeriesID        uuid.UUID
	StartAt         time.Time
	EndAt           time.Time
	OriginalStartAt *time.Time
	Status          OccurrenceStatus
	CleanerID       *uuid.UUID
	Notes           *string
	RemindedAt      *time.Time
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EffectiveAnchor is the slot key an occurrence satisfies: the originally
// generated start when the occurrence was ever moved, else the current
// start. Both the materializer and the store's uniqueness index key on this
// same value.
func EffectiveAnchor(o Occurrence) time.Time {
	if o.OriginalStartAt != nil {
		return *o.OriginalStartAt
	}
	return o.StartAt
}

type EventLog struct {
	ID           int64
	EventType    string
	SeriesID     *uuid.UUID
	OccurrenceID *uuid.UUID
	Payload      []byte
	CreatedAt    time.Time
}

// OccurrenceDetail is an occurrence hydrated with its series and customer
// for calendar, dispatch and map views.
type OccurrenceDetail struct {
	Occurrence
	Series   *Series
	Customer *Customer
	Cleaner  *Cleaner
}
