package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tidyops/recurring-booking-service/internal/config"
	"github.com/tidyops/recurring-booking-service/internal/geo"
	"github.com/tidyops/recurring-booking-service/internal/notify"
	"github.com/tidyops/recurring-booking-service/internal/payments"
	"github.com/tidyops/recurring-booking-service/internal/recurrence"
	redisclient "github.com/tidyops/recurring-booking-service/internal/redis"
)

const (
	EventSeriesCreated           = "SERIES_CREATED"
	EventSeriesCancelled         = "SERIES_CANCELLED"
	EventOccurrencesMaterialized = "OCCURRENCES_MATERIALIZED"
	EventOccurrenceRescheduled   = "OCCURRENCE_RESCHEDULED"
	EventOccurrenceStatusChanged = "OCCURRENCE_STATUS_CHANGED"
	EventOccurrenceAssigned      = "OCCURRENCE_ASSIGNED"
	EventPaymentLinkIssued       = "PAYMENT_LINK_ISSUED"
	EventPaymentReceived         = "PAYMENT_RECEIVED"
	EventReminderSent            = "REMINDER_SENT"
)

// ErrValidation covers malformed user input: a reschedule whose end does
// not follow its start, a nonpositive duration, an unknown status value.
var ErrValidation = errors.New("validation failed")

// maxWindowSpan caps a single window request. Materialization cost grows
// with the window, and the endpoint is reachable without a staff session.
const maxWindowSpan = 366 * 24 * time.Hour

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	sender   notify.Sender
	geocoder geo.Geocoder
	issuer   payments.LinkIssuer
	cfg      config.Config
}

func NewService(repo Repository, locker redisclient.Locker, sender notify.Sender, geocoder geo.Geocoder, issuer payments.LinkIssuer, cfg config.Config) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		sender:   sender,
		geocoder: geocoder,
		issuer:   issuer,
		cfg:      cfg,
	}
}

type CreateSeriesParams struct {
	CustomerID      uuid.UUID
	Title           string
	Timezone        string
	StartsAt        time.Time
	DurationMinutes int
	RuleText        string // empty means one-time
	Until           *time.Time
	Count           *int
	Notes           *string
}

// CreateSeries validates and persists a new service agreement. The rule
// text is parsed once here; malformed cadence never reaches the store.
func (s *Service) CreateSeries(ctx context.Context, p CreateSeriesParams) (*Series, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if p.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrValidation, p.Timezone, err)
	}

	rule, err := recurrence.Parse(p.RuleText, p.Until, p.Count)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetCustomerByID(ctx, p.CustomerID); err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load customer: %w", err)
	}

	created, err := s.repo.CreateSeries(ctx, &Series{
		CustomerID:      p.CustomerID,
		Title:           p.Title,
		Timezone:        p.Timezone,
		StartsAt:        p.StartsAt.UTC(),
		DurationMinutes: p.DurationMinutes,
		Rule:            rule,
		Notes:           p.Notes,
		Status:          SeriesActive,
	})
	if err != nil {
		return nil, fmt.Errorf("create series: %w", err)
	}

	s.logEvent(ctx, EventSeriesCreated, &created.ID, nil, map[string]any{
		"customer_id": p.CustomerID.String(),
		"rrule":       rule.String(),
	})
	return created, nil
}

// UpdateSeriesSchedule changes a series' cadence, anchor, or duration.
// Already-materialized occurrences are never touched here: slots the new
// rule no longer produces stay as they are until a dispatcher cancels them
// explicitly.
func (s *Service) UpdateSeriesSchedule(ctx context.Context, id uuid.UUID, p CreateSeriesParams) (*Series, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if p.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrValidation, p.Timezone, err)
	}

	rule, err := recurrence.Parse(p.RuleText, p.Until, p.Count)
	if err != nil {
		return nil, err
	}

	series, err := s.repo.GetSeriesByID(ctx, id)
	if err != nil {
		return nil, err
	}

	series.Title = p.Title
	series.Timezone = p.Timezone
	series.StartsAt = p.StartsAt.UTC()
	series.DurationMinutes = p.DurationMinutes
	series.Rule = rule
	series.Notes = p.Notes

	return s.repo.UpdateSeriesSchedule(ctx, series)
}

func (s *Service) GetSeries(ctx context.Context, id uuid.UUID) (*Series, error) {
	return s.repo.GetSeriesByID(ctx, id)
}

// SetSeriesStatus pauses, resumes, or cancels a series. Cancelling stops
// new occurrences from generating; existing ones stay visible and editable.
func (s *Service) SetSeriesStatus(ctx context.Context, id uuid.UUID, status SeriesStatus) (*Series, error) {
	switch status {
	case SeriesActive, SeriesPaused, SeriesCancelled:
	default:
		return nil, fmt.Errorf("%w: series status %q", ErrValidation, status)
	}

	updated, err := s.repo.UpdateSeriesStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	if status == SeriesCancelled {
		s.logEvent(ctx, EventSeriesCancelled, &id, nil, map[string]any{})
	}
	return updated, nil
}

// AttachLocation geocodes a free-text address and pins the first candidate
// to the series for the map view.
func (s *Service) AttachLocation(ctx context.Context, id uuid.UUID, address string) (*Series, error) {
	candidates, err := s.geocoder.Lookup(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("geocode address: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: address %q did not resolve", ErrValidation, address)
	}

	best := candidates[0]
	return s.repo.SetSeriesLocation(ctx, id, best.Label, best.Latitude, best.Longitude)
}

// EnsureWindow is the view contract: before a window renders, every series
// that could own occurrences in it is materialized, new rows are upserted,
// and the window is re-queried. One series failing to materialize degrades
// that series to its previously generated occurrences; it never blocks the
// rest of the window.
func (s *Service) EnsureWindow(ctx context.Context, q WindowQuery) ([]OccurrenceDetail, error) {
	if !q.From.Before(q.To) {
		return nil, fmt.Errorf("%w: window end must be after start", ErrValidation)
	}
	if q.To.Sub(q.From) > maxWindowSpan {
		return nil, fmt.Errorf("%w: window spans more than %d days", ErrValidation, int(maxWindowSpan.Hours()/24))
	}

	window := Window{Start: q.From, End: q.To}
	series, err := s.repo.ListSeriesForWindow(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("list series for window: %w", err)
	}

	for i := range series {
		if err := s.materializeSeries(ctx, &series[i], window); err != nil {
			log.Error().Err(err).Stringer("series_id", series[i].ID).Msg("materialization failed for series")
		}
	}

	return s.repo.QueryWindow(ctx, q)
}

// materializeSeries runs the generate-missing pass for one series under a
// best-effort Redis lock. Losing the lock means another caller is already
// materializing the same series; the upcoming re-query will see its rows.
func (s *Service) materializeSeries(ctx context.Context, series *Series, window Window) error {
	err := s.locker.WithSeriesLock(ctx, series.ID, func(lockCtx context.Context) error {
		existing, err := s.repo.ListAnchorsTouching(lockCtx, series.ID, window)
		if err != nil {
			return fmt.Errorf("list existing anchors: %w", err)
		}

		missing, err := Materialize(series, window, existing)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}

		res, err := s.repo.UpsertGenerated(lockCtx, missing)
		if err != nil {
			return fmt.Errorf("upsert generated occurrences: %w", err)
		}

		if res.Conflicts > 0 {
			log.Debug().Stringer("series_id", series.ID).Int("conflicts", res.Conflicts).
				Msg("concurrent materialization already satisfied some slots")
		}
		if res.Inserted > 0 {
			s.logEvent(lockCtx, EventOccurrencesMaterialized, &series.ID, nil, map[string]any{
				"inserted":     res.Inserted,
				"conflicts":    res.Conflicts,
				"window_start": window.Start,
				"window_end":   window.End,
			})
		}
		return nil
	})

	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		log.Debug().Stringer("series_id", series.ID).Msg("series locked by another materializer, skipping")
		return nil
	}
	return err
}

// Reschedule moves an occurrence to a new time. The store anchors the slot
// on first move so future materialization never regenerates it.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (*Occurrence, error) {
	if !newStart.Before(newEnd) {
		return nil, fmt.Errorf("%w: end must be after start", ErrValidation)
	}

	occ, err := s.repo.Reschedule(ctx, id, newStart.UTC(), newEnd.UTC())
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventOccurrenceRescheduled, &occ.SeriesID, &occ.ID, map[string]any{
		"new_start": occ.StartAt,
		"new_end":   occ.EndAt,
		"anchor":    EffectiveAnchor(*occ),
	})
	return occ, nil
}

func (s *Service) SetOccurrenceStatus(ctx context.Context, id uuid.UUID, status OccurrenceStatus) (*Occurrence, error) {
	switch status {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusSkipped:
	default:
		return nil, fmt.Errorf("%w: occurrence status %q", ErrValidation, status)
	}

	occ, err := s.repo.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventOccurrenceStatusChanged, &occ.SeriesID, &occ.ID, map[string]any{
		"status": string(status),
	})
	return occ, nil
}

// AssignCleaner sets or clears an occurrence's cleaner. Assigning an
// inactive cleaner is rejected.
func (s *Service) AssignCleaner(ctx context.Context, id uuid.UUID, cleanerID *uuid.UUID) (*Occurrence, error) {
	if cleanerID != nil {
		cleaner, err := s.repo.GetCleanerByID(ctx, *cleanerID)
		if err != nil {
			return nil, err
		}
		if !cleaner.Active {
			return nil, fmt.Errorf("%w: cleaner %s is inactive", ErrValidation, cleaner.ID)
		}
	}

	occ, err := s.repo.Assign(ctx, id, cleanerID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if cleanerID != nil {
		payload["cleaner_id"] = cleanerID.String()
	}
	s.logEvent(ctx, EventOccurrenceAssigned, &occ.SeriesID, &occ.ID, payload)
	return occ, nil
}

// IssuePaymentLink asks the processor for a hosted checkout link covering
// one occurrence. Already-paid occurrences are refused so a customer is
// never invoiced twice.
func (s *Service) IssuePaymentLink(ctx context.Context, id uuid.UUID, amountCents int64, description string) (*payments.Link, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	occ, err := s.repo.GetOccurrenceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if occ.PaidAt != nil {
		return nil, fmt.Errorf("%w: occurrence %s is already paid", ErrValidation, occ.ID)
	}

	link, err := s.issuer.Issue(ctx, occ.ID, amountCents, description)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventPaymentLinkIssued, &occ.SeriesID, &occ.ID, map[string]any{
		"amount_cents": amountCents,
		"reference":    link.Reference,
	})
	return link, nil
}

// HandlePaymentEvent records a completed payment reported by the payment
// processor webhook.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev payments.WebhookEvent) (*Occurrence, error) {
	paidAt := ev.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	occ, err := s.repo.MarkPaid(ctx, ev.OccurrenceID, paidAt)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventPaymentReceived, &occ.SeriesID, &occ.ID, map[string]any{
		"amount_cents": ev.AmountCents,
		"reference":    ev.Reference,
	})
	return occ, nil
}

// SendDueReminders is called by the worker periodically. Each reminder is
// marked sent before moving on; a failed send skips the mark so the next
// run retries it.
func (s *Service) SendDueReminders(ctx context.Context, now time.Time) error {
	due, err := s.repo.FindDueReminders(ctx, now, s.cfg.ReminderLead)
	if err != nil {
		return fmt.Errorf("find due reminders: %w", err)
	}

	for _, d := range due {
		if d.Customer == nil || d.Customer.Phone == nil {
			continue
		}

		msg := fmt.Sprintf("Reminder: %s on %s", d.Series.Title, d.StartAt.In(seriesLocation(d.Series)).Format("Mon Jan 2 at 3:04 PM"))
		if err := s.sender.Send(ctx, *d.Customer.Phone, msg); err != nil {
			log.Error().Err(err).Stringer("occurrence_id", d.ID).Msg("failed to send reminder")
			continue
		}

		if err := s.repo.MarkReminded(ctx, d.ID, now); err != nil {
			log.Error().Err(err).Stringer("occurrence_id", d.ID).Msg("failed to mark reminder sent")
			continue
		}
		s.logEvent(ctx, EventReminderSent, &d.SeriesID, &d.ID, map[string]any{})
	}

	return nil
}

func seriesLocation(series *Series) *time.Location {
	loc, err := time.LoadLocation(series.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Customers and cleaners

func (s *Service) CreateCustomer(ctx context.Context, name string, phone, email *string) (*Customer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	return s.repo.CreateCustomer(ctx, &Customer{Name: name, Phone: phone, Email: email})
}

func (s *Service) ListCustomers(ctx context.Context, limit, offset int) ([]Customer, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListCustomers(ctx, limit, offset)
}

func (s *Service) CreateCleaner(ctx context.Context, name string, phone *string) (*Cleaner, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	return s.repo.CreateCleaner(ctx, &Cleaner{Name: name, Phone: phone})
}

func (s *Service) ListCleaners(ctx context.Context, activeOnly bool) ([]Cleaner, error) {
	return s.repo.ListCleaners(ctx, activeOnly)
}

// DeactivateCleaner refuses while future scheduled occurrences reference
// the cleaner; dispatch must reassign those first.
func (s *Service) DeactivateCleaner(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeactivateCleaner(ctx, id)
}

func (s *Service) logEvent(ctx context.Context, eventType string, seriesID, occurrenceID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:    eventType,
		SeriesID:     seriesID,
		OccurrenceID: occurrenceID,
		Payload:      data,
		CreatedAt:    time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
}
