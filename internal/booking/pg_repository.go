package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidyops/recurring-booking-service/internal/recurrence"
)

// ErrCleanerInUse is returned when a cleaner still has future scheduled
// occurrences assigned; they must be reassigned first.
var ErrCleanerInUse = errors.New("cleaner has future scheduled occurrences")

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Helpers

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanCleaner(row pgx.Row) (*Cleaner, error) {
	var c Cleaner
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCleanerNotFound
		}
		return nil, err
	}
	return &c, nil
}

const seriesColumns = `id, customer_id, title, timezone, starts_at, duration_minutes,
	rrule, until_date, occurrence_count, notes, status,
	location_label, latitude, longitude, created_at, updated_at`

func scanSeries(row pgx.Row) (*Series, error) {
	var s Series
	var ruleText *string
	var until *time.Time
	var count *int

	err := row.Scan(
		&s.ID,
		&s.CustomerID,
		&s.Title,
		&s.Timezone,
		&s.StartsAt,
		&s.DurationMinutes,
		&ruleText,
		&until,
		&count,
		&s.Notes,
		&s.Status,
		&s.LocationLabel,
		&s.Latitude,
		&s.Longitude,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeriesNotFound
		}
		return nil, err
	}

	text := ""
	if ruleText != nil {
		text = *ruleText
	}
	rule, err := recurrence.Parse(text, until, count)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", s.ID, err)
	}
	s.Rule = rule
	return &s, nil
}

const occurrenceColumns = `id, series_id, start_at, end_at, original_start_at,
	status, cleaner_id, notes, reminded_at, paid_at, created_at, updated_at`

func scanOccurrence(row pgx.Row) (*Occurrence, error) {
	var o Occurrence
	err := row.Scan(
		&o.ID,
		&o.SeriesID,
		&o.StartAt,
		&o.EndAt,
		&o.OriginalStartAt,
		&o.Status,
		&o.CleanerID,
		&o.Notes,
		&o.RemindedAt,
		&o.PaidAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOccurrenceNotFound
		}
		return nil, err
	}
	return &o, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Customers

func (r *PgRepository) CreateCustomer(ctx context.Context, c *Customer) (*Customer, error) {
	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO customers (id, name, phone, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING id, name, phone, email, created_at, updated_at
	`, id, c.Name, c.Phone, c.Email)
	return scanCustomer(row)
}

func (r *PgRepository) GetCustomerByID(ctx context.Context, id uuid.UUID) (*Customer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, email, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id)
	return scanCustomer(row)
}

func (r *PgRepository) ListCustomers(ctx context.Context, limit, offset int) ([]Customer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, phone, email, created_at, updated_at
		FROM customers
		ORDER BY name, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Cleaners

func (r *PgRepository) CreateCleaner(ctx context.Context, c *Cleaner) (*Cleaner, error) {
	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO cleaners (id, name, phone, active, created_at, updated_at)
		VALUES ($1, $2, $3, true, now(), now())
		RETURNING id, name, phone, active, created_at, updated_at
	`, id, c.Name, c.Phone)
	return scanCleaner(row)
}

func (r *PgRepository) GetCleanerByID(ctx context.Context, id uuid.UUID) (*Cleaner, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, active, created_at, updated_at
		FROM cleaners
		WHERE id = $1
	`, id)
	return scanCleaner(row)
}

func (r *PgRepository) ListCleaners(ctx context.Context, activeOnly bool) ([]Cleaner, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, phone, active, created_at, updated_at
		FROM cleaners
		WHERE NOT $1 OR active
		ORDER BY name, id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cleaner
	for rows.Next() {
		c, err := scanCleaner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PgRepository) DeactivateCleaner(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE cleaners
		SET active = false,
		    updated_at = now()
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM booking_occurrences
			WHERE cleaner_id = $1
			  AND status = 'scheduled'
			  AND start_at > now()
		  )
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate cleaner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetCleanerByID(ctx, id); err != nil {
			return err
		}
		return ErrCleanerInUse
	}
	return nil
}

// Series

func (r *PgRepository) CreateSeries(ctx context.Context, s *Series) (*Series, error) {
	id := s.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var until *time.Time
	var count *int
	if s.Rule != nil {
		until = s.Rule.Until
		count = s.Rule.Count
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO booking_series
			(id, customer_id, title, timezone, starts_at, duration_minutes,
			 rrule, until_date, occurrence_count, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+seriesColumns+`
	`, id, s.CustomerID, s.Title, s.Timezone, s.StartsAt, s.DurationMinutes,
		nullableText(s.Rule.String()), until, count, s.Notes, s.Status)
	return scanSeries(row)
}

func (r *PgRepository) GetSeriesByID(ctx context.Context, id uuid.UUID) (*Series, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+seriesColumns+`
		FROM booking_series
		WHERE id = $1
	`, id)
	return scanSeries(row)
}

func (r *PgRepository) UpdateSeriesSchedule(ctx context.Context, s *Series) (*Series, error) {
	var until *time.Time
	var count *int
	if s.Rule != nil {
		until = s.Rule.Until
		count = s.Rule.Count
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE booking_series
		SET title = $2,
		    timezone = $3,
		    starts_at = $4,
		    duration_minutes = $5,
		    rrule = $6,
		    until_date = $7,
		    occurrence_count = $8,
		    notes = $9,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+seriesColumns+`
	`, s.ID, s.Title, s.Timezone, s.StartsAt, s.DurationMinutes,
		nullableText(s.Rule.String()), until, count, s.Notes)
	return scanSeries(row)
}

func (r *PgRepository) UpdateSeriesStatus(ctx context.Context, id uuid.UUID, status SeriesStatus) (*Series, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_series
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+seriesColumns+`
	`, id, status)
	return scanSeries(row)
}

func (r *PgRepository) SetSeriesLocation(ctx context.Context, id uuid.UUID, label string, lat, lng float64) (*Series, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_series
		SET location_label = $2,
		    latitude = $3,
		    longitude = $4,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+seriesColumns+`
	`, id, label, lat, lng)
	return scanSeries(row)
}

func (r *PgRepository) ListSeriesForWindow(ctx context.Context, window Window) ([]Series, error) {
	// A series cannot generate occurrences before its anchor, so anything
	// anchored at or after the window end is irrelevant.
	rows, err := r.pool.Query(ctx, `
		SELECT `+seriesColumns+`
		FROM booking_series
		WHERE starts_at < $1
		ORDER BY starts_at, id
	`, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Occurrences

func (r *PgRepository) ListAnchorsTouching(ctx context.Context, seriesID uuid.UUID, window Window) ([]Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+`
		FROM booking_occurrences
		WHERE series_id = $1
		  AND COALESCE(original_start_at, start_at) >= $2
		  AND COALESCE(original_start_at, start_at) < $3
		ORDER BY start_at, id
	`, seriesID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *PgRepository) QueryWindow(ctx context.Context, q WindowQuery) ([]OccurrenceDetail, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT o.id, o.series_id, o.start_at, o.end_at, o.original_start_at,
		       o.status, o.cleaner_id, o.notes, o.reminded_at, o.paid_at,
		       o.created_at, o.updated_at,
		       s.id, s.customer_id, s.title, s.timezone, s.starts_at, s.duration_minutes,
		       s.rrule, s.until_date, s.occurrence_count, s.notes, s.status,
		       s.location_label, s.latitude, s.longitude, s.created_at, s.updated_at,
		       c.id, c.name, c.phone, c.email, c.created_at, c.updated_at,
		       cl.id, cl.name, cl.phone, cl.active, cl.created_at, cl.updated_at
		FROM booking_occurrences o
		JOIN booking_series s ON s.id = o.series_id
		JOIN customers c ON c.id = s.customer_id
		LEFT JOIN cleaners cl ON cl.id = o.cleaner_id
		WHERE o.start_at >= $1 AND o.start_at < $2`)

	args := []any{q.From, q.To}
	if q.ExcludeCancelled {
		sb.WriteString(` AND o.status <> 'cancelled'`)
	}
	if q.SeriesID != nil {
		args = append(args, *q.SeriesID)
		fmt.Fprintf(&sb, ` AND o.series_id = $%d`, len(args))
	}
	if q.CleanerID != nil {
		args = append(args, *q.CleanerID)
		fmt.Fprintf(&sb, ` AND o.cleaner_id = $%d`, len(args))
	}
	sb.WriteString(` ORDER BY o.start_at, o.id`)

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OccurrenceDetail
	for rows.Next() {
		var d OccurrenceDetail
		var s Series
		var cust Customer
		var ruleText *string
		var until *time.Time
		var count *int
		var clID *uuid.UUID
		var clName, clPhone *string
		var clActive *bool
		var clCreated, clUpdated *time.Time

		err := rows.Scan(
			&d.ID, &d.SeriesID, &d.StartAt, &d.EndAt, &d.OriginalStartAt,
			&d.Status, &d.CleanerID, &d.Notes, &d.RemindedAt, &d.PaidAt,
			&d.CreatedAt, &d.UpdatedAt,
			&s.ID, &s.CustomerID, &s.Title, &s.Timezone, &s.StartsAt, &s.DurationMinutes,
			&ruleText, &until, &count, &s.Notes, &s.Status,
			&s.LocationLabel, &s.Latitude, &s.Longitude, &s.CreatedAt, &s.UpdatedAt,
			&cust.ID, &cust.Name, &cust.Phone, &cust.Email, &cust.CreatedAt, &cust.UpdatedAt,
			&clID, &clName, &clPhone, &clActive, &clCreated, &clUpdated,
		)
		if err != nil {
			return nil, err
		}

		text := ""
		if ruleText != nil {
			text = *ruleText
		}
		rule, err := recurrence.Parse(text, until, count)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.ID, err)
		}
		s.Rule = rule

		d.Series = &s
		d.Customer = &cust
		if clID != nil {
			d.Cleaner = &Cleaner{
				ID:        *clID,
				Name:      *clName,
				Phone:     clPhone,
				Active:    *clActive,
				CreatedAt: *clCreated,
				UpdatedAt: *clUpdated,
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertGenerated inserts freshly materialized occurrences. Rows whose
// effective anchor is already satisfied are counted as conflicts and left
// alone; the unique index is the backstop against concurrent
// materializations of the same window.
func (r *PgRepository) UpsertGenerated(ctx context.Context, occs []Occurrence) (UpsertResult, error) {
	var res UpsertResult
	if len(occs) == 0 {
		return res, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, o := range occs {
		id := o.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO booking_occurrences
				(id, series_id, start_at, end_at, original_start_at, status, cleaner_id, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULL, $5, NULL, $6, now(), now())
			ON CONFLICT (series_id, COALESCE(original_start_at, start_at)) DO NOTHING
		`, id, o.SeriesID, o.StartAt, o.EndAt, o.Status, o.Notes)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert occurrence: %w", err)
		}
		if tag.RowsAffected() == 0 {
			res.Conflicts++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func (r *PgRepository) GetOccurrenceByID(ctx context.Context, id uuid.UUID) (*Occurrence, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+occurrenceColumns+`
		FROM booking_occurrences
		WHERE id = $1
	`, id)
	return scanOccurrence(row)
}

// Reschedule moves an occurrence in a single atomic update. The first move
// freezes original_start_at to the current start so the slot's anchor never
// changes again; later moves leave it untouched.
func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (*Occurrence, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_occurrences
		SET original_start_at = COALESCE(original_start_at, start_at),
		    start_at = $2,
		    end_at = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+occurrenceColumns+`
	`, id, newStart, newEnd)

	occ, err := scanOccurrence(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return occ, nil
}

func (r *PgRepository) SetStatus(ctx context.Context, id uuid.UUID, status OccurrenceStatus) (*Occurrence, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_occurrences
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+occurrenceColumns+`
	`, id, status)
	return scanOccurrence(row)
}

func (r *PgRepository) Assign(ctx context.Context, id uuid.UUID, cleanerID *uuid.UUID) (*Occurrence, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_occurrences
		SET cleaner_id = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+occurrenceColumns+`
	`, id, cleanerID)
	return scanOccurrence(row)
}

func (r *PgRepository) MarkPaid(ctx context.Context, id uuid.UUID, at time.Time) (*Occurrence, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_occurrences
		SET paid_at = COALESCE(paid_at, $2),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+occurrenceColumns+`
	`, id, at)
	return scanOccurrence(row)
}

func (r *PgRepository) FindDueReminders(ctx context.Context, now time.Time, lead time.Duration) ([]OccurrenceDetail, error) {
	q := WindowQuery{From: now, To: now.Add(lead), ExcludeCancelled: true}
	details, err := r.QueryWindow(ctx, q)
	if err != nil {
		return nil, err
	}

	due := details[:0]
	for _, d := range details {
		if d.Status == StatusScheduled && d.RemindedAt == nil {
			due = append(due, d)
		}
	}
	return due, nil
}

func (r *PgRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE booking_occurrences
		SET reminded_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND reminded_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // already reminded or gone; either way nothing to do
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, series_id, occurrence_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.SeriesID, ev.OccurrenceID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
