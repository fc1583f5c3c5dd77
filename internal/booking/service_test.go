package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/tidyops/recurring-booking-service/internal/config"
	"github.com/tidyops/recurring-booking-service/internal/geo"
	"github.com/tidyops/recurring-booking-service/internal/payments"
)

// fakeRepo is an in-memory Repository sufficient for exercising the
// service's orchestration. It enforces the same anchor uniqueness the
// Postgres expression index does.
type fakeRepo struct {
	mu          sync.Mutex
	customers   map[uuid.UUID]*Customer
	cleaners    map[uuid.UUID]*Cleaner
	series      map[uuid.UUID]*Series
	occurrences map[uuid.UUID]*Occurrence
	events      []EventLog
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		customers:   make(map[uuid.UUID]*Customer),
		cleaners:    make(map[uuid.UUID]*Cleaner),
		series:      make(map[uuid.UUID]*Series),
		occurrences: make(map[uuid.UUID]*Occurrence),
	}
}

func (f *fakeRepo) CreateCustomer(_ context.Context, c *Customer) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	cp.ID = uuid.New()
	f.customers[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeRepo) GetCustomerByID(_ context.Context, id uuid.UUID) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) ListCustomers(_ context.Context, limit, offset int) ([]Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Customer, 0, len(f.customers))
	for _, c := range f.customers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRepo) CreateCleaner(_ context.Context, c *Cleaner) (*Cleaner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	cp.ID = uuid.New()
	cp.Active = true
	f.cleaners[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeRepo) GetCleanerByID(_ context.Context, id uuid.UUID) (*Cleaner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleaners[id]
	if !ok {
		return nil, ErrCleanerNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) ListCleaners(_ context.Context, activeOnly bool) ([]Cleaner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Cleaner
	for _, c := range f.cleaners {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRepo) DeactivateCleaner(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleaners[id]
	if !ok {
		return ErrCleanerNotFound
	}
	now := time.Now()
	for _, occ := range f.occurrences {
		if occ.CleanerID != nil && *occ.CleanerID == id &&
			occ.Status == StatusScheduled && occ.StartAt.After(now) {
			return ErrCleanerInUse
		}
	}
	c.Active = false
	return nil
}

func (f *fakeRepo) CreateSeries(_ context.Context, s *Series) (*Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	cp.ID = uuid.New()
	f.series[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeRepo) GetSeriesByID(_ context.Context, id uuid.UUID) (*Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[id]
	if !ok {
		return nil, ErrSeriesNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) UpdateSeriesSchedule(_ context.Context, s *Series) (*Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.series[s.ID]; !ok {
		return nil, ErrSeriesNotFound
	}
	cp := *s
	f.series[s.ID] = &cp
	return &cp, nil
}

func (f *fakeRepo) UpdateSeriesStatus(_ context.Context, id uuid.UUID, status SeriesStatus) (*Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[id]
	if !ok {
		return nil, ErrSeriesNotFound
	}
	s.Status = status
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) SetSeriesLocation(_ context.Context, id uuid.UUID, label string, lat, lng float64) (*Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[id]
	if !ok {
		return nil, ErrSeriesNotFound
	}
	s.LocationLabel = &label
	s.Latitude = &lat
	s.Longitude = &lng
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ListSeriesForWindow(_ context.Context, _ Window) ([]Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Series, 0, len(f.series))
	for _, s := range f.series {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeRepo) ListAnchorsTouching(_ context.Context, seriesID uuid.UUID, window Window) ([]Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Occurrence
	for _, occ := range f.occurrences {
		if occ.SeriesID != seriesID {
			continue
		}
		anchor := EffectiveAnchor(*occ)
		if !anchor.Before(window.Start) && anchor.Before(window.End) {
			out = append(out, *occ)
		}
	}
	return out, nil
}

func (f *fakeRepo) QueryWindow(_ context.Context, q WindowQuery) ([]OccurrenceDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OccurrenceDetail
	for _, occ := range f.occurrences {
		if occ.StartAt.Before(q.From) || !occ.StartAt.Before(q.To) {
			continue
		}
		if q.ExcludeCancelled && occ.Status == StatusCancelled {
			continue
		}
		if q.SeriesID != nil && occ.SeriesID != *q.SeriesID {
			continue
		}
		if q.CleanerID != nil && (occ.CleanerID == nil || *occ.CleanerID != *q.CleanerID) {
			continue
		}
		d := OccurrenceDetail{Occurrence: *occ}
		if s, ok := f.series[occ.SeriesID]; ok {
			sc := *s
			d.Series = &sc
			if c, ok := f.customers[s.CustomerID]; ok {
				cc := *c
				d.Customer = &cc
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeRepo) UpsertGenerated(_ context.Context, occs []Occurrence) (UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res UpsertResult
	for _, occ := range occs {
		key := fmt.Sprintf("%s/%d", occ.SeriesID, EffectiveAnchor(occ).UnixNano())
		taken := false
		for _, ex := range f.occurrences {
			if fmt.Sprintf("%s/%d", ex.SeriesID, EffectiveAnchor(*ex).UnixNano()) == key {
				taken = true
				break
			}
		}
		if taken {
			res.Conflicts++
			continue
		}
		cp := occ
		cp.ID = uuid.New()
		f.occurrences[cp.ID] = &cp
		res.Inserted++
	}
	return res, nil
}

func (f *fakeRepo) GetOccurrenceByID(_ context.Context, id uuid.UUID) (*Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	cp := *occ
	return &cp, nil
}

func (f *fakeRepo) Reschedule(_ context.Context, id uuid.UUID, newStart, newEnd time.Time) (*Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	if occ.OriginalStartAt == nil {
		anchor := occ.StartAt
		occ.OriginalStartAt = &anchor
	}
	occ.StartAt = newStart
	occ.EndAt = newEnd
	cp := *occ
	return &cp, nil
}

func (f *fakeRepo) SetStatus(_ context.Context, id uuid.UUID, status OccurrenceStatus) (*Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	occ.Status = status
	cp := *occ
	return &cp, nil
}

func (f *fakeRepo) Assign(_ context.Context, id uuid.UUID, cleanerID *uuid.UUID) (*Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	occ.CleanerID = cleanerID
	cp := *occ
	return &cp, nil
}

func (f *fakeRepo) MarkPaid(_ context.Context, id uuid.UUID, at time.Time) (*Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	occ.PaidAt = &at
	cp := *occ
	return &cp, nil
}

func (f *fakeRepo) FindDueReminders(_ context.Context, now time.Time, lead time.Duration) ([]OccurrenceDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OccurrenceDetail
	for _, occ := range f.occurrences {
		if occ.Status != StatusScheduled || occ.RemindedAt != nil {
			continue
		}
		if occ.StartAt.Before(now) || occ.StartAt.After(now.Add(lead)) {
			continue
		}
		d := OccurrenceDetail{Occurrence: *occ}
		if s, ok := f.series[occ.SeriesID]; ok {
			sc := *s
			d.Series = &sc
			if c, ok := f.customers[s.CustomerID]; ok {
				cc := *c
				d.Customer = &cc
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeRepo) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[id]
	if !ok {
		return ErrOccurrenceNotFound
	}
	occ.RemindedAt = &at
	return nil
}

func (f *fakeRepo) InsertEvent(_ context.Context, ev EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EventType)
	}
	return out
}

// fakeLocker always grants the lock.
type fakeLocker struct{}

func (fakeLocker) WithSeriesLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	return fn(ctx)
}

// fakeSender records sends and optionally fails specific numbers.
type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]bool
}

func (f *fakeSender) Send(_ context.Context, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to] {
		return fmt.Errorf("gateway rejected %s", to)
	}
	f.sent = append(f.sent, to)
	return nil
}

// fakeIssuer hands back a deterministic link per occurrence.
type fakeIssuer struct {
	mu     sync.Mutex
	issued []uuid.UUID
}

func (f *fakeIssuer) Issue(_ context.Context, occurrenceID uuid.UUID, _ int64, _ string) (*payments.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, occurrenceID)
	return &payments.Link{
		URL:       "https://pay.example/" + occurrenceID.String(),
		Reference: "ref-" + occurrenceID.String(),
	}, nil
}

func newTestService(repo *fakeRepo) *Service {
	return NewService(repo, fakeLocker{}, &fakeSender{}, geo.NewDisabledGeocoder(), &fakeIssuer{}, config.Config{
		ReminderLead: 24 * time.Hour,
	})
}

func seedCustomer(t *testing.T, repo *fakeRepo) *Customer {
	t.Helper()
	phone := "+15550100"
	c, err := repo.CreateCustomer(context.Background(), &Customer{Name: "Dana Whitfield", Phone: &phone})
	assert.NoError(t, err)
	return c
}

func TestCreateSeries(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	t.Run("weekly series", func(t *testing.T) {
		s, err := svc.CreateSeries(ctx, CreateSeriesParams{
			CustomerID:      customer.ID,
			Title:           "Weekly clean",
			Timezone:        "America/New_York",
			StartsAt:        time.Date(2024, time.January, 1, 14, 0, 0, 0, time.UTC),
			DurationMinutes: 120,
			RuleText:        "FREQ=WEEKLY;INTERVAL=1",
		})
		assert.NoError(t, err)
		assert.Equal(t, SeriesActive, s.Status)
		assert.Contains(t, repo.eventTypes(), EventSeriesCreated)
	})

	t.Run("rejects bad rule text", func(t *testing.T) {
		_, err := svc.CreateSeries(ctx, CreateSeriesParams{
			CustomerID:      customer.ID,
			Title:           "Broken",
			Timezone:        "UTC",
			StartsAt:        time.Now(),
			DurationMinutes: 60,
			RuleText:        "FREQ=DAILY",
		})
		assert.Error(t, err)
	})

	t.Run("rejects unknown customer", func(t *testing.T) {
		_, err := svc.CreateSeries(ctx, CreateSeriesParams{
			CustomerID:      uuid.New(),
			Title:           "Orphan",
			Timezone:        "UTC",
			StartsAt:        time.Now(),
			DurationMinutes: 60,
		})
		assert.ErrorIs(t, err, ErrCustomerNotFound)
	})

	t.Run("rejects bad timezone", func(t *testing.T) {
		_, err := svc.CreateSeries(ctx, CreateSeriesParams{
			CustomerID:      customer.ID,
			Title:           "Nowhere",
			Timezone:        "Not/AZone",
			StartsAt:        time.Now(),
			DurationMinutes: 60,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestEnsureWindow(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	_, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "Weekly clean",
		Timezone:        "America/New_York",
		StartsAt:        time.Date(2024, time.January, 1, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 120,
		RuleText:        "FREQ=WEEKLY;INTERVAL=1",
	})
	assert.NoError(t, err)

	q := WindowQuery{
		From: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}

	got, err := svc.EnsureWindow(ctx, q)
	assert.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Contains(t, repo.eventTypes(), EventOccurrencesMaterialized)

	// Second call finds every slot satisfied and inserts nothing new.
	again, err := svc.EnsureWindow(ctx, q)
	assert.NoError(t, err)
	assert.Len(t, again, 5)

	t.Run("rejects inverted window", func(t *testing.T) {
		_, err := svc.EnsureWindow(ctx, WindowQuery{From: q.To, To: q.From})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestRescheduleThenEnsureWindow(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	_, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "Weekly clean",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		RuleText:        "FREQ=WEEKLY;INTERVAL=1",
	})
	assert.NoError(t, err)

	q := WindowQuery{
		From: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	initial, err := svc.EnsureWindow(ctx, q)
	assert.NoError(t, err)
	assert.Len(t, initial, 5)

	// Move the second occurrence a day later.
	target := initial[0]
	for _, d := range initial {
		if d.StartAt.Equal(time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC)) {
			target = d
		}
	}
	newStart := time.Date(2024, time.January, 9, 11, 0, 0, 0, time.UTC)
	moved, err := svc.Reschedule(ctx, target.ID, newStart, newStart.Add(time.Hour))
	assert.NoError(t, err)
	assert.NotNil(t, moved.OriginalStartAt)
	assert.Equal(t, target.StartAt, *moved.OriginalStartAt)

	// Re-ensuring must not regenerate the vacated Jan 8 slot.
	after, err := svc.EnsureWindow(ctx, q)
	assert.NoError(t, err)
	assert.Len(t, after, 5)
	for _, d := range after {
		if d.ID == moved.ID {
			assert.Equal(t, newStart, d.StartAt)
		}
		assert.False(t, d.StartAt.Equal(target.StartAt) && d.ID != moved.ID,
			"vacated slot must not be refilled")
	}

	t.Run("rejects end before start", func(t *testing.T) {
		_, err := svc.Reschedule(ctx, moved.ID, newStart, newStart.Add(-time.Hour))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestAssignCleaner(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	cleaner, err := svc.CreateCleaner(ctx, "Pat Morrow", nil)
	assert.NoError(t, err)

	_, err = svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "One-time deep clean",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 180,
	})
	assert.NoError(t, err)

	win, err := svc.EnsureWindow(ctx, WindowQuery{
		From: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)
	assert.Len(t, win, 1)
	occID := win[0].ID

	occ, err := svc.AssignCleaner(ctx, occID, &cleaner.ID)
	assert.NoError(t, err)
	assert.Equal(t, cleaner.ID, *occ.CleanerID)

	t.Run("unassign", func(t *testing.T) {
		occ, err := svc.AssignCleaner(ctx, occID, nil)
		assert.NoError(t, err)
		assert.Nil(t, occ.CleanerID)
	})

	t.Run("inactive cleaner rejected", func(t *testing.T) {
		retired, err := svc.CreateCleaner(ctx, "Lee Okafor", nil)
		assert.NoError(t, err)
		assert.NoError(t, svc.DeactivateCleaner(ctx, retired.ID))

		_, err = svc.AssignCleaner(ctx, occID, &retired.ID)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestSetOccurrenceStatus(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	_, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "One-time",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	})
	assert.NoError(t, err)

	win, err := svc.EnsureWindow(ctx, WindowQuery{
		From: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)
	assert.Len(t, win, 1)

	occ, err := svc.SetOccurrenceStatus(ctx, win[0].ID, StatusCompleted)
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, occ.Status)

	_, err = svc.SetOccurrenceStatus(ctx, win[0].ID, OccurrenceStatus("archived"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSendDueReminders(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, fakeLocker{}, sender, geo.NewDisabledGeocoder(), &fakeIssuer{}, config.Config{
		ReminderLead: 24 * time.Hour,
	})
	customer := seedCustomer(t, repo)
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

	_, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "Morning clean",
		Timezone:        "UTC",
		StartsAt:        now.Add(6 * time.Hour),
		DurationMinutes: 60,
	})
	assert.NoError(t, err)

	_, err = svc.EnsureWindow(ctx, WindowQuery{From: now, To: now.AddDate(0, 0, 7)})
	assert.NoError(t, err)

	assert.NoError(t, svc.SendDueReminders(ctx, now))
	assert.Len(t, sender.sent, 1)
	assert.Contains(t, repo.eventTypes(), EventReminderSent)

	// A second run finds the occurrence already reminded.
	assert.NoError(t, svc.SendDueReminders(ctx, now))
	assert.Len(t, sender.sent, 1)
}

func TestUpsertGeneratedReportsConflicts(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	seriesID := uuid.New()
	slot := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)

	occ := Occurrence{
		SeriesID: seriesID,
		StartAt:  slot,
		EndAt:    slot.Add(time.Hour),
		Status:   StatusScheduled,
	}

	// Two rows claiming the same anchor: exactly one lands.
	res, err := repo.UpsertGenerated(ctx, []Occurrence{occ, occ})
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Conflicts)

	t.Run("moved occurrence still holds its anchor", func(t *testing.T) {
		// Move the row; original_start_at keeps claiming the slot, so a
		// regenerated row for that slot must conflict.
		var movedID uuid.UUID
		for id := range repo.occurrences {
			movedID = id
		}
		newStart := slot.AddDate(0, 0, 1)
		_, err := repo.Reschedule(ctx, movedID, newStart, newStart.Add(time.Hour))
		assert.NoError(t, err)

		res, err := repo.UpsertGenerated(ctx, []Occurrence{occ})
		assert.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 1, res.Conflicts)
		assert.Len(t, repo.occurrences, 1)
	})
}

// staleAnchorRepo simulates a materializer acting on a stale view of the
// store, as when a lock expires mid-pass: the existing-anchor read comes
// back empty even though rows are already there.
type staleAnchorRepo struct {
	*fakeRepo
	staleReads int
}

func (s *staleAnchorRepo) ListAnchorsTouching(ctx context.Context, seriesID uuid.UUID, window Window) ([]Occurrence, error) {
	if s.staleReads > 0 {
		s.staleReads--
		return nil, nil
	}
	return s.fakeRepo.ListAnchorsTouching(ctx, seriesID, window)
}

func TestEnsureWindowSurvivesStaleAnchorRead(t *testing.T) {
	inner := newFakeRepo()
	repo := &staleAnchorRepo{fakeRepo: inner}
	svc := NewService(repo, fakeLocker{}, &fakeSender{}, geo.NewDisabledGeocoder(), &fakeIssuer{}, config.Config{})
	customer := seedCustomer(t, inner)
	ctx := context.Background()

	_, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "Weekly clean",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		RuleText:        "FREQ=WEEKLY;INTERVAL=1",
	})
	assert.NoError(t, err)

	q := WindowQuery{
		From: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	first, err := svc.EnsureWindow(ctx, q)
	assert.NoError(t, err)
	assert.Len(t, first, 5)

	// The next pass sees no existing anchors and regenerates all five; the
	// store's uniqueness check must absorb every duplicate.
	repo.staleReads = 1
	second, err := svc.EnsureWindow(ctx, q)
	assert.NoError(t, err)
	assert.Len(t, second, 5)
	assert.Len(t, inner.occurrences, 5)
}

func TestEnsureWindowSpanCap(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	from := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.EnsureWindow(context.Background(), WindowQuery{
		From: from,
		To:   from.AddDate(2, 0, 0),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateSeriesScheduleValidation(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	s, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "Weekly clean",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		RuleText:        "FREQ=WEEKLY;INTERVAL=1",
	})
	assert.NoError(t, err)

	_, err = svc.UpdateSeriesSchedule(ctx, s.ID, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "",
		Timezone:        "UTC",
		StartsAt:        s.StartsAt,
		DurationMinutes: 60,
		RuleText:        "FREQ=WEEKLY;INTERVAL=1",
	})
	assert.ErrorIs(t, err, ErrValidation)

	kept, err := svc.GetSeries(ctx, s.ID)
	assert.NoError(t, err)
	assert.Equal(t, "Weekly clean", kept.Title)
}

func TestIssuePaymentLink(t *testing.T) {
	repo := newFakeRepo()
	issuer := &fakeIssuer{}
	svc := NewService(repo, fakeLocker{}, &fakeSender{}, geo.NewDisabledGeocoder(), issuer, config.Config{})
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	_, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "One-time deep clean",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 180,
	})
	assert.NoError(t, err)

	win, err := svc.EnsureWindow(ctx, WindowQuery{
		From: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)
	assert.Len(t, win, 1)
	occID := win[0].ID

	link, err := svc.IssuePaymentLink(ctx, occID, 12000, "Deep clean")
	assert.NoError(t, err)
	assert.NotEmpty(t, link.URL)
	assert.Equal(t, []uuid.UUID{occID}, issuer.issued)
	assert.Contains(t, repo.eventTypes(), EventPaymentLinkIssued)

	t.Run("nonpositive amount rejected", func(t *testing.T) {
		_, err := svc.IssuePaymentLink(ctx, occID, 0, "")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown occurrence", func(t *testing.T) {
		_, err := svc.IssuePaymentLink(ctx, uuid.New(), 5000, "")
		assert.ErrorIs(t, err, ErrOccurrenceNotFound)
	})

	t.Run("already paid refused", func(t *testing.T) {
		_, err := svc.HandlePaymentEvent(ctx, payments.WebhookEvent{
			OccurrenceID: occID,
			AmountCents:  12000,
			PaidAt:       time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
		})
		assert.NoError(t, err)

		_, err = svc.IssuePaymentLink(ctx, occID, 12000, "")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("disabled issuer", func(t *testing.T) {
		disabled := NewService(repo, fakeLocker{}, &fakeSender{}, geo.NewDisabledGeocoder(), payments.NewDisabledIssuer(), config.Config{})
		win, err := disabled.EnsureWindow(ctx, WindowQuery{
			From: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC),
		})
		assert.NoError(t, err)
		assert.Len(t, win, 1)

		unpaid := Occurrence{
			SeriesID: win[0].SeriesID,
			StartAt:  time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC),
			EndAt:    time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC),
			Status:   StatusScheduled,
		}
		res, err := repo.UpsertGenerated(ctx, []Occurrence{unpaid})
		assert.NoError(t, err)
		assert.Equal(t, 1, res.Inserted)

		var unpaidID uuid.UUID
		for id, o := range repo.occurrences {
			if o.StartAt.Equal(unpaid.StartAt) {
				unpaidID = id
			}
		}
		_, err = disabled.IssuePaymentLink(ctx, unpaidID, 5000, "")
		assert.ErrorIs(t, err, payments.ErrIssuerDisabled)
	})
}

func TestSetSeriesStatusStopsGeneration(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	customer := seedCustomer(t, repo)
	ctx := context.Background()

	s, err := svc.CreateSeries(ctx, CreateSeriesParams{
		CustomerID:      customer.ID,
		Title:           "Weekly clean",
		Timezone:        "UTC",
		StartsAt:        time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		RuleText:        "FREQ=WEEKLY;INTERVAL=1",
	})
	assert.NoError(t, err)

	janQ := WindowQuery{
		From: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	jan, err := svc.EnsureWindow(ctx, janQ)
	assert.NoError(t, err)
	assert.Len(t, jan, 5)

	_, err = svc.SetSeriesStatus(ctx, s.ID, SeriesCancelled)
	assert.NoError(t, err)
	assert.Contains(t, repo.eventTypes(), EventSeriesCancelled)

	// February generates nothing; January's occurrences survive.
	feb, err := svc.EnsureWindow(ctx, WindowQuery{
		From: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)
	assert.Empty(t, feb)

	janAgain, err := svc.EnsureWindow(ctx, janQ)
	assert.NoError(t, err)
	assert.Len(t, janAgain, 5)
}
