package booking

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/tidyops/recurring-booking-service/internal/recurrence"
)

func weeklySeries(t *testing.T, interval int) *Series {
	t.Helper()
	rule, err := recurrence.New(recurrence.Weekly, interval, nil, nil)
	if err != nil {
		t.Fatalf("build rule: %v", err)
	}
	return &Series{
		ID:              uuid.New(),
		CustomerID:      uuid.New(),
		Title:           "Weekly clean",
		Timezone:        "America/New_York",
		StartsAt:        time.Date(2024, time.January, 1, 14, 0, 0, 0, time.UTC), // 09:00 NY
		DurationMinutes: 120,
		Rule:            rule,
		Status:          SeriesActive,
	}
}

func janWindow() Window {
	return Window{
		Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMaterializeGeneratesWindow(t *testing.T) {
	s := weeklySeries(t, 1)

	got, err := Materialize(s, janWindow(), nil)
	assert.NoError(t, err)
	assert.Len(t, got, 5) // Jan 1, 8, 15, 22, 29

	for i, occ := range got {
		assert.Equal(t, s.ID, occ.SeriesID)
		assert.Equal(t, StatusScheduled, occ.Status)
		assert.Equal(t, occ.StartAt.Add(2*time.Hour), occ.EndAt)
		if i > 0 {
			assert.True(t, got[i-1].StartAt.Before(occ.StartAt), "occurrences must be ordered")
		}
	}
	assert.Equal(t, time.Date(2024, time.January, 1, 14, 0, 0, 0, time.UTC), got[0].StartAt)
	assert.Equal(t, time.Date(2024, time.January, 8, 14, 0, 0, 0, time.UTC), got[1].StartAt)
}

func TestMaterializeIdempotent(t *testing.T) {
	s := weeklySeries(t, 1)

	first, err := Materialize(s, janWindow(), nil)
	assert.NoError(t, err)
	assert.Len(t, first, 5)

	// Feeding the first result back as existing state yields nothing new.
	second, err := Materialize(s, janWindow(), first)
	assert.NoError(t, err)
	assert.Empty(t, second)
}

func TestMaterializePreservesReschedules(t *testing.T) {
	s := weeklySeries(t, 1)
	slot := time.Date(2024, time.January, 8, 14, 0, 0, 0, time.UTC)
	moved := time.Date(2024, time.January, 9, 16, 0, 0, 0, time.UTC)

	// The Jan 8 occurrence was moved to Jan 9; its original_start_at still
	// pins the generated slot.
	existing := []Occurrence{{
		ID:              uuid.New(),
		SeriesID:        s.ID,
		StartAt:         moved,
		EndAt:           moved.Add(2 * time.Hour),
		OriginalStartAt: &slot,
		Status:          StatusScheduled,
	}}

	got, err := Materialize(s, janWindow(), existing)
	assert.NoError(t, err)
	assert.Len(t, got, 4)
	for _, occ := range got {
		assert.NotEqual(t, slot, occ.StartAt, "the moved slot must not be regenerated")
	}
}

func TestMaterializeKeepsCancelledOccurrences(t *testing.T) {
	s := weeklySeries(t, 1)
	slot := time.Date(2024, time.January, 15, 14, 0, 0, 0, time.UTC)

	existing := []Occurrence{{
		ID:       uuid.New(),
		SeriesID: s.ID,
		StartAt:  slot,
		EndAt:    slot.Add(2 * time.Hour),
		Status:   StatusCancelled,
	}}

	// A cancelled occurrence still satisfies its slot: cancelling is not an
	// invitation to regenerate.
	got, err := Materialize(s, janWindow(), existing)
	assert.NoError(t, err)
	assert.Len(t, got, 4)
	for _, occ := range got {
		assert.NotEqual(t, slot, occ.StartAt)
	}
}

func TestMaterializeInactiveSeries(t *testing.T) {
	for _, status := range []SeriesStatus{SeriesPaused, SeriesCancelled} {
		s := weeklySeries(t, 1)
		s.Status = status

		got, err := Materialize(s, janWindow(), nil)
		assert.NoError(t, err)
		assert.Empty(t, got, "status %s must not generate", status)
	}
}

func TestMaterializeOneTimeSeries(t *testing.T) {
	s := weeklySeries(t, 1)
	s.Rule = nil

	got, err := Materialize(s, janWindow(), nil)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, s.StartsAt, got[0].StartAt)

	again, err := Materialize(s, janWindow(), got)
	assert.NoError(t, err)
	assert.Empty(t, again)
}

func TestMaterializeValidation(t *testing.T) {
	t.Run("non-positive duration", func(t *testing.T) {
		s := weeklySeries(t, 1)
		s.DurationMinutes = 0
		_, err := Materialize(s, janWindow(), nil)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown timezone", func(t *testing.T) {
		s := weeklySeries(t, 1)
		s.Timezone = "Mars/Olympus_Mons"
		_, err := Materialize(s, janWindow(), nil)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestEffectiveAnchor(t *testing.T) {
	start := time.Date(2024, time.January, 8, 14, 0, 0, 0, time.UTC)
	occ := Occurrence{StartAt: start}
	assert.Equal(t, start, EffectiveAnchor(occ))

	original := time.Date(2024, time.January, 1, 14, 0, 0, 0, time.UTC)
	occ.OriginalStartAt = &original
	assert.Equal(t, original, EffectiveAnchor(occ))
}
