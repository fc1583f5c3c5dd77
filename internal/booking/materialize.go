package booking

import (
	"fmt"
	"sort"
	"time"
)

// Window is a half-open date range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Materialize computes the occurrences a series should gain within the
// window given the occurrences that already exist for it. It is a pure
// function: persistence is the repository's job.
//
// A candidate slot is skipped when any existing occurrence's effective
// anchor matches it, which is what keeps a rescheduled occurrence (whose
// original_start_at still equals the generated slot) from being generated
// a second time. Existing occurrences are never mutated or deleted here,
// even when the rule no longer produces their slot.
//
// Only active series generate new occurrences; paused and cancelled series
// keep what they have and gain nothing.
func Materialize(series *Series, window Window, existing []Occurrence) ([]Occurrence, error) {
	if series.Status != SeriesActive {
		return nil, nil
	}
	if series.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: series duration must be positive", ErrValidation)
	}

	loc, err := time.LoadLocation(series.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: series timezone %q: %v", ErrValidation, series.Timezone, err)
	}

	satisfied := make(map[int64]struct{}, len(existing))
	for _, occ := range existing {
		satisfied[EffectiveAnchor(occ).UnixNano()] = struct{}{}
	}

	anchor := series.StartsAt.In(loc)
	duration := time.Duration(series.DurationMinutes) * time.Minute

	var out []Occurrence
	for _, candidate := range series.Rule.Enumerate(anchor, window.Start, window.End) {
		start := candidate.UTC()
		if _, ok := satisfied[start.UnixNano()]; ok {
			continue
		}
		out = append(out, Occurrence{
			SeriesID: series.ID,
			StartAt:  start,
			EndAt:    start.Add(duration),
			Status:   StatusScheduled,
		})
	}

	// Enumerate already yields ascending starts; keep the ordering explicit
	// so calendar rendering stays deterministic.
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })

	return out, nil
}
