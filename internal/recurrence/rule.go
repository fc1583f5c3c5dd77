package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var ErrConfiguration = errors.New("invalid recurrence configuration")

type Frequency string

const (
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// enumerationCap bounds a single Enumerate call so a window far from the
// anchor cannot loop unbounded.
const enumerationCap = 100000

// Rule describes how often a series repeats and when it stops. A nil *Rule
// means the series is one-time. At most one of Until/Count may be set.
type Rule struct {
	Freq     Frequency
	Interval int

	// Until is a civil date; candidates qualify while their local date is
	// on or before it. Count limits total candidates from the anchor.
	Until *time.Time
	Count *int
}

// New builds a validated rule.
func New(freq Frequency, interval int, until *time.Time, count *int) (*Rule, error) {
	r := &Rule{Freq: freq, Interval: interval, Until: until, Count: count}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse builds a rule from the persisted form: the rrule text column plus
// the end-condition columns. An empty text means a one-time series, in
// which case no end condition may be set either.
func Parse(text string, until *time.Time, count *int) (*Rule, error) {
	if strings.TrimSpace(text) == "" {
		if until != nil || count != nil {
			return nil, fmt.Errorf("%w: end condition set without a recurrence rule", ErrConfiguration)
		}
		return nil, nil
	}

	opt, err := rrule.StrToROption(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// End conditions live in their own columns; a COUNT or UNTIL embedded in
	// the rule text would be a second source of truth.
	if opt.Count != 0 || !opt.Until.IsZero() {
		return nil, fmt.Errorf("%w: COUNT/UNTIL must not be embedded in the rule text", ErrConfiguration)
	}

	var freq Frequency
	switch opt.Freq {
	case rrule.WEEKLY:
		freq = Weekly
	case rrule.MONTHLY:
		freq = Monthly
	default:
		return nil, fmt.Errorf("%w: unsupported frequency in %q", ErrConfiguration, text)
	}

	interval := opt.Interval
	if interval == 0 && !strings.Contains(strings.ToUpper(text), "INTERVAL=") {
		interval = 1
	}

	return New(freq, interval, until, count)
}

func (r *Rule) validate() error {
	switch r.Freq {
	case Weekly, Monthly:
	default:
		return fmt.Errorf("%w: frequency %q", ErrConfiguration, r.Freq)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: interval %d", ErrConfiguration, r.Interval)
	}
	if r.Until != nil && r.Count != nil {
		return fmt.Errorf("%w: both until date and occurrence count set", ErrConfiguration)
	}
	if r.Count != nil && *r.Count <= 0 {
		return fmt.Errorf("%w: occurrence count %d", ErrConfiguration, *r.Count)
	}
	return nil
}

// String renders the rule in the persisted text form.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	var freq string
	switch r.Freq {
	case Weekly:
		freq = "WEEKLY"
	case Monthly:
		freq = "MONTHLY"
	}
	return fmt.Sprintf("FREQ=%s;INTERVAL=%d", freq, r.Interval)
}

// Enumerate produces every candidate start on or after anchor that falls in
// [windowStart, windowEnd), honoring the end condition. Calendar arithmetic
// happens in the anchor's location, so weekly steps keep the same wall-clock
// time across DST changes and monthly steps clamp the 31st to the last valid
// day of shorter months.
//
// The result is deterministic and the call is restartable: the nth candidate
// is always computed from the anchor, never from a previous window's output.
// A nil rule enumerates to {anchor} when the anchor is inside the window.
func (r *Rule) Enumerate(anchor, windowStart, windowEnd time.Time) []time.Time {
	if !windowStart.Before(windowEnd) {
		return nil
	}

	if r == nil {
		if !anchor.Before(windowStart) && anchor.Before(windowEnd) {
			return []time.Time{anchor}
		}
		return nil
	}

	var out []time.Time
	for n := 0; n < enumerationCap; n++ {
		if r.Count != nil && n >= *r.Count {
			break
		}
		t := r.nth(anchor, n)
		if r.Until != nil && pastUntil(t, *r.Until) {
			break
		}
		if !t.Before(windowEnd) {
			break
		}
		if !t.Before(windowStart) {
			out = append(out, t)
		}
	}
	return out
}

// nth returns the candidate n steps after the anchor.
func (r *Rule) nth(anchor time.Time, n int) time.Time {
	switch r.Freq {
	case Weekly:
		return anchor.AddDate(0, 0, n*r.Interval*7)
	case Monthly:
		return addMonthsClamped(anchor, n*r.Interval)
	}
	return anchor
}

// addMonthsClamped advances by whole calendar months, clamping the day of
// month to the last valid day of the target month instead of rolling over
// (Jan 31 + 1 month = Feb 29 in a leap year, not Mar 2).
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	h, min, sec := t.Clock()
	return time.Date(first.Year(), first.Month(), d, h, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// pastUntil reports whether t falls after the end of the until date, with
// the date interpreted in t's location.
func pastUntil(t time.Time, until time.Time) bool {
	y, m, d := until.Date()
	limit := time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
	return !t.Before(limit)
}
