package scheduler

import (
	"iter"
	"time"
)

// Occurrences returns the fire instants of req, in order.
//
// The sequence is lazy and restartable: each range over it recomputes from
// req.StartAt. Recurring occurrences step by calendar days (AddDate), so the
// time of day stays fixed across DST changes. An occurrence is included while
// its date, in StartAt's location, is on or before EndDate.
func Occurrences(req Request) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if req.StartAt.IsZero() {
			return
		}
		step := req.Frequency.step()
		if step == 0 {
			if req.Frequency == Once {
				yield(req.StartAt)
			}
			return
		}
		for i := 0; ; i++ {
			at := req.StartAt.AddDate(0, 0, i*step)
			if DateOf(at).After(req.EndDate) {
				return
			}
			if !yield(at) {
				return
			}
		}
	}
}

// Expand materializes Occurrences(req).
//
// It never returns nil so callers can range or len() it without checks;
// an empty slice means the request produced no posts.
func Expand(req Request) []time.Time {
	out := make([]time.Time, 0, max(Count(req), 0))
	for at := range Occurrences(req) {
		out = append(out, at)
	}
	return out
}

// Count returns len(Expand(req)) without materializing the instants.
func Count(req Request) int {
	if req.StartAt.IsZero() {
		return 0
	}
	switch req.Frequency {
	case Once:
		return 1
	case Daily, Weekly:
		days := DateOf(req.StartAt).DaysUntil(req.EndDate)
		if days < 0 {
			return 0
		}
		return days/req.Frequency.step() + 1
	default:
		return 0
	}
}
