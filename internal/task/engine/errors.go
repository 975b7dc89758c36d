package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSchedule is returned by Schedule for malformed requests.
	// Nothing is scheduled when it is returned.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNotFound is returned for unknown jobs, and by Cancel for jobs that are
	// no longer pending.
	ErrNotFound = errors.New("job not found")
	ErrStopped  = errors.New("scheduling engine stopped")

	// ErrQueueCorrupt reports a broken queue invariant. It is fatal to the loop.
	ErrQueueCorrupt = errors.New("time queue corrupt")
	ErrNotPending   = errors.New("job is not pending")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

// missingFields builds the validation error for absent payload parts.
func missingFields(fields []string) error {
	return invalid("missing %s", strings.Join(fields, ", "))
}
