package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "postsched/pkg/logx"
)

// runLoop sleeps until the earliest queued FireAt (or indefinitely when the
// queue is empty), pops every due job and dispatches each onto its own
// goroutine. Inserts and removals wake it through s.wake.
//
// It returns nil on Stop or context cancellation. Any other return is fatal.
func (s *Service) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("engine loop panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("engine loop panic: %v", r)
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if next, ok := s.q.PeekNextFireTime(); ok {
			timer.Reset(max(next.Sub(s.now()), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-s.wake:
		case <-timerC:
		}
		timer.Stop()

		// A stop that raced with the wakeup wins over dispatch.
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		due, err := s.q.PopDue(s.now())
		for _, j := range due {
			s.dispatch(j)
		}
		if err != nil {
			return err
		}
	}
}

// dispatch hands a running job to its own goroutine. The goroutine waits for
// a worker permit, so the loop itself never blocks on slow publishes.
func (s *Service) dispatch(j *Job) {
	s.mu.Lock()
	sup := s.sup
	permits := s.permits
	s.mu.Unlock()

	s.emit(j, EventType(StateRunning), JobEvent{State: StateRunning, Time: s.now()})
	if late := s.now().Sub(j.FireAt); late > time.Second {
		s.log.Info("firing overdue job", logx.String("job_id", j.ID), logx.Duration("late", late))
	}

	sup.Go0("engine.job", func(ctx context.Context) {
		select {
		case permits <- struct{}{}:
		case <-ctx.Done():
			s.finish(j, nil, ctx.Err(), "engine stopped before execution")
			return
		}
		s.inFlight.Add(1)
		defer func() {
			s.inFlight.Add(-1)
			<-permits
		}()
		s.execute(ctx, j)
	})
}
