package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"postsched/internal/publish"
	logx "postsched/pkg/logx"
)

// execute publishes a running job, retrying transient failures with
// exponential backoff, and settles it as succeeded or failed.
func (s *Service) execute(ctx context.Context, j *Job) {
	cfg := s.config()
	start := s.now()
	log := s.log.With(logx.String("job_id", j.ID), logx.String("schedule_id", j.ScheduleID))
	rng := rand.New(rand.NewSource(start.UnixNano()))

	post, err := s.loadPost(ctx, j)
	if err != nil {
		// Nothing to publish; retrying cannot fix a missing image.
		s.finish(j, nil, publish.Permanent(err), "")
		return
	}

	var rc publish.Receipt
	attempt := 0
attemptLoop:
	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		j.noteAttempt(attempt, s.now())
		s.attempts.Add(1)

		rc, err = s.publishOnce(ctx, cfg, post, j.Payload.Credentials)
		if err == nil {
			break
		}
		if publish.KindOf(err) == publish.KindPermanent || attempt >= cfg.MaxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		s.retries.Add(1)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		s.emit(j, EventRetry, JobEvent{
			State:     StateRunning,
			Time:      s.now(),
			Attempt:   attempt,
			ErrorKind: publish.KindTransient,
			Error:     err.Error(),
			RetryIn:   delay,
		})
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				err = fmt.Errorf("retry aborted: %w", ctx.Err())
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	if err == nil {
		s.finish(j, &rc, nil, "")
		log.Info("job succeeded", logx.Int("attempts", attempt), logx.Duration("dur", s.now().Sub(start)), logx.String("receipt_id", rc.ID))
		return
	}
	s.finish(j, nil, err, "")
}

func (s *Service) loadPost(ctx context.Context, j *Job) (publish.Post, error) {
	if s.images == nil {
		return publish.Post{}, errors.New("no image source configured")
	}
	data, ctype, err := s.images.Load(ctx, j.Payload.ImageRef)
	if err != nil {
		return publish.Post{}, fmt.Errorf("load image %s: %w", j.Payload.ImageRef, err)
	}
	return publish.Post{Text: j.Payload.Text, Image: data, ImageType: ctype}, nil
}

// publishOnce runs a single attempt under the per-attempt timeout. A panic in
// the publisher is converted to a permanent error.
func (s *Service) publishOnce(ctx context.Context, cfg Config, post publish.Post, creds publish.Credentials) (rc publish.Receipt, err error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publisher panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = publish.Permanent(fmt.Errorf("publisher panic: %v", r))
		}
	}()
	if s.pub == nil {
		return publish.Receipt{}, publish.Permanent(errors.New("no publisher configured"))
	}
	rc, err = s.pub.Publish(runCtx, post, creds)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = publish.Transient(fmt.Errorf("publish timed out after %s: %w", cfg.PublishTimeout, err))
	}
	return rc, err
}

// finish settles a running job. rc != nil means success. note, when set,
// prefixes the error text shown to callers.
func (s *Service) finish(j *Job, rc *publish.Receipt, err error, note string) {
	now := s.now()
	if err == nil {
		if !j.transition(StateSucceeded, now, func(st *status) { st.receipt = rc }) {
			s.log.Error("job state regression blocked", logx.String("job_id", j.ID), logx.String("state", string(j.State())), logx.String("to", string(StateSucceeded)))
			return
		}
		s.succeeded.Add(1)
		s.emit(j, EventType(StateSucceeded), JobEvent{State: StateSucceeded, Time: now, Attempt: j.Info().Attempts, Receipt: rc})
		return
	}

	kind := publish.KindOf(err)
	if kind == publish.KindNone {
		kind = publish.KindPermanent
	}
	msg := err.Error()
	if note != "" {
		msg = note + ": " + msg
	}
	if !j.transition(StateFailed, now, func(st *status) {
		st.errKind = kind
		st.err = msg
	}) {
		s.log.Error("job state regression blocked", logx.String("job_id", j.ID), logx.String("state", string(j.State())), logx.String("to", string(StateFailed)))
		return
	}
	s.failed.Add(1)
	info := j.Info()
	s.log.Warn("job failed", logx.String("job_id", j.ID), logx.String("kind", string(kind)), logx.Int("attempts", info.Attempts), logx.String("err", msg))
	s.emit(j, EventType(StateFailed), JobEvent{State: StateFailed, Time: now, Attempt: info.Attempts, ErrorKind: kind, Error: msg})
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints from the publisher.
	if d, ok := publish.RetryAfterOf(err); ok {
		maxD := cfg.RetryMaxDelay
		if d > maxD {
			d = maxD
		}
		// Apply the configured jitter on top of the hint to avoid thundering herds.
		if j := cfg.RetryJitter; j > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = max(time.Duration(float64(d)*(1+r)), 0)
		}
		return min(d, maxD)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = max(time.Duration(float64(d)*(1+r)), 0)
	}
	return min(d, maxD)
}
