package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("publish circuit open")

// BreakerConfig controls the consecutive-failure circuit breaker.
//
// Trip < 0 disables the breaker; 0 applies the default.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// circuitState tracks consecutive transient failures for one provider.
//   - On success: resets failures and closes the circuit.
//   - On transient failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// Permanent failures are specific to one post and leave the circuit alone.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// Breaker stops calling a provider that keeps failing transiently. While open,
// calls fail fast with a retry hint pointing at the end of the cooldown.
type Breaker struct {
	next Publisher
	now  func() time.Time

	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*circuitState
}

func NewBreaker(next Publisher, cfg BreakerConfig) *Breaker {
	return &Breaker{next: next, now: time.Now, cfg: cfg.withDefaults(), m: map[string]*circuitState{}}
}

// Configure swaps the breaker settings; existing circuit state is kept.
func (b *Breaker) Configure(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) Publish(ctx context.Context, post Post, creds Credentials) (Receipt, error) {
	key := creds.Provider()
	now := b.now()
	if open, until := b.isOpen(now, key); open {
		return Receipt{}, RetryAfter(fmt.Errorf("%w: %s until %s", ErrCircuitOpen, keyName(key), until.Format(time.RFC3339)), until.Sub(now))
	}
	rc, err := b.next.Publish(ctx, post, creds)
	b.record(b.now(), key, err)
	return rc, err
}

func keyName(k string) string {
	if k == "" {
		return "default"
	}
	return k
}

func (b *Breaker) state(key string) *circuitState {
	st := b.m[key]
	if st == nil {
		st = &circuitState{}
		b.m[key] = st
	}
	return st
}

func (b *Breaker) isOpen(now time.Time, key string) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Trip < 0 {
		return false, time.Time{}
	}
	st := b.state(key)
	// Opportunistic reset if last failure was long ago.
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *Breaker) record(now time.Time, key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cc := b.cfg
	if cc.Trip < 0 {
		return
	}
	st := b.state(key)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}
	if KindOf(err) != KindTransient {
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.Trip {
		return
	}

	// Exponential cooldown after tripping.
	d := cc.BaseDelay
	for i := 0; i < st.fails-cc.Trip; i++ {
		d *= 2
		if d >= cc.MaxDelay {
			d = cc.MaxDelay
			break
		}
	}
	st.openUntil = now.Add(min(d, cc.MaxDelay))
}

// Open returns the number of providers whose circuit is currently open.
func (b *Breaker) Open() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
