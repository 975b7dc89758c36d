package publish

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/time/rate"
)

// Limit paces calls to p with l. Waiting honors ctx; a wait aborted by the
// context is reported with the context's classification.
//
// The limiter may be retuned at runtime with SetLimit/SetBurst.
func Limit(p Publisher, l *rate.Limiter) Publisher {
	if l == nil {
		return p
	}
	return Func(func(ctx context.Context, post Post, creds Credentials) (Receipt, error) {
		if err := l.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Receipt{}, fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
			// Burst smaller than one request or a deadline shorter than the wait.
			return Receipt{}, Transient(fmt.Errorf("rate limit wait: %w", err))
		}
		return p.Publish(ctx, post, creds)
	})
}

// NewLimiter builds a limiter for perSec publishes per second.
// perSec <= 0 disables pacing.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Retune applies new pacing settings to l in place.
func Retune(l *rate.Limiter, perSec float64, burst int) {
	if l == nil {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	l.SetBurst(burst)
	if perSec <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	l.SetLimit(rate.Limit(perSec))
}

// Router dispatches to a publisher by Credentials.Provider.
type Router struct {
	routes map[string]Publisher
	def    string
}

// Route builds a Router. Credentials without a provider go to def.
func Route(routes map[string]Publisher, def string) *Router {
	m := make(map[string]Publisher, len(routes))
	for k, p := range routes {
		if p == nil {
			continue
		}
		m[strings.ToLower(strings.TrimSpace(k))] = p
	}
	return &Router{routes: m, def: strings.ToLower(strings.TrimSpace(def))}
}

// Has reports whether provider (or the default, when empty) is routable.
func (r *Router) Has(provider string) bool {
	_, ok := r.routes[r.resolve(provider)]
	return ok
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Router) resolve(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return r.def
	}
	return p
}

func (r *Router) Publish(ctx context.Context, post Post, creds Credentials) (Receipt, error) {
	if creds.IsZero() {
		return Receipt{}, Permanent(ErrNoCredentials)
	}
	name := r.resolve(creds.Provider())
	p, ok := r.routes[name]
	if !ok {
		return Receipt{}, Permanent(fmt.Errorf("%w: %q", ErrUnknownProvider, name))
	}
	creds = creds.WithProvider(name)
	rc, err := p.Publish(ctx, post, creds)
	if err == nil && rc.Provider == "" {
		rc.Provider = name
	}
	return rc, err
}
