// Package publish defines the capability the scheduling engine uses to deliver
// a post, plus the error classification the engine's retry policy relies on.
//
// Concrete publishers live in subpackages (twitter, telegram). Middleware in
// this package composes them: Route picks a publisher by credential provider
// and Limit paces calls with a token bucket.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Post is the content delivered by a publisher.
type Post struct {
	Text string
	// Image holds the raw image bytes; ImageType is its MIME type
	// ("image/jpeg" or "image/png").
	Image     []byte
	ImageType string
}

// Receipt describes a successful publish.
type Receipt struct {
	Provider string    `json:"provider"`
	ID       string    `json:"id"`
	URL      string    `json:"url,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher performs the network publish of a single post.
//
// Implementations classify failures with Transient, Permanent or RetryAfter.
// Unclassified errors are treated as transient by KindOf.
type Publisher interface {
	Publish(ctx context.Context, post Post, creds Credentials) (Receipt, error)
}

// Func adapts a plain function to Publisher.
type Func func(ctx context.Context, post Post, creds Credentials) (Receipt, error)

func (f Func) Publish(ctx context.Context, post Post, creds Credentials) (Receipt, error) {
	return f(ctx, post, creds)
}

// Credentials is an opaque provider credential. The token is never printed or
// serialized; only the owning publisher reads it via Token.
type Credentials struct {
	provider string
	token    string
}

func NewCredentials(provider, token string) Credentials {
	return Credentials{
		provider: strings.ToLower(strings.TrimSpace(provider)),
		token:    strings.TrimSpace(token),
	}
}

func (c Credentials) Provider() string { return c.provider }
func (c Credentials) Token() string    { return c.token }

// IsZero reports whether no token is present.
func (c Credentials) IsZero() bool { return c.token == "" }

// WithProvider returns a copy bound to provider when none was given.
func (c Credentials) WithProvider(provider string) Credentials {
	if c.provider == "" {
		c.provider = strings.ToLower(strings.TrimSpace(provider))
	}
	return c
}

func (c Credentials) String() string {
	p := c.provider
	if p == "" {
		p = "default"
	}
	if c.token == "" {
		return p + ":<none>"
	}
	return p + ":<redacted>"
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Provider string `json:"provider,omitempty"`
		Token    string `json:"token,omitempty"`
	}{Provider: c.provider, Token: redacted(c.token)})
}

func redacted(tok string) string {
	if tok == "" {
		return ""
	}
	return "redacted"
}

// Format implements fmt.Formatter so %#v cannot leak the token either.
func (c Credentials) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte(c.String()))
}
