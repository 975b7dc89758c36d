package app

import (
	"golang.org/x/time/rate"

	"postsched/internal/config"
	"postsched/internal/publish"
	"postsched/internal/publish/telegram"
	"postsched/internal/publish/twitter"
	logx "postsched/pkg/logx"
)

// publishers is the composed publish chain: Router -> Breaker -> Limit -> provider.
// Limiters and breakers are kept so reloads can retune them in place.
type publishers struct {
	router   *publish.Router
	limiters map[string]*rate.Limiter
	breakers map[string]*publish.Breaker
}

func buildPublishers(cfg *config.Config, log logx.Logger) (*publishers, error) {
	bcfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := map[string]publish.Publisher{}
	if cfg.Publish.Twitter.Enabled {
		tc, err := mapTwitterConfig(cfg)
		if err != nil {
			return nil, err
		}
		raw["twitter"] = twitter.New(tc, log.With(logx.String("provider", "twitter")))
	}
	if cfg.Publish.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		raw["telegram"] = telegram.New(tc, log.With(logx.String("provider", "telegram")))
	}

	ps := &publishers{
		limiters: make(map[string]*rate.Limiter, len(raw)),
		breakers: make(map[string]*publish.Breaker, len(raw)),
	}
	routes := make(map[string]publish.Publisher, len(raw))
	for name, p := range raw {
		l := publish.NewLimiter(cfg.Publish.RatePerSec, cfg.Publish.Burst)
		b := publish.NewBreaker(publish.Limit(p, l), bcfg)
		ps.limiters[name] = l
		ps.breakers[name] = b
		routes[name] = b
	}
	ps.router = publish.Route(routes, cfg.Publish.DefaultProvider)
	return ps, nil
}

// apply retunes rate limits and breaker settings. Provider set changes need a restart.
func (p *publishers) apply(cfg *config.Config) error {
	bcfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return err
	}
	for _, l := range p.limiters {
		publish.Retune(l, cfg.Publish.RatePerSec, cfg.Publish.Burst)
	}
	for _, b := range p.breakers {
		b.Configure(bcfg)
	}
	return nil
}

// openCircuits reports providers whose breaker is currently open.
func (p *publishers) openCircuits() map[string]int {
	out := map[string]int{}
	for name, b := range p.breakers {
		if n := b.Open(); n > 0 {
			out[name] = n
		}
	}
	return out
}
