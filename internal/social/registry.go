package social

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/crosspost-labs/crosspost/backend/internal/credstore"
)

// ServiceNames is the canonical publish order.
var ServiceNames = []string{
	"youtube", "instagram", "facebook", "threads", "tiktok", "twitter", "bluesky", "farcaster",
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	DailyRequestsMax  int64 // 0 means unlimited
}

func DefaultRateLimits() map[string]RateLimitConfig {
	// Conservative defaults; override via env per provider to match each network's quota policy.
	return map[string]RateLimitConfig{
		"youtube":   {RequestsPerSecond: 3, Burst: 3, DailyRequestsMax: 0},
		"instagram": {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"facebook":  {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"threads":   {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"tiktok":    {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"twitter":   {RequestsPerSecond: 1, Burst: 1, DailyRequestsMax: 0},
		"bluesky":   {RequestsPerSecond: 2, Burst: 2, DailyRequestsMax: 0},
		"farcaster": {RequestsPerSecond: 2, Burst: 2, DailyRequestsMax: 0},
	}
}

func rateLimitFromEnv(provider string, def RateLimitConfig) RateLimitConfig {
	// Env vars, e.g.:
	// SOCIAL_TWITTER_RPS=0.5
	// SOCIAL_TWITTER_BURST=2
	// SOCIAL_TWITTER_DAILY_MAX=10000
	prefix := "SOCIAL_" + upper(provider) + "_"
	if v := os.Getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := os.Getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	if v := os.Getenv(prefix + "DAILY_MAX"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			def.DailyRequestsMax = n
		}
	}
	return def
}

func upper(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			out = append(out, c-32)
		} else if c == '-' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

// Registry holds the configured Provider for every supported platform.
type Registry struct {
	store     *credstore.Store
	sessions  *SessionRegistry
	providers map[string]*Provider
	order     []string
	limits    map[string]RateLimitConfig
	logger    *log.Logger
}

// NewRegistry wires all supported providers against a shared credential
// store and session registry. notify, when non-nil, receives every session
// snapshot change (realtime fan-out).
func NewRegistry(store *credstore.Store, client *http.Client, logger *log.Logger, notify func(Snapshot)) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}

	r := &Registry{
		store:     store,
		sessions:  NewSessionRegistry(notify),
		providers: make(map[string]*Provider),
		order:     ServiceNames,
		limits:    make(map[string]RateLimitConfig),
		logger:    logger,
	}

	for _, build := range []func() *Config{
		youtubeConfig, instagramConfig, facebookConfig, threadsConfig,
		tiktokConfig, twitterConfig, blueskyConfig, farcasterConfig,
	} {
		cfg := build()
		limit := rateLimitFromEnv(cfg.Name, DefaultRateLimits()[cfg.Name])
		r.limits[cfg.Name] = limit

		p := &Provider{
			cfg:      *cfg,
			store:    store,
			sessions: r.sessions,
			client:   client,
			limiter:  rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), limit.Burst),
			logger:   logger,
		}
		if cfg.AuthKind == AuthOAuth2 {
			p.tokens = newTokenManager(&p.cfg, store, client)
		}
		p.planFn = planFor(cfg.Name)
		p.accountsFn = accountsFor(cfg.Name)
		r.providers[cfg.Name] = p
	}
	return r
}

// Provider returns the named provider, or nil for an unknown service.
func (r *Registry) Provider(name string) *Provider {
	return r.providers[name]
}

// Providers returns all providers in canonical publish order.
func (r *Registry) Providers() []*Provider {
	out := make([]*Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

func (r *Registry) Sessions() *SessionRegistry { return r.sessions }

// RateLimit reports the effective limit for a provider (status endpoint).
func (r *Registry) RateLimit(name string) (RateLimitConfig, bool) {
	cfg, ok := r.limits[name]
	return cfg, ok
}

// QuotaAllows consumes daily request quota for the provider, reporting
// false once the configured daily max is exhausted.
func (r *Registry) QuotaAllows(ctx context.Context, p *Provider, add int64) bool {
	limit := r.limits[p.cfg.Name]
	if limit.DailyRequestsMax <= 0 {
		return true
	}
	ok, used, err := r.store.TouchUsage(ctx, p.cfg.Name, add, limit.DailyRequestsMax)
	if err != nil {
		r.logger.Printf("[Quota] usage_update_failed provider=%s err=%v", p.cfg.Name, err)
		return true
	}
	if !ok {
		r.logger.Printf("[Quota] daily_max_reached provider=%s used=%d max=%d", p.cfg.Name, used, limit.DailyRequestsMax)
	}
	return ok
}
