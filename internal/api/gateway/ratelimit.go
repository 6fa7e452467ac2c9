// Package gateway provides rate limiting for the public etbguard endpoints.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client classes.
const (
	ClassPublic  = "public"
	ClassBackend = "backend"
)

// RateLimiter counts requests per client and endpoint in Redis.
type RateLimiter struct {
	redis  redis.Scripter
	logger *zap.Logger
	config RateLimitConfig
	script *redis.Script
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	KeyPrefix                string                    `yaml:"key_prefix"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Classes                  map[string]ClassLimits    `yaml:"classes"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// ClassLimits defines per-minute limits for a client class.
type ClassLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits tightens limits for a specific endpoint.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Class      string
	Reason     string
}

// DefaultRateLimitConfig returns the defaults used when nothing is configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		KeyPrefix:                "etbguard:ratelimit",
		DefaultRequestsPerMinute: 60,
		Classes:                  DefaultClasses(),
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// DefaultClasses returns the default client classes. Backend callers report on
// behalf of every ETB user and get a much larger budget.
func DefaultClasses() map[string]ClassLimits {
	return map[string]ClassLimits{
		ClassPublic:  {RequestsPerMinute: 30},
		ClassBackend: {RequestsPerMinute: 3000},
	}
}

// DefaultEndpointLimits returns endpoint-specific limits.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/auth/login": {
			Path:              "/api/v1/auth/login",
			Method:            http.MethodPost,
			RequestsPerMinute: 10,
		},
		"POST:/services/collector/event": {
			Path:           "/services/collector/event",
			Method:         http.MethodPost,
			CostMultiplier: 2,
		},
	}
}

// NewRateLimiter creates a rate limiter. A nil client disables counting and
// every request is allowed.
func NewRateLimiter(client redis.Scripter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = def.DefaultRequestsPerMinute
	}
	if cfg.Classes == nil {
		cfg.Classes = def.Classes
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = def.Endpoints
	}

	return &RateLimiter{
		redis:  client,
		logger: logger,
		config: cfg,
		script: redis.NewScript(`
			local current = redis.call('INCR', KEYS[1])
			if current == 1 then
				redis.call('PEXPIRE', KEYS[1], ARGV[1])
			end
			return {current, redis.call('PTTL', KEYS[1])}
		`),
	}
}

// Check counts one request and reports whether it is within the limit.
// Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, class, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.limitFor(class, endpoint, method)
	if !rl.config.Enabled || rl.redis == nil {
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit, Class: class}, nil
	}

	key := fmt.Sprintf("%s:%s:%s:%s:%s:minute", rl.config.KeyPrefix, class, clientID, method, endpoint)
	now := time.Now()

	vals, err := rl.script.Run(ctx, rl.redis, []string{key}, 60000).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Class: class}, nil
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}

	res := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: limit - count,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
		Class:     class,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res, nil
}

func (rl *RateLimiter) limitFor(class, endpoint, method string) int {
	limit := rl.config.DefaultRequestsPerMinute
	if c, ok := rl.config.Classes[class]; ok && c.RequestsPerMinute > 0 {
		limit = c.RequestsPerMinute
	}
	if ep, ok := rl.config.Endpoints[method+":"+endpoint]; ok {
		if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
			limit = ep.RequestsPerMinute
		}
		if ep.CostMultiplier > 1 {
			limit /= ep.CostMultiplier
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware rate limits requests. classify picks the client class; clients
// are keyed by remote address.
func (rl *RateLimiter) Middleware(classify func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := ClassPublic
			if classify != nil {
				class = classify(r)
			}

			result, err := rl.Check(r.Context(), class, ClientIP(r), r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				if !result.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
				}
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`, result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of the request's remote address. Proxy
// headers are resolved earlier by the RealIP middleware.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
