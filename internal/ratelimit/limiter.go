package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"task-lifecycle/internal/logger"
	"task-lifecycle/internal/telemetry"
)

// ClientHeader identifies the caller a request is charged to.
const ClientHeader = "X-Client-ID"

const anonymousClient = "anonymous"

// Limiter is a per-client token bucket kept in Redis so several API
// replicas share the same budget.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64) *Limiter {
	ttl := time.Minute
	if refillPerSecond > 0 {
		// Long enough for an idle bucket to refill completely.
		full := time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) * 2
		if full > ttl {
			ttl = full
		}
	}
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from the client's bucket. It reports whether the
// request may proceed and how many tokens remain.
func (l *Limiter) Allow(ctx context.Context, clientID string) (bool, float64, error) {
	key := "ratelimit:" + clientID
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) < 2 {
		return false, 0, nil
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Middleware rejects requests with 429 once the client's bucket is empty.
// Redis errors let the request through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get(ClientHeader)
		if clientID == "" {
			clientID = anonymousClient
		}
		allowed, remaining, err := l.Allow(r.Context(), clientID)
		if err != nil {
			logger.FromContext(r.Context()).Warn("rate limiter unavailable", "client", clientID, "err", err)
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Tokens are returned as a string so fractional balances survive the
// Lua to RESP integer conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

local elapsed = math.max(0, now - updated)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'updated_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
