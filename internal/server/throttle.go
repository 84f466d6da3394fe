package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/opencellcw/ulf-warden-sub010/internal/requestctx"
)

// Throttle is a token-bucket ceiling applied at the HTTP edge: one
// global bucket plus one bucket per API key subject. It protects the
// process itself; the per-subject fixed windows the manifest defines
// are enforced deeper in, by the orchestrator's limiter.
type Throttle struct {
	global    *rate.Limiter
	perKey    map[string]*rate.Limiter
	perKeyRPM int
	mu        sync.Mutex
}

// NewThrottle creates a throttle with the given global and per-subject
// requests-per-minute ceilings. Zero or negative disables the throttle.
func NewThrottle(globalRPM, perKeyRPM int) *Throttle {
	if globalRPM <= 0 {
		return nil
	}
	return &Throttle{
		global:    rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), burstFor(globalRPM)),
		perKey:    make(map[string]*rate.Limiter),
		perKeyRPM: perKeyRPM,
	}
}

func burstFor(rpm int) int {
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Allow reports whether a request attributed to key may proceed. The
// global bucket is consulted first so a single hot key cannot reserve
// the whole ceiling.
func (t *Throttle) Allow(key string) bool {
	if !t.global.Allow() {
		return false
	}
	if t.perKeyRPM <= 0 {
		return true
	}
	t.mu.Lock()
	lim, ok := t.perKey[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(t.perKeyRPM)/60.0), burstFor(t.perKeyRPM))
		t.perKey[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// ThrottleMiddleware returns a middleware enforcing t, keyed by the
// authenticated subject. A nil throttle is a passthrough.
func ThrottleMiddleware(t *Throttle) func(http.Handler) http.Handler {
	if t == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.Allow(requestctx.Subject(r.Context())) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "throttled", "Request rate too high, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
