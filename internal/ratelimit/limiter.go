// Package ratelimit implements fixed-window admission counting for tool
// calls. Each (subject, endpoint class) pair gets its own window; rules are
// resolved exact-match first, then wildcard patterns, then a default rule.
//
// Fixed-window means the counter resets every WindowMS rather than draining
// continuously. A denied check never consumes a token, so a subject sitting
// at the limit is not pushed further back by probing.
package ratelimit

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Rule describes one rate class: how many requests fit in one window, and
// optionally how long to lock a subject out after an over-limit hit.
type Rule struct {
	MaxRequests     int `json:"max_requests" yaml:"max_requests"`
	WindowMS        int `json:"window_ms" yaml:"window_ms"`
	BlockDurationMS int `json:"block_duration_ms,omitempty" yaml:"block_duration_ms,omitempty"`
}

func (r Rule) window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// Decision is the outcome of a single rate check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`     // effective limit after the subject multiplier
	Remaining  int           `json:"remaining"` // tokens left in the current window
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // set only when denied
}

// Config wires a Limiter. Rules keys are endpoint classes: exact names
// ("web_fetch"), or wildcard patterns in path.Match syntax ("tool_*").
type Config struct {
	DefaultRule     Rule
	Rules           map[string]Rule
	AdminSubjects   []string // subjects granted the multiplier
	AdminMultiplier int      // effective limit factor for admins
	DeniedSubjects  []string // subjects with effective limit 0
}

// Limiter tracks per-(subject, class) fixed windows. Buckets are created on
// first use and garbage-collected after inactivity by a background janitor;
// call Close to stop it.
type Limiter struct {
	mu          sync.Mutex
	defaultRule Rule
	exact       map[string]Rule
	patterns    []string // wildcard rule keys, longest first
	wildcard    map[string]Rule
	admins      map[string]struct{}
	denied      map[string]struct{}
	multiplier  int
	buckets     map[string]*bucket

	now    func() time.Time
	done   chan struct{}
	closed bool
}

type bucket struct {
	windowStart  time.Time
	resetAt      time.Time
	count        int
	blockedUntil time.Time
	lastSeen     time.Time
}

// NewLimiter creates a limiter and starts its bucket janitor.
func NewLimiter(cfg Config) *Limiter {
	def := normalizeRule(cfg.DefaultRule, Rule{MaxRequests: 60, WindowMS: 3600000})
	l := &Limiter{
		defaultRule: def,
		exact:       make(map[string]Rule),
		wildcard:    make(map[string]Rule),
		admins:      toSet(cfg.AdminSubjects),
		denied:      toSet(cfg.DeniedSubjects),
		multiplier:  cfg.AdminMultiplier,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
		done:        make(chan struct{}),
	}
	if l.multiplier < 1 {
		l.multiplier = 1
	}
	for name, rule := range cfg.Rules {
		rule = normalizeRule(rule, def)
		if strings.ContainsAny(name, "*?[") {
			l.wildcard[name] = rule
		} else {
			l.exact[name] = rule
		}
	}
	l.patterns = make([]string, 0, len(l.wildcard))
	for p := range l.wildcard {
		l.patterns = append(l.patterns, p)
	}
	// Longest pattern first so tool_fetch_* beats tool_*; lexicographic
	// tie-break keeps resolution deterministic.
	sort.Slice(l.patterns, func(i, j int) bool {
		if len(l.patterns[i]) != len(l.patterns[j]) {
			return len(l.patterns[i]) > len(l.patterns[j])
		}
		return l.patterns[i] < l.patterns[j]
	})
	go l.janitor()
	return l
}

// normalizeRule fills non-positive fields from the fallback so a partially
// specified manifest rule can't produce a zero-width window.
func normalizeRule(r, fallback Rule) Rule {
	if r.MaxRequests < 1 {
		r.MaxRequests = fallback.MaxRequests
	}
	if r.WindowMS < 1 {
		r.WindowMS = fallback.WindowMS
	}
	return r
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Resolve returns the rule governing an endpoint class: exact match, then
// the most specific wildcard pattern, then the default rule.
func (l *Limiter) Resolve(class string) Rule {
	if rule, ok := l.exact[class]; ok {
		return rule
	}
	for _, p := range l.patterns {
		if ok, err := path.Match(p, class); err == nil && ok {
			return l.wildcard[p]
		}
	}
	return l.defaultRule
}

// Check runs one fixed-window admission check for subject against class.
// Allowed checks consume one token; denied checks consume none. Denylisted
// subjects are refused without creating any bucket state.
func (l *Limiter) Check(subject, class string) Decision {
	now := l.now()
	rule := l.Resolve(class)

	if _, ok := l.denied[subject]; ok {
		return Decision{
			Allowed:    false,
			Limit:      0,
			Remaining:  0,
			ResetAt:    now.Add(rule.window()),
			RetryAfter: rule.window(),
		}
	}

	limit := rule.MaxRequests
	if _, ok := l.admins[subject]; ok {
		limit *= l.multiplier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := subject + ":" + class
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now, resetAt: now.Add(rule.window())}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.blockedUntil.After(now) {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    b.blockedUntil,
			RetryAfter: b.blockedUntil.Sub(now),
		}
	}

	if !now.Before(b.resetAt) {
		b.windowStart = now
		b.resetAt = now.Add(rule.window())
		b.count = 0
	}

	if b.count >= limit {
		retryAfter := b.resetAt.Sub(now)
		resetAt := b.resetAt
		if rule.BlockDurationMS > 0 {
			// Re-offending after a block expires arms a fresh block.
			b.blockedUntil = now.Add(time.Duration(rule.BlockDurationMS) * time.Millisecond)
			retryAfter = b.blockedUntil.Sub(now)
			resetAt = b.blockedUntil
		}
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}

	b.count++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - b.count,
		ResetAt:   b.resetAt,
	}
}

// InFlightBuckets returns the number of live buckets, for introspection.
func (l *Limiter) InFlightBuckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// janitor periodically drops buckets that have been idle for at least two
// of their windows and are not serving an active block.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.collect()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) collect() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.blockedUntil.After(now) {
			continue
		}
		idle := now.Sub(b.lastSeen)
		window := b.resetAt.Sub(b.windowStart)
		if idle > 2*window {
			delete(l.buckets, key)
		}
	}
}

// Close stops the janitor. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		close(l.done)
		l.closed = true
	}
}

// String describes the limiter's rule table, mostly for startup logging.
func (l *Limiter) String() string {
	return fmt.Sprintf("ratelimit: %d exact rules, %d patterns, default %d/%dms",
		len(l.exact), len(l.patterns), l.defaultRule.MaxRequests, l.defaultRule.WindowMS)
}
