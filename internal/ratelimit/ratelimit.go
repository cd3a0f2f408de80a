// Package ratelimit implements the gateway's three-tier minute-window
// rate limiter (C2): a route-wide window, a per-IP-per-route window,
// and a per-IP global window, checked concurrently on every request.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	windowDuration = 60 * time.Second
	idleTTL        = 5 * time.Minute
	ipPathFactor   = 0.25
)

// Route identifies one of the rate-limited endpoints.
type Route string

const (
	RouteChat   Route = "chat"
	RouteImages Route = "images"
	RouteAudio  Route = "audio"
	RouteModels Route = "models"
)

// window is a single minute-bucket counter.
type window struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastTouch   time.Time
}

// expireLocked resets the window if it is older than windowDuration.
// Caller must hold w.mu.
func (w *window) expireLocked(now time.Time) {
	if w.windowStart.IsZero() || now.Sub(w.windowStart) > windowDuration {
		w.count = 0
		w.windowStart = now
	}
}

// incrementLocked expires the window if needed, increments, and
// returns the post-increment count and the window's start time.
// Caller must hold w.mu.
func (w *window) incrementLocked(now time.Time) (int, time.Time) {
	w.expireLocked(now)
	w.count++
	w.lastTouch = now
	return w.count, w.windowStart
}

// tierResult is the outcome of checking one window against its limit.
type tierResult struct {
	limit   int
	count   int
	resetAt time.Time
	limited bool
}

func checkWindow(w *window, limit int, now time.Time) tierResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	count, start := w.incrementLocked(now)
	return tierResult{
		limit:   limit,
		count:   count,
		resetAt: start.Add(windowDuration),
		limited: limit > 0 && count > limit,
	}
}

// ipState bundles the two per-IP windows (route-scoped and global)
// plus bookkeeping for idle reclamation.
type ipState struct {
	mu         sync.Mutex
	byRoute    map[Route]*window
	global     *window
	lastActive time.Time
}

// Result is what Check returns to the dispatcher.
type Result struct {
	Limited   bool
	Limit     int
	Remaining int
	Reset     time.Time
	Breakdown map[string]TierStatus
}

// TierStatus describes one tier's evaluation, for the 429 detail payload.
type TierStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Limited   bool      `json:"limited"`
	Reset     time.Time `json:"reset"`
}

// Limiter holds the three parallel counter families described in
// spec.md §4.1 and the RPM configuration per route.
type Limiter struct {
	mu          sync.Mutex
	pathWindows map[Route]*window
	ipStates    map[string]*ipState

	routeRPM    map[Route]int
	globalIPRPM int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Limiter. routeRPM must have an entry for every Route
// the dispatcher serves; globalIPRPM bounds a single IP across all routes.
func New(routeRPM map[Route]int, globalIPRPM int) *Limiter {
	return &Limiter{
		pathWindows: make(map[Route]*window),
		ipStates:    make(map[string]*ipState),
		routeRPM:    routeRPM,
		globalIPRPM: globalIPRPM,
		stopCh:      make(chan struct{}),
	}
}

func (l *Limiter) pathWindow(route Route) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.pathWindows[route]
	if !ok {
		w = &window{}
		l.pathWindows[route] = w
	}
	return w
}

func (l *Limiter) ipStateFor(ip string) *ipState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.ipStates[ip]
	if !ok {
		st = &ipState{byRoute: make(map[Route]*window)}
		l.ipStates[ip] = st
	}
	return st
}

func (st *ipState) routeWindow(route Route) *window {
	st.mu.Lock()
	defer st.mu.Unlock()
	w, ok := st.byRoute[route]
	if !ok {
		w = &window{}
		st.byRoute[route] = w
	}
	return w
}

func (st *ipState) globalWindow() *window {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.global == nil {
		st.global = &window{}
	}
	return st.global
}

// Check evaluates all three tiers concurrently for one inbound
// request and returns the combined decision. Exactly one call per
// request, per spec.md §4.1.
func (l *Limiter) Check(ctx context.Context, route Route, clientIP string) Result {
	now := time.Now()
	routeLimit := l.routeRPM[route]
	ipPathLimit := int(float64(routeLimit) * ipPathFactor)

	state := l.ipStateFor(clientIP)
	state.mu.Lock()
	state.lastActive = now
	state.mu.Unlock()

	var pathRes, ipPathRes, globalRes tierResult
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		pathRes = checkWindow(l.pathWindow(route), routeLimit, now)
		return nil
	})
	g.Go(func() error {
		ipPathRes = checkWindow(state.routeWindow(route), ipPathLimit, now)
		return nil
	})
	g.Go(func() error {
		globalRes = checkWindow(state.globalWindow(), l.globalIPRPM, now)
		return nil
	})
	_ = g.Wait() // tier checks never return an error

	breakdown := map[string]TierStatus{
		"path":      toTierStatus(pathRes),
		"ip_path":   toTierStatus(ipPathRes),
		"global_ip": toTierStatus(globalRes),
	}

	limit, remaining, reset := summarize(pathRes, ipPathRes, globalRes)

	return Result{
		Limited:   pathRes.limited || ipPathRes.limited || globalRes.limited,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
		Breakdown: breakdown,
	}
}

func toTierStatus(t tierResult) TierStatus {
	return TierStatus{
		Limit:     t.limit,
		Remaining: remaining(t.limit, t.count),
		Limited:   t.limited,
		Reset:     t.resetAt,
	}
}

func remaining(limit, count int) int {
	r := limit - count
	if r < 0 {
		return 0
	}
	return r
}

// summarize folds the three tiers into the single limit/remaining/reset
// triple reported in the response headers: remaining is the minimum
// across tiers, reset is the earliest tier reset.
func summarize(tiers ...tierResult) (limit, rem int, reset time.Time) {
	for i, t := range tiers {
		r := remaining(t.limit, t.count)
		if i == 0 || r < rem {
			rem = r
			limit = t.limit
		}
		if i == 0 || t.resetAt.Before(reset) {
			reset = t.resetAt
		}
	}
	return
}

// StartSweeper launches the periodic idle-entry reclamation described
// in spec.md §4.1: every 60s expired path windows are reset, and every
// sweep any clientIP whose windows have all been idle past idleTTL is
// dropped. Returns a stop function.
func (l *Limiter) StartSweeper() (stop func()) {
	ticker := time.NewTicker(windowDuration)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now())
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.pathWindows {
		w.mu.Lock()
		w.expireLocked(now)
		w.mu.Unlock()
	}

	for ip, st := range l.ipStates {
		if now.Sub(st.lastActive) > idleTTL {
			delete(l.ipStates, ip)
			continue
		}
		st.mu.Lock()
		for _, w := range st.byRoute {
			w.mu.Lock()
			w.expireLocked(now)
			w.mu.Unlock()
		}
		if st.global != nil {
			st.global.mu.Lock()
			st.global.expireLocked(now)
			st.global.mu.Unlock()
		}
		st.mu.Unlock()
	}
}
