// Package circmgr owns a pool of built circuits keyed by purpose, building
// new ones on demand, sharing unexpired ones across requests, and retiring
// them on a dirtiness/lifetime schedule. It also tracks a rolling
// build-duration histogram per purpose from which Timeout estimates a
// percentile build time; GetOrLaunchExit and Warm apply no timeout of their
// own, so a hung build is not abandoned by this package.
package circmgr

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/torerr"
	"github.com/veilnet/artic/torruntime"
)

// Purpose identifies what a pooled circuit is for — circuits are never
// shared across purposes even if otherwise interchangeable.
type Purpose string

const (
	PurposeExit Purpose = "exit"
	PurposeDir  Purpose = "dir"
	PurposeHS   Purpose = "hs-stub"
)

// BuildFunc constructs one new circuit for purpose. NewProductionBuildFunc
// selects a path, dials the guard through a ChanMgr, and runs
// circuit.Create/circuit.Extend twice; tests inject a fake that returns
// quickly instead.
type BuildFunc func(ctx context.Context, purpose Purpose) (*circuit.Reactor, error)

// pooled is one circuit held in the pool.
type pooled struct {
	reactor  *circuit.Reactor
	purpose  Purpose
	builtAt  time.Time
	dirtyAt  time.Time // zero until first stream is attached
	useCount int
}

// pendingBuild is an in-flight BuildFunc call other callers for the same
// purpose coalesce onto instead of starting a second build.
type pendingBuild struct {
	done    chan struct{}
	reactor *circuit.Reactor
	err     error
}

// CircMgr is safe for concurrent use.
type CircMgr struct {
	build       BuildFunc
	rt          torruntime.Runtime
	logger      *slog.Logger
	maxDirty    time.Duration
	maxLifetime time.Duration

	mu       sync.Mutex
	pool     map[Purpose][]*pooled
	pending  map[Purpose]*pendingBuild
	buildLog map[Purpose][]time.Duration // rolling build-duration samples, most recent last
}

const histogramDepth = 20

// New returns an empty CircMgr. maxDirty/maxLifetime are the retirement
// thresholds from config.CircuitTiming; rt supplies the clock.
func New(build BuildFunc, rt torruntime.Runtime, maxDirty, maxLifetime time.Duration, logger *slog.Logger) *CircMgr {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircMgr{
		build:       build,
		rt:          rt,
		logger:      logger,
		maxDirty:    maxDirty,
		maxLifetime: maxLifetime,
		pool:        make(map[Purpose][]*pooled),
		pending:     make(map[Purpose]*pendingBuild),
		buildLog:    make(map[Purpose][]time.Duration),
	}
}

// GetOrLaunchExit implements the three-step algorithm: (1) scan the pool
// for an unexpired, unattached circuit of purpose; (2) if one is building,
// wait on it; (3) otherwise launch a new build, recording its duration into
// the purpose's histogram.
func (m *CircMgr) GetOrLaunchExit(ctx context.Context, purpose Purpose) (*circuit.Reactor, error) {
	now := m.rt.Now()

	m.mu.Lock()
	if r := m.takeUsableLocked(purpose, now); r != nil {
		m.mu.Unlock()
		return r, nil
	}
	if p, waiting := m.pending[purpose]; waiting {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.reactor, p.err
		case <-ctx.Done():
			return nil, torerr.Wrap(torerr.Canceled, ctx.Err())
		}
	}
	p := &pendingBuild{done: make(chan struct{})}
	m.pending[purpose] = p
	m.mu.Unlock()

	start := m.rt.Now()
	reactor, err := m.build(ctx, purpose)
	elapsed := m.rt.Now().Sub(start)

	m.mu.Lock()
	delete(m.pending, purpose)
	if err == nil {
		m.recordBuildLocked(purpose, elapsed)
	} else {
		err = torerr.Wrap(torerr.TorConnectionFailed, err)
	}
	m.mu.Unlock()

	p.reactor, p.err = reactor, err
	close(p.done)
	if err != nil {
		return nil, err
	}
	return reactor, nil
}

// takeUsableLocked removes and returns the first unexpired circuit of
// purpose from the pool, or nil if none qualify. Caller must hold m.mu.
func (m *CircMgr) takeUsableLocked(purpose Purpose, now time.Time) *circuit.Reactor {
	list := m.pool[purpose]
	for i, c := range list {
		if m.expiredLocked(c, now) {
			continue
		}
		c.useCount++
		if c.dirtyAt.IsZero() {
			c.dirtyAt = now
		}
		m.pool[purpose] = append(list[:i:i], list[i+1:]...)
		return c.reactor
	}
	return nil
}

func (m *CircMgr) expiredLocked(c *pooled, now time.Time) bool {
	if m.maxLifetime > 0 && now.Sub(c.builtAt) > m.maxLifetime {
		return true
	}
	if !c.dirtyAt.IsZero() && m.maxDirty > 0 && now.Sub(c.dirtyAt) > m.maxDirty {
		return true
	}
	return false
}

func (m *CircMgr) recordBuildLocked(purpose Purpose, d time.Duration) {
	log := append(m.buildLog[purpose], d)
	if len(log) > histogramDepth {
		log = log[len(log)-histogramDepth:]
	}
	m.buildLog[purpose] = log
}

// Warm tops purpose's idle pool up to n circuits, building as needed. It
// bypasses the take/return bookkeeping GetOrLaunchExit uses (the built
// circuit goes straight into the pool rather than back to a caller) and is
// meant to be called periodically from a background task driven by
// config's preemptive_circuits.min_exit_circs_for_port, stopping once
// disable_at_threshold idle circuits are already pooled.
func (m *CircMgr) Warm(ctx context.Context, purpose Purpose, n int) error {
	for {
		m.mu.Lock()
		have := len(m.pool[purpose])
		m.mu.Unlock()
		if have >= n {
			return nil
		}

		now := m.rt.Now()
		reactor, err := m.build(ctx, purpose)
		if err != nil {
			return torerr.Wrap(torerr.TorConnectionFailed, err)
		}

		m.mu.Lock()
		m.pool[purpose] = append(m.pool[purpose], &pooled{reactor: reactor, purpose: purpose, builtAt: now})
		m.mu.Unlock()
	}
}

// Sweep removes every expired circuit from the pool and logs it. It sends
// no DESTROY: a removed circuit is not torn down by Sweep. Call
// periodically from a background task.
func (m *CircMgr) Sweep() {
	now := m.rt.Now()
	m.mu.Lock()
	var toDestroy []*pooled
	for purpose, list := range m.pool {
		var kept []*pooled
		for _, c := range list {
			if m.expiredLocked(c, now) {
				toDestroy = append(toDestroy, c)
				continue
			}
			kept = append(kept, c)
		}
		m.pool[purpose] = kept
	}
	m.mu.Unlock()

	for _, c := range toDestroy {
		m.logger.Debug("retiring expired circuit", "purpose", c.purpose)
	}
}

// Timeout returns the p-th percentile (0 < p <= 1) of purpose's recent
// build durations, or fallback if fewer than 3 samples have been recorded.
// §4.8 calls for feeding p80/p95 into the per-action build timeout.
func (m *CircMgr) Timeout(purpose Purpose, p float64, fallback time.Duration) time.Duration {
	m.mu.Lock()
	samples := append([]time.Duration(nil), m.buildLog[purpose]...)
	m.mu.Unlock()

	if len(samples) < 3 {
		return fallback
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(math.Ceil(p*float64(len(samples)))) - 1 // nearest-rank
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

// PoolLen reports how many idle circuits of purpose are currently pooled.
func (m *CircMgr) PoolLen(purpose Purpose) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool[purpose])
}

func (p Purpose) String() string {
	return fmt.Sprintf("Purpose(%s)", string(p))
}
