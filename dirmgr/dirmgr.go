// Package dirmgr drives the directory bootstrap state machine:
// NoInformation -> UnvalidatedDir -> PartialDir -> Ready, fetching and
// validating a consensus, authority certificates, and per-relay
// microdescriptors, retrying each sub-fetch with backoff, and refreshing
// in the background once the consensus approaches its fresh-until time.
package dirmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veilnet/artic/directory"
	"github.com/veilnet/artic/netdir"
	"github.com/veilnet/artic/torerr"
	"github.com/veilnet/artic/torruntime"
)

// State is one of the four bootstrap states.
type State int

const (
	NoInformation State = iota
	UnvalidatedDir
	PartialDir
	Ready
)

func (s State) String() string {
	switch s {
	case NoInformation:
		return "NoInformation"
	case UnvalidatedDir:
		return "UnvalidatedDir"
	case PartialDir:
		return "PartialDir"
	case Ready:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Fetchers bundles the sub-fetch primitives DirMgr drives, so tests can
// substitute canned responses instead of hitting real directory caches.
// The zero value's nil funcs must all be set — NewWithFetchers does this
// with the production directory package functions.
type Fetchers struct {
	FetchConsensus     func() (string, error)
	FetchKeyCerts      func() ([]directory.KeyCert, error)
	UpdateMicrodescs   func(relays []directory.Relay) error
}

func defaultFetchers() Fetchers {
	return Fetchers{
		FetchConsensus: directory.FetchConsensus,
		FetchKeyCerts:  directory.FetchKeyCerts,
		UpdateMicrodescs: func(relays []directory.Relay) error {
			var lastErr error
			for _, addr := range directory.DirAuthorities {
				if err := directory.UpdateRelaysWithMicrodescriptors(addr, relays); err == nil {
					return nil
				} else {
					lastErr = err
				}
			}
			return lastErr
		},
	}
}

// DirMgr is safe for concurrent use.
type DirMgr struct {
	cache    *directory.Cache
	fetchers Fetchers
	rt       torruntime.Runtime
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	netDir        *netdir.NetDir
	keyCerts      []directory.KeyCert
	consensusText string
	retries       int

	preValidTolerance  time.Duration // zero => directory.ValidateFreshness's built-in default
	postValidTolerance time.Duration
}

// SetTolerances overrides the clock-skew slack used when validating a
// fetched consensus's freshness, per config's directory_tolerance options.
// Leaving either at zero keeps directory.ValidateFreshness's 5-minute
// default for that side.
func (d *DirMgr) SetTolerances(preValid, postValid time.Duration) {
	d.mu.Lock()
	d.preValidTolerance, d.postValidTolerance = preValid, postValid
	d.mu.Unlock()
}

// New returns a DirMgr backed by the production directory package
// functions and the standard clock.
func New(cache *directory.Cache, logger *slog.Logger) *DirMgr {
	return NewWithFetchers(cache, defaultFetchers(), torruntime.Real{}, logger)
}

// NewWithFetchers is like New but with injectable sub-fetch primitives and
// runtime, for tests.
func NewWithFetchers(cache *directory.Cache, fetchers Fetchers, rt torruntime.Runtime, logger *slog.Logger) *DirMgr {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirMgr{cache: cache, fetchers: fetchers, rt: rt, logger: logger, state: NoInformation}
}

// State returns the current bootstrap state.
func (d *DirMgr) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// NetDir returns the most recent snapshot, or nil before the first
// consensus has been validated and while validateAndParse is building a new
// one. A snapshot is published from PartialDir on, so its relays may still
// lack microdescriptors until the machine reaches Ready.
func (d *DirMgr) NetDir() *netdir.NetDir {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.netDir
}

// Bootstrap drives the state machine to Ready, running at most maxRounds
// steps. After a failed step it sleeps for backoffFor(consecutive failures)
// and retries; a successful step resets the failure count. There is no
// separate attempt limit per sub-fetch and the backoff has no jitter. If
// Ready is not reached within maxRounds steps it returns a
// TorConnectionFailed error.
func (d *DirMgr) Bootstrap(ctx context.Context, maxRounds int) error {
	for round := 0; round < maxRounds; round++ {
		if err := d.step(ctx); err != nil {
			d.logger.Warn("bootstrap step failed", "state", d.State(), "round", round, "error", err)
			d.mu.Lock()
			d.retries++
			retries := d.retries
			d.mu.Unlock()
			backoff := backoffFor(retries)
			if err := d.rt.Sleep(ctx, backoff); err != nil {
				return torerr.Wrap(torerr.Canceled, err)
			}
			continue
		}
		d.mu.Lock()
		d.retries = 0
		ready := d.state == Ready
		d.mu.Unlock()
		if ready {
			return nil
		}
	}
	return torerr.New(torerr.TorConnectionFailed, "bootstrap did not reach Ready within the retry budget")
}

// backoffFor returns 1s, 2s, 4s, ... capped at 30s.
func backoffFor(retries int) time.Duration {
	d := time.Second
	for i := 0; i < retries && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// step advances the state machine by exactly one sub-fetch.
func (d *DirMgr) step(ctx context.Context) error {
	switch d.State() {
	case NoInformation:
		return d.fetchConsensus()
	case UnvalidatedDir:
		return d.validateAndParse()
	case PartialDir:
		return d.fetchMicrodescs()
	case Ready:
		return nil
	default:
		return torerr.New(torerr.Internal, "dirmgr: unknown state")
	}
}

func (d *DirMgr) fetchConsensus() error {
	if text, ok := d.cache.LoadConsensus(); ok && !d.cache.NeedsRefresh() {
		d.mu.Lock()
		d.consensusText = text
		d.state = UnvalidatedDir
		d.mu.Unlock()
		return nil
	}
	text, err := d.fetchers.FetchConsensus()
	if err != nil {
		return torerr.Wrap(torerr.TorConnectionFailed, err)
	}
	certs, err := d.fetchers.FetchKeyCerts()
	if err != nil {
		d.logger.Warn("key cert fetch failed, falling back to structural validation", "error", err)
	}
	d.mu.Lock()
	d.consensusText = text
	d.keyCerts = certs
	d.state = UnvalidatedDir
	d.mu.Unlock()
	return nil
}

func (d *DirMgr) validateAndParse() error {
	d.mu.Lock()
	text := d.consensusText
	certs := d.keyCerts
	d.mu.Unlock()

	if err := directory.ValidateSignatures(text, certs); err != nil {
		return torerr.Wrap(torerr.TorProtocolViolation, err)
	}
	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		return torerr.Wrap(torerr.CacheCorrupted, err)
	}

	d.mu.Lock()
	pre, post := d.preValidTolerance, d.postValidTolerance
	d.mu.Unlock()
	if pre > 0 || post > 0 {
		err = directory.ValidateFreshnessWithTolerance(consensus, pre, post)
	} else {
		err = directory.ValidateFreshness(consensus)
	}
	if err != nil {
		return torerr.Wrap(torerr.DirectoryExpired, err)
	}
	if err := d.cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		d.logger.Warn("failed to cache consensus", "error", err)
	}

	var useful []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			useful = append(useful, r)
		}
	}
	consensus.Relays = useful

	d.mu.Lock()
	d.netDir = nil
	d.mu.Unlock()

	nd, err := netdir.New(consensus, certs)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.netDir = nd
	d.state = PartialDir
	d.mu.Unlock()
	return nil
}

// fetchMicrodescsBatchSize caps how many relays one fetchMicrodescs round
// hands to fetchers.UpdateMicrodescs (which splits them into requests
// itself) before HaveEnoughPaths is re-checked.
const fetchMicrodescsBatchSize = 500

func (d *DirMgr) fetchMicrodescs() error {
	d.mu.Lock()
	nd := d.netDir
	d.mu.Unlock()
	if nd == nil {
		return torerr.New(torerr.Internal, "dirmgr: PartialDir with no netdir snapshot")
	}

	relays := nd.Relays()
	cachedCount := d.cache.LoadMicrodescriptors(relays)
	d.logger.Debug("loaded microdescs from cache", "count", cachedCount)

	var needFetch []directory.Relay
	var needFetchIdx []int
	for i, r := range relays {
		if !r.HasNtorKey {
			needFetch = append(needFetch, r)
			needFetchIdx = append(needFetchIdx, i)
			if len(needFetch) >= fetchMicrodescsBatchSize {
				break
			}
		}
	}
	if len(needFetch) > 0 {
		if err := d.fetchers.UpdateMicrodescs(needFetch); err != nil {
			return torerr.Wrap(torerr.TorConnectionFailed, err)
		}
		// UpdateMicrodescs mutates its own slice in place; copy the
		// results back into relays (nd's backing array) by index since
		// needFetch is a separate slice built by append above.
		for j, idx := range needFetchIdx {
			relays[idx] = needFetch[j]
		}
	}
	if err := d.cache.SaveMicrodescriptors(relays); err != nil {
		d.logger.Warn("failed to cache microdescriptors", "error", err)
	}

	refreshed, err := netdir.New(nd.Consensus(), nil)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.netDir = refreshed
	if refreshed.HaveEnoughPaths() {
		d.state = Ready
	}
	d.mu.Unlock()
	return nil
}

// RunRefresh is a background loop that, once the runtime clock reaches the
// current consensus's fresh-until time, resets the machine to
// NoInformation and re-bootstraps, keeping NetDir() current across routine
// rollover. NetDir() does not wait for a refresh to finish: during one it
// returns the previous snapshot, or nil while the new consensus is being
// validated. onChanged, if any are given, are called after each
// successful re-bootstrap — e.g. hspool.Pool.OnNetDirChanged, since stub
// circuits built under the old NetDir may route through relays the new
// one no longer trusts.
func (d *DirMgr) RunRefresh(ctx context.Context, onChanged ...func()) {
	for {
		d.mu.Lock()
		nd := d.netDir
		d.mu.Unlock()
		if nd == nil {
			if err := d.rt.Sleep(ctx, time.Minute); err != nil {
				return
			}
			continue
		}

		until := nd.Consensus().FreshUntil.Sub(d.rt.Now())
		if until < 0 {
			until = 0
		}
		if err := d.rt.Sleep(ctx, until); err != nil {
			return
		}

		d.mu.Lock()
		d.state = NoInformation
		d.mu.Unlock()
		if err := d.Bootstrap(ctx, 10); err != nil {
			d.logger.Warn("background refresh failed", "error", err)
			continue
		}
		for _, fn := range onChanged {
			fn()
		}
	}
}
