// Package hspool maintains a small pool of pre-built, unattached 3-hop
// stub circuits ready for hidden-service rendezvous/introduction use, so a
// client connecting to a .onion doesn't pay circuit-build latency on the
// critical path.
package hspool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veilnet/artic/circmgr"
	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/torruntime"
)

// target is the steady-state number of stub circuits to keep pooled.
const target = 8

// maxConsecutiveFailures is the failure streak (2N per §4.9) that triggers
// the launcher's exponential backoff instead of retrying every tick.
const maxConsecutiveFailures = 2 * target

// Pool keeps up to target stub circuits built via circmgr, refilling in
// the background and evicting its whole stock when told the network
// directory changed (old circuits may route through relays no longer
// believed usable).
type Pool struct {
	cm     *circmgr.CircMgr
	rt     torruntime.Runtime
	logger *slog.Logger

	mu             sync.Mutex
	stock          []*circuit.Reactor
	consecutiveErr int
	stopped        bool
}

// New returns a Pool drawing stub circuits from cm.
func New(cm *circmgr.CircMgr, rt torruntime.Runtime, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cm: cm, rt: rt, logger: logger}
}

// Take removes and returns one stub circuit from the pool, building one
// synchronously if the pool is currently empty.
func (p *Pool) Take(ctx context.Context) (*circuit.Reactor, error) {
	p.mu.Lock()
	if n := len(p.stock); n > 0 {
		r := p.stock[n-1]
		p.stock = p.stock[:n-1]
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()
	return p.cm.GetOrLaunchExit(ctx, circmgr.PurposeHS)
}

// Run launches a background ticker (period, normally 30s) that tops the
// pool back up to target, applying exponential backoff after
// maxConsecutiveFailures in a row so a broken network doesn't spin
// hot. It returns when ctx is canceled.
func (p *Pool) Run(ctx context.Context, period time.Duration) {
	for {
		p.refill(ctx)

		backoff := period
		p.mu.Lock()
		if p.consecutiveErr >= maxConsecutiveFailures {
			shift := p.consecutiveErr - maxConsecutiveFailures
			if shift > 6 {
				shift = 6 // cap backoff growth at 64x the base period
			}
			backoff = period << uint(shift)
		}
		p.mu.Unlock()

		if err := p.rt.Sleep(ctx, backoff); err != nil {
			return
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	for {
		p.mu.Lock()
		need := target - len(p.stock)
		p.mu.Unlock()
		if need <= 0 {
			return
		}

		r, err := p.cm.GetOrLaunchExit(ctx, circmgr.PurposeHS)
		p.mu.Lock()
		if err != nil {
			p.consecutiveErr++
			p.mu.Unlock()
			p.logger.Warn("hs stub circuit build failed", "error", err, "consecutive", p.consecutiveErr)
			return
		}
		p.consecutiveErr = 0
		p.stock = append(p.stock, r)
		p.mu.Unlock()
	}
}

// OnNetDirChanged discards the entire stock: circuits built under the
// previous NetDir may route through relays the new one no longer trusts.
func (p *Pool) OnNetDirChanged() {
	p.mu.Lock()
	dropped := p.stock
	p.stock = nil
	p.mu.Unlock()
	for range dropped {
		p.logger.Debug("dropping hs stub circuit after netdir change")
	}
}

// Len reports the number of stub circuits currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stock)
}
