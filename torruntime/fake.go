package torruntime

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// Fake is a deterministic Runtime for tests: Now() is a manually advanced
// clock, Sleep returns once a call to Advance moves the clock to or past
// the requested deadline (even a zero-length Sleep waits for the next
// Advance) or ctx is canceled, and DialTCP/DialTLS are served
// from a table of pre-registered net.Conn pairs instead of real sockets.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	waiters  []fakeWaiter
	dialConn map[string]net.Conn
	dialErr  map[string]error
	spawned  []func()
}

type fakeWaiter struct {
	deadline time.Time
	done     chan struct{}
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{
		now:      start,
		dialConn: make(map[string]net.Conn),
		dialErr:  make(map[string]error),
	}
}

var _ Runtime = (*Fake)(nil)

// Spawn queues fn without running it — deterministic tests drain
// background work by calling RunSpawned rather than racing real goroutines.
func (f *Fake) Spawn(fn func()) {
	f.mu.Lock()
	f.spawned = append(f.spawned, fn)
	f.mu.Unlock()
}

// RunSpawned runs and clears every fn queued by Spawn since the last call.
func (f *Fake) RunSpawned() {
	f.mu.Lock()
	pending := f.spawned
	f.spawned = nil
	f.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, waking any Sleep calls whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var remaining []fakeWaiter
	for _, w := range f.waiters {
		if !now.Before(w.deadline) {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	done := make(chan struct{})
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), done: done})
	f.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDial registers the conn (or err) that DialTCP/DialTLS returns for addr.
func (f *Fake) SetDial(addr string, conn net.Conn, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialConn[addr] = conn
	f.dialErr[addr] = err
}

func (f *Fake) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	return f.lookupDial(addr)
}

func (f *Fake) DialTLS(ctx context.Context, addr string, _ *tls.Config) (net.Conn, error) {
	return f.lookupDial(addr)
}

func (f *Fake) lookupDial(addr string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dialErr[addr]; err != nil {
		return nil, err
	}
	if conn, ok := f.dialConn[addr]; ok {
		return conn, nil
	}
	return nil, fmt.Errorf("fake runtime: no dial registered for %q", addr)
}
