// Package chanmgr keeps at most one open channel (TLS link to a relay) per
// relay identity, coalescing concurrent requests for the same relay onto a
// single in-flight link.Handshake call.
package chanmgr

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/veilnet/artic/descriptor"
	"github.com/veilnet/artic/link"
	"github.com/veilnet/artic/torerr"
)

// entry is the bookkeeping record for one relay identity: either a pending
// handshake other callers should wait on, an open link, or nothing (absent
// entries are simply missing from the map — chanmgr has no sticky-error
// state, per §4.6: a failed dial just leaves the key free for the next
// caller to retry).
type entry struct {
	link *link.Link
	err  error
	done chan struct{} // closed once link/err are set
}

// HandshakeFunc performs the link handshake to addr. The production default
// is link.Handshake; tests inject a fake to avoid real network I/O.
type HandshakeFunc func(addr string, logger *slog.Logger) (*link.Link, error)

// ChanMgr is safe for concurrent use.
type ChanMgr struct {
	logger    *slog.Logger
	handshake HandshakeFunc

	mu      sync.Mutex
	byIdent map[string]*entry
}

// New returns an empty ChanMgr dialing relays with link.Handshake. logger
// defaults to slog.Default().
func New(logger *slog.Logger) *ChanMgr {
	return NewWithHandshake(logger, link.Handshake)
}

// NewWithHandshake is like New but dials through handshake instead of
// link.Handshake directly, for tests.
func NewWithHandshake(logger *slog.Logger, handshake HandshakeFunc) *ChanMgr {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChanMgr{logger: logger, handshake: handshake, byIdent: make(map[string]*entry)}
}

func identKey(nodeID [20]byte) string {
	return hex.EncodeToString(nodeID[:])
}

// GetOrLaunch returns the open channel for relay, dialing one if none is
// open or in flight. Concurrent callers for the same relay identity all
// receive the result of the single underlying link.Handshake call — the
// property exercised by spec.md's testable property 7.
func (m *ChanMgr) GetOrLaunch(ctx context.Context, relay *descriptor.RelayInfo) (*link.Link, error) {
	key := identKey(relay.NodeID)

	m.mu.Lock()
	e, launching := m.byIdent[key]
	if !launching {
		e = &entry{done: make(chan struct{})}
		m.byIdent[key] = e
	}
	m.mu.Unlock()

	if launching {
		select {
		case <-e.done:
			if e.err != nil {
				return nil, e.err
			}
			return e.link, nil
		case <-ctx.Done():
			return nil, torerr.Wrap(torerr.Canceled, ctx.Err())
		}
	}

	l, err := m.handshake(relay.Address, m.logger)
	if err != nil {
		err = torerr.Wrap(torerr.TorConnectionFailed, err)
	}

	m.mu.Lock()
	e.link, e.err = l, err
	if err != nil {
		// No sticky failures: the next caller gets a fresh dial attempt.
		delete(m.byIdent, key)
	}
	m.mu.Unlock()
	close(e.done)

	return l, err
}

// Evict removes relay's channel from the map, e.g. after its link reports
// a read error and the owning reactor tears it down. A subsequent
// GetOrLaunch dials fresh.
func (m *ChanMgr) Evict(nodeID [20]byte) {
	key := identKey(nodeID)
	m.mu.Lock()
	delete(m.byIdent, key)
	m.mu.Unlock()
}

// Len reports the number of channels currently open or in flight, for
// tests and metrics.
func (m *ChanMgr) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byIdent)
}
