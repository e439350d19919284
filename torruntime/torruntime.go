// Package torruntime narrows the operating-system capabilities the manager
// layer needs (spawn a goroutine, sleep, read the clock, dial a guard) into
// one small interface, so circmgr/dirmgr/hspool tests can drive
// background tasks with a fake clock and an in-memory dialer instead of
// real wall-clock time and sockets.
package torruntime

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Runtime is the capability set a manager's background tasks depend on.
type Runtime interface {
	// Spawn runs fn in its own goroutine. Real implementations just call
	// `go fn()`; test implementations may run fn synchronously or track it
	// for explicit draining.
	Spawn(fn func())

	// Sleep suspends the caller for d, or until ctx is canceled, whichever
	// comes first.
	Sleep(ctx context.Context, d time.Duration) error

	// Now returns the runtime's notion of the current time.
	Now() time.Time

	// DialTCP opens a plain TCP connection to addr.
	DialTCP(ctx context.Context, addr string) (net.Conn, error)

	// DialTLS opens a TLS connection to addr with the given config.
	DialTLS(ctx context.Context, addr string, config *tls.Config) (net.Conn, error)
}

// Transport is the narrow pluggable-transport capability: something that
// can turn a target address into a connection, whether that is a direct
// TCP dial or an obfuscation layer. No package in this module dials through
// a Transport; chanmgr reaches guards through link.Handshake.
type Transport interface {
	Connect(ctx context.Context, addr string) (net.Conn, error)
}

// Real is the production Runtime: a one-line passthrough to the standard
// library, matching the teacher's direct net.DialTimeout/tls.Client calls.
type Real struct{}

var _ Runtime = Real{}

func (Real) Spawn(fn func()) {
	go fn()
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (Real) DialTLS(ctx context.Context, addr string, config *tls.Config) (net.Conn, error) {
	var d net.Dialer
	tlsDialer := tls.Dialer{NetDialer: &d, Config: config}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

// directTCP is the default Transport: dial the address directly, no
// obfuscation layer.
type directTCP struct {
	rt Runtime
}

// NewDirectTransport returns a Transport that dials addr over plain TCP
// through rt, the default when no pluggable transport is configured.
func NewDirectTransport(rt Runtime) Transport {
	return directTCP{rt: rt}
}

func (d directTCP) Connect(ctx context.Context, addr string) (net.Conn, error) {
	return d.rt.DialTCP(ctx, addr)
}
