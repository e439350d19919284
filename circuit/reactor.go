package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veilnet/artic/descriptor"
)

// relayEndReasonDone is the RELAY_END reason code for a clean stream close
// (tor-spec §6.3: REASON_DONE), matching stream.Stream's Close.
const relayEndReasonDone = 6

// Reactor runs the per-circuit inbound dispatch loop: one goroutine owns
// ReceiveRelay and fans incoming relay cells out to the stream they belong
// to by stream ID, so more than one Stream can be open on a circuit at
// once (needed once a circuit is shared across unrelated SOCKS
// connections by circmgr). Outbound sends (SendRelay/EncryptRelay) remain
// safe to call concurrently from multiple goroutines — Circuit already
// serializes them under its own write mutex.
type Reactor struct {
	c      *Circuit
	logger *slog.Logger

	mu       sync.Mutex
	streams  map[uint16]*reactorStream
	nextID   uint16
	closed   bool
	closeErr error
	done     chan struct{}

	lastHop *descriptor.RelayInfo
}

// reactorStream is the per-stream inbox the Reactor dispatch loop writes to.
type reactorStream struct {
	id       uint16
	inbox    chan []byte // delivers DATA payloads, in order
	closed   chan struct{}
	closeErr error
	mu       sync.Mutex

	circWindow   *slidingWindow
	streamWindow *slidingWindow

	circDataSince   int
	streamDataSince int
}

// slidingWindow is a simple mutex-guarded counter used for both the
// circuit-wide and per-stream SENDME windows (§3, §4.4): dec() refuses to
// go below zero and inc() caps the value at its initial size.
type slidingWindow struct {
	mu     sync.Mutex
	cur    int
	cap    int
	notify chan struct{} // buffered 1; signaled on every inc()
}

func newSlidingWindow(initial int) *slidingWindow {
	return &slidingWindow{cur: initial, cap: initial, notify: make(chan struct{}, 1)}
}

func (w *slidingWindow) dec() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur <= 0 {
		return false
	}
	w.cur--
	return true
}

func (w *slidingWindow) inc(n int) {
	w.mu.Lock()
	w.cur += n
	if w.cur > w.cap {
		w.cur = w.cap
	}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *slidingWindow) value() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// NewReactor wraps an already-built Circuit (guard CREATE2/CREATED2 done,
// hops extended) with the multi-stream dispatch loop.
func NewReactor(c *Circuit, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		c:       c,
		logger:  logger,
		streams: make(map[uint16]*reactorStream),
		nextID:  1,
		done:    make(chan struct{}),
	}
}

// Run drives the inbound loop until the circuit errors or ctx is canceled.
// It must be started in its own goroutine; callers interact only through
// OpenStream/Close.
func (r *Reactor) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.shutdown(ctx.Err())
			return
		default:
		}

		_, relayCmd, streamID, data, err := r.c.ReceiveRelay()
		if err != nil {
			r.shutdown(err)
			return
		}
		r.dispatch(relayCmd, streamID, data)
	}
}

func (r *Reactor) dispatch(relayCmd uint8, streamID uint16, data []byte) {
	if relayCmd == RelaySendMe && streamID == 0 {
		// Circuit-level SENDME replenishes every live stream's circuit window
		// share uniformly; in this design the circuit window is tracked per
		// stream (each stream decrements it independently, mirroring how the
		// teacher's single-stream Stream.CircWindow worked), so it must be
		// applied to all of them.
		r.mu.Lock()
		for _, s := range r.streams {
			s.circWindow.inc(100)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	s, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("relay cell for unknown stream", "streamID", streamID, "relayCmd", relayCmd)
		return
	}

	switch relayCmd {
	case RelayData:
		s.mu.Lock()
		s.circDataSince++
		s.streamDataSince++
		needCircSendMe := s.circDataSince >= 100
		needStreamSendMe := s.streamDataSince >= 50
		if needCircSendMe {
			s.circDataSince = 0
		}
		if needStreamSendMe {
			s.streamDataSince = 0
		}
		s.mu.Unlock()

		select {
		case s.inbox <- data:
		case <-s.closed:
		}

		if needCircSendMe {
			r.sendWindowSendMe(0, s.circWindow)
		}
		if needStreamSendMe {
			r.sendWindowSendMe(streamID, s.streamWindow)
		}
	case RelayConnected, RelayResolved:
		select {
		case s.inbox <- data:
		case <-s.closed:
		}
	case RelaySendMe:
		s.streamWindow.inc(50)
	case RelayEnd:
		reason := EndReasonMisc
		if len(data) > 0 {
			reason = EndReason(data[0])
		}
		r.closeStream(streamID, &StreamEndError{Reason: reason})
	default:
		r.logger.Debug("unhandled relay command on stream", "streamID", streamID, "relayCmd", relayCmd)
	}
}

func (r *Reactor) sendWindowSendMe(streamID uint16, w *slidingWindow) {
	digest := r.c.BackwardDigest()
	payload := sendMeV1Payload(digest)
	if err := r.c.SendRelay(RelaySendMe, streamID, payload); err != nil {
		r.logger.Warn("send SENDME failed", "streamID", streamID, "error", err)
		return
	}
	w.inc(100)
}

// sendMeV1Payload builds a SENDME v1 payload carrying the authenticating
// digest, matching stream/flow.go's wire format.
func sendMeV1Payload(digest []byte) []byte {
	payload := make([]byte, 23)
	payload[0] = 1
	payload[1] = 0
	payload[2] = 20
	copy(payload[3:23], digest)
	return payload
}

func (r *Reactor) closeStream(id uint16, err error) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.mu.Unlock()
	close(s.closed)
}

// shutdown fails every open stream and marks the reactor closed.
func (r *Reactor) shutdown(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	streams := r.streams
	r.streams = make(map[uint16]*reactorStream)
	r.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		if s.closeErr == nil {
			s.closeErr = err
		}
		s.mu.Unlock()
		close(s.closed)
	}
}

// Circuit returns the wrapped Circuit for callers that need to drive it
// directly instead of through OpenStream — e.g. extending a pool-built
// stub circuit to a hidden-service rendezvous point and exchanging
// RELAY_ESTABLISH_RENDEZVOUS/INTRODUCE1 cells by hand, which must not race
// with a dispatch loop also calling ReceiveRelay. Callers that take the raw
// Circuit this way must never start Run on this Reactor.
func (r *Reactor) Circuit() *Circuit {
	return r.c
}

// SetLastHop records which relay ended up as the circuit's final hop, for
// builders that pick the last hop themselves (circmgr's production
// BuildFunc) and need to hand that identity on to a caller that only holds
// the Reactor, not the path-selection state that produced it.
func (r *Reactor) SetLastHop(info *descriptor.RelayInfo) {
	r.lastHop = info
}

// LastHop returns whatever SetLastHop recorded, or nil if never set.
func (r *Reactor) LastHop() *descriptor.RelayInfo {
	return r.lastHop
}

// Err returns the reason the reactor stopped, or nil if it is still running.
func (r *Reactor) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}

// Done is closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// allocateStreamID returns the next nonzero stream ID, wrapping within the
// 16-bit space and skipping IDs still in use (§3: "uniquely allocated per
// circuit... never reusing an ID while the stream is known").
func (r *Reactor) allocateStreamID() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for attempts := 0; attempts < 1<<16; attempts++ {
		id := r.nextID
		r.nextID++
		if r.nextID == 0 {
			r.nextID = 1
		}
		if id == 0 {
			continue
		}
		if _, taken := r.streams[id]; taken {
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("stream ID namespace exhausted on circuit 0x%08x", r.c.ID)
}

func (r *Reactor) registerStream(id uint16) *reactorStream {
	s := &reactorStream{
		id:           id,
		inbox:        make(chan []byte, 4),
		closed:       make(chan struct{}),
		circWindow:   newSlidingWindow(1000),
		streamWindow: newSlidingWindow(500),
	}
	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
	return s
}
