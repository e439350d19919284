package circuit

import (
	"fmt"
	"io"
)

// ReactorStream is a bidirectional byte stream multiplexed over a circuit
// whose cells are being dispatched by a Reactor. Unlike the single-stream
// stream.Stream type (which calls Circuit.ReceiveRelay directly and so
// only works when exactly one stream is open on the circuit), any number
// of ReactorStreams can be open on the same circuit concurrently.
type ReactorStream struct {
	r    *Reactor
	s    *reactorStream
	buf  []byte
	eof  bool
	done bool
}

var _ io.ReadWriteCloser = (*ReactorStream)(nil)

// OpenStream sends RELAY_BEGIN for target (host:port) and waits for
// RELAY_CONNECTED, registering the stream with the reactor first so no
// response cell can be dropped as "unknown stream" in the race between
// send and registration.
func (r *Reactor) OpenStream(target string) (*ReactorStream, error) {
	return r.openWithCommand(RelayBegin, []byte(target+"\x00\x00\x00\x00\x00"))
}

// OpenDirStream sends RELAY_BEGIN_DIR, used for directory requests over a
// circuit instead of opening a TCP connection to a directory cache.
func (r *Reactor) OpenDirStream() (*ReactorStream, error) {
	return r.openWithCommand(RelayBeginDir, nil)
}

// Resolve sends RELAY_RESOLVE for hostname (or, for a reverse lookup, the
// PTR-style "in-addr.arpa"/"ip6.arpa" name a caller has already built) and
// waits for the single RELAY_RESOLVED reply, per the "resolve" stream kind
// in §4.4: one request, one answer, no data phase. The stream is closed
// (stream ID released) before returning, successfully or not.
func (r *Reactor) Resolve(hostname string) ([]byte, error) {
	id, err := r.allocateStreamID()
	if err != nil {
		return nil, err
	}
	s := r.registerStream(id)
	defer r.closeStream(id, nil)

	if err := r.c.SendRelay(RelayResolve, id, []byte(hostname)); err != nil {
		return nil, fmt.Errorf("send resolve: %w", err)
	}

	select {
	case data, ok := <-s.inbox:
		if !ok {
			return nil, fmt.Errorf("stream closed before RESOLVED")
		}
		return data, nil
	case <-s.closed:
		s.mu.Lock()
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("stream closed before RESOLVED")
		}
		return nil, err
	}
}

func (r *Reactor) openWithCommand(beginCmd uint8, payload []byte) (*ReactorStream, error) {
	id, err := r.allocateStreamID()
	if err != nil {
		return nil, err
	}
	s := r.registerStream(id)

	if err := r.c.SendRelay(beginCmd, id, payload); err != nil {
		r.closeStream(id, err)
		return nil, fmt.Errorf("send begin: %w", err)
	}

	select {
	case data, ok := <-s.inbox:
		if !ok {
			return nil, fmt.Errorf("stream closed before CONNECTED")
		}
		_ = data // CONNECTED payload (resolved address/ttl) currently unused
		return &ReactorStream{r: r, s: s}, nil
	case <-s.closed:
		s.mu.Lock()
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("stream closed before CONNECTED")
		}
		return nil, err
	}
}

// Read returns the next chunk of DATA payload, or io.EOF after RELAY_END.
func (rs *ReactorStream) Read(p []byte) (int, error) {
	if len(rs.buf) > 0 {
		n := copy(p, rs.buf)
		rs.buf = rs.buf[n:]
		return n, nil
	}
	if rs.eof {
		return 0, io.EOF
	}

	select {
	case data, ok := <-rs.s.inbox:
		if !ok {
			rs.eof = true
			return 0, io.EOF
		}
		n := copy(p, data)
		if n < len(data) {
			rs.buf = append(rs.buf, data[n:]...)
		}
		return n, nil
	case <-rs.s.closed:
		rs.s.mu.Lock()
		err := rs.s.closeErr
		rs.s.mu.Unlock()
		rs.eof = true
		if _, ended := err.(*StreamEndError); ended {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
}

// Write sends p as one or more RELAY_DATA cells, blocking (suspending)
// while either flow-control window is exhausted until a SENDME replenishes
// it or the stream closes.
func (rs *ReactorStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if err := rs.waitWindow(); err != nil {
			return total, err
		}

		chunk := p
		if len(chunk) > MaxRelayDataLen {
			chunk = p[:MaxRelayDataLen]
		}
		if err := rs.r.c.SendRelay(RelayData, rs.s.id, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		rs.s.circWindow.dec()
		rs.s.streamWindow.dec()
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// waitWindow suspends the caller until both windows have budget, or the
// stream closes — the only backpressure mechanism per §5. It never touches
// the inbox/read buffer, which belong exclusively to Read's goroutine.
func (rs *ReactorStream) waitWindow() error {
	for rs.s.circWindow.value() <= 0 || rs.s.streamWindow.value() <= 0 {
		select {
		case <-rs.s.circWindow.notify:
		case <-rs.s.streamWindow.notify:
		case <-rs.s.closed:
			rs.s.mu.Lock()
			err := rs.s.closeErr
			rs.s.mu.Unlock()
			if err != nil {
				return err
			}
			return fmt.Errorf("stream closed while waiting for SENDME")
		}
	}
	return nil
}

// Close sends RELAY_END and stops accepting further reads.
func (rs *ReactorStream) Close() error {
	if rs.done {
		return nil
	}
	rs.done = true
	rs.r.closeStream(rs.s.id, nil)
	return rs.r.c.SendRelay(RelayEnd, rs.s.id, []byte{relayEndReasonDone})
}

// ResolvedAnswer is one decoded entry from a RELAY_RESOLVED payload
// (tor-spec §6.4.2): a type byte (0x00 hostname, 0x04 IPv4, 0x06 IPv6, or
// an 0xF0/0xF1 error marker), the raw value, and a cache TTL in seconds.
type ResolvedAnswer struct {
	Type  byte
	Value []byte
	TTL   uint32
}

const (
	ResolvedTypeHostname          = 0x00
	ResolvedTypeIPv4              = 0x04
	ResolvedTypeIPv6              = 0x06
	ResolvedTypeErrorTransient    = 0xF0
	ResolvedTypeErrorNontransient = 0xF1
)

// ParseResolved decodes the concatenated answers in a RELAY_RESOLVED
// payload. Malformed trailing bytes are ignored, matching tor-spec's
// guidance that resolvers may pad; a payload with no complete answer
// yields an empty, non-error slice.
func ParseResolved(data []byte) []ResolvedAnswer {
	var answers []ResolvedAnswer
	for len(data) >= 2 {
		typ := data[0]
		length := int(data[1])
		data = data[2:]
		if length > len(data) {
			break
		}
		value := data[:length]
		data = data[length:]
		var ttl uint32
		if len(data) >= 4 {
			ttl = uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
			data = data[4:]
		}
		answers = append(answers, ResolvedAnswer{Type: typ, Value: append([]byte(nil), value...), TTL: ttl})
	}
	return answers
}
