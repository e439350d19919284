package circuit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"net"
	"testing"
	"time"

	"github.com/veilnet/artic/cell"
	"github.com/veilnet/artic/link"
)

// relayPeer plays the next hop of a single-hop circuit in tests: it
// decrypts whatever the client encrypted with kf and encrypts responses
// with kb, using the same key bytes and digest seed testHop used to build
// the client's Hop, so both sides' keystreams and running digests stay in
// lockstep without going through a real CREATE2/ntor handshake.
type relayPeer struct {
	reader *cell.Reader
	writer *cell.Writer
	kfDec  cipher.Stream
	kbEnc  cipher.Stream
	db     hash.Hash
	circID uint32
}

func newRelayPeer(conn net.Conn, circID uint32, kfKey, kbKey, dbSeed byte) *relayPeer {
	kf := make([]byte, 16)
	kb := make([]byte, 16)
	for i := range kf {
		kf[i] = kfKey + byte(i)
		kb[i] = kbKey + byte(i)
	}
	iv := make([]byte, aes.BlockSize)
	fwdBlock, _ := aes.NewCipher(kf)
	bwdBlock, _ := aes.NewCipher(kb)

	db := sha1.New()
	db.Write([]byte{dbSeed})

	return &relayPeer{
		reader: cell.NewReader(bufio.NewReader(conn)),
		writer: cell.NewWriter(conn),
		kfDec:  cipher.NewCTR(fwdBlock, iv),
		kbEnc:  cipher.NewCTR(bwdBlock, iv),
		db:     db,
		circID: circID,
	}
}

// recv reads one relay cell and decrypts it with kfDec, returning the
// plaintext fields. It does not check recognized/digest — this hop is the
// only one, so any garbage there is irrelevant to decoding the layout.
func (p *relayPeer) recv() (relayCmd uint8, streamID uint16, data []byte, err error) {
	c, err := p.reader.ReadCell()
	if err != nil {
		return 0, 0, nil, err
	}
	payload := make([]byte, RelayPayloadLen)
	copy(payload, c.Payload()[:RelayPayloadLen])
	p.kfDec.XORKeyStream(payload, payload)

	relayCmd = payload[relayCommandOff]
	streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
	dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
	data = make([]byte, dataLen)
	copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
	return relayCmd, streamID, data, nil
}

// send builds a plaintext relay payload, digests it with db, encrypts with
// kbEnc, and writes it — the mirror of decryptRelayLocked's expectations.
func (p *relayPeer) send(relayCmd uint8, streamID uint16, data []byte) error {
	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	p.db.Write(payload[:])
	digest := p.db.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	p.kbEnc.XORKeyStream(payload[:], payload[:])

	out := cell.NewFixedCell(p.circID, cell.CmdRelay)
	copy(out.Payload(), payload[:])
	return p.writer.WriteCell(out)
}

// newTestReactor wires a client Circuit/Reactor over an in-memory net.Pipe
// to a relayPeer built from matching keys, and starts the Reactor's Run loop.
func newTestReactor(t *testing.T) (*Reactor, *relayPeer, context.CancelFunc) {
	t.Helper()
	clientConn, relayConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); relayConn.Close() })

	const circID = 0x80000042
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	circ := &Circuit{
		ID: circID,
		Link: &link.Link{
			Reader: cell.NewReader(bufio.NewReader(clientConn)),
			Writer: cell.NewWriter(clientConn),
		},
		Hops: []*Hop{hop},
	}
	peer := newRelayPeer(relayConn, circID, 0x10, 0x20, 0xBB)

	r := NewReactor(circ, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, peer, cancel
}

func TestReactorOpenStreamAndDataRoundTrip(t *testing.T) {
	r, peer, cancel := newTestReactor(t)
	defer cancel()

	openErr := make(chan error, 1)
	var stream *ReactorStream
	go func() {
		s, err := r.OpenStream("example.com:80")
		stream = s
		openErr <- err
	}()

	relayCmd, streamID, data, err := peer.recv()
	if err != nil {
		t.Fatalf("peer recv BEGIN: %v", err)
	}
	if relayCmd != RelayBegin {
		t.Fatalf("relayCmd = %d, want RelayBegin", relayCmd)
	}
	if !bytes.HasPrefix(data, []byte("example.com:80\x00")) {
		t.Fatalf("BEGIN payload = %q", data)
	}

	if err := peer.send(RelayConnected, streamID, []byte{0, 0, 0, 1}); err != nil {
		t.Fatalf("peer send CONNECTED: %v", err)
	}

	if err := <-openErr; err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if stream == nil {
		t.Fatal("OpenStream returned nil stream with nil error")
	}

	if _, err := stream.Write([]byte("GET /\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	relayCmd, gotStreamID, gotData, err := peer.recv()
	if err != nil {
		t.Fatalf("peer recv DATA: %v", err)
	}
	if relayCmd != RelayData || gotStreamID != streamID {
		t.Fatalf("got cmd=%d streamID=%d, want DATA on %d", relayCmd, gotStreamID, streamID)
	}
	if string(gotData) != "GET /\r\n" {
		t.Fatalf("data = %q", gotData)
	}

	if err := peer.send(RelayData, streamID, []byte("HTTP/1.1 200 OK")); err != nil {
		t.Fatalf("peer send DATA: %v", err)
	}
	buf := make([]byte, 64)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "HTTP/1.1 200 OK" {
		t.Fatalf("Read = %q", buf[:n])
	}

	if err := peer.send(RelayEnd, streamID, []byte{6}); err != nil {
		t.Fatalf("peer send END: %v", err)
	}
	if _, err := stream.Read(buf); err != io.EOF {
		t.Fatalf("Read after END = %v, want io.EOF", err)
	}
}

func TestReactorStreamWriteBlocksOnExhaustedWindow(t *testing.T) {
	r, peer, cancel := newTestReactor(t)
	defer cancel()

	s := r.registerStream(7)
	s.streamWindow.cur = 0 // simulate a stream that has already used its window

	writeDone := make(chan error, 1)
	go func() {
		_, err := (&ReactorStream{r: r, s: s}).Write([]byte("x"))
		writeDone <- err
	}()

	select {
	case <-writeDone:
		t.Fatal("Write returned before the window was replenished")
	case <-time.After(100 * time.Millisecond):
	}

	if err := peer.send(RelaySendMe, 7, sendMeV1Payload(make([]byte, 20))); err != nil {
		t.Fatalf("peer send SENDME: %v", err)
	}

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write did not unblock after SENDME")
	}

	relayCmd, streamID, _, err := peer.recv()
	if err != nil {
		t.Fatalf("peer recv DATA: %v", err)
	}
	if relayCmd != RelayData || streamID != 7 {
		t.Fatalf("got cmd=%d streamID=%d, want DATA on 7", relayCmd, streamID)
	}
}

func TestReactorCircuitSendMeReplenishesAllStreams(t *testing.T) {
	r, peer, cancel := newTestReactor(t)
	defer cancel()

	a := r.registerStream(1)
	b := r.registerStream(2)
	a.circWindow.cur = 0
	b.circWindow.cur = 0

	if err := peer.send(RelaySendMe, 0, nil); err != nil {
		t.Fatalf("peer send circuit SENDME: %v", err)
	}

	deadline := time.After(time.Second)
	for a.circWindow.value() != 100 || b.circWindow.value() != 100 {
		select {
		case <-deadline:
			t.Fatalf("windows not replenished: a=%d b=%d", a.circWindow.value(), b.circWindow.value())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSlidingWindowDecAndInc(t *testing.T) {
	w := newSlidingWindow(2)
	if !w.dec() {
		t.Fatal("dec() on fresh window should succeed")
	}
	if !w.dec() {
		t.Fatal("second dec() should succeed")
	}
	if w.dec() {
		t.Fatal("dec() on exhausted window should fail")
	}
	w.inc(100)
	if w.value() != 2 {
		t.Fatalf("value() = %d, want capped at 2", w.value())
	}
}

func TestReactorResolveRoundTrip(t *testing.T) {
	r, peer, cancel := newTestReactor(t)
	defer cancel()

	resolveErr := make(chan error, 1)
	var answer []byte
	go func() {
		data, err := r.Resolve("example.com")
		answer = data
		resolveErr <- err
	}()

	relayCmd, streamID, data, err := peer.recv()
	if err != nil {
		t.Fatalf("peer recv RESOLVE: %v", err)
	}
	if relayCmd != RelayResolve {
		t.Fatalf("relayCmd = %d, want RelayResolve", relayCmd)
	}
	if string(data) != "example.com" {
		t.Fatalf("RESOLVE payload = %q", data)
	}

	resolved := []byte{ResolvedTypeIPv4, 4, 93, 184, 216, 34, 0, 0, 1, 44}
	if err := peer.send(RelayResolved, streamID, resolved); err != nil {
		t.Fatalf("peer send RESOLVED: %v", err)
	}

	if err := <-resolveErr; err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	answers := ParseResolved(answer)
	if len(answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(answers))
	}
	if answers[0].Type != ResolvedTypeIPv4 || !bytes.Equal(answers[0].Value, []byte{93, 184, 216, 34}) {
		t.Fatalf("answer = %+v", answers[0])
	}
	if answers[0].TTL != 300 {
		t.Fatalf("TTL = %d, want 300", answers[0].TTL)
	}

	r.mu.Lock()
	_, stillOpen := r.streams[streamID]
	r.mu.Unlock()
	if stillOpen {
		t.Fatal("Resolve should close the stream once it gets RESOLVED")
	}
}

func TestReactorEndReasonSurfacedAsStreamEndError(t *testing.T) {
	r, peer, cancel := newTestReactor(t)
	defer cancel()

	openErr := make(chan error, 1)
	go func() {
		_, err := r.OpenStream("example.com:80")
		openErr <- err
	}()

	_, streamID, _, err := peer.recv()
	if err != nil {
		t.Fatalf("peer recv BEGIN: %v", err)
	}
	if err := peer.send(RelayEnd, streamID, []byte{byte(EndReasonExitPolicy)}); err != nil {
		t.Fatalf("peer send END: %v", err)
	}

	err = <-openErr
	var endErr *StreamEndError
	if !errors.As(err, &endErr) {
		t.Fatalf("OpenStream error = %v, want *StreamEndError", err)
	}
	if endErr.Reason != EndReasonExitPolicy {
		t.Fatalf("Reason = %v, want EndReasonExitPolicy", endErr.Reason)
	}
}

func TestParseResolvedMultipleAnswersAndTruncation(t *testing.T) {
	payload := []byte{ResolvedTypeIPv4, 4, 1, 2, 3, 4, 0, 0, 0, 60}
	payload = append(payload, ResolvedTypeErrorTransient, 0, 0, 0, 0, 0)
	answers := ParseResolved(payload)
	if len(answers) != 2 {
		t.Fatalf("got %d answers, want 2", len(answers))
	}
	if answers[1].Type != ResolvedTypeErrorTransient {
		t.Fatalf("second answer type = %#x", answers[1].Type)
	}

	// A dangling length prefix with not enough bytes behind it must be
	// dropped rather than panicking or fabricating an answer.
	truncated := []byte{ResolvedTypeHostname, 10, 'a', 'b'}
	if got := ParseResolved(truncated); len(got) != 0 {
		t.Fatalf("got %d answers from truncated payload, want 0", len(got))
	}
}

func TestAllocateStreamIDSkipsZeroAndInUse(t *testing.T) {
	r := NewReactor(&Circuit{ID: 1}, nil)
	r.nextID = 0xFFFE
	r.streams[0xFFFF] = &reactorStream{}

	id1, err := r.allocateStreamID()
	if err != nil {
		t.Fatalf("allocateStreamID: %v", err)
	}
	if id1 != 0xFFFE {
		t.Fatalf("id1 = %#x, want 0xFFFE", id1)
	}

	id2, err := r.allocateStreamID()
	if err != nil {
		t.Fatalf("allocateStreamID: %v", err)
	}
	if id2 != 1 {
		t.Fatalf("id2 = %#x, want 1 (0 and 0xFFFF must be skipped)", id2)
	}
}
