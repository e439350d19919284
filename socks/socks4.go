package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/veilnet/artic/circuit"
	"github.com/veilnet/artic/stream"
)

// socks5Command is the CMD byte of a parsed SOCKS5 request: CONNECT plus
// Tor's RESOLVE/RESOLVE_PTR extensions in RFC 1928's unused 0xF0/0xF1 space.
type socks5Command byte

const (
	cmdConnect    socks5Command = 0x01
	cmdResolve    socks5Command = 0xF0
	cmdResolvePtr socks5Command = 0xF1
)

// SOCKS4 reply codes (CD field).
const (
	socks4Granted = 0x5A
	socks4Failed  = 0x5B
)

// readSocks5Request reads CMD RSV ATYP DST.ADDR DST.PORT (the method
// negotiation has already completed) and recognizes CONNECT, RESOLVE and
// RESOLVE_PTR. On an unsupported command, or an IPv6 address with any
// command but RESOLVE_PTR, it sends the matching failure reply itself; an
// unknown address type is rejected without a reply, as in readConnect.
func (s *Server) readSocks5Request(conn net.Conn) (socks5Command, string, uint16, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, "", 0, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return 0, "", 0, fmt.Errorf("bad version: %d", hdr[0])
	}

	cmd := socks5Command(hdr[1])
	switch cmd {
	case cmdConnect, cmdResolve, cmdResolvePtr:
	default:
		sendReply(conn, 0x07) // Command not supported
		return 0, "", 0, fmt.Errorf("unsupported command: %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case 0x01: // IPv4
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return 0, "", 0, err
		}
		host = net.IP(addr[:]).String()
	case 0x03: // Domain name
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return 0, "", 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return 0, "", 0, err
		}
		host = string(domain)
		if host == "" {
			return 0, "", 0, fmt.Errorf("empty domain name")
		}
	case 0x04: // IPv6
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return 0, "", 0, err
		}
		if cmd != cmdResolvePtr {
			sendReply(conn, 0x08) // Address type not supported
			return 0, "", 0, fmt.Errorf("IPv6 not supported")
		}
		host = net.IP(addr[:]).String()
	default:
		return 0, "", 0, fmt.Errorf("unknown address type: %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return 0, "", 0, err
	}
	return cmd, host, binary.BigEndian.Uint16(portBuf[:]), nil
}

// handleSocks5Resolve services a RESOLVE (forward) or RESOLVE_PTR (reverse)
// request using a Reactor-backed circuit, since the answer comes back as a
// single RELAY_RESOLVED cell rather than a data stream (§4.4, §4.11).
func (s *Server) handleSocks5Resolve(conn net.Conn, cmd socks5Command, host string) {
	s.Logger.Info("SOCKS5 RESOLVE", "command", cmd, "host", host)

	if s.GetReactor == nil {
		sendReply(conn, 0x01)
		return
	}
	r, err := s.GetReactor()
	if err != nil {
		s.Logger.Error("get reactor failed", "error", err)
		sendReply(conn, 0x01)
		return
	}

	name := host
	if cmd == cmdResolvePtr {
		name = ptrName(host)
	}

	data, err := r.Resolve(name)
	if err != nil {
		s.Logger.Debug("resolve failed", "error", err)
		sendReply(conn, replyCodeSocks5(err))
		return
	}

	answers := circuit.ParseResolved(data)
	sendResolvedReply(conn, cmd, answers)
}

// ptrName builds the in-addr.arpa / ip6.arpa name tor-spec's RESOLVE_PTR
// extension expects for a reverse lookup of ip.
func ptrName(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", v4[3], v4[2], v4[1], v4[0])
	}
	v6 := parsed.To16()
	var nibbles [32]byte
	for i, b := range v6 {
		nibbles[i*2] = "0123456789abcdef"[b>>4]
		nibbles[i*2+1] = "0123456789abcdef"[b&0xF]
	}
	var sb strings.Builder
	for i := len(nibbles) - 1; i >= 0; i-- {
		sb.WriteByte(nibbles[i])
		sb.WriteByte('.')
	}
	sb.WriteString("ip6.arpa")
	return sb.String()
}

// sendResolvedReply writes a SOCKS5 reply carrying the resolved
// address/hostname from a RESOLVE/RESOLVE_PTR answer, or a failure reply if
// answers is empty or begins with an error marker.
func sendResolvedReply(conn net.Conn, _ socks5Command, answers []circuit.ResolvedAnswer) {
	if len(answers) == 0 {
		sendReply(conn, 0x04) // Host unreachable
		return
	}
	a := answers[0]
	switch a.Type {
	case circuit.ResolvedTypeErrorTransient, circuit.ResolvedTypeErrorNontransient:
		sendReply(conn, 0x04)
	case circuit.ResolvedTypeIPv4:
		reply := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		copy(reply[4:8], a.Value)
		_, _ = conn.Write(reply)
	case circuit.ResolvedTypeIPv6:
		reply := make([]byte, 4+16+2)
		reply[0], reply[1], reply[2], reply[3] = 0x05, 0x00, 0x00, 0x04
		copy(reply[4:20], a.Value)
		_, _ = conn.Write(reply)
	case circuit.ResolvedTypeHostname:
		// RESOLVE_PTR's answer is a hostname; RFC 1928 has no ATYP for a bare
		// name in a reply, so it is carried as a domain-name ATYP (0x03),
		// matching what other SOCKS5/Tor resolvers do for PTR replies.
		reply := []byte{0x05, 0x00, 0x00, 0x03, byte(len(a.Value))}
		reply = append(reply, a.Value...)
		reply = append(reply, 0, 0)
		_, _ = conn.Write(reply)
	default:
		sendReply(conn, 0x01)
	}
}

// replyCodeSocks5 maps a stream failure onto a SOCKS5 REP byte (§7), using
// circuit.StreamEndError's taxonomy where available and falling back to a
// general failure for anything else (e.g. a local dial/transport error).
func replyCodeSocks5(err error) byte {
	var endErr *circuit.StreamEndError
	if !errors.As(err, &endErr) {
		return 0x01
	}
	switch endErr.Reason {
	case circuit.EndReasonExitPolicy:
		return 0x02 // connection not allowed by ruleset
	case circuit.EndReasonNoRoute:
		return 0x03 // network unreachable
	case circuit.EndReasonResolveFailed:
		return 0x04 // host unreachable
	case circuit.EndReasonConnectRefused:
		return 0x05 // connection refused
	case circuit.EndReasonTimeout:
		return 0x06 // TTL expired
	default:
		return 0x01 // general SOCKS server failure
	}
}

// replyCodeSocks4 maps a stream failure onto a SOCKS4 CD byte. SOCKS4 only
// distinguishes granted from failed, so every reason collapses to rejected.
func replyCodeSocks4(_ error) byte {
	return socks4Failed
}

// readSocks4Request parses a SOCKS4/SOCKS4a CONNECT request (the VER byte
// has already been read by handleConn to dispatch here, and is replayed by
// prefixConn). SOCKS4a is detected per its convention: DST.IP is
// 0.0.0.x with x != 0, and a NUL-terminated domain name follows USERID.
func readSocks4Request(conn net.Conn) (cmd byte, host string, port uint16, err error) {
	var hdr [8]byte
	if _, err = io.ReadFull(conn, hdr[:]); err != nil {
		return 0, "", 0, fmt.Errorf("read SOCKS4 header: %w", err)
	}
	if hdr[0] != 0x04 {
		return 0, "", 0, fmt.Errorf("bad version: %d", hdr[0])
	}
	cmd = hdr[1]
	port = binary.BigEndian.Uint16(hdr[2:4])
	ip := hdr[4:8]

	if _, err = readCString(conn); err != nil { // USERID
		return 0, "", 0, fmt.Errorf("read userid: %w", err)
	}

	isSocks4a := ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0
	if isSocks4a {
		domain, derr := readCString(conn)
		if derr != nil {
			return 0, "", 0, fmt.Errorf("read SOCKS4a domain: %w", derr)
		}
		if domain == "" {
			return 0, "", 0, fmt.Errorf("empty SOCKS4a domain name")
		}
		host = domain
	} else {
		host = net.IP(ip).String()
	}
	return cmd, host, port, nil
}

// readCString reads bytes up to and including a NUL terminator, returning
// everything before it.
func readCString(conn net.Conn) (string, error) {
	var b [1]byte
	var out []byte
	for {
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
		if len(out) > 255 {
			return "", fmt.Errorf("null-terminated field exceeds maximum length")
		}
	}
}

func sendReplySocks4(conn net.Conn, cd byte) {
	// VN(1)=0 CD(1) DSTPORT(2) DSTIP(4)
	reply := []byte{0x00, cd, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}

// handleSocks4 services a SOCKS4/4a connection once the version byte has
// identified it; only CONNECT is supported (no BIND, matching the SOCKS5
// path's CONNECT-only support).
func (s *Server) handleSocks4(conn net.Conn) {
	cmd, host, port, err := readSocks4Request(conn)
	if err != nil {
		s.Logger.Debug("SOCKS4 request failed", "error", err)
		return
	}
	if cmd != 0x01 {
		sendReplySocks4(conn, socks4Failed)
		return
	}

	s.Logger.Info("SOCKS4 CONNECT")

	if strings.HasSuffix(strings.ToLower(host), ".onion") && s.OnionHandler != nil {
		rwc, err := s.OnionHandler(host, port)
		if err != nil {
			s.Logger.Error("onion connect failed", "error", err)
			sendReplySocks4(conn, socks4Failed)
			return
		}
		sendReplySocks4(conn, socks4Granted)
		_ = conn.SetDeadline(time.Time{})
		relay(conn, rwc)
		return
	}

	target := fmt.Sprintf("%s:%d", host, port)
	var dataStream io.ReadWriteCloser
	if s.GetReactor != nil {
		r, err := s.GetReactor()
		if err != nil {
			s.Logger.Error("get reactor failed", "error", err)
			sendReplySocks4(conn, socks4Failed)
			return
		}
		rs, err := r.OpenStream(target)
		if err != nil {
			s.Logger.Error("open stream failed", "error", err)
			sendReplySocks4(conn, replyCodeSocks4(err))
			return
		}
		dataStream = rs
	} else {
		circ, err := s.GetCirc()
		if err != nil {
			s.Logger.Error("get circuit failed", "error", err)
			sendReplySocks4(conn, replyCodeSocks4(err))
			return
		}
		torStream, err := stream.Begin(circ, target)
		if err != nil {
			s.Logger.Error("stream begin failed", "error", err)
			sendReplySocks4(conn, replyCodeSocks4(err))
			return
		}
		dataStream = torStream
	}

	sendReplySocks4(conn, socks4Granted)
	_ = conn.SetDeadline(time.Time{})
	relay(conn, dataStream)
}

// relay copies bidirectionally between a and b until one side's copy
// returns, then closes both — a hang or error on one leg should not leave
// the other leg open indefinitely.
func relay(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		closeBoth()
	}()
	wg.Wait()
}

// prefixConn replays a handful of already-read bytes (the version byte
// peeked to decide SOCKS4 vs SOCKS5) ahead of the underlying conn's stream,
// so the rest of the handshake code can keep reading as if nothing had been
// consumed yet.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
