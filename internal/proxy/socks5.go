package proxy

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/matcher"
)

const (
	socksVersion5       = 0x05
	socksAuthNone       = 0x00
	socksNoAcceptable   = 0xFF
	socksCmdConnect     = 0x01
	socksCmdBind        = 0x02
	socksCmdUDPAssoc    = 0x03
	socksAddrIPv4       = 0x01
	socksAddrDomain     = 0x03
	socksAddrIPv6       = 0x04

	socksReplySucceeded           = 0x00
	socksReplyGeneralFailure      = 0x01
	socksReplyNotAllowed          = 0x02
	socksReplyNetUnreachable      = 0x03
	socksReplyHostUnreachable     = 0x04
	socksReplyConnRefused         = 0x05
	socksReplyTTLExpired          = 0x06
	socksReplyCommandNotSupported = 0x07
	socksReplyAddrNotSupported    = 0x08
)

// SOCKS5Proxy implements RFC 1928 with NO AUTHENTICATION REQUIRED only,
// restricted to the CONNECT command, per §4.5.
type SOCKS5Proxy struct {
	cfg      Config
	policy   Verdictor
	recorder Recorder
	log      *slog.Logger

	ln   net.Listener
	wg   sync.WaitGroup
	done chan struct{}
}

// StartSOCKS5Proxy binds ListenAddr and begins accepting connections.
func StartSOCKS5Proxy(cfg Config, policy Verdictor, recorder Recorder, log *slog.Logger) (*SOCKS5Proxy, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	p := &SOCKS5Proxy{cfg: cfg, policy: policy, recorder: recorder, log: log, ln: ln, done: make(chan struct{})}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Port returns the bound TCP port.
func (p *SOCKS5Proxy) Port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting new connections and waits for in-flight
// connections to finish.
func (p *SOCKS5Proxy) Close() error {
	close(p.done)
	err := p.ln.Close()
	p.wg.Wait()
	return err
}

func (p *SOCKS5Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
				continue
			}
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn)
		}()
	}
}

func (p *SOCKS5Proxy) handleConn(c net.Conn) {
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(p.cfg.IdleTimeout))

	if !p.handshake(c) {
		return
	}

	host, port, cmd, ok := p.readRequest(c)
	if !ok {
		return
	}

	if cmd != socksCmdConnect {
		writeSocksReply(c, socksReplyCommandNotSupported, nil)
		return
	}

	if p.policy.Match(host, port) == matcher.Deny {
		writeSocksReply(c, socksReplyNotAllowed, nil)
		if p.recorder != nil {
			p.recorder.RecordNetworkViolation(host, port)
		}
		return
	}

	if p.recorder != nil {
		p.recorder.RecordConnectionAllowed(host, port)
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.cfg.DialTimeout)
	if err != nil {
		code := byte(socksReplyConnRefused)
		if _, ok := err.(*net.DNSError); ok {
			code = socksReplyHostUnreachable
		}
		writeSocksReply(c, code, nil)
		return
	}
	defer upstream.Close()

	localAddr, _ := upstream.LocalAddr().(*net.TCPAddr)
	writeSocksReply(c, socksReplySucceeded, localAddr)

	relay(c, upstream)
}

// handshake performs the RFC 1928 method negotiation, accepting only
// NO AUTHENTICATION REQUIRED.
func (p *SOCKS5Proxy) handshake(c net.Conn) bool {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil || hdr[0] != socksVersion5 {
		return false
	}
	nMethods := int(hdr[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(c, methods); err != nil {
		return false
	}

	for _, m := range methods {
		if m == socksAuthNone {
			_, _ = c.Write([]byte{socksVersion5, socksAuthNone})
			return true
		}
	}
	_, _ = c.Write([]byte{socksVersion5, socksNoAcceptable})
	return false
}

func (p *SOCKS5Proxy) readRequest(c net.Conn) (host string, port int, cmd byte, ok bool) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c, hdr); err != nil || hdr[0] != socksVersion5 {
		return "", 0, 0, false
	}
	cmd = hdr[1]
	addrType := hdr[3]

	switch addrType {
	case socksAddrIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			return "", 0, 0, false
		}
		host = net.IP(buf).String()
	case socksAddrIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(c, buf); err != nil {
			return "", 0, 0, false
		}
		host = net.IP(buf).String()
	case socksAddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(c, lenBuf); err != nil {
			return "", 0, 0, false
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(c, buf); err != nil {
			return "", 0, 0, false
		}
		host = string(buf)
	default:
		writeSocksReply(c, socksReplyAddrNotSupported, nil)
		return "", 0, 0, false
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(c, portBuf); err != nil {
		return "", 0, 0, false
	}
	port = int(binary.BigEndian.Uint16(portBuf))
	return host, port, cmd, true
}

// writeSocksReply writes a SOCKS5 reply frame. If bindAddr is nil, a
// zero IPv4 address and port are used, as permitted by RFC 1928 for error
// replies.
func writeSocksReply(c net.Conn, code byte, bindAddr *net.TCPAddr) {
	reply := []byte{socksVersion5, code, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0}
	if bindAddr != nil {
		ip4 := bindAddr.IP.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		copy(reply[4:8], ip4)
		binary.BigEndian.PutUint16(reply[8:10], uint16(bindAddr.Port))
	}
	_, _ = c.Write(reply)
}
