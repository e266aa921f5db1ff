package proxy

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/matcher"
)

type fakeVerdictor struct {
	allow map[string]bool
}

func (f *fakeVerdictor) Match(host string, port int) matcher.Verdict {
	if f.allow[host] {
		return matcher.Allow
	}
	return matcher.Deny
}

type fakeRecorder struct {
	denied  []string
	allowed []string
}

func (f *fakeRecorder) RecordNetworkViolation(host string, port int) {
	f.denied = append(f.denied, host)
}

func (f *fakeRecorder) RecordConnectionAllowed(host string, port int) {
	f.allowed = append(f.allowed, host)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPProxyConnectDenied(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()

	v := &fakeVerdictor{allow: map[string]bool{}}
	rec := &fakeRecorder{}
	p, err := StartHTTPProxy(Config{ListenAddr: "127.0.0.1:0"}, v, rec, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(p.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT blocked.example:443 HTTP/1.1\r\nHost: blocked.example:443\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("got status %d, want 403", resp.StatusCode)
	}
	if len(rec.denied) != 1 {
		t.Fatalf("expected one recorded violation, got %d", len(rec.denied))
	}
}

func TestHTTPProxyConnectAllowedTunnels(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()
	upstreamHost, upstreamPort := hostPort(t, upstream.Addr().String())

	v := &fakeVerdictor{allow: map[string]bool{upstreamHost: true}}
	rec := &fakeRecorder{}
	p, err := StartHTTPProxy(Config{ListenAddr: "127.0.0.1:0"}, v, rec, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(p.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT "+upstreamHost+":"+itoa(upstreamPort)+" HTTP/1.1\r\nHost: x\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want echoed ping", buf)
	}
	if len(rec.allowed) != 1 {
		t.Fatalf("expected one recorded allow, got %d", len(rec.allowed))
	}
}

func TestSOCKS5RefusesBindAndUDP(t *testing.T) {
	v := &fakeVerdictor{allow: map[string]bool{}}
	p, err := StartSOCKS5Proxy(Config{ListenAddr: "127.0.0.1:0"}, v, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(p.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Method negotiation: NO AUTH.
	conn.Write([]byte{0x05, 0x01, 0x00})
	methodResp := make([]byte, 2)
	io.ReadFull(conn, methodResp)
	if methodResp[1] != 0x00 {
		t.Fatalf("expected NO AUTH accepted, got %v", methodResp)
	}

	// BIND request.
	req := []byte{0x05, socksCmdBind, 0x00, socksAddrIPv4, 127, 0, 0, 1, 0, 80}
	conn.Write(req)
	reply := make([]byte, 10)
	io.ReadFull(conn, reply)
	if reply[1] != socksReplyCommandNotSupported {
		t.Fatalf("got reply code %d, want %d", reply[1], socksReplyCommandNotSupported)
	}

	// UDP ASSOCIATE request, on a fresh connection.
	conn2, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(p.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	conn2.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn2, make([]byte, 2))
	conn2.Write([]byte{0x05, socksCmdUDPAssoc, 0x00, socksAddrIPv4, 127, 0, 0, 1, 0, 80})
	reply = make([]byte, 10)
	io.ReadFull(conn2, reply)
	if reply[1] != socksReplyCommandNotSupported {
		t.Fatalf("UDP ASSOCIATE: got reply code %d, want %d", reply[1], socksReplyCommandNotSupported)
	}
}

func TestSOCKS5ConnectDenied(t *testing.T) {
	v := &fakeVerdictor{allow: map[string]bool{}}
	rec := &fakeRecorder{}
	p, err := StartSOCKS5Proxy(Config{ListenAddr: "127.0.0.1:0"}, v, rec, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(p.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn, make([]byte, 2))

	domain := []byte("blocked.example")
	req := []byte{0x05, socksCmdConnect, 0x00, socksAddrDomain, byte(len(domain))}
	req = append(req, domain...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 443)
	req = append(req, portBuf...)
	conn.Write(req)

	reply := make([]byte, 10)
	io.ReadFull(conn, reply)
	if reply[1] != socksReplyNotAllowed {
		t.Fatalf("got reply code %d, want %d", reply[1], socksReplyNotAllowed)
	}
	if len(rec.denied) != 1 {
		t.Fatalf("expected one recorded violation, got %d", len(rec.denied))
	}
}

func TestSOCKS5ConnectAllowedTunnels(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()
	upstreamHost, upstreamPort := hostPort(t, upstream.Addr().String())

	v := &fakeVerdictor{allow: map[string]bool{upstreamHost: true}}
	rec := &fakeRecorder{}
	p, err := StartSOCKS5Proxy(Config{ListenAddr: "127.0.0.1:0"}, v, rec, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(p.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn, make([]byte, 2))

	req := []byte{0x05, socksCmdConnect, 0x00, socksAddrIPv4, 127, 0, 0, 1}
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(upstreamPort))
	req = append(req, portBuf...)
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != socksReplySucceeded {
		t.Fatalf("got reply code %d, want %d", reply[1], socksReplySucceeded)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want echoed ping", buf)
	}
	if len(rec.allowed) != 1 {
		t.Fatalf("expected one recorded allow, got %d", len(rec.allowed))
	}
}

func startEchoServer(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func hostPort(t *testing.T, addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
