// Package proxy implements the HTTP/CONNECT proxy and the SOCKS5 proxy
// described by §4.4 and §4.5. Both share the destination matcher and
// violation-recording shape. The HTTP side is grounded directly on the
// teacher's internal/netmonitor/proxy.go (accept loop with a WaitGroup,
// bufio.NewReader + http.ReadRequest, CONNECT tunnel with bidirectional
// io.Copy and a 200/403/502 status contract); the SOCKS5 side applies the
// same idiom to RFC 1928 framing.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/matcher"
)

// Verdictor is the destination policy consulted by both proxies.
type Verdictor interface {
	Match(host string, port int) matcher.Verdict
}

// Recorder observes the policy verdict for every connection a proxy
// handles, denied or allowed, so a caller can keep per-verdict counters
// alongside the violation record.
type Recorder interface {
	RecordNetworkViolation(host string, port int)
	RecordConnectionAllowed(host string, port int)
}

// Config bundles proxy-wide knobs.
type Config struct {
	// ListenAddr is "host:port"; port 0 asks the OS to choose.
	ListenAddr string
	// IdleTimeout closes idle relayed connections. Zero uses the 60s
	// default from §4.4.
	IdleTimeout time.Duration
	// DialTimeout bounds the upstream connect per §5. Zero uses 10s.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// HTTPProxy is the HTTP/1.1 forward proxy with CONNECT tunneling support
// described by §4.4.
type HTTPProxy struct {
	cfg      Config
	policy   Verdictor
	recorder Recorder
	log      *slog.Logger

	ln   net.Listener
	wg   sync.WaitGroup
	done chan struct{}
}

// StartHTTPProxy binds ListenAddr and begins accepting connections.
func StartHTTPProxy(cfg Config, policy Verdictor, recorder Recorder, log *slog.Logger) (*HTTPProxy, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	p := &HTTPProxy{cfg: cfg, policy: policy, recorder: recorder, log: log, ln: ln, done: make(chan struct{})}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Port returns the bound TCP port.
func (p *HTTPProxy) Port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting new connections and waits, without a bound of
// its own, for in-flight connections to finish; the orchestrator's Reset
// stops waiting on it after its 5s teardown grace period.
func (p *HTTPProxy) Close() error {
	close(p.done)
	err := p.ln.Close()
	p.wg.Wait()
	return err
}

func (p *HTTPProxy) acceptLoop() {
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

func (p *HTTPProxy) handleConn(c net.Conn) {
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(p.cfg.IdleTimeout))

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	defer req.Body.Close()

	if strings.EqualFold(req.Method, http.MethodConnect) {
		p.handleConnect(c, req)
		return
	}
	p.handleForward(c, req)
}

func (p *HTTPProxy) handleConnect(client net.Conn, req *http.Request) {
	host, port := matcher.SplitHostPort(req.Host, 443)

	if p.policy.Match(host, port) == matcher.Deny {
		_, _ = io.WriteString(client, fmt.Sprintf("HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\ndenied: %s\n", len(host)+9, host))
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
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	relay(client, upstream)
}

func (p *HTTPProxy) handleForward(client net.Conn, req *http.Request) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	h, port := matcher.SplitHostPort(host, defaultPortFor(req.URL.Scheme))

	if p.policy.Match(h, port) == matcher.Deny {
		body := fmt.Sprintf("denied: %s\n", h)
		resp := "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
		_, _ = io.WriteString(client, resp)
		if p.recorder != nil {
			p.recorder.RecordNetworkViolation(h, port)
		}
		return
	}

	if p.recorder != nil {
		p.recorder.RecordConnectionAllowed(h, port)
	}

	stripProxyHeaders(req.Header)
	req.RequestURI = ""
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
	}
	if req.URL.Host == "" {
		req.URL.Host = host
	}

	transport := &http.Transport{Proxy: nil}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer resp.Body.Close()
	_ = resp.Write(client)
}

func stripProxyHeaders(h http.Header) {
	for key := range h {
		if strings.HasPrefix(strings.ToLower(key), "proxy-") {
			h.Del(key)
		}
	}
}

func defaultPortFor(scheme string) int {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}

// relay copies bytes bidirectionally until either side closes, matching
// the teacher's CONNECT tunnel idiom.
func relay(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		_ = a.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		_ = b.Close()
	}()
	wg.Wait()
}

// ParseRequestURL is exposed for tests that need to confirm absolute-URI
// parsing for the "GET http://host/path HTTP/1.1" forward-proxy form.
func ParseRequestURL(requestURI string) (*url.URL, error) {
	return url.ParseRequestURI(requestURI)
}
