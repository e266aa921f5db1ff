package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/matcher"
	"github.com/sandboxkit/sandboxkit/internal/proxy"
	"github.com/sandboxkit/sandboxkit/internal/violations"
)

// networkRecorder adapts the Orchestrator's violation store to the
// proxy package's Recorder interface. Connections pass through the one
// pair of shared proxies regardless of which WrapWithSandbox invocation
// spawned the connecting process, so a network violation recorded here
// can't be attributed to a single execution id or encoded command; it
// is recorded broadcast-only. Per-execution attribution for filesystem
// and syscall violations comes from the audit-ingest packages instead,
// which do run once per execution against a known child PID.
type networkRecorder struct{}

func (r networkRecorder) RecordNetworkViolation(host string, port int) {
	RecordViolation(violations.Event{
		Kind:      violations.Network,
		Subject:   fmt.Sprintf("%s:%d", host, port),
		Raw:       fmt.Sprintf("network policy denied connection to %s:%d", host, port),
		Timestamp: time.Now().UTC(),
	})
	global.mu.Lock()
	m := global.metrics
	global.mu.Unlock()
	if m != nil {
		m.RecordConnection("deny")
	}
}

func (r networkRecorder) RecordConnectionAllowed(host string, port int) {
	global.mu.Lock()
	m := global.metrics
	global.mu.Unlock()
	if m != nil {
		m.RecordConnection("allow")
	}
}

// networkPolicyNeedsProxy reports whether any local proxy is worth
// running: with no allowed domains, the default-deny profile already
// blocks every outbound connection, so there is nothing for a mediating
// proxy to adjudicate and no proxy environment variables are emitted.
func networkPolicyNeedsProxy(cfg *config.Config) bool {
	return len(cfg.Network.AllowedDomains) > 0
}

func buildPolicy(cfg *config.Config) (*matcher.Policy, error) {
	return matcher.Compile(cfg.Network.AllowedDomains, cfg.Network.DeniedDomains)
}

func startOrAdoptHTTP(cfg *config.Config, log *slog.Logger) (int, httpProxyHandle, error) {
	if cfg.Network.HTTPProxyPort != nil {
		return *cfg.Network.HTTPProxyPort, nil, nil
	}
	if !networkPolicyNeedsProxy(cfg) {
		return 0, nil, nil
	}
	policy, err := buildPolicy(cfg)
	if err != nil {
		return 0, nil, &InternalError{Context: "compile network policy", Cause: err}
	}
	p, err := proxy.StartHTTPProxy(proxy.Config{ListenAddr: "127.0.0.1:0"}, policy, networkRecorder{}, log)
	if err != nil {
		return 0, nil, &ProxyBindFailure{Which: "http", Port: 0, Cause: err}
	}
	return p.Port(), p, nil
}

func startOrAdoptSOCKS(cfg *config.Config, log *slog.Logger) (int, httpProxyHandle, error) {
	if cfg.Network.SOCKSProxyPort != nil {
		return *cfg.Network.SOCKSProxyPort, nil, nil
	}
	if !networkPolicyNeedsProxy(cfg) {
		return 0, nil, nil
	}
	policy, err := buildPolicy(cfg)
	if err != nil {
		return 0, nil, &InternalError{Context: "compile network policy", Cause: err}
	}
	p, err := proxy.StartSOCKS5Proxy(proxy.Config{ListenAddr: "127.0.0.1:0"}, policy, networkRecorder{}, log)
	if err != nil {
		return 0, nil, &ProxyBindFailure{Which: "socks", Port: 0, Cause: err}
	}
	return p.Port(), p, nil
}
