// Package orchestrator is the process-wide coordinator described by
// §4.8: it validates a configuration, starts or reuses the proxy pair,
// selects a policy compiler for the detected host, and turns a user
// command into a wrapped command string that runs under the assembled
// sandbox. State lives in a single package-level cell guarded by a
// mutex, grounded on the teacher's internal/session lifecycle pattern
// (mutex-guarded state, idempotent start, cooperative teardown).
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/compiler/hosta"
	"github.com/sandboxkit/sandboxkit/internal/compiler/hostb"
	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/hostdetect"
	"github.com/sandboxkit/sandboxkit/internal/metrics"
	"github.com/sandboxkit/sandboxkit/internal/violations"
)

// teardownGrace bounds how long Reset waits for in-flight connections
// before force-closing, per §5.
const teardownGrace = 5 * time.Second

// cell is the single process-wide Orchestrator state. The zero value
// represents Uninitialized.
type cell struct {
	mu sync.Mutex

	cfg  *config.Config
	host hostdetect.Host

	httpPort  int // 0 if no HTTP proxy is in play
	socksPort int // 0 if no SOCKS proxy is in play

	httpLocal  httpProxyHandle // non-nil only when this process bound the listener
	socksLocal httpProxyHandle // same

	store   *violations.Store
	metrics *metrics.Registry
	log     *slog.Logger

	execCounter uint64
}

// httpProxyHandle is a narrow view over *proxy.HTTPProxy/*proxy.SOCKS5Proxy,
// declared here so this file only needs Port/Close from either concrete
// type.
type httpProxyHandle interface {
	Port() int
	Close() error
}

var global cell

func init() {
	global.store = violations.New()
	global.metrics = metrics.New()
	global.log = slog.Default()
}

// Initialize validates cfg and brings the Orchestrator to the
// Initialized state. Re-Initializing with a structurally equal
// configuration is a no-op; re-Initializing with a different one fails
// with ErrAlreadyInitialized. Any proxy started during a failed attempt
// is closed before the error is returned.
func Initialize(cfg *config.Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		var fe *config.FieldError
		if ok := asFieldError(err, &fe); ok {
			return &InvalidConfig{Field: fe.Field, Reason: fe.Reason}
		}
		return &InvalidConfig{Field: "", Reason: err.Error()}
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if global.cfg != nil {
		if global.cfg.Equal(cfg) {
			return nil
		}
		return ErrAlreadyInitialized
	}

	host, err := hostdetect.Detect()
	if err != nil {
		return ErrHostNotSupported
	}
	if host == hostdetect.HostB {
		if err := hostb.CheckToolchain(cfg.EnableWeakerNestedSandbox); err != nil {
			return err
		}
		if cfg.EnableWeakerNestedSandbox {
			if _, err := hostb.LookPath(hostb.SeccompHelperBinary); err != nil {
				// global.mu is already held here; call the store and
				// metrics directly rather than through RecordViolation,
				// which takes the same lock.
				global.store.Add(violations.Event{
					Kind:      violations.SyscallDenied,
					Subject:   "filter_install_failed",
					Raw:       "enable_weaker_nested_sandbox is set but the seccomp helper is unavailable; continuing without a syscall filter",
					Timestamp: time.Now().UTC(),
				})
				global.metrics.RecordViolation(violations.SyscallDenied.String())
			}
		}
	}

	httpPort, httpHandle, err := startOrAdoptHTTP(cfg, log)
	if err != nil {
		return err
	}
	socksPort, socksHandle, err := startOrAdoptSOCKS(cfg, log)
	if err != nil {
		if httpHandle != nil {
			_ = httpHandle.Close()
		}
		return err
	}

	global.cfg = cfg
	global.host = host
	global.httpPort = httpPort
	global.socksPort = socksPort
	global.httpLocal = httpHandle
	global.socksLocal = socksHandle
	global.log = log
	global.metrics.RecordInitialize()

	return nil
}

func asFieldError(err error, out **config.FieldError) bool {
	fe, ok := err.(*config.FieldError)
	if ok {
		*out = fe
	}
	return ok
}

// GetProxyPort returns the HTTP proxy's port and whether one is in play
// (external or local).
func GetProxyPort() (int, bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.httpPort, global.httpPort != 0
}

// GetSOCKSProxyPort returns the SOCKS5 proxy's port and whether one is
// in play.
func GetSOCKSProxyPort() (int, bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.socksPort, global.socksPort != 0
}

// GetEnv returns the configured extra environment entries, in their
// original order.
func GetEnv() []config.EnvEntry {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.cfg == nil {
		return nil
	}
	return append([]config.EnvEntry{}, global.cfg.Env...)
}

// GetPreCommand returns the configured pre_command, or "" if none.
func GetPreCommand() string {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.cfg == nil {
		return ""
	}
	return global.cfg.PreCommand
}

// Host returns the detected host platform, for collaborators (the CLI's
// audit-ingest wiring) that need to pick between the Host-A and Host-B
// audit packages.
func Host() hostdetect.Host {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.host
}

// WrapWithSandbox compiles the active policy for the detected host and
// returns a command string directly executable by a POSIX shell. It
// also returns the execution id allocated for this invocation: callers
// that want per-run violation events must capture it before the command
// runs and pass it to SubscribeToExecution, since events recorded after
// the command exits may already have been delivered to broadcast
// subscribers only.
func WrapWithSandbox(command string) (wrapped string, executionID uint64, err error) {
	global.mu.Lock()
	if global.cfg == nil {
		global.mu.Unlock()
		return "", 0, &InternalError{Context: "wrap_with_sandbox", Cause: fmt.Errorf("orchestrator not initialized")}
	}
	cfg := global.cfg
	host := global.host
	httpPort := global.httpPort
	socksPort := global.socksPort
	global.execCounter++
	executionID = global.execCounter
	global.mu.Unlock()

	switch host {
	case hostdetect.HostA:
		wrapped, err = wrapHostA(cfg, httpPort, socksPort, command)
	case hostdetect.HostB:
		wrapped, err = wrapHostB(cfg, httpPort, socksPort, command)
	default:
		err = ErrHostNotSupported
	}
	if err != nil {
		return "", 0, err
	}
	return wrapped, executionID, nil
}

// wrapHostA compiles a Host-A profile to a temp file and invokes it via
// sandbox-exec. The profile is removed once sandbox-exec returns,
// whatever its exit status; if the shell running this string is killed
// before that, the file is left behind.
func wrapHostA(cfg *config.Config, httpPort, socksPort int, command string) (string, error) {
	plan, err := hosta.Compile(cfg, httpPort, socksPort)
	if err != nil {
		return "", &InternalError{Context: "compile host-a profile", Cause: err}
	}

	profilePath, err := writeTempProfile("sandboxkit-*.sb", plan.Profile)
	if err != nil {
		return "", &InternalError{Context: "write host-a profile", Cause: err}
	}

	inner := hostb.EffectiveCommand(cfg, command)
	launch := fmt.Sprintf(
		"sandbox-exec -f %s /bin/sh -c %s; status=$?; rm -f %s; exit $status",
		shellQuote(profilePath), shellQuote(inner), shellQuote(profilePath),
	)
	return assembleWithEnv(cfg, httpPort, socksPort, launch), nil
}

func wrapHostB(cfg *config.Config, httpPort, socksPort int, command string) (string, error) {
	workdir, _ := os.Getwd()
	plan, err := hostb.Compile(cfg, httpPort, socksPort, workdir, command)
	if err != nil {
		return "", &InternalError{Context: "compile host-b plan", Cause: err}
	}
	argv := make([]string, len(plan.Argv))
	for i, a := range plan.Argv {
		argv[i] = shellQuote(a)
	}
	return assembleWithEnv(cfg, httpPort, socksPort, strings.Join(argv, " ")), nil
}

// assembleWithEnv prefixes launchCmd with the bit-exact §4.8 environment
// variable assignments: the proxy variables HTTP_PROXY/HTTPS_PROXY (when
// an HTTP port is in play), ALL_PROXY (when a SOCKS port is in play) and
// NO_PROXY (all omitted entirely when both ports are absent), then
// SANDBOX_RUNTIME, TMPDIR, then cfg.Env in its original order.
func assembleWithEnv(cfg *config.Config, httpPort, socksPort int, launchCmd string) string {
	var b strings.Builder
	if httpPort > 0 || socksPort > 0 {
		if httpPort > 0 {
			fmt.Fprintf(&b, "HTTP_PROXY=%s ", shellQuote(fmt.Sprintf("http://localhost:%d", httpPort)))
			fmt.Fprintf(&b, "HTTPS_PROXY=%s ", shellQuote(fmt.Sprintf("http://localhost:%d", httpPort)))
		}
		if socksPort > 0 {
			fmt.Fprintf(&b, "ALL_PROXY=%s ", shellQuote(fmt.Sprintf("socks5://localhost:%d", socksPort)))
		}
		b.WriteString("NO_PROXY= ")
	}
	b.WriteString("SANDBOX_RUNTIME=1 ")
	b.WriteString("TMPDIR=/tmp/claude ")
	for _, e := range cfg.Env {
		fmt.Fprintf(&b, "%s=%s ", e.Name, shellQuote(e.Value))
	}
	b.WriteString(launchCmd)
	return b.String()
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote, so the result is safe to splice into a POSIX shell command
// line regardless of its contents.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func writeTempProfile(pattern, contents string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(contents); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// RecordViolation feeds a violation observed by an audit-ingest
// collaborator (the CLI's Host-A stream parser or Host-B post-hoc
// probe) into the owned store, incrementing the matching metrics
// counter. It is not part of §4.8's public operation list; it is the
// seam audit ingest uses to reach the store the Orchestrator otherwise
// keeps private.
func RecordViolation(ev violations.Event) violations.Event {
	global.mu.Lock()
	store := global.store
	m := global.metrics
	global.mu.Unlock()
	recorded := store.Add(ev)
	m.RecordViolation(ev.Kind.String())
	return recorded
}

// EncodeCommand exposes violations.EncodeCommand so collaborators never
// need to import the violations package solely for this one function.
func EncodeCommand(command string) string { return violations.EncodeCommand(command) }

// Subscribe forwards to the owned Violation Store.
func Subscribe(cb violations.Callback) violations.Unsubscribe {
	global.mu.Lock()
	store := global.store
	global.mu.Unlock()
	return store.Subscribe(cb)
}

// SubscribeToExecution forwards to the owned Violation Store.
func SubscribeToExecution(executionID uint64, cb violations.ExecCallback) violations.Unsubscribe {
	global.mu.Lock()
	store := global.store
	global.mu.Unlock()
	return store.SubscribeToExecution(executionID, cb)
}

// Metrics exposes the Prometheus-backed counters for a daemon-mode
// /metrics handler or status command.
func Metrics() *metrics.Registry {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.metrics
}

// Reset tears the Orchestrator back down to Uninitialized: the proxy
// listeners are closed and Reset waits up to teardownGrace for their
// in-flight connections to finish (connections still open after that
// are not force-closed here; each ends at its own deadline),
// subscribers are dropped, the violation ring is cleared (its total
// count is kept), and the state cell is emptied. Safe to call when
// already Uninitialized.
func Reset() error {
	global.mu.Lock()
	httpLocal := global.httpLocal
	socksLocal := global.socksLocal
	store := global.store
	m := global.metrics
	global.cfg = nil
	global.host = hostdetect.HostNotSupported
	global.httpPort = 0
	global.socksPort = 0
	global.httpLocal = nil
	global.socksLocal = nil
	global.mu.Unlock()

	closeWithGrace(httpLocal)
	closeWithGrace(socksLocal)
	store.ResetSubscribers()
	store.Clear()
	m.RecordReset()
	return nil
}

func closeWithGrace(h httpProxyHandle) {
	if h == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownGrace):
	}
}
