package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	hostaaudit "github.com/sandboxkit/sandboxkit/internal/audit/hosta"
	hostbaudit "github.com/sandboxkit/sandboxkit/internal/audit/hostb"
	hostbcompiler "github.com/sandboxkit/sandboxkit/internal/compiler/hostb"
	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/hostdetect"
	"github.com/sandboxkit/sandboxkit/internal/logging"
	"github.com/sandboxkit/sandboxkit/internal/orchestrator"
	"github.com/sandboxkit/sandboxkit/internal/violations"
)

type wrapOptions struct {
	settingsPath string
	debug        bool
}

// runWrap implements the §6 CLI contract end to end: load configuration,
// initialize the Orchestrator, compile the wrapped command, run it, and
// translate the outcome into a process exit code via *ExitError.
func runWrap(cmd *cobra.Command, command string, opts *wrapOptions) error {
	log := logging.New(opts.debug, false)

	cfg, err := config.Load(opts.settingsPath)
	if err != nil {
		return &ExitError{code: ExitInvalidConfig, message: err.Error()}
	}
	if err := config.Validate(cfg); err != nil {
		return &ExitError{code: ExitInvalidConfig, message: err.Error()}
	}

	if err := orchestrator.Initialize(cfg, log); err != nil {
		return classifyInitError(err)
	}

	wrapped, executionID, err := orchestrator.WrapWithSandbox(command)
	if err != nil {
		return &ExitError{code: ExitSandboxSetupFailure, message: err.Error()}
	}

	encoded := orchestrator.EncodeCommand(command)
	host := orchestrator.Host()

	collector := &violationCollector{}
	unsubExec := orchestrator.SubscribeToExecution(executionID, collector.add)
	defer unsubExec()

	var probes []hostbaudit.PathProbe
	if host == hostdetect.HostB {
		probes = hostbaudit.CapturePathProbes(denyProbePaths(cfg))
	}

	stopAuditStream := func() {}
	if host == hostdetect.HostA {
		stopAuditStream = startHostAAuditStream(executionID, encoded, log)
	}
	defer stopAuditStream()

	child := exec.Command("/bin/sh", "-c", wrapped)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()

	if err := child.Start(); err != nil {
		return &ExitError{code: ExitSandboxSetupFailure, message: err.Error()}
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case sig := <-sigCh:
		_ = child.Process.Signal(sig)
		waitErr = <-done
	}
	signal.Stop(sigCh)

	if host == hostdetect.HostB {
		recordHostBViolations(child, probes, executionID, encoded, log)
	}

	reportViolations(cmd, cfg, collector.drain(), log)

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return &ExitError{code: ExitInternalError, message: waitErr.Error()}
		}
		exitCode = exitErr.ExitCode()
	}
	if exitCode == 0 {
		return nil
	}
	return &ExitError{code: exitCode}
}

func classifyInitError(err error) error {
	switch v := err.(type) {
	case *orchestrator.InvalidConfig:
		return &ExitError{code: ExitInvalidConfig, message: v.Error()}
	case *orchestrator.ProxyBindFailure:
		return &ExitError{code: ExitSandboxSetupFailure, message: v.Error()}
	case *hostbcompiler.ToolchainMissing:
		return &ExitError{code: ExitSandboxSetupFailure, message: v.Error()}
	}
	switch err {
	case orchestrator.ErrAlreadyInitialized, orchestrator.ErrHostNotSupported:
		return &ExitError{code: ExitSandboxSetupFailure, message: err.Error()}
	}
	return &ExitError{code: ExitInternalError, message: err.Error()}
}

// startHostAAuditStream tails the live audit stream for the duration of
// one wrapped execution and feeds recognized violations into the
// Orchestrator's store. Its absence degrades silently to a warning per
// §7's audit-stream propagation policy; the sandboxed child still runs.
func startHostAAuditStream(executionID uint64, encoded string, log *slog.Logger) func() {
	stream := exec.Command("log", "stream", "--style", "syslog", "--predicate", `sender == "Sandbox"`)
	stdout, err := stream.StdoutPipe()
	if err != nil {
		log.Warn("audit ingest unavailable", "error", err)
		return func() {}
	}
	if err := stream.Start(); err != nil {
		log.Warn("audit ingest unavailable", "error", err)
		return func() {}
	}

	execID := executionID
	parser := &hostaaudit.Parser{EncodedCommand: encoded, ExecutionID: &execID}
	go func() {
		_ = parser.Run(stdout, func(ev violations.Event) {
			log.Debug("audit ingest: violation observed", "correlation_id", violations.NewEventID(), "kind", ev.Kind.String(), "subject", ev.Subject)
			orchestrator.RecordViolation(ev)
		}, func(line string) {
			log.Debug("audit ingest: malformed line", "line", line)
		})
	}()

	return func() {
		_ = stream.Process.Kill()
		_ = stream.Wait()
	}
}

// denyProbePaths returns the paths worth re-checking after a Host-B
// child exits: everything the policy denies reading, since Host-B has
// no live audit stream and can only infer a violation by noticing the
// child touched something it shouldn't have.
func denyProbePaths(cfg *config.Config) []string {
	_, deny := config.EffectiveReadSet(cfg)
	return deny
}

// recordHostBViolations compares the pre-exec probes against current
// state and inspects the child's exit status for the seccomp helper's
// SIGSYS signature, recording whatever it finds.
func recordHostBViolations(child *exec.Cmd, probes []hostbaudit.PathProbe, executionID uint64, encoded string, log *slog.Logger) {
	execID := executionID
	for _, ev := range hostbaudit.SynthesizeFsViolations(probes, encoded, &execID) {
		log.Debug("audit ingest: violation observed", "correlation_id", violations.NewEventID(), "kind", ev.Kind.String(), "subject", ev.Subject)
		orchestrator.RecordViolation(ev)
	}
	if child.ProcessState == nil {
		return
	}
	if ws, ok := child.ProcessState.Sys().(syscall.WaitStatus); ok {
		if ev := hostbaudit.SynthesizeExitViolation(ws, encoded, &execID); ev != nil {
			log.Debug("audit ingest: violation observed", "correlation_id", violations.NewEventID(), "kind", ev.Kind.String(), "subject", ev.Subject)
			orchestrator.RecordViolation(*ev)
		}
	}
}

// violationCollector buffers the violations recorded for one execution id
// so runWrap can filter and print them after the child exits; add may be
// invoked from the audit-ingest goroutine concurrently with the drain
// call racing the last in-flight callback, hence the mutex.
type violationCollector struct {
	mu  sync.Mutex
	evs []violations.Event
}

func (c *violationCollector) add(ev violations.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *violationCollector) drain() []violations.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]violations.Event{}, c.evs...)
}

// reportViolations prints the §6 JSON violation shape for every violation
// recorded against this execution, one per line on stderr, skipping
// whatever cfg.IgnoreViolations marks as suppressed. Suppressed violations
// were still counted by the metrics registry when RecordViolation ran;
// this is only about what the user sees.
func reportViolations(cmd *cobra.Command, cfg *config.Config, evs []violations.Event, log *slog.Logger) {
	suppressor := violations.NewSuppressor(cfg.IgnoreViolations.Filesystem, cfg.IgnoreViolations.Network)
	for _, ev := range evs {
		if suppressor.Suppress(ev) {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.Debug("violation report: marshal failed", "error", err)
			continue
		}
		fmt.Fprintln(cmd.ErrOrStderr(), string(data))
	}
}
