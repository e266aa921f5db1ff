// Package hostb synthesises violation events for Host-B, which has no
// live audit stream: after the child exits, this package probes the
// paths the policy denied to see whether the child actually touched them
// (via mtime and existence captured before exec) and inspects the exit
// status for the SIGSYS signature a denied syscall leaves behind. This mirrors the teacher's post-hoc stat-diffing idiom in
// internal/fsmonitor/path.go and stat_unix.go, generalized from a live
// FUSE interception to a before/after probe since Host-B's bind-mount
// jail has no interception point of its own.
package hostb

import (
	"os"
	"syscall"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/violations"
)

// PathProbe captures a path's mtime immediately before exec, so a
// post-exit comparison can detect writes that should have been denied.
type PathProbe struct {
	Path    string
	Before  time.Time
	Existed bool
}

// CapturePathProbes stats each path before the child runs.
func CapturePathProbes(paths []string) []PathProbe {
	probes := make([]PathProbe, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			probes = append(probes, PathProbe{Path: p, Existed: false})
			continue
		}
		probes = append(probes, PathProbe{Path: p, Before: info.ModTime(), Existed: true})
	}
	return probes
}

// SynthesizeFsViolations compares each probe against its post-exit state
// and emits a FsWrite violation for any path whose mtime advanced (or
// that came into existence) despite being outside the write policy.
func SynthesizeFsViolations(probes []PathProbe, encodedCommand string, executionID *uint64) []violations.Event {
	var out []violations.Event
	now := time.Now().UTC()
	for _, probe := range probes {
		info, err := os.Stat(probe.Path)
		changed := false
		switch {
		case err != nil && probe.Existed:
			changed = true // deleted
		case err == nil && !probe.Existed:
			changed = true // created
		case err == nil && probe.Existed && info.ModTime().After(probe.Before):
			changed = true // modified
		}
		if !changed {
			continue
		}
		out = append(out, violations.Event{
			ExecutionID:    executionID,
			Kind:           violations.FsWrite,
			Subject:        probe.Path,
			Raw:            "post-hoc mtime probe detected unexpected write to " + probe.Path,
			Timestamp:      now,
			EncodedCommand: encodedCommand,
		})
	}
	return out
}

// SynthesizeExitViolation inspects a child's exit status for the seccomp
// helper's SIGSYS action, and if the child was terminated by SIGSYS,
// synthesizes a SyscallDenied violation rather than surfacing it through
// the API, per the §7 propagation policy for NetworkDenied/FsDenied-class
// conditions. Exit codes are not inspected: a child that exits normally,
// whatever its code, yields nil.
func SynthesizeExitViolation(ws syscall.WaitStatus, encodedCommand string, executionID *uint64) *violations.Event {
	if ws.Signaled() && ws.Signal() == syscall.SIGSYS {
		return &violations.Event{
			ExecutionID:    executionID,
			Kind:           violations.SyscallDenied,
			Subject:        "seccomp_filter",
			Raw:            "child terminated by SIGSYS: syscall filter denied a system call",
			Timestamp:      time.Now().UTC(),
			EncodedCommand: encodedCommand,
		}
	}
	return nil
}
