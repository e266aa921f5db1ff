// Package hosta parses Host-A's streaming audit log into violation
// events. The parser is deliberately tolerant: a single malformed or
// adversarial line (extremely long, binary bytes, or simply
// unrecognized) must never terminate ingest, matching the "tolerant by
// design" posture described by §9 and grounded on the teacher's bounded,
// resilient line-oriented readers (internal/fsmonitor/audit/audit.go's
// bufio-based sink, generalized here to a tolerant *reader* instead of a
// writer).
package hosta

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/sandboxkit/sandboxkit/internal/violations"
)

// maxLineBytes bounds a single audit line to guard against an adversarial
// or runaway producer; longer lines are truncated before parsing rather
// than allocated in full.
const maxLineBytes = 64 * 1024

// auditLineRe extracts the pieces this parser understands from a
// Host-A-style audit line, e.g.:
//
//	2026-08-03 10:00:01 sandboxd[123] deny file-read-data /etc/shadow pid 4567
//
// Lines that do not match are skipped and counted as malformed, never
// surfaced to the caller as an ingest failure.
var auditLineRe = regexp.MustCompile(`(?i)\bdeny\b\s+([a-z][a-z0-9*_-]*)\s+(\S+)\s+pid\s+(\d+)`)

var kindByClass = map[string]violations.Kind{
	"file-read-data":   violations.FsRead,
	"file-read-metadata": violations.FsRead,
	"file-read*":       violations.FsRead,
	"file-write-data":  violations.FsWrite,
	"file-write*":      violations.FsWrite,
	"file-write-create": violations.FsWrite,
	"network-outbound":  violations.Network,
	"network*":          violations.Network,
	"process-exec*":     violations.SyscallDenied,
	"debug":             violations.SyscallDenied,
}

// Stats tracks tolerant-ingest bookkeeping: lines observed, and the
// subset that failed to parse.
type Stats struct {
	LinesRead     uint64
	LinesMalformed uint64
}

// Parser reads lines from an audit stream and emits Sink calls for each
// recognized violation. It never returns an error from Run for a
// malformed line; it returns only on a read error from the underlying
// stream (EOF included, as a nil error).
type Parser struct {
	EncodedCommand string
	ExecutionID    *uint64
	Stats          Stats
}

// Run reads from r until EOF or a read error, calling sink for each
// recognized violation line. degrade is called (if non-nil) once per
// malformed line, for a caller that wants to log a warning without
// failing ingest, per §7's "audit-stream errors degrade silently to a
// warning" propagation policy.
func (p *Parser) Run(r io.Reader, sink func(violations.Event), degrade func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	skipping := false // inside the discarded tail of an over-long line
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if advance == 0 && err == nil && len(data) >= maxLineBytes {
			if skipping {
				return len(data), nil, nil
			}
			skipping = true
			return len(data), data, nil
		}
		if skipping && advance > 0 {
			skipping = false
			return advance, nil, nil
		}
		return advance, token, err
	})

	for scanner.Scan() {
		line := scanner.Text()
		p.Stats.LinesRead++

		ev, ok := p.parseLine(line)
		if !ok {
			p.Stats.LinesMalformed++
			if degrade != nil {
				degrade(line)
			}
			continue
		}
		sink(ev)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (p *Parser) parseLine(line string) (violations.Event, bool) {
	if len(line) > maxLineBytes {
		line = line[:maxLineBytes]
	}

	m := auditLineRe.FindStringSubmatch(line)
	if m == nil {
		return violations.Event{}, false
	}

	class, subject, pidStr := m[1], m[2], m[3]
	kind, ok := kindByClass[class]
	if !ok {
		kind = violations.Other
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return violations.Event{}, false
	}

	return violations.Event{
		ExecutionID:    p.ExecutionID,
		Kind:           kind,
		Subject:        subject,
		PID:            &pid,
		Raw:            line,
		Timestamp:      time.Now().UTC(),
		EncodedCommand: p.EncodedCommand,
	}, true
}
