// Package hosta compiles a Configuration into the declarative profile
// text consumed by Host-A's policy-kernel interpreter (modeled on macOS
// Seatbelt/sandbox-exec). Rule emission ordering is grounded on the
// teacher's internal/policygen/generator.go (deterministic, sorted
// emission) and internal/landlock/policy.go (deriving path rule sets from
// a policy's allow/deny lists); the profile syntax itself follows the
// Scheme-like "(allow ...)"/"(deny ...)" dialect those BSD policy kernels
// use.
package hosta

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/globcompile"
)

// Plan is the compiled Host-A output: a profile body ready to pass to the
// sandbox-exec-equivalent interpreter.
type Plan struct {
	Profile string
}

// Compile builds a Host-A profile from cfg. httpPort and socksPort are the
// bound proxy ports (0 means "not yet bound / omitted").
func Compile(cfg *config.Config, httpPort, socksPort int) (*Plan, error) {
	var b strings.Builder

	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n\n")

	if err := writeReadRules(&b, cfg); err != nil {
		return nil, fmt.Errorf("compile host-a read rules: %w", err)
	}
	b.WriteString("\n")
	if err := writeWriteRules(&b, cfg); err != nil {
		return nil, fmt.Errorf("compile host-a write rules: %w", err)
	}
	b.WriteString("\n")
	writeNetworkRules(&b, cfg, httpPort, socksPort)
	b.WriteString("\n")
	writeProcessRules(&b)

	return &Plan{Profile: b.String()}, nil
}

// writeReadRules emits the §4.6 read-rule body. Under AllowOnly: deny-all
// (inherited from the file-level default), then allow-regex per effective
// read path, then deny-regex for deny_within_allow_read — rule ordering
// matters because the host evaluates last-match-wins within a class, so
// the deny-exception regexes must come after their corresponding allows.
func writeReadRules(b *strings.Builder, cfg *config.Config) error {
	b.WriteString(";; file-read rules\n")

	switch cfg.Filesystem.ReadPolicy {
	case config.AllowOnly:
		allowPaths, denyWithin := effectiveAllowOnlyReadPaths(cfg)
		allowRules, negRules, err := globcompile.CompileForHostA(allowPaths)
		if err != nil {
			return err
		}
		for _, r := range sortedByRaw(allowRules) {
			fmt.Fprintf(b, "(allow file-read* (regex #%s))\n", quoteRegex(r.Regex.String()))
		}
		denyWithinRules, _, err := globcompile.CompileForHostA(denyWithin)
		if err != nil {
			return err
		}
		for _, r := range append(sortedByRaw(denyWithinRules), sortedByRaw(negRules)...) {
			fmt.Fprintf(b, "(deny file-read* (regex #%s))\n", quoteRegex(r.Regex.String()))
		}
	default: // DenyOnly
		denyRules, negRules, err := globcompile.CompileForHostA(cfg.Filesystem.DenyRead)
		if err != nil {
			return err
		}
		for _, r := range append(sortedByRaw(denyRules), sortedByRaw(negRules)...) {
			fmt.Fprintf(b, "(deny file-read* (regex #%s))\n", quoteRegex(r.Regex.String()))
		}
	}
	return nil
}

// writeWriteRules emits the §4.6 write-rule body. Write policy is always
// allow-only: deny-all, then allow-regex for allow_write, then deny-regex
// for deny_within_allow_write.
func writeWriteRules(b *strings.Builder, cfg *config.Config) error {
	b.WriteString(";; file-write rules (always allow-only)\n")

	allowRules, negAllow, err := globcompile.CompileForHostA(cfg.Filesystem.AllowWrite)
	if err != nil {
		return err
	}
	for _, r := range sortedByRaw(allowRules) {
		fmt.Fprintf(b, "(allow file-write* (regex #%s))\n", quoteRegex(r.Regex.String()))
	}

	denyWithin, negWithin, err := globcompile.CompileForHostA(cfg.Filesystem.DenyWithinAllowWrite)
	if err != nil {
		return err
	}
	allDeny := append(sortedByRaw(denyWithin), sortedByRaw(negWithin)...)
	allDeny = append(allDeny, sortedByRaw(negAllow)...)
	for _, r := range allDeny {
		fmt.Fprintf(b, "(deny file-write* (regex #%s))\n", quoteRegex(r.Regex.String()))
	}
	return nil
}

// writeNetworkRules emits: deny all TCP outbound except the two loopback
// proxy ports; allow Unix-socket connect only to the explicit allowlist;
// deny DNS and raw sockets.
func writeNetworkRules(b *strings.Builder, cfg *config.Config, httpPort, socksPort int) {
	b.WriteString(";; network rules\n")
	b.WriteString("(deny network*)\n")
	b.WriteString("(deny network-outbound)\n")
	b.WriteString("(deny network-inbound)\n")

	if httpPort > 0 {
		fmt.Fprintf(b, "(allow network-outbound (remote tcp \"127.0.0.1:%d\"))\n", httpPort)
	}
	if socksPort > 0 {
		fmt.Fprintf(b, "(allow network-outbound (remote tcp \"127.0.0.1:%d\"))\n", socksPort)
	}

	sockets := append([]string{}, cfg.Network.AllowedUnixSockets...)
	sort.Strings(sockets)
	for _, path := range sockets {
		fmt.Fprintf(b, "(allow network-outbound (remote unix-socket (path-literal %s)))\n", quoteString(path))
	}

	b.WriteString("(deny system-socket (socket-domain AF_INET))\n")
	b.WriteString("(deny system-socket (socket-domain AF_INET6))\n")
}

// writeProcessRules allows fork/exec/standard IPC and denies debugging
// operations, per §4.6.
func writeProcessRules(b *strings.Builder) {
	b.WriteString(";; process rules\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow process-exec*)\n")
	b.WriteString("(allow ipc-posix*)\n")
	b.WriteString("(allow mach-lookup)\n")
	b.WriteString("(deny process-info* (with no-log))\n")
	b.WriteString("(deny debug)\n")
}

// effectiveAllowOnlyReadPaths returns the allow list (caller's allow_read
// plus the platform-mandated minimum from §3) and the deny_within set.
func effectiveAllowOnlyReadPaths(cfg *config.Config) (allow, denyWithin []string) {
	allow = append(allow, cfg.Filesystem.AllowRead...)
	allow = append(allow, config.PlatformLoaderMinimum()...)
	return allow, cfg.Filesystem.DenyWithinAllowRead
}

func sortedByRaw(rules []*globcompile.Rule) []*globcompile.Rule {
	out := append([]*globcompile.Rule{}, rules...)
	sort.Slice(out, func(i, j int) bool { return out[i].Raw < out[j].Raw })
	return out
}

func quoteRegex(pattern string) string {
	return "\"" + strings.ReplaceAll(pattern, "\"", "\\\"") + "\""
}

func quoteString(s string) string {
	return strconv.Quote(s)
}
