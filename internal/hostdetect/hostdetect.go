// Package hostdetect selects which of the two supported host platforms
// (Host-A or Host-B) the orchestrator should target. The design
// deliberately keeps this a closed two-way switch rather than a plugin
// registry: per the "dynamic dispatch between hosts" design note, the two
// compilers diverge enough that a shared interface beyond this selection
// point would only obscure the code.
package hostdetect

import (
	"errors"
	"os/exec"
	"runtime"
)

// Host identifies a supported sandboxing platform.
type Host int

const (
	HostNotSupported Host = iota
	HostA
	HostB
)

func (h Host) String() string {
	switch h {
	case HostA:
		return "host-a"
	case HostB:
		return "host-b"
	default:
		return "unsupported"
	}
}

// ErrHostNotSupported is returned when neither Host-A nor Host-B tooling
// can be located on this machine.
var ErrHostNotSupported = errors.New("host not supported: neither host-a nor host-b sandbox tooling detected")

// LookPath is overridable in tests.
var LookPath = exec.LookPath

// Detect inspects runtime.GOOS: darwin is HostA when sandbox-exec is on
// PATH, linux is HostB without any probe (the launcher and seccomp helper
// are checked separately by hostb.CheckToolchain), and anything else, or
// darwin without sandbox-exec, is HostNotSupported with
// ErrHostNotSupported.
func Detect() (Host, error) {
	switch runtime.GOOS {
	case "darwin":
		if _, err := LookPath("sandbox-exec"); err != nil {
			return HostNotSupported, ErrHostNotSupported
		}
		return HostA, nil
	case "linux":
		return HostB, nil
	default:
		return HostNotSupported, ErrHostNotSupported
	}
}
