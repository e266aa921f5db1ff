// Package hostb compiles a Configuration into the three outputs Host-B
// needs: an argv for the unprivileged container launcher, a path list for
// the prebuilt syscall-filter helper, and an environment. The bind-mount
// plan is grounded on the teacher's internal/landlock/policy.go (deriving
// read/write/execute path sets from a policy, and the same
// container-escape-vector deny list idiom: docker.sock, containerd.sock,
// kubernetes service-account secrets); the namespace/mount flag constants
// follow the teacher's use of golang.org/x/sys for platform syscall
// constants across internal/landlock and internal/seccomp. The syscall
// filter invocation mirrors internal/seccomp/filter.go's
// FilterConfig/ResolveSyscalls split between a cgo-free plan (this
// package) and the prebuilt helper binary that actually applies it (see
// helper.go).
package hostb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/globcompile"
	"golang.org/x/sys/unix"
)

// BindMount describes one entry of the bind-mount plan.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Plan is the compiled Host-B output.
type Plan struct {
	Argv          []string
	BindMounts    []BindMount
	SyscallPaths  []string // paths allowed through the syscall-filter's unix-socket gate
	BlockedSyscalls []string
	Env           []config.EnvEntry
	NamespaceFlags uintptr
	WeakSandbox   bool
}

// defaultDenyPaths lists container-escape vectors the bind-mount plan
// always excludes, regardless of the configured policy — mirrored from
// internal/landlock/policy.go's BuildFromConfig.
var defaultDenyPaths = []string{
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/run/containerd/containerd.sock",
	"/run/crio/crio.sock",
	"/var/run/crio/crio.sock",
	"/var/run/secrets/kubernetes.io",
	"/run/systemd/private",
}

// blockedSyscalls are denied unconditionally by the seccomp helper:
// ptrace and process_vm* for anti-debugging, raw sockets, and the
// mount-family calls that would let the child escape its bind-mount
// jail.
var blockedSyscalls = []string{
	"ptrace",
	"process_vm_readv",
	"process_vm_writev",
	"mount",
	"umount2",
	"pivot_root",
	"socket", // conditionally re-allowed for AF_UNIX by the helper when allowed_unix_sockets is non-empty
}

// Compile builds the Host-B launch plan. workdir is the child's intended
// working directory; it is preserved in the bind-mount plan only when it
// falls within the effective read set. command is the user command to
// execute once the filter is installed; if cfg.PreCommand is set, the
// effective command is built by EffectiveCommand, so that a non-zero
// pre_command exit aborts the run with exit 66 before the user command
// ever starts.
func Compile(cfg *config.Config, httpPort, socksPort int, workdir, command string) (*Plan, error) {
	allowRead, denyWithinRead := config.EffectiveReadSet(cfg)
	readPaths, err := globcompile.ExpandForHostB(allowRead, "/")
	if err != nil {
		return nil, fmt.Errorf("compile host-b read mounts: %w", err)
	}
	denyReadPaths, err := globcompile.ExpandForHostB(denyWithinRead, "/")
	if err != nil {
		return nil, fmt.Errorf("compile host-b deny-within-read: %w", err)
	}

	allowWrite, denyWithinWrite := config.EffectiveWriteSet(cfg)
	writePaths, err := globcompile.ExpandForHostB(allowWrite, "/")
	if err != nil {
		return nil, fmt.Errorf("compile host-b write mounts: %w", err)
	}
	denyWritePaths, err := globcompile.ExpandForHostB(denyWithinWrite, "/")
	if err != nil {
		return nil, fmt.Errorf("compile host-b deny-within-write: %w", err)
	}

	plan := &Plan{
		Env:         cfg.Env,
		WeakSandbox: cfg.EnableWeakerNestedSandbox,
	}

	plan.BindMounts = append(plan.BindMounts, BindMount{Source: "/", Target: "/", ReadOnly: true})
	for _, p := range dedupSortedMinus(readPaths, denyReadPaths) {
		plan.BindMounts = append(plan.BindMounts, BindMount{Source: p, Target: p, ReadOnly: true})
	}
	// Write paths are re-bound read-write, overriding the read-only
	// default for that subtree; deny_within_allow_write is excluded
	// entirely rather than re-bound read-only, matching "the union of
	// allow_write paths is re-bound read-write".
	for _, p := range dedupSortedMinus(writePaths, denyWritePaths) {
		plan.BindMounts = append(plan.BindMounts, BindMount{Source: p, Target: p, ReadOnly: false})
	}
	for _, p := range defaultDenyPaths {
		plan.BindMounts = excludePath(plan.BindMounts, p)
	}

	plan.BindMounts = append(plan.BindMounts,
		BindMount{Source: "tmpfs", Target: "/tmp", ReadOnly: false},
		BindMount{Source: "proc", Target: "/proc", ReadOnly: false},
		BindMount{Source: "devtmpfs", Target: "/dev", ReadOnly: false},
		BindMount{Source: "sysfs", Target: "/sys", ReadOnly: true},
	)

	if workdir != "" && pathWithinAny(workdir, readPaths) {
		plan.BindMounts = append(plan.BindMounts, BindMount{Source: workdir, Target: workdir, ReadOnly: !pathWithinAny(workdir, writePaths)})
	}

	plan.NamespaceFlags = unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWNET | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC
	if cfg.EnableWeakerNestedSandbox {
		// Best-effort: namespace creation and the syscall filter are
		// attempted but failures are logged, not fatal, to permit
		// operation inside an already-namespaced container.
		plan.NamespaceFlags = unix.CLONE_NEWNS | unix.CLONE_NEWPID
	}

	plan.BlockedSyscalls = append([]string{}, blockedSyscalls...)
	plan.SyscallPaths = append([]string{}, cfg.Network.AllowedUnixSockets...)
	sort.Strings(plan.SyscallPaths)

	plan.Argv = buildArgv(cfg, plan, httpPort, socksPort, workdir, command)
	return plan, nil
}

// EffectiveCommand returns command unchanged when no pre_command is
// configured. Otherwise it runs pre_command first and, if it exits
// non-zero, short-circuits to exit 66 without ever starting command —
// 66 is the CLI's reserved exit code for a failed pre_command (§6), so
// a non-zero pre_command is distinguishable from a failing user command
// without any out-of-band signaling between the sandboxed child and the
// process that launched it.
func EffectiveCommand(cfg *config.Config, command string) string {
	if cfg.PreCommand == "" {
		return command
	}
	return "{ " + cfg.PreCommand + " ; } || exit 66; " + command
}

// namespaceFlagArgs maps each CLONE_NEW* bit the launcher cares about to
// its argv flag, in the order the launcher expects them.
var namespaceFlagArgs = []struct {
	flag uintptr
	arg  string
}{
	{uintptr(unix.CLONE_NEWUSER), "--unshare-user"},
	{uintptr(unix.CLONE_NEWNS), "--unshare-mount"},
	{uintptr(unix.CLONE_NEWPID), "--unshare-pid"},
	{uintptr(unix.CLONE_NEWUTS), "--unshare-uts"},
	{uintptr(unix.CLONE_NEWIPC), "--unshare-ipc"},
	{uintptr(unix.CLONE_NEWNET), "--unshare-net"},
}

// namespaceArgs renders plan.NamespaceFlags into the launcher's argv
// flags, one per set bit, so enable_weaker_nested_sandbox's reduced
// bitmask (see Compile) actually narrows which namespaces the launcher
// is asked to create instead of the full set being requested regardless.
func namespaceArgs(flags uintptr) []string {
	var args []string
	for _, f := range namespaceFlagArgs {
		if flags&f.flag != 0 {
			args = append(args, f.arg)
		}
	}
	return args
}

// buildArgv assembles the launcher invocation: namespace setup is
// implicit in the launcher's own flags, followed by the seccomp helper
// invocation (see helper.go), followed by "--" and the effective command
// run by /bin/sh -c (see EffectiveCommand).
func buildArgv(cfg *config.Config, plan *Plan, httpPort, socksPort int, workdir, command string) []string {
	argv := []string{LauncherBinary}

	for _, m := range plan.BindMounts {
		flag := "--ro-bind"
		if !m.ReadOnly {
			flag = "--bind"
		}
		argv = append(argv, flag, m.Source, m.Target)
	}
	argv = append(argv, "--proc", "/proc")
	argv = append(argv, "--dev", "/dev")
	argv = append(argv, "--tmpfs", "/tmp")
	if workdir != "" {
		argv = append(argv, "--chdir", workdir)
	}

	argv = append(argv, namespaceArgs(plan.NamespaceFlags)...)
	netNamespaced := plan.NamespaceFlags&uintptr(unix.CLONE_NEWNET) != 0
	if netNamespaced && (httpPort > 0 || socksPort > 0) {
		argv = append(argv, "--share-net-loopback")
	}

	argv = append(argv, "--")
	argv = append(argv, SeccompHelperInvocation(plan)...)
	argv = append(argv, "--", "/bin/sh", "-c", EffectiveCommand(cfg, command))
	return argv
}

func dedupSortedMinus(a, minus []string) []string {
	excl := make(map[string]struct{}, len(minus))
	for _, m := range minus {
		excl[m] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range a {
		if _, denied := excl[p]; denied {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func excludePath(mounts []BindMount, path string) []BindMount {
	out := mounts[:0:0]
	for _, m := range mounts {
		if m.Source == path || strings.HasPrefix(m.Source, path+"/") {
			continue
		}
		out = append(out, m)
	}
	return out
}

func pathWithinAny(path string, roots []string) bool {
	for _, r := range roots {
		if path == r || strings.HasPrefix(path, r+"/") {
			return true
		}
	}
	return false
}
