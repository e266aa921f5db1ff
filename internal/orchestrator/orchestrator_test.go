package orchestrator

import (
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxkit/sandboxkit/internal/compiler/hostb"
	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/violations"
)

// withFakeToolchain makes hostb.CheckToolchain succeed regardless of
// which binaries actually exist in the test environment's PATH, since
// the launcher and seccomp helper are external tools this module never
// builds.
func withFakeToolchain(t *testing.T) {
	t.Helper()
	prev := hostb.LookPath
	hostb.LookPath = func(string) (string, error) { return "/bin/true", nil }
	t.Cleanup(func() { hostb.LookPath = prev })
}

func baseConfig() *config.Config {
	return &config.Config{
		Filesystem: config.Filesystem{ReadPolicy: config.DenyOnly},
	}
}

func TestInitializeIdempotentOnEqualConfig(t *testing.T) {
	withFakeToolchain(t)
	t.Cleanup(func() { _ = Reset() })

	cfg := baseConfig()
	require.NoError(t, Initialize(cfg, nil))
	cfg2 := baseConfig()
	require.NoError(t, Initialize(cfg2, nil), "second Initialize with an equal config should be a no-op")
}

func TestInitializeRejectsDifferentConfig(t *testing.T) {
	withFakeToolchain(t)
	t.Cleanup(func() { _ = Reset() })

	cfg := baseConfig()
	require.NoError(t, Initialize(cfg, nil))

	other := baseConfig()
	other.PreCommand = "echo different"
	err := Initialize(other, nil)
	assert.Equal(t, ErrAlreadyInitialized, err)
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	withFakeToolchain(t)
	t.Cleanup(func() { _ = Reset() })

	badPort := 99999
	cfg := baseConfig()
	cfg.Network.HTTPProxyPort = &badPort

	err := Initialize(cfg, nil)
	require.Error(t, err)
	assert.IsType(t, &InvalidConfig{}, err)
}

func TestWrapWithSandboxOmitsProxyVarsWhenNoDomainsAllowed(t *testing.T) {
	withFakeToolchain(t)
	t.Cleanup(func() { _ = Reset() })

	cfg := baseConfig()
	cfg.Env = []config.EnvEntry{{Name: "FOO", Value: "bar"}}
	require.NoError(t, Initialize(cfg, nil))

	wrapped, execID, err := WrapWithSandbox("echo hi")
	require.NoError(t, err)
	assert.NotZero(t, execID)
	assert.NotContains(t, wrapped, "HTTP_PROXY")
	assert.NotContains(t, wrapped, "ALL_PROXY")
	assert.Contains(t, wrapped, "SANDBOX_RUNTIME=1")
	assert.Contains(t, wrapped, "TMPDIR=")
	assert.Contains(t, wrapped, "FOO=")

	// The assembled string should be accepted by a POSIX-style parser;
	// we don't execute it, only confirm the shell can tokenize it.
	if _, err := exec.LookPath("sh"); err == nil {
		cmd := exec.Command("sh", "-n", "-c", wrapped)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("wrapped command failed shell syntax check: %v\n%s\n%s", err, wrapped, out)
		}
	}
}

func TestWrapWithSandboxIncludesProxyVarsWhenDomainsAllowed(t *testing.T) {
	withFakeToolchain(t)
	t.Cleanup(func() { _ = Reset() })

	cfg := baseConfig()
	cfg.Network.AllowedDomains = []string{"example.com"}
	require.NoError(t, Initialize(cfg, nil))

	httpPort, ok := GetProxyPort()
	require.True(t, ok)
	assert.NotZero(t, httpPort)

	socksPort, ok := GetSOCKSProxyPort()
	require.True(t, ok)
	assert.NotZero(t, socksPort)
	assert.NotEqual(t, httpPort, socksPort, "http and socks proxies must bind distinct ports")

	wrapped, _, err := WrapWithSandbox("echo hi")
	require.NoError(t, err)
	assert.Contains(t, wrapped, "HTTP_PROXY=")
	assert.Contains(t, wrapped, "ALL_PROXY=")
	assert.Contains(t, wrapped, "NO_PROXY=")
}

func TestResetReturnsToUninitialized(t *testing.T) {
	withFakeToolchain(t)

	cfg := baseConfig()
	cfg.Network.AllowedDomains = []string{"example.com"}
	require.NoError(t, Initialize(cfg, nil))
	_, ok := GetProxyPort()
	require.True(t, ok, "expected proxy to be bound before Reset")

	require.NoError(t, Reset())
	port, ok := GetProxyPort()
	assert.False(t, ok)
	assert.Zero(t, port)

	// Reset is safe to call again while already Uninitialized.
	require.NoError(t, Reset())

	// And Initialize works again afterward.
	require.NoError(t, Initialize(baseConfig(), nil))
	t.Cleanup(func() { _ = Reset() })
}

func TestInitializeRecordsViolationWhenBestEffortFilterUnavailable(t *testing.T) {
	prev := hostb.LookPath
	hostb.LookPath = func(tool string) (string, error) {
		if tool == hostb.SeccompHelperBinary {
			return "", fmt.Errorf("not found")
		}
		return "/bin/true", nil
	}
	t.Cleanup(func() { hostb.LookPath = prev })
	t.Cleanup(func() { _ = Reset() })

	cfg := baseConfig()
	cfg.EnableWeakerNestedSandbox = true
	require.NoError(t, Initialize(cfg, nil), "a missing seccomp helper must degrade, not fail, under enable_weaker_nested_sandbox")

	snapshot := Metrics().Snapshot()
	assert.Equal(t, int64(1), snapshot.ViolationsByKind[violations.SyscallDenied.String()])
}

func TestSubscribeReceivesRecordedViolations(t *testing.T) {
	withFakeToolchain(t)
	t.Cleanup(func() { _ = Reset() })

	require.NoError(t, Initialize(baseConfig(), nil))

	seen := make(chan int, 4)
	unsub := Subscribe(func(snapshot []violations.Event) { seen <- len(snapshot) })
	defer unsub()

	<-seen // initial empty snapshot delivered on Subscribe

	RecordViolation(violations.Event{Kind: violations.Network, Subject: "example.com:443"})

	select {
	case n := <-seen:
		assert.Equal(t, 1, n, "expected snapshot of length 1 after one violation")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast after RecordViolation")
	}
}
