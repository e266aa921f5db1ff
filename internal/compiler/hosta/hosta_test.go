package hosta

import (
	"strings"
	"testing"

	"github.com/sandboxkit/sandboxkit/internal/config"
)

func TestCompileAllowOnlyIncludesMinimumAndDenyWithin(t *testing.T) {
	cfg := &config.Config{
		Filesystem: config.Filesystem{
			ReadPolicy:          config.AllowOnly,
			AllowRead:           []string{"/workspace/**"},
			DenyWithinAllowRead: []string{"/workspace/.git/**"},
		},
	}
	plan, err := Compile(cfg, 8081, 8082)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.Profile, "(deny default)") {
		t.Fatal("missing default-deny base")
	}
	if !strings.Contains(plan.Profile, "allow file-read*") {
		t.Fatal("missing allow file-read rule")
	}
	if !strings.Contains(plan.Profile, "^/usr/lib(") {
		t.Fatal("missing platform loader minimum in allow file-read rules")
	}
	if !strings.Contains(plan.Profile, `(deny file-read* (regex #"^/workspace/\.git/`) {
		t.Fatal("missing deny file-read rule for deny_within_allow_read")
	}
	if !strings.Contains(plan.Profile, "127.0.0.1:8081") || !strings.Contains(plan.Profile, "127.0.0.1:8082") {
		t.Fatal("missing proxy loopback exceptions")
	}
}

func TestCompileDenyOnlyEmitsOnlyDenyRules(t *testing.T) {
	cfg := &config.Config{
		Filesystem: config.Filesystem{
			ReadPolicy: config.DenyOnly,
			DenyRead:   []string{"/etc/shadow"},
		},
	}
	plan, err := Compile(cfg, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.Profile, "deny file-read*") {
		t.Fatal("missing deny file-read rule")
	}
}

func TestCompileOmitsLoopbackExceptionWhenNoPortsBound(t *testing.T) {
	cfg := &config.Config{Filesystem: config.Filesystem{ReadPolicy: config.DenyOnly}}
	plan, err := Compile(cfg, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(plan.Profile, "127.0.0.1") {
		t.Fatal("unexpected loopback exception with no proxy ports bound")
	}
}

func TestCompileRejectsUnsupportedGlob(t *testing.T) {
	cfg := &config.Config{
		Filesystem: config.Filesystem{
			ReadPolicy: config.DenyOnly,
			DenyRead:   []string{"/foo/**bar"},
		},
	}
	if _, err := Compile(cfg, 0, 0); err == nil {
		t.Fatal("expected compile error for unsupported glob")
	}
}
