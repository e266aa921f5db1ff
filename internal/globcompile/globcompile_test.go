package globcompile

import "testing"

func TestCompileForHostABasic(t *testing.T) {
	allow, deny, err := CompileForHostA([]string{"/src/**", "!/src/secrets/**"})
	if err != nil {
		t.Fatal(err)
	}
	if len(allow) != 1 || len(deny) != 1 {
		t.Fatalf("got allow=%d deny=%d", len(allow), len(deny))
	}
	if !allow[0].Regex.MatchString("/src/main.go") {
		t.Fatalf("expected /src/main.go to match")
	}
	if !deny[0].Regex.MatchString("/src/secrets/key.pem") {
		t.Fatalf("expected negated pattern to match its own body")
	}
}

func TestCompileRejectsAmbiguousDoubleStar(t *testing.T) {
	_, _, err := CompileForHostA([]string{"/foo/**bar"})
	if err == nil {
		t.Fatal("expected rejection of ambiguous '**' pattern")
	}
}

func TestGlobStarWithinSegment(t *testing.T) {
	allow, _, err := CompileForHostA([]string{"/logs/*.log"})
	if err != nil {
		t.Fatal(err)
	}
	if !allow[0].Regex.MatchString("/logs/app.log") {
		t.Fatalf("expected match")
	}
	if allow[0].Regex.MatchString("/logs/sub/app.log") {
		t.Fatalf("single '*' must not cross a separator")
	}
}

func TestExpandForHostBSkipsMissing(t *testing.T) {
	paths, err := ExpandForHostB([]string{"/definitely/not/a/real/path/*"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no matches, got %v", paths)
	}
}

func TestExpandForHostBFindsExisting(t *testing.T) {
	paths, err := ExpandForHostB([]string{"/etc/host*"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Skip("no /etc/host* on this system")
	}
}
