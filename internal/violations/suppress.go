package violations

import "github.com/sandboxkit/sandboxkit/internal/globcompile"

// Suppressor decides whether a recorded violation should be hidden from a
// user-facing report while the store still counts it, per the config's
// ignore_violations.filesystem/ignore_violations.network glob lists.
// Matching goes through globcompile.Rule.Match (the gobwas/glob sink)
// rather than the Host-A regex rendering, since a suppression check needs
// only a yes/no match against a subject string, not a profile fragment.
type Suppressor struct {
	fs  []*globcompile.Rule
	net []*globcompile.Rule
}

// NewSuppressor compiles the filesystem and network ignore patterns.
// A pattern that fails to compile is skipped rather than propagated as an
// error: ignore_violations is advisory and must never block a run over a
// malformed suppression glob.
func NewSuppressor(fsPatterns, netPatterns []string) *Suppressor {
	s := &Suppressor{}
	for _, p := range fsPatterns {
		if r, err := globcompile.Compile(p); err == nil {
			s.fs = append(s.fs, r)
		}
	}
	for _, p := range netPatterns {
		if r, err := globcompile.Compile(p); err == nil {
			s.net = append(s.net, r)
		}
	}
	return s
}

// Suppress reports whether ev should be hidden from a user-facing report.
func (s *Suppressor) Suppress(ev Event) bool {
	rules := s.fs
	if ev.Kind == Network {
		rules = s.net
	}
	for _, r := range rules {
		if r.Match(ev.Subject) {
			return true
		}
	}
	return false
}
