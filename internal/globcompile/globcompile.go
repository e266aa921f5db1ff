// Package globcompile translates gitignore-style path globs into the two
// representations the policy compilers need: an anchored regular
// expression for Host-A's regex-driven profile sink, and a set of
// canonical, currently-existing paths for Host-B's bind-mount sink.
//
// The glob dialect follows gitignore: "**" matches any sequence including
// path separators, "*" matches within a single segment, "?" matches a
// single non-separator rune, a leading "/" anchors the pattern to the
// policy root, a trailing "/" sets Rule.DirOnly, "!" negates a pattern,
// and "[...]" introduces a character class. The rendered Host-A regex
// does not tell directories from files: a DirOnly rule's regex also
// matches a file of the same name. Compilation
// is grounded on the teacher's glob handling in
// internal/policy/pattern/pattern.go, which compiles the same class of
// pattern via github.com/gobwas/glob; this package adds the gitignore
// anchoring and negation semantics that pattern.go does not need.
package globcompile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Rule is a single compiled glob, tagged with whether it is a negation
// (deny-override) and whether it was anchored with a trailing slash
// (directory-only).
type Rule struct {
	Raw        string
	Negate     bool
	DirOnly    bool
	Anchored   bool
	Regex      *regexp.Regexp // Host-A sink
	globPattern glob.Glob
}

// Match reports whether subject matches the compiled glob, via
// github.com/gobwas/glob rather than Regex: consumers that only need a
// yes/no match against a path or host:port string (the ignore_violations
// suppression sink, rather than a profile-text sink) go through the glob
// matcher directly instead of the Host-A regex rendering.
func (r *Rule) Match(subject string) bool {
	return r.globPattern.Match(subject)
}

// Compile compiles a single gitignore-style pattern, exported for
// collaborators outside this package that need one-off Rules rather than
// the bucketed allow/deny lists CompileForHostA returns.
func Compile(raw string) (*Rule, error) {
	return compileOne(raw)
}

// ErrUnsupportedPattern is returned for glob syntax the target sink cannot
// express, rather than silently degrading to an over-broad or under-broad
// match.
type ErrUnsupportedPattern struct {
	Pattern string
	Reason  string
}

func (e *ErrUnsupportedPattern) Error() string {
	return fmt.Sprintf("glob pattern %q cannot be compiled: %s", e.Pattern, e.Reason)
}

// CompileForHostA converts glob patterns into anchored regular expressions
// suitable for a Host-A profile body. Negated patterns are returned
// separately, in input order, so the caller can emit them as deny
// overrides after the corresponding allow rules (per the "deny rules
// after allow rules" ordering requirement of the Host-A compiler).
func CompileForHostA(patterns []string) (allow []*Rule, deny []*Rule, err error) {
	for _, raw := range patterns {
		r, compileErr := compileOne(raw)
		if compileErr != nil {
			return nil, nil, compileErr
		}
		if r.Negate {
			deny = append(deny, r)
		} else {
			allow = append(allow, r)
		}
	}
	return allow, deny, nil
}

func compileOne(raw string) (*Rule, error) {
	pattern := raw
	negate := false
	if strings.HasPrefix(pattern, "!") {
		negate = true
		pattern = pattern[1:]
	}
	if pattern == "" {
		return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: "empty pattern after negation prefix"}
	}

	anchored := strings.HasPrefix(pattern, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	body := strings.TrimSuffix(strings.TrimPrefix(pattern, "/"), "/")
	if body == "" {
		return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: "pattern reduces to empty path after trimming anchors"}
	}

	// Reject the ambiguous case flagged by the design notes: "**" directly
	// followed by a non-separator, non-end character has implementation
	// defined behavior in most glob engines and is rejected outright here.
	if idx := strings.Index(body, "**"); idx >= 0 {
		after := idx + 2
		if after < len(body) && body[after] != '/' {
			return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: "'**' must be followed by '/' or end of pattern"}
		}
	}

	regexSrc := globToRegex(body, anchored)
	re, err := regexp.Compile(regexSrc)
	if err != nil {
		return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: err.Error()}
	}

	globSrc := body
	if anchored {
		globSrc = "/" + body
	}
	g, err := glob.Compile(globSrc, '/')
	if err != nil {
		return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: err.Error()}
	}

	return &Rule{
		Raw:         raw,
		Negate:      negate,
		DirOnly:     dirOnly,
		Anchored:    anchored,
		Regex:       re,
		globPattern: g,
	}, nil
}

// globToRegex renders a gitignore glob body into an anchored regular
// expression. "**" becomes ".*" (crossing separators); "*" becomes
// "[^/]*"; "?" becomes "[^/]"; "[...]" character classes pass through
// verbatim after escaping is handled per-rune; anything else is escaped
// literally.
func globToRegex(body string, anchored bool) string {
	var b strings.Builder
	if anchored {
		b.WriteString("^/")
	} else {
		b.WriteString("(^|/)")
	}

	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case c == '[':
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j < len(runes) {
				b.WriteString("[" + string(runes[i+1:j]) + "]")
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("(/.*)?$")
	return b.String()
}

// ExpandForHostB lazily expands glob patterns against the filesystem,
// returning the canonical absolute paths of everything that currently
// exists. Non-existent matches are silently skipped: emitting an error for
// a missing path would make policy authoring brittle, since bind-mount
// plans are computed fresh on every wrap. Symlinks are resolved once;
// patterns whose resolved target escapes hostRoot are rejected.
func ExpandForHostB(patterns []string, hostRoot string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, raw := range patterns {
		pattern := strings.TrimPrefix(raw, "!")
		if pattern == "" {
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: err.Error()}
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				// The path vanished between Glob and EvalSymlinks, or is a
				// dangling symlink: skip it rather than fail the compile.
				continue
			}
			resolved, err = filepath.Abs(resolved)
			if err != nil {
				continue
			}
			if hostRoot != "" && !withinRoot(resolved, hostRoot) {
				return nil, &ErrUnsupportedPattern{Pattern: raw, Reason: fmt.Sprintf("resolved path %q escapes host root %q", resolved, hostRoot)}
			}
			if _, ok := seen[resolved]; ok {
				continue
			}
			seen[resolved] = struct{}{}
			out = append(out, resolved)
		}
	}
	return out, nil
}

func withinRoot(path, root string) bool {
	root = filepath.Clean(root)
	if root == "/" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
