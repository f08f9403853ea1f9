// Package permissions evaluates an ordered rule set against tool
// invocations. Rules come from four sources (session, project, user,
// built-in defaults); session overrides project overrides user
// overrides defaults, the most specific pattern wins within one
// source, and DENY beats ALLOW on equal specificity. Repeated denials
// trip a sliding-window lockout.
package permissions

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Level is the verdict a rule carries.
type Level string

const (
	Allow Level = "allow"
	Ask   Level = "ask"
	Deny  Level = "deny"
)

// Source identifies where a rule came from. Lower precedence value
// wins.
type Source string

const (
	SourceSession Source = "session"
	SourceProject Source = "project"
	SourceUser    Source = "user"
	SourceDefault Source = "default"
)

func sourcePrecedence(s Source) int {
	switch s {
	case SourceSession:
		return 0
	case SourceProject:
		return 1
	case SourceUser:
		return 2
	default:
		return 3
	}
}

// Rule is one permission predicate. Pattern matches the tool name as a
// literal, a glob (`*` and `?`), or a regex when prefixed with `^`.
// When Arg is set the rule additionally constrains the named argument
// with ArgPattern (same syntaxes); ArgIsPath normalises the argument
// value as a filesystem path before matching.
type Rule struct {
	ID         string `yaml:"id,omitempty"`
	Pattern    string `yaml:"pattern"`
	Level      Level  `yaml:"level"`
	Arg        string `yaml:"arg,omitempty"`
	ArgPattern string `yaml:"arg_pattern,omitempty"`
	ArgIsPath  bool   `yaml:"arg_is_path,omitempty"`
	Source     Source `yaml:"-"`

	compiled    *matcher
	argCompiled *matcher
	inert       bool
}

// matcher is a compiled pattern: literal, glob, or regex.
type matcher struct {
	literal string
	re      *regexp.Regexp
}

var compileCache sync.Map // pattern string -> *matcher or error sentinel

func compilePattern(pattern string) (*matcher, error) {
	if cached, ok := compileCache.Load(pattern); ok {
		switch v := cached.(type) {
		case *matcher:
			return v, nil
		case error:
			return nil, v
		}
	}

	var m *matcher
	var err error
	switch {
	case strings.HasPrefix(pattern, "^"):
		var re *regexp.Regexp
		re, err = regexp.Compile(pattern)
		if err == nil {
			m = &matcher{re: re}
		}
	case strings.ContainsAny(pattern, "*?"):
		m = &matcher{re: globToRegexp(pattern)}
	default:
		m = &matcher{literal: pattern}
	}

	if err != nil {
		compileCache.Store(pattern, err)
		return nil, err
	}
	compileCache.Store(pattern, m)
	return m, nil
}

func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func (m *matcher) matches(s string) bool {
	if m == nil {
		return false
	}
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return m.literal == s
}

// compile prepares the rule's matchers. A pattern that fails to
// compile renders the rule inert rather than crashing the resolver.
func (r *Rule) compile() error {
	m, err := compilePattern(r.Pattern)
	if err != nil {
		r.inert = true
		return fmt.Errorf("rule %q: bad pattern: %w", r.Pattern, err)
	}
	r.compiled = m
	if r.Arg != "" && r.ArgPattern != "" {
		am, err := compilePattern(r.ArgPattern)
		if err != nil {
			r.inert = true
			return fmt.Errorf("rule %q: bad arg pattern: %w", r.Pattern, err)
		}
		r.argCompiled = am
	}
	return nil
}

// specificity is a tie-breaker within one source: longer, less wild
// patterns rank higher.
func (r *Rule) specificity() int {
	score := len(r.Pattern) - 2*strings.Count(r.Pattern, "*") - strings.Count(r.Pattern, "?")
	if r.Arg != "" {
		score += 100 // an argument constraint is always more specific
	}
	return score
}

// matchesInvocation reports whether the rule applies to a tool call.
func (r *Rule) matchesInvocation(toolName string, args map[string]any) bool {
	if r.inert || !r.compiled.matches(toolName) {
		return false
	}
	if r.Arg == "" {
		return true
	}
	raw, ok := args[r.Arg]
	if !ok {
		return false
	}
	value := fmt.Sprintf("%v", raw)
	if r.ArgIsPath {
		value = normalizePath(value)
	}
	if r.argCompiled == nil {
		return true
	}
	return r.argCompiled.matches(value)
}

// normalizePath resolves "." and ".." segments and strips trailing
// slashes so traversal tricks cannot dodge a pattern.
func normalizePath(p string) string {
	cleaned := filepath.Clean(p)
	if len(cleaned) > 1 {
		cleaned = strings.TrimSuffix(cleaned, string(filepath.Separator))
	}
	return cleaned
}
