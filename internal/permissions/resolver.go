package permissions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Denial rate limiting: more than denialThreshold denials per
// (principal, tool) inside denialWindow locks the pair out for
// lockoutDuration.
const (
	denialThreshold = 10
	denialWindow    = 60 * time.Second
	lockoutDuration = 5 * time.Minute
)

// Decision is the outcome of a permission check.
type Decision struct {
	Level       Level
	MatchedRule *Rule
	Reason      string
}

// Resolver evaluates permission rules. Reads are read-locked; rule
// mutations take the write lock.
type Resolver struct {
	mu       sync.RWMutex
	session  []*Rule
	project  []*Rule
	user     []*Rule
	defaults []*Rule

	denials  map[string][]time.Time // principal+tool -> denial times
	lockouts map[string]time.Time   // principal+tool -> lockout expiry
	denialMu sync.Mutex

	logger *slog.Logger
	now    func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger.With("component", "permissions")
		}
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver with the given default rules.
func NewResolver(defaults []Rule, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		denials:  make(map[string][]time.Time),
		lockouts: make(map[string]time.Time),
		logger:   slog.Default().With("component", "permissions"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.defaults = r.prepare(defaults, SourceDefault)
	return r
}

// prepare compiles rules and tags their source; rules with broken
// patterns become inert with a warning.
func (r *Resolver) prepare(rules []Rule, source Source) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.Source = source
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		if err := rule.compile(); err != nil {
			r.logger.Warn("permission rule is inert", "source", source, "error", err)
		}
		out = append(out, &rule)
	}
	return out
}

// SetProjectRules replaces the project rule layer.
func (r *Resolver) SetProjectRules(rules []Rule) {
	prepared := r.prepare(rules, SourceProject)
	r.mu.Lock()
	r.project = prepared
	r.mu.Unlock()
}

// SetUserRules replaces the user rule layer (also used by hot reload).
func (r *Resolver) SetUserRules(rules []Rule) {
	prepared := r.prepare(rules, SourceUser)
	r.mu.Lock()
	r.user = prepared
	r.mu.Unlock()
}

// AddSessionRule adds a session-scoped rule and returns its id.
func (r *Resolver) AddSessionRule(rule Rule) string {
	prepared := r.prepare([]Rule{rule}, SourceSession)
	r.mu.Lock()
	r.session = append(r.session, prepared[0])
	r.mu.Unlock()
	return prepared[0].ID
}

// RemoveSessionRule removes a session rule by id. Returns false if no
// such rule exists.
func (r *Resolver) RemoveSessionRule(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.session {
		if rule.ID == id {
			r.session = append(r.session[:i], r.session[i+1:]...)
			return true
		}
	}
	return false
}

// Check evaluates the rule set for a tool invocation. The default
// verdict, with no matching rule, is Ask.
func (r *Resolver) Check(principal, toolName string, args map[string]any) Decision {
	if r.isLockedOut(principal, toolName) {
		return Decision{Level: Deny, Reason: "rate-limited"}
	}

	r.mu.RLock()
	layers := [][]*Rule{r.session, r.project, r.user, r.defaults}
	var candidates []*Rule
	for _, layer := range layers {
		for _, rule := range layer {
			if rule.matchesInvocation(toolName, args) {
				candidates = append(candidates, rule)
			}
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return Decision{Level: Ask, Reason: "no matching rule"}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := sourcePrecedence(a.Source), sourcePrecedence(b.Source); pa != pb {
			return pa < pb
		}
		if sa, sb := a.specificity(), b.specificity(); sa != sb {
			return sa > sb
		}
		// Equal specificity: deny wins.
		return a.Level == Deny && b.Level != Deny
	})

	winner := candidates[0]
	return Decision{
		Level:       winner.Level,
		MatchedRule: winner,
		Reason:      string(winner.Source) + " rule " + winner.Pattern,
	}
}

// RecordDenial logs a denial (resolver verdict or user rejection) for
// rate-limit accounting.
func (r *Resolver) RecordDenial(principal, toolName string) {
	key := principal + "\x00" + toolName
	now := r.now()

	r.denialMu.Lock()
	defer r.denialMu.Unlock()

	recent := r.denials[key][:0]
	for _, t := range r.denials[key] {
		if now.Sub(t) < denialWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	r.denials[key] = recent

	if len(recent) > denialThreshold {
		r.lockouts[key] = now.Add(lockoutDuration)
		r.logger.Warn("permission lockout engaged", "tool", toolName, "denials", len(recent))
	}
}

func (r *Resolver) isLockedOut(principal, toolName string) bool {
	key := principal + "\x00" + toolName
	r.denialMu.Lock()
	defer r.denialMu.Unlock()
	expiry, ok := r.lockouts[key]
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		delete(r.lockouts, key)
		delete(r.denials, key)
		return false
	}
	return true
}
