package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scope identifies the submitter a rule lookup is made for. Nil ids mean the
// submitter has no team or employee binding; global rules always apply.
type Scope struct {
	TeamID     *int64
	EmployeeID *int64
}

// Key is the cache key for the scope.
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s", idOrDash(s.TeamID), idOrDash(s.EmployeeID))
}

func idOrDash(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

// RuleSource returns every rule row visible to scope, highest priority first.
type RuleSource interface {
	RuleSets(ctx context.Context, scope Scope) ([]RuleSet, error)
}

type cachedRules struct {
	rules   RuleSet
	expires time.Time
}

// Resolver merges scoped rule sets and caches the result per scope.
type Resolver struct {
	source RuleSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRules
}

// NewResolver creates a resolver. A non-positive ttl defaults to 60 seconds.
func NewResolver(source RuleSource, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Resolver{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedRules),
	}
}

// Resolve returns the merged rules for scope, reading through the cache.
func (r *Resolver) Resolve(ctx context.Context, scope Scope) (RuleSet, error) {
	key := scope.Key()
	now := r.now()

	r.mu.Lock()
	if c, ok := r.cache[key]; ok && now.Before(c.expires) {
		r.mu.Unlock()
		return c.rules, nil
	}
	r.mu.Unlock()

	sets, err := r.source.RuleSets(ctx, scope)
	if err != nil {
		return RuleSet{}, fmt.Errorf("load rules for scope %s: %w", key, err)
	}
	merged := Merge(sets...)

	r.mu.Lock()
	r.cache[key] = cachedRules{rules: merged, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return merged, nil
}

// Invalidate drops every cached scope.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cachedRules)
	r.mu.Unlock()
}
