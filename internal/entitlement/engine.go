package entitlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrRulesUnavailable signals that the rule store could not be consulted.
// The edge maps it to 503, not 403, so callers can tell infrastructure
// failure from denial.
var ErrRulesUnavailable = errors.New("entitlement rules unavailable")

// ErrRuleNotFound is returned by Get/Update/Delete for unknown rule ids.
var ErrRuleNotFound = errors.New("rule not found")

// CheckRequest carries the inputs of one entitlement decision.
type CheckRequest struct {
	Subject  string                 `json:"subject"`
	Tenant   string                 `json:"tenant"`
	Resource string                 `json:"resource"`
	Action   string                 `json:"action"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// resolve maps an attribute path to a request value. Built-in paths cover
// the identity fields; everything else indexes into Context, with dots
// descending into nested maps.
func (r *CheckRequest) resolve(path string) (interface{}, bool) {
	switch path {
	case "subject", "subject.id":
		return r.Subject, true
	case "tenant", "subject.tenant":
		return r.Tenant, true
	case "resource":
		return r.Resource, true
	case "action":
		return r.Action, true
	}
	path = strings.TrimPrefix(path, "context.")
	var cur interface{} = r.Context
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason"`
	MatchedRules   []string `json:"matched_rules,omitempty"`
	RulesEvaluated int      `json:"rules_evaluated"`
	Cached         bool     `json:"cached,omitempty"`
}

// Store persists entitlement rules.
type Store interface {
	// ListForTenant returns rules scoped to the tenant plus wildcard rules.
	ListForTenant(ctx context.Context, tenant string) ([]Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

// Engine evaluates rules and caches decisions. Any rule mutation bumps the
// tenant's rule-set version, which is part of every cache key, so stale
// decisions cannot be served after a mutation.
type Engine struct {
	store  Store
	logger *log.Logger

	versionMu sync.RWMutex
	versions  map[string]uint64

	decisions *expirable.LRU[string, Decision]
}

// NewEngine creates an engine over the given store. Decisions are cached
// for ttl (default 60 s).
func NewEngine(store Store, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Engine{
		store:     store,
		logger:    log.New(log.Writer(), "[ENTITLEMENT] ", log.LstdFlags),
		versions:  make(map[string]uint64),
		decisions: expirable.NewLRU[string, Decision](4096, nil, ttl),
	}
}

// Check evaluates the rule set for the request. Store unavailability fails
// closed and returns ErrRulesUnavailable alongside the deny decision.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) (Decision, error) {
	key := e.cacheKey(req)
	if d, ok := e.decisions.Get(key); ok {
		d.Cached = true
		return d, nil
	}

	rules, err := e.store.ListForTenant(ctx, req.Tenant)
	if err != nil {
		e.logger.Printf("rule store unavailable for tenant %s: %v", req.Tenant, err)
		return Decision{Allowed: false, Reason: "rules-unavailable"}, fmt.Errorf("%w: %v", ErrRulesUnavailable, err)
	}

	d := evaluate(rules, req, time.Now())
	if cacheable(rules) {
		e.decisions.Add(key, d)
	}
	return d, nil
}

// evaluate applies the ordered rule set: first active, in-scope, matching
// rule decides; no match means deny.
func evaluate(rules []Rule, req *CheckRequest, now time.Time) Decision {
	candidates := rules[:0:0]
	for _, r := range rules {
		if r.Active(now) && r.AppliesTo(req) {
			candidates = append(candidates, r)
		}
	}
	sortRules(candidates)

	evaluated := 0
	for _, r := range candidates {
		evaluated++
		if r.Matches(req) {
			return Decision{
				Allowed:        r.Effect == EffectAllow,
				Reason:         fmt.Sprintf("matched rule %q", r.Name),
				MatchedRules:   []string{r.ID},
				RulesEvaluated: evaluated,
			}
		}
	}
	return Decision{
		Allowed:        false,
		Reason:         "no matching rule; default deny",
		RulesEvaluated: evaluated,
	}
}

// cacheable reports whether every rule's inputs are pure in the cached
// key. Rules with an expiry inside the cache TTL would make a cached
// decision time-dependent, so those rule sets are not cached.
func cacheable(rules []Rule) bool {
	horizon := time.Now().Add(60 * time.Second)
	for _, r := range rules {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(horizon) {
			return false
		}
	}
	return true
}

func (e *Engine) cacheKey(req *CheckRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00v%d\x00",
		req.Subject, req.Tenant, req.Resource, req.Action, e.version(req.Tenant))

	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v\x00", k, req.Context[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// version combines the tenant's counter with the wildcard counter so a
// wildcard-scope mutation invalidates every tenant's cached decisions.
func (e *Engine) version(tenant string) uint64 {
	e.versionMu.RLock()
	defer e.versionMu.RUnlock()
	return e.versions[tenant] + e.versions[WildcardScope]
}

func (e *Engine) bumpVersion(tenant string) {
	e.versionMu.Lock()
	e.versions[tenant]++
	e.versionMu.Unlock()
}

// CreateRule validates and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, rule *Rule) (*Rule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.store.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	e.bumpVersion(rule.Tenant)
	return rule, nil
}

// GetRule fetches one rule by id.
func (e *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return e.store.Get(ctx, id)
}

// ListRules returns the rules visible to a tenant.
func (e *Engine) ListRules(ctx context.Context, tenant string) ([]Rule, error) {
	rules, err := e.store.ListForTenant(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRulesUnavailable, err)
	}
	sortRules(rules)
	return rules, nil
}

// UpdateRule replaces a rule, preserving its creation timestamp.
func (e *Engine) UpdateRule(ctx context.Context, rule *Rule) (*Rule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	existing, err := e.store.Get(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	e.bumpVersion(existing.Tenant)
	if rule.Tenant != existing.Tenant {
		e.bumpVersion(rule.Tenant)
	}
	return rule, nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	existing, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	e.bumpVersion(existing.Tenant)
	return nil
}

func validateRule(rule *Rule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
		return fmt.Errorf("invalid effect %q", rule.Effect)
	}
	if rule.Resource == "" {
		rule.Resource = WildcardScope
	}
	if rule.Tenant == "" {
		rule.Tenant = WildcardScope
	}
	for i, c := range rule.Conditions {
		switch c.Operator {
		case OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains,
			OpStartsWith, OpEndsWith, OpGreaterThan, OpLessThan, OpBetween:
		default:
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Attribute == "" {
			return fmt.Errorf("condition %d: attribute is required", i)
		}
	}
	return nil
}
