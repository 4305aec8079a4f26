package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewEngine(store, time.Minute), store
}

func mustCreate(t *testing.T, e *Engine, r Rule) *Rule {
	t.Helper()
	created, err := e.CreateRule(context.Background(), &r)
	require.NoError(t, err)
	return created
}

func TestDefaultDeny(t *testing.T) {
	e, _ := newTestEngine(t)
	d, err := e.Check(context.Background(), &CheckRequest{
		Subject: "u1", Tenant: "t1", Resource: "instrument", Action: "read",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RulesEvaluated)
}

func TestPriorityOrdering(t *testing.T) {
	e, _ := newTestEngine(t)

	deny := mustCreate(t, e, Rule{
		Name: "deny restricted", Tenant: "t1", Resource: "instrument",
		Effect: EffectDeny, Priority: 200, Enabled: true,
		Conditions: []Condition{{Attribute: "resource_id", Operator: OpEquals, Value: "RESTRICTED"}},
	})
	mustCreate(t, e, Rule{
		Name: "allow users", Tenant: "t1", Resource: "instrument",
		Effect: EffectAllow, Priority: 100, Enabled: true,
		Conditions: []Condition{{Attribute: "roles", Operator: OpContains, Value: "user"}},
	})

	d, err := e.Check(context.Background(), &CheckRequest{
		Subject: "u1", Tenant: "t1", Resource: "instrument", Action: "read",
		Context: map[string]interface{}{"resource_id": "RESTRICTED", "roles": "user trader"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{deny.ID}, d.MatchedRules)

	d, err = e.Check(context.Background(), &CheckRequest{
		Subject: "u1", Tenant: "t1", Resource: "instrument", Action: "read",
		Context: map[string]interface{}{"resource_id": "BRN", "roles": "user"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTieBreakByCreation(t *testing.T) {
	now := time.Now()
	rules := []Rule{
		{ID: "b", Name: "later", Tenant: "*", Resource: "*", Effect: EffectDeny,
			Priority: 100, Enabled: true, CreatedAt: now.Add(time.Second)},
		{ID: "a", Name: "earlier", Tenant: "*", Resource: "*", Effect: EffectAllow,
			Priority: 100, Enabled: true, CreatedAt: now},
	}
	d := evaluate(rules, &CheckRequest{Subject: "u1", Tenant: "t1", Resource: "x", Action: "read"}, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"a"}, d.MatchedRules)
}

func TestOperators(t *testing.T) {
	req := &CheckRequest{
		Subject: "u1", Tenant: "t1", Resource: "curve", Action: "read",
		Context: map[string]interface{}{
			"region": "eu-west", "price": 52.5, "instrument": "BRN",
			"nested": map[string]interface{}{"depth": 3},
		},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Condition{"region", OpEquals, "eu-west"}, true},
		{"not equals", Condition{"region", OpNotEquals, "us-east"}, true},
		{"in", Condition{"instrument", OpIn, []interface{}{"BRN", "WTI"}}, true},
		{"not in", Condition{"instrument", OpNotIn, []interface{}{"WTI"}}, true},
		{"contains", Condition{"region", OpContains, "west"}, true},
		{"starts with", Condition{"region", OpStartsWith, "eu-"}, true},
		{"ends with", Condition{"region", OpEndsWith, "west"}, true},
		{"greater than", Condition{"price", OpGreaterThan, 50}, true},
		{"less than", Condition{"price", OpLessThan, 60}, true},
		{"between", Condition{"price", OpBetween, map[string]interface{}{"min": 50, "max": 55}}, true},
		{"between outside", Condition{"price", OpBetween, map[string]interface{}{"min": 60, "max": 70}}, false},
		{"nested path", Condition{"nested.depth", OpEquals, 3}, true},
		{"missing attribute", Condition{"absent", OpEquals, "x"}, false},
		{"template tenant", Condition{"tenant", OpEquals, "{{subject.tenant}}"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Rule{Tenant: "*", Resource: "*", Conditions: []Condition{tc.cond}}
			assert.Equal(t, tc.want, r.Matches(req))
		})
	}
}

func TestDisabledAndExpiredRulesIgnored(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	rules := []Rule{
		{ID: "1", Tenant: "*", Resource: "*", Effect: EffectAllow, Priority: 10, Enabled: false},
		{ID: "2", Tenant: "*", Resource: "*", Effect: EffectAllow, Priority: 10, Enabled: true, ExpiresAt: &past},
	}
	d := evaluate(rules, &CheckRequest{Tenant: "t1", Resource: "x"}, now)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RulesEvaluated)
}

func TestDecisionCacheInvalidatedByMutation(t *testing.T) {
	e, _ := newTestEngine(t)
	req := &CheckRequest{Subject: "u1", Tenant: "t1", Resource: "instrument", Action: "read"}

	d, err := e.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Second check hits the cache.
	d, err = e.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Cached)

	// A rule mutation on the tenant forces re-evaluation.
	mustCreate(t, e, Rule{
		Name: "allow all", Tenant: "t1", Resource: "instrument",
		Effect: EffectAllow, Priority: 1, Enabled: true,
	})
	d, err = e.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Cached)
	assert.True(t, d.Allowed)
}

type failingStore struct{}

func (failingStore) ListForTenant(context.Context, string) ([]Rule, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Get(context.Context, string) (*Rule, error)  { return nil, errors.New("down") }
func (failingStore) Create(context.Context, *Rule) error         { return errors.New("down") }
func (failingStore) Update(context.Context, *Rule) error         { return errors.New("down") }
func (failingStore) Delete(context.Context, string) error        { return errors.New("down") }

func TestStoreFailureFailsClosed(t *testing.T) {
	e := NewEngine(failingStore{}, time.Minute)
	d, err := e.Check(context.Background(), &CheckRequest{Tenant: "t1", Resource: "x"})
	assert.ErrorIs(t, err, ErrRulesUnavailable)
	assert.False(t, d.Allowed)
	assert.Equal(t, "rules-unavailable", d.Reason)
}

func TestRuleCRUD(t *testing.T) {
	e, _ := newTestEngine(t)
	r := mustCreate(t, e, Rule{
		Name: "r1", Tenant: "t1", Resource: "curve", Effect: EffectAllow,
		Priority: 5, Enabled: true,
	})

	got, err := e.GetRule(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Name)

	got.Priority = 9
	updated, err := e.UpdateRule(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, r.CreatedAt.Unix(), updated.CreatedAt.Unix())

	list, err := e.ListRules(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, e.DeleteRule(context.Background(), r.ID))
	_, err = e.GetRule(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}
