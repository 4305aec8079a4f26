// Package entitlement evaluates prioritised allow/deny rules against
// request context. The first matching rule wins; with no match the engine
// denies by default.
package entitlement

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Effect is the outcome a rule contributes when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Operator names the comparison a condition applies.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
)

// WildcardScope matches every tenant or resource.
const WildcardScope = "*"

// Condition is one (attribute path, operator, value) triple. String values
// may carry {{...}} templates expanded from the request before comparison.
type Condition struct {
	Attribute string      `json:"attribute"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value"`
}

// Rule is a persisted entitlement rule. Higher priority wins; creation
// time then id break ties.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Resource    string      `json:"resource"`
	Effect      Effect      `json:"effect"`
	Conditions  []Condition `json:"conditions"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	Tenant      string      `json:"tenant"`
	Subject     string      `json:"subject,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// Active reports whether the rule participates in evaluations at now.
func (r *Rule) Active(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	return true
}

// AppliesTo reports whether the rule's scopes cover the request.
func (r *Rule) AppliesTo(req *CheckRequest) bool {
	if r.Tenant != WildcardScope && r.Tenant != req.Tenant {
		return false
	}
	if r.Resource != WildcardScope && r.Resource != req.Resource {
		return false
	}
	if r.Subject != "" && r.Subject != req.Subject {
		return false
	}
	return true
}

// Matches reports whether every condition matches the request, evaluated
// left to right.
func (r *Rule) Matches(req *CheckRequest) bool {
	for _, c := range r.Conditions {
		if !c.matches(req) {
			return false
		}
	}
	return true
}

func (c *Condition) matches(req *CheckRequest) bool {
	actual, ok := req.resolve(c.Attribute)
	if !ok {
		return false
	}
	expected := expandTemplates(c.Value, req)

	switch c.Operator {
	case OpEquals:
		return equalValues(actual, expected)
	case OpNotEquals:
		return !equalValues(actual, expected)
	case OpIn:
		return inList(actual, expected)
	case OpNotIn:
		return !inList(actual, expected)
	case OpContains:
		// List attributes (e.g. roles) test membership; strings test substring.
		switch list := actual.(type) {
		case []interface{}:
			for _, e := range list {
				if equalValues(e, expected) {
					return true
				}
			}
			return false
		case []string:
			for _, e := range list {
				if equalValues(e, expected) {
					return true
				}
			}
			return false
		}
		return strings.Contains(asString(actual), asString(expected))
	case OpStartsWith:
		return strings.HasPrefix(asString(actual), asString(expected))
	case OpEndsWith:
		return strings.HasSuffix(asString(actual), asString(expected))
	case OpGreaterThan:
		a, okA := asNumber(actual)
		b, okB := asNumber(expected)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := asNumber(actual)
		b, okB := asNumber(expected)
		return okA && okB && a < b
	case OpBetween:
		a, okA := asNumber(actual)
		lo, hi, okR := asRange(expected)
		return okA && okR && a >= lo && a <= hi
	default:
		return false
	}
}

// sortRules orders candidates by (-priority, created_at, id) so evaluation
// is deterministic.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// expandTemplates replaces {{...}} references in string values (and list
// elements) with request fields.
func expandTemplates(v interface{}, req *CheckRequest) interface{} {
	switch t := v.(type) {
	case string:
		return expandTemplateString(t, req)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = expandTemplates(e, req)
		}
		return out
	default:
		return v
	}
}

func expandTemplateString(s string, req *CheckRequest) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	out := s
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			return out
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			return out
		}
		ref := strings.TrimSpace(out[start+2 : start+end])
		val, ok := req.resolve(ref)
		if !ok {
			val = ""
		}
		out = out[:start] + asString(val) + out[start+end+2:]
	}
}

func equalValues(a, b interface{}) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
	}
	return asString(a) == asString(b)
}

func inList(actual, expected interface{}) bool {
	list, ok := expected.([]interface{})
	if !ok {
		if strs, ok := expected.([]string); ok {
			for _, s := range strs {
				if equalValues(actual, s) {
					return true
				}
			}
		}
		return false
	}
	for _, e := range list {
		if equalValues(actual, e) {
			return true
		}
	}
	return false
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// asRange reads a {min,max} object or two-element list as a closed range.
func asRange(v interface{}) (float64, float64, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		lo, okLo := asNumber(t["min"])
		hi, okHi := asNumber(t["max"])
		return lo, hi, okLo && okHi
	case []interface{}:
		if len(t) == 2 {
			lo, okLo := asNumber(t[0])
			hi, okHi := asNumber(t[1])
			return lo, hi, okLo && okHi
		}
	}
	return 0, 0, false
}
