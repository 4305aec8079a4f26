package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEmptyMatchesEverything(t *testing.T) {
	assert.True(t, Filter{}.Matches(map[string]interface{}{"commodity": "power"}))
	assert.True(t, Filter{}.Matches(nil))
}

func TestFilterLiteral(t *testing.T) {
	f := Filter{"commodity": "power"}
	assert.True(t, f.Matches(map[string]interface{}{"commodity": "power"}))
	assert.False(t, f.Matches(map[string]interface{}{"commodity": "gas"}))
}

func TestFilterMissingFieldNeverMatches(t *testing.T) {
	f := Filter{"commodity": "power"}
	assert.False(t, f.Matches(map[string]interface{}{"region": "DE"}))
}

func TestFilterListMembership(t *testing.T) {
	f := Filter{"region": []interface{}{"DE", "FR"}}
	assert.True(t, f.Matches(map[string]interface{}{"region": "FR"}))
	assert.False(t, f.Matches(map[string]interface{}{"region": "UK"}))
}

func TestFilterNumericRange(t *testing.T) {
	f := Filter{"price": map[string]interface{}{"min": 10.0, "max": 20.0}}
	assert.True(t, f.Matches(map[string]interface{}{"price": 10.0}), "min is inclusive")
	assert.True(t, f.Matches(map[string]interface{}{"price": 19.99}))
	assert.False(t, f.Matches(map[string]interface{}{"price": 20.0}), "max is exclusive")
	assert.False(t, f.Matches(map[string]interface{}{"price": 9.0}))
	assert.False(t, f.Matches(map[string]interface{}{"price": "not a number"}))
}

func TestFilterNestedPath(t *testing.T) {
	f := Filter{"instrument.commodity": "gas"}
	payload := map[string]interface{}{
		"instrument": map[string]interface{}{"commodity": "gas"},
	}
	assert.True(t, f.Matches(payload))
	assert.False(t, f.Matches(map[string]interface{}{"instrument": "flat"}))
}

func TestFilterNumericEqualityAcrossTypes(t *testing.T) {
	// JSON decoding yields float64; filters built in code may use int.
	f := Filter{"version": 3}
	assert.True(t, f.Matches(map[string]interface{}{"version": 3.0}))
}
