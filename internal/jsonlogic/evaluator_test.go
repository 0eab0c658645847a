package jsonlogic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLogic(t *testing.T, raw string) interface{} {
	t.Helper()
	var logic interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &logic))
	return logic
}

func TestEvaluate_Comparisons(t *testing.T) {
	data := map[string]interface{}{
		"payload": map[string]interface{}{
			"amount":      float64(15000),
			"destination": "external",
		},
		"account_balances": map[string]interface{}{
			"checking": float64(500),
		},
	}

	cases := []struct {
		name  string
		logic string
		want  bool
	}{
		{"gt true", `{">": [{"var":"payload.amount"}, 10000]}`, true},
		{"gt false", `{">": [{"var":"payload.amount"}, 20000]}`, false},
		{"lt on ghost balance", `{"<": [{"var":"account_balances.checking"}, 1000]}`, true},
		{"eq string", `{"==": [{"var":"payload.destination"}, "external"]}`, true},
		{"neq string", `{"!=": [{"var":"payload.destination"}, "vpc"]}`, true},
		{"ge boundary", `{">=": [{"var":"payload.amount"}, 15000]}`, true},
		{"le boundary", `{"<=": [{"var":"payload.amount"}, 15000]}`, true},
		{"in array", `{"in": [{"var":"payload.destination"}, ["external", "partner"]]}`, true},
		{"in string", `{"in": ["ext", {"var":"payload.destination"}]}`, true},
		{"and short circuit", `{"and": [{">": [{"var":"payload.amount"}, 10000]}, {"==": [1, 1]}]}`, true},
		{"or", `{"or": [{"==": [1, 2]}, {"==": [{"var":"payload.destination"}, "external"]}]}`, true},
		{"not", `{"not": [{"==": [1, 2]}]}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(mustLogic(t, tc.logic), data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_MissingPathFailsOrderedComparisons(t *testing.T) {
	data := map[string]interface{}{"payload": map[string]interface{}{}}
	for _, op := range []string{">", ">=", "<", "<="} {
		logic := map[string]interface{}{op: []interface{}{map[string]interface{}{"var": "payload.missing"}, float64(10)}}
		got, err := Evaluate(logic, data)
		require.NoError(t, err, "op %s", op)
		assert.False(t, got, "missing var must fail ordered comparison %s", op)
	}
}

func TestEvaluate_FailsClosedOnMalformedLogic(t *testing.T) {
	data := map[string]interface{}{}

	malformed := []string{
		`{"frobnicate": [1, 2]}`,
		`{">": [1]}`,
		`{"==": [1, 2], ">": [1, 2]}`,
		`{"var": 42}`,
		`{"and": []}`,
	}
	for _, raw := range malformed {
		_, err := Evaluate(mustLogic(t, raw), data)
		assert.Error(t, err, "logic %s should error", raw)
	}
}

func TestEvaluate_TypeMismatchOnOrderedComparison(t *testing.T) {
	data := map[string]interface{}{"x": "not-a-number"}
	_, err := Evaluate(mustLogic(t, `{">": [{"var":"x"}, 5]}`), data)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

// Same (logic, data) must yield the same bool on every run.
func TestEvaluate_Deterministic(t *testing.T) {
	logic := mustLogic(t, `{"and": [{">": [{"var":"a"}, 1]}, {"in": [{"var":"b"}, ["x","y"]]}]}`)
	data := map[string]interface{}{"a": float64(2), "b": "y"}

	first, err := Evaluate(logic, data)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := Evaluate(logic, data)
		require.NoError(t, err)
		require.Equal(t, first, got)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(mustLogic(t, `{"and": [{">": [{"var":"a.b"}, 1]}, true]}`)))
	assert.Error(t, Validate(mustLogic(t, `{"bogus_op": [1, 2]}`)))
	assert.Error(t, Validate(mustLogic(t, `{"in": [1]}`)))
	assert.Error(t, Validate(mustLogic(t, `{"not": [true, false]}`)))
	assert.NoError(t, Validate(mustLogic(t, `[1, "two", null, true]`)))
}

func TestExtractVars(t *testing.T) {
	logic := mustLogic(t, `{"and": [
		{">": [{"var":"payload.amount"}, 10000]},
		{"==": [{"var":"account_balances.checking"}, {"var":"payload.amount"}]}
	]}`)
	assert.Equal(t, []string{"account_balances.checking", "payload.amount"}, ExtractVars(logic))
}

func TestSimplify(t *testing.T) {
	// Single-child AND unwraps.
	got := Simplify(mustLogic(t, `{"and": [{">": [{"var":"a"}, 1]}]}`))
	assert.Equal(t, mustLogic(t, `{">": [{"var":"a"}, 1]}`), got)

	// Double negation eliminates.
	got = Simplify(mustLogic(t, `{"not": [{"not": [{"==": [{"var":"a"}, 1]}]}]}`))
	assert.Equal(t, mustLogic(t, `{"==": [{"var":"a"}, 1]}`), got)

	// Identity comparison folds to true.
	assert.Equal(t, true, Simplify(mustLogic(t, `{"==": [7, 7]}`)))
	assert.Equal(t, true, Simplify(mustLogic(t, `{"==": [{"var":"x"}, {"var":"x"}]}`)))

	// Simplification preserves semantics.
	data := map[string]interface{}{"a": float64(5)}
	orig := mustLogic(t, `{"and": [{"not": [{"not": [{">": [{"var":"a"}, 1]}]}]}]}`)
	simplified := Simplify(orig)
	want, err := Evaluate(orig, data)
	require.NoError(t, err)
	gotB, err := Evaluate(simplified, data)
	require.NoError(t, err)
	assert.Equal(t, want, gotB)
}
