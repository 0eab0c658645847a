// Package jsonlogic evaluates the closed JSON-Logic subset that governance
// policies are written in: and, or, not, ==, !=, >, >=, <, <=, in, var, plus
// JSON literals. The evaluator is pure and deterministic; any malformed tree,
// missing operand, or type mismatch on an ordered comparison is an error, and
// callers must treat an error as a policy violation.
package jsonlogic

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	// ErrMalformed indicates a structurally invalid logic tree.
	ErrMalformed = errors.New("jsonlogic: malformed logic")
	// ErrTypeMismatch indicates operands that cannot be compared.
	ErrTypeMismatch = errors.New("jsonlogic: type mismatch")
)

// operators is the closed operator set. Anything else fails validation.
var operators = map[string]struct{}{
	"and": {}, "or": {}, "not": {},
	"==": {}, "!=": {},
	">": {}, ">=": {}, "<": {}, "<=": {},
	"in": {}, "var": {},
}

// Evaluate applies logic to data and returns the boolean outcome.
// Same (logic, data) always yields the same result.
func Evaluate(logic interface{}, data map[string]interface{}) (bool, error) {
	v, err := apply(logic, data)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// apply evaluates a node to its value.
func apply(node interface{}, data map[string]interface{}) (interface{}, error) {
	switch n := node.(type) {
	case nil, bool, float64, int, int64, string:
		return normalize(n), nil
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, el := range n {
			v, err := apply(el, data)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]interface{}:
		op, operand, err := unpack(n)
		if err != nil {
			return nil, err
		}
		return applyOp(op, operand, data)
	default:
		return nil, fmt.Errorf("%w: unsupported node type %T", ErrMalformed, node)
	}
}

func applyOp(op string, operand interface{}, data map[string]interface{}) (interface{}, error) {
	switch op {
	case "var":
		path, ok := varPath(operand)
		if !ok {
			return nil, fmt.Errorf("%w: var operand must be a string path", ErrMalformed)
		}
		return lookup(data, path), nil

	case "not":
		args, err := operandList(operand, data)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: not takes exactly one operand", ErrMalformed)
		}
		return !truthy(args[0]), nil

	case "and", "or":
		list, ok := operand.([]interface{})
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%w: %s requires a non-empty operand list", ErrMalformed, op)
		}
		// Short-circuit, but any evaluation error still fails the whole tree.
		for _, el := range list {
			v, err := apply(el, data)
			if err != nil {
				return nil, err
			}
			if op == "and" && !truthy(v) {
				return false, nil
			}
			if op == "or" && truthy(v) {
				return true, nil
			}
		}
		return op == "and", nil

	case "==", "!=":
		args, err := binaryArgs(op, operand, data)
		if err != nil {
			return nil, err
		}
		eq := looseEqual(args[0], args[1])
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil

	case ">", ">=", "<", "<=":
		args, err := binaryArgs(op, operand, data)
		if err != nil {
			return nil, err
		}
		a, aok := asNumber(args[0])
		b, bok := asNumber(args[1])
		if !aok || !bok {
			// A missing var path yields null, which fails all ordered
			// comparisons rather than erroring out the whole policy load.
			if args[0] == nil || args[1] == nil {
				return false, nil
			}
			return nil, fmt.Errorf("%w: ordered comparison on non-numeric operands", ErrTypeMismatch)
		}
		switch op {
		case ">":
			return a > b, nil
		case ">=":
			return a >= b, nil
		case "<":
			return a < b, nil
		default:
			return a <= b, nil
		}

	case "in":
		args, err := binaryArgs(op, operand, data)
		if err != nil {
			return nil, err
		}
		switch container := args[1].(type) {
		case []interface{}:
			for _, el := range container {
				if looseEqual(args[0], el) {
					return true, nil
				}
			}
			return false, nil
		case string:
			needle, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("%w: in over string requires a string needle", ErrTypeMismatch)
			}
			return strings.Contains(container, needle), nil
		default:
			return nil, fmt.Errorf("%w: in requires an array or string container", ErrTypeMismatch)
		}

	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformed, op)
	}
}

// unpack splits an operator node. Exactly one key is required.
func unpack(node map[string]interface{}) (string, interface{}, error) {
	if len(node) != 1 {
		return "", nil, fmt.Errorf("%w: operator node must have exactly one key, got %d", ErrMalformed, len(node))
	}
	for op, operand := range node {
		return op, operand, nil
	}
	return "", nil, ErrMalformed // unreachable
}

func operandList(operand interface{}, data map[string]interface{}) ([]interface{}, error) {
	list, ok := operand.([]interface{})
	if !ok {
		list = []interface{}{operand}
	}
	out := make([]interface{}, len(list))
	for i, el := range list {
		v, err := apply(el, data)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func binaryArgs(op string, operand interface{}, data map[string]interface{}) ([]interface{}, error) {
	args, err := operandList(operand, data)
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: %s takes exactly two operands", ErrMalformed, op)
	}
	return args, nil
}

// varPath extracts the dot path from a var operand: "a.b" or ["a.b"].
func varPath(operand interface{}) (string, bool) {
	switch v := operand.(type) {
	case string:
		return v, true
	case []interface{}:
		if len(v) >= 1 {
			if s, ok := v[0].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// lookup walks a dot-separated path through nested maps. Missing → nil.
func lookup(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	var cur interface{} = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return normalize(cur)
}

// normalize collapses the integer types that arrive from Go callers into the
// float64 domain that JSON decoding produces, so equality is stable.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

func asNumber(v interface{}) (float64, bool) {
	f, ok := normalize(v).(float64)
	return f, ok
}

func truthy(v interface{}) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func looseEqual(a, b interface{}) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ============================================================================
// STATIC OPERATIONS, used at policy load time rather than per request
// ============================================================================

// Validate checks well-formedness without evaluating: known operators only,
// correct arity, string var paths. Policies failing validation are rejected
// at load with the returned diagnostic.
func Validate(logic interface{}) error {
	switch n := logic.(type) {
	case nil, bool, float64, int, int64, string:
		return nil
	case []interface{}:
		for _, el := range n {
			if err := Validate(el); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		op, operand, err := unpack(n)
		if err != nil {
			return err
		}
		if _, ok := operators[op]; !ok {
			return fmt.Errorf("%w: unknown operator %q", ErrMalformed, op)
		}
		if op == "var" {
			if _, ok := varPath(operand); !ok {
				return fmt.Errorf("%w: var operand must be a string path", ErrMalformed)
			}
			return nil
		}
		list, ok := operand.([]interface{})
		if !ok {
			list = []interface{}{operand}
		}
		switch op {
		case "not":
			if len(list) != 1 {
				return fmt.Errorf("%w: not takes exactly one operand", ErrMalformed)
			}
		case "and", "or":
			if len(list) == 0 {
				return fmt.Errorf("%w: %s requires a non-empty operand list", ErrMalformed, op)
			}
		default:
			if len(list) != 2 {
				return fmt.Errorf("%w: %s takes exactly two operands", ErrMalformed, op)
			}
		}
		for _, el := range list {
			if err := Validate(el); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported node type %T", ErrMalformed, logic)
	}
}

// ExtractVars returns the sorted set of var paths referenced by the logic.
// Used to auto-generate test inputs and to name ghost-state values in
// violation reasons.
func ExtractVars(logic interface{}) []string {
	set := make(map[string]struct{})
	collectVars(logic, set)
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func collectVars(node interface{}, set map[string]struct{}) {
	switch n := node.(type) {
	case []interface{}:
		for _, el := range n {
			collectVars(el, set)
		}
	case map[string]interface{}:
		op, operand, err := unpack(n)
		if err != nil {
			return
		}
		if op == "var" {
			if path, ok := varPath(operand); ok {
				set[path] = struct{}{}
			}
			return
		}
		collectVars(operand, set)
	}
}

// Simplify applies semantics-preserving reductions: single-child and/or
// unwrap, double-not elimination, and identical-literal equality folding.
func Simplify(logic interface{}) interface{} {
	node, ok := logic.(map[string]interface{})
	if !ok {
		if list, ok := logic.([]interface{}); ok {
			out := make([]interface{}, len(list))
			for i, el := range list {
				out[i] = Simplify(el)
			}
			return out
		}
		return logic
	}

	op, operand, err := unpack(node)
	if err != nil {
		return logic
	}

	switch op {
	case "and", "or":
		list, ok := operand.([]interface{})
		if ok && len(list) == 1 {
			return Simplify(list[0])
		}
	case "not":
		inner := operand
		if list, ok := operand.([]interface{}); ok && len(list) == 1 {
			inner = list[0]
		}
		if innerMap, ok := inner.(map[string]interface{}); ok {
			if iop, ioperand, err := unpack(innerMap); err == nil && iop == "not" {
				target := ioperand
				if list, ok := ioperand.([]interface{}); ok && len(list) == 1 {
					target = list[0]
				}
				return Simplify(target)
			}
		}
	case "==":
		// Identity comparison folds to true: identical literals or
		// identical subtrees (a var compared against itself).
		if list, ok := operand.([]interface{}); ok && len(list) == 2 {
			a, b := Simplify(list[0]), Simplify(list[1])
			if isLiteral(a) && isLiteral(b) && looseEqual(a, b) {
				return true
			}
			if reflect.DeepEqual(a, b) {
				return true
			}
			return map[string]interface{}{"==": []interface{}{a, b}}
		}
	}

	// Recurse into operands without changing the operator.
	simplified := Simplify(operand)
	return map[string]interface{}{op: simplified}
}

func isLiteral(v interface{}) bool {
	switch v.(type) {
	case nil, bool, float64, int, int64, string:
		return true
	default:
		return false
	}
}
