// Package cond implements the safe, AST-based predicate evaluator for gate
// conditions over row data (spec.md §4.6, C6). Parsing enforces a strict
// whitelist grammar; evaluation never executes arbitrary code — every AST
// node type is a sealed, finite set (ast.go) so there is no dynamic dispatch
// surface an attacker-controlled expression could exploit.
package cond

import (
	"fmt"
	"math"
	"sort"

	"github.com/elspeth-run/elspeth/internal/elspetherr"
)

// ErrorClass classifies why Evaluate/Parse failed, mirroring spec.md §4.6's
// SECURITY / SYNTAX / EVAL taxonomy so callers (the config validator, the
// orchestrator) can react differently — e.g. SECURITY and SYNTAX always
// abort graph build, EVAL may be a per-row quarantine reason at runtime.
type ErrorClass int

const (
	ErrorClassNone ErrorClass = iota
	ErrorClassSecurity
	ErrorClassSyntax
	ErrorClassEval
)

// ClassifyError inspects an error returned by Parse or Eval and reports
// which of the three classes it belongs to.
func ClassifyError(err error) ErrorClass {
	switch err.(type) {
	case *elspetherr.SecurityError:
		return ErrorClassSecurity
	case *elspetherr.SyntaxError:
		return ErrorClassSyntax
	case *elspetherr.EvalError:
		return ErrorClassEval
	default:
		return ErrorClassNone
	}
}

// Expression is a parsed, ready-to-evaluate gate condition.
type Expression struct {
	src  string
	root Node
}

// Compile parses src and returns a reusable Expression. Parse errors are
// SECURITY or SYNTAX per spec.md §4.6 and must reject at graph-build time,
// never deferred to evaluation.
func Compile(src string) (*Expression, error) {
	root, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return &Expression{src: src, root: root}, nil
}

func (e *Expression) Source() string { return e.src }

// IsBooleanExpression reports whether the expression statically always
// evaluates to a boolean — i.e. its root node is a boolean-producing
// construct (comparison, boolean connective, unary-not, or a ternary whose
// branches are themselves boolean). The config validator uses this to
// enforce that gate route labels are exactly {true, false} when the
// condition is statically boolean (spec.md §4.6, §6.2).
func (e *Expression) IsBooleanExpression() bool {
	return isBooleanNode(e.root)
}

func isBooleanNode(n Node) bool {
	switch t := n.(type) {
	case CompareNode:
		return true
	case BinaryNode:
		switch t.Op {
		case "and", "or":
			return isBooleanNode(t.Left) && isBooleanNode(t.Right)
		}
		return false
	case UnaryNode:
		return t.Op == "not"
	case LiteralNode:
		_, ok := t.Value.(bool)
		return ok
	case TernaryNode:
		return isBooleanNode(t.Then) && isBooleanNode(t.Else)
	default:
		return false
	}
}

// Eval evaluates the compiled expression against a row. row is typically a
// map[string]any decoded from source data; nested maps/slices are expected
// to use the same shapes. Returns an EVAL-classed error for runtime
// failures: missing keys surfaced through a direct subscript (row["x"] where
// "x" is absent — note row.get(...) tolerates missing keys by design),
// type mismatches in arithmetic/comparison, and division by zero.
func Eval(expr *Expression, row map[string]any) (any, error) {
	return evalNode(expr.root, row)
}

// EvalBool evaluates expr and requires the result to be a bool, coercing
// via Python-style truthiness only when the expression is not statically
// boolean (gate conditions normally call this).
func EvalBool(expr *Expression, row map[string]any) (bool, error) {
	v, err := evalNode(expr.root, row)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func evalNode(n Node, row map[string]any) (any, error) {
	switch t := n.(type) {
	case LiteralNode:
		return t.Value, nil
	case NameNode:
		if t.Name == "row" {
			return row, nil
		}
		return nil, elspetherr.NewEvalError("unknown name %q", t.Name)
	case ListNode:
		return evalSeq(t.Elements, row)
	case TupleNode:
		return evalSeq(t.Elements, row)
	case SetNode:
		vals, err := evalSeq(t.Elements, row)
		if err != nil {
			return nil, err
		}
		return dedupe(vals), nil
	case DictNode:
		out := map[string]any{}
		for _, entry := range t.Entries {
			k, err := evalNode(entry.Key, row)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, elspetherr.NewEvalError("dict keys must be strings, got %T", k)
			}
			v, err := evalNode(entry.Value, row)
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	case SubscriptNode:
		return evalSubscript(t, row)
	case RowGetNode:
		return evalRowGet(t, row)
	case UnaryNode:
		return evalUnary(t, row)
	case BinaryNode:
		return evalBinary(t, row)
	case CompareNode:
		return evalCompare(t, row)
	case TernaryNode:
		c, err := evalNode(t.Cond, row)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return evalNode(t.Then, row)
		}
		return evalNode(t.Else, row)
	default:
		return nil, elspetherr.NewEvalError("unhandled node type %T", n)
	}
}

func evalSeq(nodes []Node, row map[string]any) ([]any, error) {
	out := make([]any, 0, len(nodes))
	for _, el := range nodes {
		v, err := evalNode(el, row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func dedupe(vals []any) []any {
	seen := map[string]bool{}
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		key := fmt.Sprint(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i]) < fmt.Sprint(out[j]) })
	return out
}

func evalSubscript(n SubscriptNode, row map[string]any) (any, error) {
	target, err := evalNode(n.Target, row)
	if err != nil {
		return nil, err
	}
	idx, err := evalNode(n.Index, row)
	if err != nil {
		return nil, err
	}
	switch m := target.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, elspetherr.NewEvalError("subscript key must be a string for map target, got %T", idx)
		}
		v, ok := m[key]
		if !ok {
			return nil, elspetherr.NewEvalError("key %q not found", key)
		}
		return v, nil
	case []any:
		i, ok := idx.(float64)
		if !ok {
			return nil, elspetherr.NewEvalError("list index must be a number, got %T", idx)
		}
		ii := int(i)
		if ii < 0 || ii >= len(m) {
			return nil, elspetherr.NewEvalError("list index %d out of range (len=%d)", ii, len(m))
		}
		return m[ii], nil
	default:
		return nil, elspetherr.NewEvalError("cannot subscript value of type %T", target)
	}
}

func evalRowGet(n RowGetNode, row map[string]any) (any, error) {
	target, err := evalNode(n.Target, row)
	if err != nil {
		return nil, err
	}
	m, ok := target.(map[string]any)
	if !ok {
		return nil, elspetherr.NewEvalError(".get() may only be called on a map-shaped value, got %T", target)
	}
	var key any
	if n.Key != nil {
		key, err = evalNode(n.Key, row)
		if err != nil {
			return nil, err
		}
	}
	ks, ok := key.(string)
	if !ok {
		return nil, elspetherr.NewEvalError("get() key must be a string, got %T", key)
	}
	if v, ok := m[ks]; ok {
		return v, nil
	}
	if n.Default != nil {
		return evalNode(n.Default, row)
	}
	return nil, nil
}

func evalUnary(n UnaryNode, row map[string]any) (any, error) {
	v, err := evalNode(n.Operand, row)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "not":
		return !truthy(v), nil
	case "-":
		f, ok := asFloat(v)
		if !ok {
			return nil, elspetherr.NewEvalError("unary '-' requires a number, got %T", v)
		}
		return -f, nil
	case "+":
		f, ok := asFloat(v)
		if !ok {
			return nil, elspetherr.NewEvalError("unary '+' requires a number, got %T", v)
		}
		return f, nil
	default:
		return nil, elspetherr.NewEvalError("unknown unary operator %q", n.Op)
	}
}

func evalBinary(n BinaryNode, row map[string]any) (any, error) {
	switch n.Op {
	case "and":
		l, err := evalNode(n.Left, row)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return l, nil
		}
		return evalNode(n.Right, row)
	case "or":
		l, err := evalNode(n.Left, row)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return l, nil
		}
		return evalNode(n.Right, row)
	}

	l, err := evalNode(n.Left, row)
	if err != nil {
		return nil, err
	}
	r, err := evalNode(n.Right, row)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "+":
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, elspetherr.NewEvalError("cannot add string and %T", r)
			}
			return ls + rs, nil
		}
		return arith(n.Op, l, r)
	case "-", "*", "/", "//", "%":
		return arith(n.Op, l, r)
	default:
		return nil, elspetherr.NewEvalError("unknown binary operator %q", n.Op)
	}
}

func arith(op string, l, r any) (any, error) {
	lf, ok := asFloat(l)
	if !ok {
		return nil, elspetherr.NewEvalError("arithmetic operand must be a number, got %T", l)
	}
	rf, ok := asFloat(r)
	if !ok {
		return nil, elspetherr.NewEvalError("arithmetic operand must be a number, got %T", r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, elspetherr.NewEvalError("division by zero")
		}
		return lf / rf, nil
	case "//":
		if rf == 0 {
			return nil, elspetherr.NewEvalError("division by zero")
		}
		return math.Floor(lf / rf), nil
	case "%":
		if rf == 0 {
			return nil, elspetherr.NewEvalError("division by zero")
		}
		return lf - rf*math.Floor(lf/rf), nil
	}
	return nil, elspetherr.NewEvalError("unsupported arithmetic operator %q", op)
}

func evalCompare(n CompareNode, row map[string]any) (any, error) {
	values := make([]any, len(n.Operands))
	for i, operand := range n.Operands {
		v, err := evalNode(operand, row)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	for i, op := range n.Ops {
		ok, err := compareOne(op, values[i], values[i+1])
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compareOne(op string, l, r any) (bool, error) {
	switch op {
	case "is":
		return valuesEqual(l, nil) == valuesEqual(r, nil) && (l == nil) == (r == nil), nil
	case "is not":
		eq, err := compareOne("is", l, r)
		return !eq, err
	case "in":
		return contains(r, l)
	case "not in":
		ok, err := contains(r, l)
		return !ok, err
	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return orderedCompare(op, l, r)
	default:
		return false, elspetherr.NewEvalError("unsupported comparison operator %q", op)
	}
}

func contains(container, needle any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, v := range c {
			if valuesEqual(v, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, elspetherr.NewEvalError("'in' on a map requires a string key, got %T", needle)
		}
		_, ok = c[s]
		return ok, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, elspetherr.NewEvalError("'in' on a string requires a string needle, got %T", needle)
		}
		return containsSubstring(c, s), nil
	default:
		return false, elspetherr.NewEvalError("'in' requires a list, map, or string container, got %T", container)
	}
}

func containsSubstring(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func valuesEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			return lf == rf
		}
	}
	return fmt.Sprint(l) == fmt.Sprint(r) && sameBasicKind(l, r)
}

func sameBasicKind(l, r any) bool {
	_, lb := l.(bool)
	_, rb := r.(bool)
	if lb != rb {
		return false
	}
	_, ls := l.(string)
	_, rs := r.(string)
	return ls == rs
}

func orderedCompare(op string, l, r any) (bool, error) {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return false, elspetherr.NewEvalError("cannot order-compare %T and %T", l, r)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
