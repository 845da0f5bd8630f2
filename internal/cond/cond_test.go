package cond

import "testing"

func mustCompile(t *testing.T, src string) *Expression {
	t.Helper()
	e, err := Compile(src)
	if err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	return e
}

func TestEvalSimpleComparison(t *testing.T) {
	e := mustCompile(t, `row["amount"] > 100`)
	row := map[string]any{"amount": 250.0}
	ok, err := EvalBool(e, row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestEvalRowGetWithDefault(t *testing.T) {
	e := mustCompile(t, `row.get("region", "unknown") == "us-east"`)
	ok, err := EvalBool(e, map[string]any{})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Fatalf("expected false, default should not match")
	}
}

func TestEvalChainedComparison(t *testing.T) {
	e := mustCompile(t, `0 < row["x"] < 10`)
	ok, err := EvalBool(e, map[string]any{"x": 5.0})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true for chained comparison")
	}
}

func TestEvalAndOrNot(t *testing.T) {
	e := mustCompile(t, `not (row["a"] and row["b"])`)
	ok, err := EvalBool(e, map[string]any{"a": true, "b": false})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestEvalTernary(t *testing.T) {
	e := mustCompile(t, `"high" if row["amount"] > 1000 else "low"`)
	v, err := Eval(e, map[string]any{"amount": 2000.0})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != "high" {
		t.Fatalf("got %v", v)
	}
}

func TestEvalInOperator(t *testing.T) {
	e := mustCompile(t, `row["status"] in ["open", "pending"]`)
	ok, err := EvalBool(e, map[string]any{"status": "pending"})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestParseRejectsArbitraryCall(t *testing.T) {
	_, err := Parse(`os.system("rm -rf /")`)
	if err == nil {
		t.Fatalf("expected rejection of arbitrary name")
	}
	if ClassifyError(err) != ErrorClassSecurity {
		t.Fatalf("expected SECURITY class, got %v", err)
	}
}

func TestParseRejectsNonGetAttribute(t *testing.T) {
	_, err := Parse(`row.__class__`)
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if ClassifyError(err) != ErrorClassSecurity {
		t.Fatalf("expected SECURITY class, got %v", err)
	}
}

func TestParseRejectsLambda(t *testing.T) {
	_, err := Parse(`lambda x: x`)
	if err == nil {
		t.Fatalf("expected rejection of lambda")
	}
}

func TestParseRejectsMalformedSyntax(t *testing.T) {
	_, err := Parse(`row["x"] >`)
	if err == nil {
		t.Fatalf("expected syntax error")
	}
	if ClassifyError(err) != ErrorClassSyntax {
		t.Fatalf("expected SYNTAX class, got %v", err)
	}
}

func TestEvalMissingKeyIsEvalError(t *testing.T) {
	e := mustCompile(t, `row["missing"] == 1`)
	_, err := EvalBool(e, map[string]any{})
	if err == nil {
		t.Fatalf("expected error for missing key")
	}
	if ClassifyError(err) != ErrorClassEval {
		t.Fatalf("expected EVAL class, got %v", err)
	}
}

func TestIsBooleanExpressionClassifiesComparisonsAndConnectives(t *testing.T) {
	boolean := []string{
		`row["x"] > 1`,
		`row["x"] > 1 and row["y"] < 2`,
		`not row["x"]`,
		`True`,
	}
	for _, src := range boolean {
		e := mustCompile(t, src)
		if !e.IsBooleanExpression() {
			t.Errorf("expected %q to be classified boolean", src)
		}
	}

	notBoolean := []string{
		`row["x"] + 1`,
		`row.get("x")`,
	}
	for _, src := range notBoolean {
		e := mustCompile(t, src)
		if e.IsBooleanExpression() {
			t.Errorf("expected %q to not be classified boolean", src)
		}
	}
}

func TestEvalArithmeticFloorDivAndModulo(t *testing.T) {
	e := mustCompile(t, `row["x"] // 3`)
	v, err := Eval(e, map[string]any{"x": 10.0})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v.(float64) != 3 {
		t.Fatalf("got %v", v)
	}

	e2 := mustCompile(t, `row["x"] % 3`)
	v2, err := Eval(e2, map[string]any{"x": 10.0})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v2.(float64) != 1 {
		t.Fatalf("got %v", v2)
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	e := mustCompile(t, `row["x"] / 0`)
	_, err := Eval(e, map[string]any{"x": 1.0})
	if err == nil {
		t.Fatalf("expected division by zero error")
	}
}
