package workflow

import "testing"

func testEnv() map[string]any {
	return map[string]any{
		"plan": map[string]any{
			"success": true,
			"result": map[string]any{
				"coverage": float64(95),
				"verdict":  "approve",
				"clean":    true,
			},
		},
		"lint": map[string]any{
			"success": false,
		},
	}
}

func TestConditionEval(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"plan.success", true},
		{"lint.success", false},
		{"not lint.success", true},
		{"plan.result.coverage < 90", false},
		{"plan.result.coverage >= 95", true},
		{"plan.result.coverage == 95", true},
		{"plan.result.coverage != 95", false},
		{"plan.result.verdict == 'approve'", true},
		{"plan.result.verdict == \"reject\"", false},
		{"plan.result.verdict != 'reject'", true},
		{"plan.result.clean == true", true},
		{"plan.success and plan.result.coverage > 90", true},
		{"lint.success or plan.success", true},
		{"lint.success and plan.success", false},
		{"not (lint.success or plan.result.coverage < 90)", true},
		{"plan.result.coverage > 90 and plan.result.coverage < 100", true},
		{"plan.result.verdict < 'b'", true},
		{"true", true},
		{"false or plan.success", true},
	}
	for _, tc := range cases {
		cond, err := ParseCondition(tc.expr)
		if err != nil {
			t.Errorf("%q: parse error: %v", tc.expr, err)
			continue
		}
		got, _ := cond.Eval(testEnv())
		if got != tc.want {
			t.Errorf("%q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestConditionMissingFieldsAreFalse(t *testing.T) {
	cases := []string{
		"nothing.success",
		"plan.result.missing == 1",
		"plan.result.missing > 0",
		"plan.missing.deeper.still",
		"plan.result.coverage.nested",
	}
	for _, expr := range cases {
		cond, err := ParseCondition(expr)
		if err != nil {
			t.Fatalf("%q: parse error: %v", expr, err)
		}
		got, sawUndefined := cond.Eval(testEnv())
		if got {
			t.Errorf("%q = true, want false for missing field", expr)
		}
		if !sawUndefined {
			t.Errorf("%q did not report the missing field", expr)
		}
	}
}

func TestConditionUndefinedComparesUnequal(t *testing.T) {
	// != against undefined holds; everything else is false.
	cond, err := ParseCondition("plan.result.missing != 1")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := cond.Eval(testEnv()); !got {
		t.Error("undefined != literal should be true")
	}
	cond, err = ParseCondition("plan.result.missing == plan.result.other_missing")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := cond.Eval(testEnv()); got {
		t.Error("undefined == undefined should be false")
	}
}

func TestConditionParseErrors(t *testing.T) {
	cases := []string{
		"",
		"plan.result. < 5",
		"plan.result.coverage <",
		"(plan.success",
		"plan.success and",
		"== 5",
		"plan.result.coverage << 5",
		"plan.success extra",
		"'unterminated",
		"not",
	}
	for _, expr := range cases {
		if _, err := ParseCondition(expr); err == nil {
			t.Errorf("%q parsed, want error", expr)
		}
	}
}

func TestConditionNumbersCompareNumerically(t *testing.T) {
	env := map[string]any{
		"s": map[string]any{"result": map[string]any{"n": float64(9)}},
	}
	cond, err := ParseCondition("s.result.n < 10")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := cond.Eval(env); !got {
		t.Error("9 < 10 should hold (no lexicographic comparison)")
	}
}
