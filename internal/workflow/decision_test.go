package workflow

import (
	"reflect"
	"testing"
)

func TestParseDecision(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{"bare json true", `{"decision": true}`, true},
		{"bare json false", `{"decision": false}`, false},
		{"json embedded in prose", `Looking at the data, my verdict: {"decision": false}. Let me know.`, false},
		{"isValid beats decision", `{"isValid": false, "decision": true}`, false},
		{"approved beats decision", `{"approved": true, "decision": false}`, true},
		{"non-boolean field ignored", `{"decision": "maybe"}`, false},
		{"substring yes", "Yes, that looks correct to me.", true},
		{"substring true", "The statement is TRUE.", true},
		{"substring confirmed", "Confirmed, proceeding.", true},
		{"plain no", "No, that is wrong.", false},
		{"empty", "", false},
		{"nested braces in string value", `{"note": "use {curly} syntax", "decision": true}`, true},
		{"second object parses", `{broken json} then {"decision": true}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseDecision(tc.output); got != tc.want {
				t.Errorf("ParseDecision(%q) = %v, want %v", tc.output, got, tc.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	t.Run("direct object", func(t *testing.T) {
		got := ExtractJSON(`{"a": 1}`)
		want := map[string]interface{}{"a": float64(1)}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("object in prose", func(t *testing.T) {
		got := ExtractJSON(`Sure! Here is the result: {"ok": true} as requested.`)
		want := map[string]interface{}{"ok": true}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("array in prose", func(t *testing.T) {
		got := ExtractJSON(`The items are [1, 2, 3] in order.`)
		want := []interface{}{float64(1), float64(2), float64(3)}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("nothing parseable", func(t *testing.T) {
		if got := ExtractJSON("just plain text without structure"); got != nil {
			t.Errorf("Expected nil, got %v", got)
		}
	})

	t.Run("unbalanced braces", func(t *testing.T) {
		if got := ExtractJSON(`{"never": "closes"`); got != nil {
			t.Errorf("Expected nil, got %v", got)
		}
	})
}
