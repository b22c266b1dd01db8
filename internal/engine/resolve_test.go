package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Tahsine/agentic-cli/internal/plan"
)

func TestResolveParams(t *testing.T) {
	bindings := map[string]map[string]any{
		"fetch_content": {
			"content":    "This is the generated content.",
			"word_count": 5,
			"sources":    []any{"https://a.example", "https://b.example"},
		},
		"user_info": {
			"is_admin": true,
		},
	}

	testCases := []struct {
		name     string
		input    map[string]any
		expected map[string]any
	}{
		{
			name: "placeholder replacement",
			input: map[string]any{
				"path":    "output.txt",
				"content": "@results.fetch_content.content",
			},
			expected: map[string]any{
				"path":    "output.txt",
				"content": "This is the generated content.",
			},
		},
		{
			name: "non-string values are kept",
			input: map[string]any{
				"count":    123,
				"is_ready": true,
				"details":  "@results.fetch_content.content",
			},
			expected: map[string]any{
				"count":    123,
				"is_ready": true,
				"details":  "This is the generated content.",
			},
		},
		{
			name:     "unknown step",
			input:    map[string]any{"content": "@results.non_existent_step.text"},
			expected: map[string]any{"content": ""},
		},
		{
			name:     "unknown output key",
			input:    map[string]any{"content": "@results.fetch_content.non_existent_key"},
			expected: map[string]any{"content": ""},
		},
		{
			name:     "string without placeholder",
			input:    map[string]any{"greeting": "Hello, world!"},
			expected: map[string]any{"greeting": "Hello, world!"},
		},
		{
			name:     "empty params",
			input:    map[string]any{},
			expected: map[string]any{},
		},
		{
			name:     "embedded placeholders and non-string outputs",
			input:    map[string]any{"command": "echo @results.fetch_content.word_count admin=@results.user_info.is_admin"},
			expected: map[string]any{"command": "echo 5 admin=true"},
		},
		{
			name:     "lists render one item per line",
			input:    map[string]any{"content": "@results.fetch_content.sources"},
			expected: map[string]any{"content": "https://a.example\nhttps://b.example"},
		},
		{
			name: "nested maps and lists",
			input: map[string]any{
				"env":  map[string]any{"COUNT": "@results.fetch_content.word_count"},
				"urls": []any{"@results.user_info.is_admin", 7},
			},
			expected: map[string]any{
				"env":  map[string]any{"COUNT": "5"},
				"urls": []any{"true", 7},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, resolveParams(tc.input, bindings))
		})
	}
}

func TestResolveStep_LeavesChildrenAndInputUntouched(t *testing.T) {
	bindings := map[string]map[string]any{"a": {"stdout": "v1"}}
	s := plan.Step{
		ID:     "c",
		Kind:   plan.KindComposite,
		Params: map[string]any{"note": "@results.a.stdout"},
		Steps: []plan.Step{
			{ID: "c1", Kind: plan.KindCommand, Params: map[string]any{"command": "echo @results.a.stdout"}},
		},
	}

	got := resolveStep(s, bindings)
	assert.Equal(t, "v1", got.Params["note"])
	assert.Equal(t, "echo @results.a.stdout", got.Steps[0].Command())

	got.Steps[0].Params["command"] = "changed"
	assert.Equal(t, "@results.a.stdout", s.Params["note"])
	assert.Equal(t, "echo @results.a.stdout", s.Steps[0].Command())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))

	assert.Zero(t, RetryPolicy{MaxAttempts: 2}.Delay(1))
	assert.Equal(t, 1, RetryPolicy{}.attempts())
	assert.Equal(t, 3, DefaultRetry()[plan.KindResearch].attempts())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"guard violation", &GuardViolation{StepID: "a"}, false},
		{"timeout", &TimeoutError{StepID: "a"}, true},
		{"execution", &ExecutionError{StepID: "a", ExitCode: 2}, true},
		{"blocked wrapping guard", &BlockedError{Cause: &GuardViolation{StepID: "a"}}, false},
		{"anything else", assert.AnError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}
