package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assessment struct {
	Score int      `json:"score"`
	Flags []string `json:"flags"`
	Notes string   `json:"notes"`
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		want assessment
	}{
		{
			name: "plain object",
			text: `{"score": 85, "flags": [], "notes": "ok"}`,
			want: assessment{Score: 85, Flags: []string{}, Notes: "ok"},
		},
		{
			name: "json fence",
			text: "Here is my assessment:\n```json\n{\"score\": 70, \"flags\": [\"x\"], \"notes\": \"n\"}\n```\nDone.",
			want: assessment{Score: 70, Flags: []string{"x"}, Notes: "n"},
		},
		{
			name: "bare fence",
			text: "```\n{\"score\": 60, \"flags\": [], \"notes\": \"\"}\n```",
			want: assessment{Score: 60, Flags: []string{}},
		},
		{
			name: "prose around bare json",
			text: `Sure! The result is {"score": 92, "flags": [], "notes": "clean"} as requested.`,
			want: assessment{Score: 92, Flags: []string{}, Notes: "clean"},
		},
		{
			name: "truncated object",
			text: `{"score": 88, "flags": ["one", "two"`,
			want: assessment{Score: 88, Flags: []string{"one", "two"}},
		},
		{
			name: "truncated mid string",
			text: `{"score": 55, "notes": "cut off her`,
			want: assessment{Score: 55, Notes: "cut off her"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got assessment
			require.NoError(t, ExtractJSONObject(tt.text, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONObject_NoObject(t *testing.T) {
	var got assessment
	assert.Error(t, ExtractJSONObject("I cannot provide a JSON response.", &got))
	assert.Error(t, ExtractJSONObject("", &got))
}

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"float64", float64(85), 85},
		{"int", 42, 42},
		{"numeric string", "85", 85},
		{"string with prefix", "score: 85", 85},
		{"garbage string", "high", 7},
		{"nil", nil, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceInt(tt.in, 7))
		})
	}
}

func TestCoerceStringList(t *testing.T) {
	assert.Nil(t, CoerceStringList(nil))
	assert.Nil(t, CoerceStringList(""))
	assert.Equal(t, []string{"one"}, CoerceStringList("one"))
	assert.Equal(t, []string{"a", "b"}, CoerceStringList([]any{"a", "b"}))

	// 对象数组被序列化为 JSON 文本而不是丢弃
	got := CoerceStringList([]any{map[string]any{"flag": "x"}})
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "flag")
}

func TestCoerceString(t *testing.T) {
	assert.Equal(t, "fallback", CoerceString(nil, "fallback"))
	assert.Equal(t, "fallback", CoerceString("", "fallback"))
	assert.Equal(t, "hello", CoerceString("hello", "fallback"))
	assert.Equal(t, `{"tone":"warm"}`, CoerceString(map[string]any{"tone": "warm"}, ""))
}
