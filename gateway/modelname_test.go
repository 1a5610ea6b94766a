package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		provider string
		model    string
	}{
		{"with provider", "openai/gpt-4o", "openai", "gpt-4o"},
		{"bare model", "gpt-4o", "", "gpt-4o"},
		{"nested slash", "zhipu/glm-4/plus", "zhipu", "glm-4/plus"},
		{"leading slash", "/gpt-4o", "", "gpt-4o"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseModel(tt.in)
			assert.Equal(t, tt.provider, p.Provider)
			assert.Equal(t, tt.model, p.Model)
		})
	}
}

func TestParsedModelString(t *testing.T) {
	assert.Equal(t, "openai/gpt-4o", ParsedModel{Provider: "openai", Model: "gpt-4o"}.String())
	assert.Equal(t, "gpt-4o", ParsedModel{Model: "gpt-4o"}.String())
}

func TestRedirectorApply(t *testing.T) {
	r := NewRedirector()
	r.Reload(map[string]string{"gpt-4": "gpt-4o", "old": "gpt-4"})

	assert.Equal(t, "gpt-4o", r.Apply("gpt-4"))
	// 链式规则在 Reload 时归约
	assert.Equal(t, "gpt-4o", r.Apply("old"))
	assert.Equal(t, "untouched", r.Apply("untouched"))
}

func TestRedirectorCycle(t *testing.T) {
	r := NewRedirector()
	r.Reload(map[string]string{"a": "b", "b": "a"})

	// 环在入口截断，Apply 仍然幂等
	assert.Equal(t, r.Apply(r.Apply("a")), r.Apply("a"))
	assert.Equal(t, r.Apply(r.Apply("b")), r.Apply("b"))
}

func TestRedirectorApplyIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,6}`), 1, 8).Draw(t, "names")
		rules := map[string]string{}
		for i := 0; i+1 < len(names); i += 2 {
			rules[names[i]] = names[i+1]
		}
		r := NewRedirector()
		r.Reload(rules)

		probe := rapid.SampledFrom(names).Draw(t, "probe")
		once := r.Apply(probe)
		assert.Equal(t, once, r.Apply(once))
	})
}
