package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandTemplate(t *testing.T) {
	vars := map[string]any{
		"repo": "hrygo/clawgate",
		"commit": map[string]any{
			"author": map[string]any{"name": "alice"},
			"count":  float64(3),
		},
		"tags": []any{"v1", "v2"},
		"commits": []any{
			map[string]any{"author": "bob"},
		},
		"ok": true,
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"simple", "push to {{repo}}", "push to hrygo/clawgate"},
		{"dotted path", "by {{commit.author.name}}", "by alice"},
		{"integer rendering", "{{commit.count}} commits", "3 commits"},
		{"array index", "latest {{tags.1}}", "latest v2"},
		{"bracket index", "latest {{tags[1]}}", "latest v2"},
		{"bracket then field", "{{commits[0].author}}", "bob"},
		{"bool", "ok={{ok}}", "ok=true"},
		{"whitespace inside braces", "{{ repo }}", "hrygo/clawgate"},
		{"unmatched stays verbatim", "hello {{nope.deep}}", "hello {{nope.deep}}"},
		{"array out of range stays verbatim", "{{tags.9}}", "{{tags.9}}"},
		{"no placeholders", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandTemplate(tt.template, vars))
		})
	}
}
