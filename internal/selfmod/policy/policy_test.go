package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_DefaultPatterns(t *testing.T) {
	m := NewMatcher(DefaultProtectedPatterns)

	tests := []struct {
		path    string
		matched bool
		pattern string
	}{
		{"package.json", true, "package.json"},
		{"./web/package.json", true, "package.json"},
		{"/abs/ws/package-lock.json", true, "package-lock.json"},
		{".env", true, ".env"},
		{"config/.env.production", true, ".env.*"},
		{"deploy/staging.env", true, "*.env"},
		{"go.sum", true, "go.sum"},
		{"internal/selfmod/editor/editor.go", true, "internal/selfmod/**"},
		{"/abs/ws/internal/selfmod/models/models.go", true, "internal/selfmod/**"},
		{"INTERNAL/SelfMod/x.go", true, "internal/selfmod/**"},
		{"src/package.ts", false, ""},
		{"internal/selfmodder/x.go", false, ""},
		{"src/env.ts", false, ""},
		{"", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			pattern, ok := m.Match(tt.path)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.pattern, pattern)
		})
	}
}

func TestMatcher_SlashPatternMatchesWholePath(t *testing.T) {
	m := NewMatcher([]string{"config/*.yaml", "  ", "./scripts/deploy.sh"})

	_, ok := m.Match("config/app.yaml")
	assert.True(t, ok)
	_, ok = m.Match("other/config/app.yaml")
	assert.False(t, ok)
	_, ok = m.Match("scripts/deploy.sh")
	assert.True(t, ok)
	assert.Equal(t, []string{"config/*.yaml", "scripts/deploy.sh"}, m.Patterns())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "src/a.ts", Normalize("./src/../src/a.ts"))
	assert.Equal(t, "src/a.ts", Normalize(`src\a.ts`))
	assert.Equal(t, "", Normalize("."))
	assert.Equal(t, "abs/x", Normalize("/abs/x"))
}
