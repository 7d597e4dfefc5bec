// internal/selfmod/pipeline/fixgen_test.go
package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

type fakeSkill struct {
	code string
	ok   bool
	err  error
	seen []SkillRequest
}

func (s *fakeSkill) Name() string { return "fake" }

func (s *fakeSkill) Propose(_ context.Context, req SkillRequest) (string, bool, error) {
	s.seen = append(s.seen, req)
	return s.code, s.ok, s.err
}

func nullishAnalysis(file string, line, col int, raw string) *models.ErrorAnalysis {
	return &models.ErrorAnalysis{
		ErrorType:      models.ErrorTypeRuntime,
		Severity:       models.SeverityMedium,
		Location:       models.Location{File: file, Line: line, Column: col},
		RootCause:      extractRootCause(raw),
		SuggestedFixes: []string{"Use optional chaining on the failing access"},
		RawError:       raw,
	}
}

func TestHeuristicFixGenerator_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("optional chaining on the named property", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "src/user.ts", userSource)
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))

		got, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/user.ts", 3, 18, userError), Iteration: 1})
		require.NoError(t, err)
		assert.Equal(t, "src/user.ts", got.FilePath)
		assert.Equal(t, "  return profile.name;", got.OldCode)
		assert.Equal(t, "  return profile?.name;", got.NewCode)
		assert.Equal(t, 0.9, got.Confidence)
		assert.Equal(t, models.RiskMedium, got.RiskLevel)
		assert.Contains(t, got.Description, "src/user.ts:3")
		assert.True(t, strings.HasSuffix(got.Description, "(heuristic)"))
	})

	t.Run("column points at the object", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "src/user.ts", userSource)
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))

		raw := "TypeError: Cannot read properties of undefined\n    at getName (src/user.ts:2:19)"
		got, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/user.ts", 2, 19, raw), Iteration: 1})
		require.NoError(t, err)
		assert.Equal(t, "  const profile = user?.profile;", got.NewCode)
	})

	t.Run("anchor widens past duplicate lines", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "src/dup.js", "function a(x) {\n  return x.value;\n}\nfunction b(x) {\n  return x.value;\n}\n")
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))

		raw := "TypeError: Cannot read properties of undefined (reading 'value')"
		got, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/dup.js", 5, 0, raw), Iteration: 1})
		require.NoError(t, err)
		assert.Equal(t, "function b(x) {\n  return x.value;", got.OldCode)
		assert.Equal(t, "function b(x) {\n  return x?.value;", got.NewCode)
	})

	t.Run("later iterations start wider", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "src/user.ts", userSource)
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))

		got, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/user.ts", 3, 18, userError), Iteration: 2})
		require.NoError(t, err)
		assert.Equal(t, "  const profile = user.profile;\n  return profile.name;\n}", got.OldCode)
		assert.Equal(t, "  const profile = user.profile;\n  return profile?.name;\n}", got.NewCode)
	})

	t.Run("no unique anchor in the window", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "src/same.js", strings.Repeat("  return x.value;\n", 30))
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))

		raw := "TypeError: Cannot read properties of undefined (reading 'value')"
		_, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/same.js", 15, 0, raw), Iteration: 1})
		assert.ErrorIs(t, err, models.ErrAmbiguousEdit)
	})

	t.Run("no heuristic for other languages", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "app/main.py", "def f(user):\n    return user.name\n")
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))

		raw := "AttributeError: 'NoneType' object has no attribute 'name'"
		_, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("app/main.py", 2, 0, raw), Iteration: 1})
		assert.ErrorIs(t, err, ErrNoFix)
	})

	t.Run("analysis without a location", func(t *testing.T) {
		g := NewHeuristicFixGenerator(setupEngine(t), nil, zaptest.NewLogger(t))
		_, err := g.Generate(ctx, FixRequest{Analysis: &models.ErrorAnalysis{RootCause: "boom"}})
		assert.ErrorIs(t, err, ErrNoFix)
	})

	t.Run("line past the end of the file", func(t *testing.T) {
		e := setupEngine(t)
		writeFile(t, e.Root(), "src/user.ts", userSource)
		g := NewHeuristicFixGenerator(e, nil, zaptest.NewLogger(t))
		_, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/user.ts", 40, 0, userError)})
		assert.ErrorIs(t, err, ErrNoFix)
	})
}

func TestHeuristicFixGenerator_Skill(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	writeFile(t, e.Root(), "src/user.ts", userSource)

	t.Run("skill proposal wins", func(t *testing.T) {
		skill := &fakeSkill{code: "  return profile?.name ?? '';", ok: true}
		g := NewHeuristicFixGenerator(e, skill, zaptest.NewLogger(t))

		got, err := g.Generate(ctx, FixRequest{
			Analysis:  nullishAnalysis("src/user.ts", 3, 18, userError),
			Iteration: 1,
			Issues:    []string{"semantic: change does not address the root cause"},
		})
		require.NoError(t, err)
		assert.Equal(t, "  return profile?.name ?? '';", got.NewCode)
		assert.True(t, strings.HasSuffix(got.Description, "(fake)"))

		require.Len(t, skill.seen, 1)
		assert.Equal(t, "  return profile.name;", skill.seen[0].Anchor)
		assert.Contains(t, skill.seen[0].Window, "export function getName(user) {")
		assert.Equal(t, []string{"semantic: change does not address the root cause"}, skill.seen[0].Issues)
	})

	t.Run("skill error falls back to heuristics", func(t *testing.T) {
		skill := &fakeSkill{err: errors.New("model unavailable")}
		g := NewHeuristicFixGenerator(e, skill, zaptest.NewLogger(t))

		got, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/user.ts", 3, 18, userError), Iteration: 1})
		require.NoError(t, err)
		assert.Equal(t, "  return profile?.name;", got.NewCode)
	})

	t.Run("identical proposal is not a fix", func(t *testing.T) {
		skill := &fakeSkill{code: "  return profile.name;", ok: true}
		g := NewHeuristicFixGenerator(e, skill, zaptest.NewLogger(t))

		_, err := g.Generate(ctx, FixRequest{Analysis: nullishAnalysis("src/user.ts", 3, 18, userError), Iteration: 1})
		assert.ErrorIs(t, err, ErrNoFix)
	})
}

func TestScoreFix(t *testing.T) {
	medium := &models.ErrorAnalysis{Severity: models.SeverityMedium, SuggestedFixes: []string{"x"}}
	high := &models.ErrorAnalysis{Severity: models.SeverityHigh}

	assert.Equal(t, 0.9, scoreFix(medium, "a.b", "a?.b"))
	assert.Equal(t, 0.7, scoreFix(medium, "a.b", "a.c"))
	assert.Equal(t, 0.7, scoreFix(high, "a.b", "a?.b"))
	assert.Equal(t, 0.5, scoreFix(high, "a?.b", "a?.c"))
}

func TestRiskFromSeverity(t *testing.T) {
	assert.Equal(t, models.RiskLow, riskFromSeverity(models.SeverityLow))
	assert.Equal(t, models.RiskMedium, riskFromSeverity(models.SeverityMedium))
	assert.Equal(t, models.RiskHigh, riskFromSeverity(models.SeverityHigh))
	assert.Equal(t, models.RiskCritical, riskFromSeverity(models.SeverityCritical))
	assert.Equal(t, models.RiskCritical, riskFromSeverity(""))
}
