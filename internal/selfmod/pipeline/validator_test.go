// internal/selfmod/pipeline/validator_test.go
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/toolchain"
)

func userProposal(newCode string) *models.FixProposal {
	return &models.FixProposal{
		FilePath:   "src/user.ts",
		OldCode:    "  return profile.name;",
		NewCode:    newCode,
		Confidence: 0.9,
		RiskLevel:  models.RiskMedium,
	}
}

func setupValidator(t *testing.T) (*Validator, *fakeChecker, string) {
	t.Helper()
	e := setupEngine(t)
	writeFile(t, e.Root(), "src/user.ts", userSource)
	checker := &fakeChecker{}
	return NewValidator(e, checker, zaptest.NewLogger(t)), checker, e.Root()
}

func TestValidator_Approves(t *testing.T) {
	v, checker, root := setupValidator(t)
	writeFile(t, root, "src/user.test.ts", "test('name', () => {});\n")

	got, err := v.Validate(context.Background(), nullishAnalysis("src/user.ts", 3, 18, userError), userProposal("  return profile?.name;"))
	require.NoError(t, err)

	assert.True(t, got.Approved, "issues: %v", got.Issues)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Empty(t, got.Issues)
	assert.True(t, got.Static.SyntaxValid)
	assert.True(t, got.Semantic.RootCauseAddressed)
	assert.Equal(t, 1.0, got.Semantic.LogicScore)
	assert.Equal(t, []string{"src/user.ts", filepath.Join("src", "user.test.ts")}, got.Regression.AffectedFiles)

	// The checks ran against a scratch copy which is gone afterwards.
	require.Len(t, checker.typeCalls, 1)
	require.Len(t, checker.typeCalls[0], 1)
	assert.True(t, strings.HasPrefix(filepath.Base(checker.typeCalls[0][0]), scratchPrefix))
	entries, err := os.ReadDir(filepath.Join(root, "src"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), scratchPrefix), "scratch copy left behind: %s", entry.Name())
	}

	// The target itself is untouched.
	assert.Equal(t, userSource, readFile(t, filepath.Join(root, "src", "user.ts")))
	assert.Equal(t, [][]string{{filepath.Join("src", "user.test.ts")}}, checker.testCalls)
}

func TestValidator_StaticLayer(t *testing.T) {
	ctx := context.Background()
	analysis := nullishAnalysis("src/user.ts", 3, 18, userError)

	t.Run("syntax error skips external checks", func(t *testing.T) {
		v, checker, _ := setupValidator(t)
		got, err := v.Validate(ctx, analysis, userProposal("  return profile?.name; {"))
		require.NoError(t, err)
		assert.False(t, got.Approved)
		assert.False(t, got.Static.SyntaxValid)
		assert.False(t, got.Static.Passed)
		require.NotEmpty(t, got.Issues)
		assert.True(t, strings.HasPrefix(got.Issues[0], "static: "))
		types, lints, _ := checker.calls()
		assert.Zero(t, types)
		assert.Zero(t, lints)
	})

	t.Run("type errors fail the layer", func(t *testing.T) {
		v, checker, _ := setupValidator(t)
		checker.typeCheck = func([]string) toolchain.CheckResult {
			return toolchain.CheckResult{Name: "typecheck", ExitCode: 2, Output: "error TS2339", Err: models.ErrSubprocessFailure}
		}
		got, err := v.Validate(ctx, analysis, userProposal("  return profile?.name;"))
		require.NoError(t, err)
		assert.False(t, got.Approved)
		assert.True(t, got.Static.SyntaxValid)
		assert.False(t, got.Static.TypesValid)
		assert.True(t, got.Static.LintPassed)
		assert.Contains(t, strings.Join(got.Issues, "\n"), "error TS2339")
		assert.InDelta(t, 0.67, got.Confidence, 0.001)
	})

	t.Run("stale anchor", func(t *testing.T) {
		v, _, _ := setupValidator(t)
		p := userProposal("  return profile?.name;")
		p.OldCode = "  return profile.fullName;"
		got, err := v.Validate(ctx, analysis, p)
		require.NoError(t, err)
		assert.False(t, got.Approved)
		assert.Equal(t, []string{"static: " + models.ErrStaleAnchor.Error()}, got.Issues)
	})

	t.Run("ambiguous anchor", func(t *testing.T) {
		v, _, _ := setupValidator(t)
		p := userProposal("profile?.")
		p.OldCode = "profile"
		got, err := v.Validate(ctx, analysis, p)
		require.NoError(t, err)
		assert.False(t, got.Approved)
		require.Len(t, got.Issues, 1)
		assert.Contains(t, got.Issues[0], models.ErrAmbiguousEdit.Error())
	})

	t.Run("missing file", func(t *testing.T) {
		v, _, _ := setupValidator(t)
		p := userProposal("x")
		p.FilePath = "src/missing.ts"
		got, err := v.Validate(ctx, analysis, p)
		require.NoError(t, err)
		assert.False(t, got.Approved)
		require.Len(t, got.Issues, 1)
	})
}

func TestValidator_SemanticLayer(t *testing.T) {
	ctx := context.Background()

	t.Run("root cause not addressed", func(t *testing.T) {
		v, _, _ := setupValidator(t)
		got, err := v.Validate(ctx, nullishAnalysis("src/user.ts", 3, 18, userError), userProposal("  return profile.name; // checked"))
		require.NoError(t, err)
		assert.False(t, got.Approved)
		assert.True(t, got.Static.Passed)
		assert.False(t, got.Semantic.RootCauseAddressed)
		assert.Equal(t, 0.7, got.Semantic.LogicScore)
		assert.Contains(t, got.Issues, "semantic: change does not address the root cause")
	})

	t.Run("exported signature change is a side effect", func(t *testing.T) {
		v, _, _ := setupValidator(t)
		analysis := &models.ErrorAnalysis{
			ErrorType: models.ErrorTypeRuntime,
			Severity:  models.SeverityMedium,
			Location:  models.Location{File: "src/user.ts", Line: 1},
			RootCause: "getName expects a 'fallback' argument",
		}
		p := &models.FixProposal{
			FilePath: "src/user.ts",
			OldCode:  "export function getName(user) {",
			NewCode:  "export function getName(user, fallback) {",
		}
		got, err := v.Validate(ctx, analysis, p)
		require.NoError(t, err)
		assert.True(t, got.Semantic.RootCauseAddressed)
		assert.Contains(t, got.Semantic.SideEffects, "exported signature of getName changed")
		assert.False(t, got.Semantic.Passed)
		assert.False(t, got.Approved)
	})

	t.Run("large diff is a side effect", func(t *testing.T) {
		v, _, _ := setupValidator(t)
		var extra []string
		for i := 0; i < 12; i++ {
			extra = append(extra, "  if (!profile) { return ''; }")
		}
		got, err := v.Validate(ctx, nullishAnalysis("src/user.ts", 3, 18, userError),
			userProposal(strings.Join(extra, "\n")+"\n  return profile?.name;"))
		require.NoError(t, err)
		assert.True(t, got.Semantic.RootCauseAddressed)
		assert.False(t, got.Semantic.Passed)
		require.NotEmpty(t, got.Semantic.SideEffects)
		assert.Contains(t, got.Semantic.SideEffects[0], "diff touches")
	})
}

func TestValidator_RegressionLayer(t *testing.T) {
	ctx := context.Background()

	t.Run("failing related tests reject", func(t *testing.T) {
		v, checker, root := setupValidator(t)
		writeFile(t, root, "src/user.test.ts", "test('name', () => {});\n")
		checker.tests = func([]string) toolchain.TestReport { return failedTests(4, 1) }

		got, err := v.Validate(ctx, nullishAnalysis("src/user.ts", 3, 18, userError), userProposal("  return profile?.name;"))
		require.NoError(t, err)
		assert.False(t, got.Approved)
		assert.False(t, got.Regression.Passed)
		assert.Equal(t, 4, got.Regression.TestsRun)
		assert.Equal(t, 1, got.Regression.TestsFailed)
		assert.Contains(t, got.Issues, "regression: 1 of 4 related tests failed")
	})

	t.Run("failing tests reject a test error too", func(t *testing.T) {
		v, checker, root := setupValidator(t)
		writeFile(t, root, "src/user.test.ts", "test('name', () => {});\n")
		checker.tests = func([]string) toolchain.TestReport { return failedTests(3, 1) }

		analysis := nullishAnalysis("src/user.ts", 3, 18, userError)
		analysis.ErrorType = models.ErrorTypeTest
		got, err := v.Validate(ctx, analysis, userProposal("  return profile?.name;"))
		require.NoError(t, err)
		assert.False(t, got.Regression.Passed)
		assert.Equal(t, 1, got.Regression.TestsFailed)
		assert.False(t, got.Approved)
	})

	t.Run("timeouts fail the layer", func(t *testing.T) {
		v, checker, root := setupValidator(t)
		writeFile(t, root, "src/user.test.ts", "test('name', () => {});\n")
		checker.tests = func([]string) toolchain.TestReport {
			r := failedTests(0, 0)
			r.TimedOut = true
			r.Err = models.ErrSubprocessTimeout
			return r
		}

		got, err := v.Validate(ctx, nullishAnalysis("src/user.ts", 3, 18, userError), userProposal("  return profile?.name;"))
		require.NoError(t, err)
		assert.False(t, got.Regression.Passed)
	})

	t.Run("no related tests passes", func(t *testing.T) {
		v, checker, _ := setupValidator(t)
		got, err := v.Validate(ctx, nullishAnalysis("src/user.ts", 3, 18, userError), userProposal("  return profile?.name;"))
		require.NoError(t, err)
		assert.True(t, got.Regression.Passed)
		_, _, tests := checker.calls()
		assert.Zero(t, tests)
	})
}

func TestValidator_CancelledContext(t *testing.T) {
	v, _, _ := setupValidator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Validate(ctx, nullishAnalysis("src/user.ts", 3, 18, userError), userProposal("  return profile?.name;"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelatedTests(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.ts", "")
	writeFile(t, root, "src/a.test.ts", "")
	writeFile(t, root, "src/__tests__/a.test.ts", "")
	writeFile(t, root, "src/b.js", "")
	writeFile(t, root, "src/b.spec.js", "")
	writeFile(t, root, "pkg/c.go", "")
	writeFile(t, root, "pkg/c_test.go", "")
	writeFile(t, root, "app/d.py", "")
	writeFile(t, root, "app/tests/test_d.py", "")
	writeFile(t, root, "src/lonely.ts", "")

	tests := []struct {
		rel  string
		want []string
	}{
		{"src/a.ts", []string{filepath.Join("src", "a.test.ts"), filepath.Join("src", "__tests__", "a.test.ts")}},
		{"src/b.js", []string{filepath.Join("src", "b.spec.js")}},
		{"pkg/c.go", []string{filepath.Join("pkg", "c_test.go")}},
		{"app/d.py", []string{filepath.Join("app", "tests", "test_d.py")}},
		{"src/a.test.ts", []string{"src/a.test.ts"}},
		{"src/lonely.ts", nil},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, RelatedTests(root, tt.rel))
		})
	}
}

func TestDiffStats(t *testing.T) {
	changed, added, removed, err := diffStats("src/user.ts", userSource, strings.Replace(userSource, "profile.name", "profile?.name", 1))
	require.NoError(t, err)
	assert.Positive(t, changed)
	assert.LessOrEqual(t, changed, 2)
	assert.Equal(t, []string{"  return profile?.name;"}, added)
	assert.Equal(t, []string{"  return profile.name;"}, removed)

	changed, added, removed, err = diffStats("src/user.ts", userSource, userSource)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestAddressesRootCause(t *testing.T) {
	nullish := &models.ErrorAnalysis{RootCause: "Cannot read properties of undefined (reading 'id')"}
	named := &models.ErrorAnalysis{RootCause: "Property 'email' does not exist on type 'User'"}

	assert.True(t, addressesRootCause(nullish, []string{"a?.id"}, []string{"a.id"}))
	assert.False(t, addressesRootCause(nullish, []string{"a?.id + 1"}, []string{"a?.id"}))
	assert.True(t, addressesRootCause(named, []string{"email: string;"}, nil))
	assert.False(t, addressesRootCause(named, []string{"name: string;"}, nil))
	assert.False(t, addressesRootCause(nil, []string{"x"}, nil))
	assert.False(t, addressesRootCause(named, nil, nil))
}
