// internal/selfmod/pipeline/validator.go
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/toolchain"
)

const (
	// maxChangedLines is the diff size above which a fix counts as having side effects.
	maxChangedLines = 10
	scratchPrefix   = ".selfmod-scratch-"

	weightStatic     = 0.33
	weightLogic      = 0.33
	weightRegression = 0.34
)

// Workspace is the part of the edit engine the validator and applier need.
type Workspace interface {
	FileReader
	Root() string
	Resolve(p string) (abs, rel string, editErr *editor.EditError)
}

// Validator runs the static, semantic and regression layers against a
// proposal without touching the target file.
type Validator struct {
	ws      Workspace
	checker toolchain.Checker
	logger  *zap.Logger
}

// NewValidator builds a validator.
func NewValidator(ws Workspace, checker toolchain.Checker, logger *zap.Logger) *Validator {
	return &Validator{
		ws:      ws,
		checker: checker,
		logger:  logger.Named("validator"),
	}
}

// Validate evaluates proposal. Layer failures are reported in the result; the
// returned error is non-nil only when ctx ends.
func (v *Validator) Validate(ctx context.Context, analysis *models.ErrorAnalysis, proposal *models.FixProposal) (*models.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &models.ValidationResult{}

	// 1. Build the proposed content from the current file.
	read := v.ws.ReadFile(proposal.FilePath)
	if !read.Success {
		result.Issues = append(result.Issues, "static: "+read.Error.Error())
		return result, nil
	}
	abs, rel, editErr := v.ws.Resolve(read.Path)
	if editErr != nil {
		result.Issues = append(result.Issues, "static: "+editErr.Error())
		return result, nil
	}
	switch n := strings.Count(read.Content, proposal.OldCode); {
	case proposal.OldCode == "" || n == 0:
		result.Issues = append(result.Issues, "static: "+models.ErrStaleAnchor.Error())
		return result, nil
	case n > 1:
		result.Issues = append(result.Issues, fmt.Sprintf("static: %s (%d matches)", models.ErrAmbiguousEdit, n))
		return result, nil
	}
	proposed := strings.Replace(read.Content, proposal.OldCode, proposal.NewCode, 1)

	// 2. The three layers are independent.
	result.Static = v.validateStatic(ctx, abs, rel, proposed)
	result.Semantic = v.validateSemantic(analysis, rel, read.Content, proposed)
	result.Regression = v.validateRegression(ctx, rel)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. Aggregate.
	result.Approved = result.Static.Passed && result.Semantic.Passed && result.Regression.Passed
	result.Confidence = math.Round((weightStatic*boolScore(result.Static.Passed)+
		weightLogic*result.Semantic.LogicScore+
		weightRegression*boolScore(result.Regression.Passed))*1000) / 1000
	for _, e := range result.Static.Errors {
		result.Issues = append(result.Issues, "static: "+e)
	}
	if !result.Semantic.RootCauseAddressed {
		result.Issues = append(result.Issues, "semantic: change does not address the root cause")
	}
	for _, s := range result.Semantic.SideEffects {
		result.Issues = append(result.Issues, "semantic: "+s)
	}
	if !result.Regression.Passed {
		result.Issues = append(result.Issues, fmt.Sprintf("regression: %d of %d related tests failed",
			result.Regression.TestsFailed, result.Regression.TestsRun))
	}

	v.logger.Info("Validation finished.",
		zap.String("file", rel),
		zap.Bool("approved", result.Approved),
		zap.Float64("confidence", result.Confidence),
		zap.Int("issues", len(result.Issues)))
	return result, nil
}

// -- Static layer --

func (v *Validator) validateStatic(ctx context.Context, abs, rel, proposed string) models.StaticResult {
	res := models.StaticResult{}

	if err := toolchain.CheckSyntax(rel, []byte(proposed)); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.SyntaxValid = true

	// The scratch copy sits next to the target so relative imports resolve.
	name := scratchPrefix + uuid.NewString() + filepath.Ext(abs)
	scratch := filepath.Join(filepath.Dir(abs), name)
	if err := os.WriteFile(scratch, []byte(proposed), 0o644); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to write scratch copy: %v", err))
		return res
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			v.logger.Debug("Failed to remove scratch copy.", zap.String("path", scratch), zap.Error(err))
		}
	}()
	scratchRel := filepath.Join(filepath.Dir(rel), name)

	var types, lint toolchain.CheckResult
	var g errgroup.Group
	g.Go(func() error {
		types = v.checker.TypeCheck(ctx, scratchRel)
		return nil
	})
	g.Go(func() error {
		lint = v.checker.Lint(ctx, scratchRel)
		return nil
	})
	_ = g.Wait()

	res.TypesValid = types.Passed
	res.LintPassed = lint.Passed
	if !types.Passed {
		res.Errors = append(res.Errors, checkFailure("type check", types))
	}
	if !lint.Passed {
		res.Errors = append(res.Errors, checkFailure("lint", lint))
	}
	res.Passed = res.SyntaxValid && res.TypesValid && res.LintPassed
	return res
}

// -- Semantic layer --

var (
	exportPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*export\s+(?:default\s+)?(?:declare\s+)?(?:async\s+)?(?:abstract\s+)?(?:function\*?|class|const|let|var|interface|type|enum)\s+([\w$]+)`),
		regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Z]\w*)`),
		regexp.MustCompile(`^type\s+([A-Z]\w*)`),
		regexp.MustCompile(`^def\s+([A-Za-z]\w*)`),
	}
	quotedToken = regexp.MustCompile("'([^']+)'|\"([^\"]+)\"|`([^`]+)`")
	identToken  = regexp.MustCompile(`[A-Za-z_$][\w$]{2,}`)
	stopWords   = map[string]bool{
		"cannot": true, "read": true, "reading": true, "property": true, "properties": true,
		"undefined": true, "null": true, "error": true, "type": true, "the": true, "not": true,
		"and": true, "for": true, "with": true, "from": true, "expected": true, "received": true,
		"found": true, "missing": true, "does": true, "exist": true, "possibly": true, "object": true,
	}
	nullishCause = regexp.MustCompile(`(?i)\b(undefined|null|nil|none|nonetype)\b`)
)

func (v *Validator) validateSemantic(analysis *models.ErrorAnalysis, rel, before, after string) models.SemanticResult {
	res := models.SemanticResult{}

	changed, added, removed, err := diffStats(rel, before, after)
	if err != nil {
		res.SideEffects = append(res.SideEffects, fmt.Sprintf("diff could not be parsed: %v", err))
	}
	small := changed <= maxChangedLines
	if !small {
		res.SideEffects = append(res.SideEffects, fmt.Sprintf("diff touches %d lines (limit %d)", changed, maxChangedLines))
	}
	res.SideEffects = append(res.SideEffects, exportChanges(added, removed)...)

	res.RootCauseAddressed = addressesRootCause(analysis, added, removed)
	res.LogicScore = 0.5
	if res.RootCauseAddressed {
		res.LogicScore += 0.3
	}
	if small {
		res.LogicScore += 0.2
	}
	res.LogicScore = math.Round(res.LogicScore*100) / 100
	res.Passed = res.RootCauseAddressed && res.LogicScore >= 0.7 && len(res.SideEffects) == 0
	return res
}

// diffStats diffs before and after and returns the changed line count plus
// the added and removed line bodies.
func diffStats(rel, before, after string) (int, []string, []string, error) {
	if before == after {
		return 0, nil, nil, nil
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + filepath.ToSlash(rel),
		ToFile:   "b/" + filepath.ToSlash(rel),
		Context:  3,
	})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to diff: %w", err)
	}
	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to parse diff: %w", err)
	}

	var added, removed []string
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				added = append(added, line[1:])
			case strings.HasPrefix(line, "-"):
				removed = append(removed, line[1:])
			}
		}
	}
	st := fd.Stat()
	return int(st.Added + st.Changed + st.Deleted), added, removed, nil
}

// exportChanges reports exported declarations whose line was removed without
// an identical replacement.
func exportChanges(added, removed []string) []string {
	kept := make(map[string]bool, len(added))
	for _, l := range added {
		kept[strings.TrimSpace(l)] = true
	}
	var out []string
	for _, l := range removed {
		if kept[strings.TrimSpace(l)] {
			continue
		}
		for _, re := range exportPatterns {
			if m := re.FindStringSubmatch(l); len(m) > 1 {
				out = append(out, fmt.Sprintf("exported signature of %s changed", m[1]))
				break
			}
		}
	}
	return out
}

// addressesRootCause matches the added code against the root cause: a nullish
// cause needs a newly introduced null-safety idiom, anything else needs one of
// the cause's identifiers to appear in the added lines.
func addressesRootCause(analysis *models.ErrorAnalysis, added, removed []string) bool {
	if analysis == nil || len(added) == 0 {
		return false
	}
	addedText := strings.Join(added, "\n")
	removedText := strings.Join(removed, "\n")

	if nullishCause.MatchString(analysis.RootCause) {
		for _, idiom := range nullSafeIdioms {
			if strings.Count(addedText, idiom) > strings.Count(removedText, idiom) {
				return true
			}
		}
		return false
	}

	var keywords []string
	for _, m := range quotedToken.FindAllStringSubmatch(analysis.RootCause, -1) {
		keywords = append(keywords, firstNonEmpty(m[1:]...))
	}
	if len(keywords) == 0 {
		for _, w := range identToken.FindAllString(analysis.RootCause, -1) {
			if !stopWords[strings.ToLower(w)] {
				keywords = append(keywords, w)
			}
		}
	}
	for _, k := range keywords {
		if strings.Contains(addedText, k) {
			return true
		}
	}
	return false
}

// -- Regression layer --

// validateRegression passes iff the related tests report zero failures. No
// related tests counts as a pass.
func (v *Validator) validateRegression(ctx context.Context, rel string) models.RegressionResult {
	tests := RelatedTests(v.ws.Root(), rel)
	res := models.RegressionResult{AffectedFiles: append([]string{rel}, tests...)}
	if len(tests) == 0 {
		res.Passed = true
		return res
	}

	report := v.checker.RunTests(ctx, tests...)
	res.TestsRun = report.TestsRun
	res.TestsPassed = report.TestsPassed
	res.TestsFailed = report.TestsFailed
	res.Passed = report.Passed && report.TestsFailed == 0
	return res
}

var testFilePattern = regexp.MustCompile(`(\.(test|spec)\.[A-Za-z]+$)|(_test\.go$)|(^test_.*\.py$)`)

// RelatedTests returns workspace-relative test files that exercise rel.
func RelatedTests(root, rel string) []string {
	if testFilePattern.MatchString(filepath.Base(rel)) {
		return []string{rel}
	}
	dir, base := filepath.Dir(rel), filepath.Base(rel)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	var candidates []string
	switch ext {
	case ".go":
		candidates = []string{filepath.Join(dir, stem+"_test.go")}
	case ".py":
		candidates = []string{filepath.Join(dir, "test_"+base), filepath.Join(dir, "tests", "test_"+base)}
	default:
		candidates = []string{
			filepath.Join(dir, stem+".test"+ext),
			filepath.Join(dir, stem+".spec"+ext),
			filepath.Join(dir, "__tests__", stem+".test"+ext),
			filepath.Join(dir, "__tests__", base),
		}
	}

	var found []string
	for _, c := range candidates {
		if info, err := os.Stat(filepath.Join(root, c)); err == nil && !info.IsDir() {
			found = append(found, c)
		}
	}
	return found
}

// -- Helpers --

func checkFailure(name string, res toolchain.CheckResult) string {
	msg := name + " failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		if len(out) > 500 {
			out = out[:500] + "..."
		}
		msg += ": " + out
	}
	return msg
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
