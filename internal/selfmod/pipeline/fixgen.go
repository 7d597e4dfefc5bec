// internal/selfmod/pipeline/fixgen.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// ErrNoFix means no replacement could be derived for the analyzed error.
var ErrNoFix = errors.New("no fix could be derived")

// defaultWindowRadius is the number of lines on each side of the error line
// the generator may use as an anchor.
const defaultWindowRadius = 5

// FixRequest is the input of one generation attempt.
type FixRequest struct {
	Analysis  *models.ErrorAnalysis
	Iteration int
	// Issues reported by the previous validation attempt, if any.
	Issues []string
}

// FixGenerator proposes an anchored replacement for an analyzed error.
type FixGenerator interface {
	Generate(ctx context.Context, req FixRequest) (*models.FixProposal, error)
}

// SkillRequest is what a Skill sees of the current attempt.
type SkillRequest struct {
	Analysis *models.ErrorAnalysis
	FilePath string
	// Anchor is the unique snippet that will be replaced.
	Anchor string
	// Window is the bounded code region around the error line.
	Window string
	Issues []string
}

// Skill is an optional strategy that supplies replacement code. Returning
// ok=false defers to the built-in heuristics.
type Skill interface {
	Name() string
	Propose(ctx context.Context, req SkillRequest) (newCode string, ok bool, err error)
}

// NoopSkill never proposes anything.
type NoopSkill struct{}

func (NoopSkill) Name() string { return "noop" }

func (NoopSkill) Propose(context.Context, SkillRequest) (string, bool, error) {
	return "", false, nil
}

// HeuristicFixGenerator derives fixes from the code around the error line.
type HeuristicFixGenerator struct {
	reader FileReader
	skill  Skill
	radius int
	logger *zap.Logger
}

// NewHeuristicFixGenerator builds a generator. A nil skill selects NoopSkill.
func NewHeuristicFixGenerator(reader FileReader, skill Skill, logger *zap.Logger) *HeuristicFixGenerator {
	if skill == nil {
		skill = NoopSkill{}
	}
	return &HeuristicFixGenerator{
		reader: reader,
		skill:  skill,
		radius: defaultWindowRadius,
		logger: logger.Named("fixgen"),
	}
}

var (
	readingProperty = regexp.MustCompile(`reading '([\w$]+)'`)
	nullSafeIdioms  = []string{"?.", "??", "!= null", "!== null", "!== undefined", "!= nil", "is not None"}
)

// Generate re-reads the target file and proposes a replacement for a unique
// anchor around the error line. Later iterations start from a wider anchor.
func (g *HeuristicFixGenerator) Generate(ctx context.Context, req FixRequest) (*models.FixProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := req.Analysis
	if a == nil || a.Location.File == "" || a.Location.Line <= 0 {
		return nil, fmt.Errorf("analysis carries no file location: %w", ErrNoFix)
	}

	// 1. Re-read so the anchor reflects the current content.
	res := g.reader.ReadFile(a.Location.File)
	if !res.Success {
		return nil, fmt.Errorf("failed to read %s: %w", a.Location.File, res.Error)
	}
	lines := strings.Split(res.Content, "\n")
	idx := a.Location.Line - 1
	if idx >= len(lines) {
		return nil, fmt.Errorf("line %d is past the end of %s: %w", a.Location.Line, res.Path, ErrNoFix)
	}

	// 2. Bounded window and a unique anchor inside it.
	lo, hi := max(idx-g.radius, 0), min(idx+g.radius, len(lines)-1)
	start, end, ok := uniqueAnchor(res.Content, lines, idx, lo, hi, max(req.Iteration-1, 0))
	if !ok {
		return nil, fmt.Errorf("no unique anchor around %s:%d: %w", res.Path, a.Location.Line, models.ErrAmbiguousEdit)
	}
	anchor := strings.Join(lines[start:end+1], "\n")

	// 3. Ask the skill, then fall back to the built-in idioms.
	newCode, ok, err := g.skill.Propose(ctx, SkillRequest{
		Analysis: a,
		FilePath: res.Path,
		Anchor:   anchor,
		Window:   strings.Join(lines[lo:hi+1], "\n"),
		Issues:   req.Issues,
	})
	if err != nil {
		g.logger.Warn("Skill failed; falling back to heuristics.", zap.String("skill", g.skill.Name()), zap.Error(err))
		ok = false
	}
	source := g.skill.Name()
	if !ok {
		source = "heuristic"
		fixedLine, fixed := applyNullSafety(res.Path, lines[idx], a)
		if !fixed {
			return nil, fmt.Errorf("no heuristic applies to %s error in %s: %w", a.ErrorType, res.Path, ErrNoFix)
		}
		patched := append([]string(nil), lines[start:end+1]...)
		patched[idx-start] = fixedLine
		newCode = strings.Join(patched, "\n")
	}
	if newCode == anchor {
		return nil, fmt.Errorf("proposed code is identical to the anchor: %w", ErrNoFix)
	}

	proposal := &models.FixProposal{
		FilePath:    res.Path,
		OldCode:     anchor,
		NewCode:     newCode,
		Confidence:  scoreFix(a, anchor, newCode),
		RiskLevel:   riskFromSeverity(a.Severity),
		Description: describeFix(a, source),
	}
	g.logger.Info("Fix proposed.",
		zap.String("file", proposal.FilePath),
		zap.String("source", source),
		zap.Float64("confidence", proposal.Confidence),
		zap.String("risk", string(proposal.RiskLevel)))
	return proposal, nil
}

// uniqueAnchor widens [idx-grow, idx+grow] one line at a time, alternating
// up and down, until the joined lines occur exactly once in content.
func uniqueAnchor(content string, lines []string, idx, lo, hi, grow int) (int, int, bool) {
	start, end := max(idx-grow, lo), min(idx+grow, hi)
	up := true
	for {
		anchor := strings.Join(lines[start:end+1], "\n")
		if strings.TrimSpace(anchor) != "" && strings.Count(content, anchor) == 1 {
			return start, end, true
		}
		switch {
		case start == lo && end == hi:
			return 0, 0, false
		case (up && start > lo) || end == hi:
			start--
		default:
			end++
		}
		up = !up
	}
}

// applyNullSafety rewrites the failing member access on line with optional
// chaining. Only JavaScript and TypeScript sources are handled.
func applyNullSafety(path, line string, a *models.ErrorAnalysis) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs":
	default:
		return "", false
	}
	lower := strings.ToLower(a.RootCause + " " + a.RawError)
	if !strings.Contains(lower, "undefined") && !strings.Contains(lower, "null") {
		return "", false
	}

	// "(reading 'prop')" names the property; otherwise the column points at the object.
	if m := readingProperty.FindStringSubmatch(a.RawError); len(m) > 1 {
		re := regexp.MustCompile(`([\w$\)\]])\.(` + regexp.QuoteMeta(m[1]) + `)\b`)
		if loc := re.FindStringSubmatchIndex(line); loc != nil {
			dot := loc[3]
			return line[:dot] + "?" + line[dot:], true
		}
		return "", false
	}
	if col := a.Location.Column; col > 0 && col <= len(line) {
		for i := col - 1; i < len(line); i++ {
			if line[i] == '.' && i > 0 && line[i-1] != '?' && i+1 < len(line) && line[i+1] != '.' {
				return line[:i] + "?" + line[i:], true
			}
		}
	}
	return "", false
}

// scoreFix is 0.5, +0.2 for an introduced null-safety idiom, +0.1 for low or
// medium severity, +0.1 when the analysis carries suggested fixes.
func scoreFix(a *models.ErrorAnalysis, oldCode, newCode string) float64 {
	score := 0.5
	for _, idiom := range nullSafeIdioms {
		if strings.Count(newCode, idiom) > strings.Count(oldCode, idiom) {
			score += 0.2
			break
		}
	}
	if a.Severity == models.SeverityLow || a.Severity == models.SeverityMedium {
		score += 0.1
	}
	if len(a.SuggestedFixes) > 0 {
		score += 0.1
	}
	return math.Min(math.Round(score*100)/100, 1.0)
}

func riskFromSeverity(s models.Severity) models.RiskLevel {
	switch s {
	case models.SeverityLow:
		return models.RiskLow
	case models.SeverityMedium:
		return models.RiskMedium
	case models.SeverityHigh:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func describeFix(a *models.ErrorAnalysis, source string) string {
	desc := fmt.Sprintf("Fix %s error at %s:%d", a.ErrorType, a.Location.File, a.Location.Line)
	if a.RootCause != "" {
		desc += ": " + a.RootCause
	}
	return desc + " (" + source + ")"
}
