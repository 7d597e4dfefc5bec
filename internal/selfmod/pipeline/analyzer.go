// internal/selfmod/pipeline/analyzer.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/editor"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

const (
	// maxRootCause bounds the root-cause phrase in runes.
	maxRootCause = 120
	// contextSize is the number of source lines captured around the error.
	contextSize = 10
)

// FileReader is the read side of the edit engine.
type FileReader interface {
	ReadFile(p string) *editor.ReadResult
}

// rule maps an error text pattern onto a classification.
type rule struct {
	pattern  *regexp.Regexp
	errType  models.ErrorType
	severity models.Severity
	fixes    []string
}

// rules are evaluated in order; the first match wins. Critical patterns come first.
var rules = []rule{
	{
		pattern:  regexp.MustCompile(`(?i)(heap out of memory|out of memory|segmentation fault|data (?:loss|corruption)|ENOSPC|fatal error: concurrent map)`),
		errType:  models.ErrorTypeRuntime,
		severity: models.SeverityCritical,
		fixes:    []string{"Escalate to a human reviewer"},
	},
	{
		pattern:  regexp.MustCompile(`(?i)(SyntaxError|Unexpected token|Unterminated string|syntax error|error TS1\d{3})`),
		errType:  models.ErrorTypeSyntax,
		severity: models.SeverityHigh,
		fixes:    []string{"Fix the malformed syntax near the reported location", "Check for unbalanced brackets or quotes"},
	},
	{
		pattern:  regexp.MustCompile(`(?i)(nil pointer dereference|invalid memory address)`),
		errType:  models.ErrorTypeRuntime,
		severity: models.SeverityHigh,
		fixes:    []string{"Add a nil check before the dereference"},
	},
	{
		pattern:  regexp.MustCompile(`(?i)(Cannot read propert(?:y|ies) of (?:undefined|null)|undefined is not an object|is possibly '(?:undefined|null)'|'NoneType' object)`),
		errType:  models.ErrorTypeRuntime,
		severity: models.SeverityMedium,
		fixes:    []string{"Use optional chaining on the failing access", "Add a null check before the access"},
	},
	{
		pattern:  regexp.MustCompile(`(error TS\d+|Type '.*' is not assignable|Property '.*' does not exist on type|Argument of type|cannot use .* as .* value|TypeError)`),
		errType:  models.ErrorTypeType,
		severity: models.SeverityMedium,
		fixes:    []string{"Align the value with the declared type", "Add a type guard"},
	},
	{
		pattern:  regexp.MustCompile(`(ReferenceError|is not defined|undefined: \w+|NameError)`),
		errType:  models.ErrorTypeRuntime,
		severity: models.SeverityHigh,
		fixes:    []string{"Declare or import the missing identifier"},
	},
	{
		pattern:  regexp.MustCompile(`(?i)(Cannot find module|Module not found|ENOENT|no such file or directory|missing (?:required )?(?:environment variable|config)|invalid configuration)`),
		errType:  models.ErrorTypeConfig,
		severity: models.SeverityMedium,
		fixes:    []string{"Check the module path or configuration entry"},
	},
	{
		pattern:  regexp.MustCompile(`(AssertionError|--- FAIL|Expected:|Received:|expect\(|Tests?:\s+\d+ failed|\bFAIL\s)`),
		errType:  models.ErrorTypeTest,
		severity: models.SeverityLow,
		fixes:    []string{"Align the implementation with the failing assertion"},
	},
}

var (
	// src/a.ts(10,5) as printed by tsc.
	parenLocation = regexp.MustCompile(`((?:[A-Za-z]:)?[\w./\\@-]+\.[A-Za-z]{1,5})\((\d+),(\d+)\)`)
	// file:line[:col], optionally wrapped in parentheses as in node stack frames.
	colonLocation = regexp.MustCompile(`((?:[A-Za-z]:)?[\w./\\@-]+\.[A-Za-z]{1,5}):(\d+)(?::(\d+))?`)
	// The message after an error-ish prefix on the same line.
	rootCauseRegex = regexp.MustCompile(`(?:\b[A-Z]\w*(?:Error|Exception)|\bpanic|\berror(?: TS\d+)?|\bfatal error)\s*:\s*(.+)`)
)

// Analyzer classifies raw error text and locates its origin.
type Analyzer struct {
	reader FileReader
	logger *zap.Logger
}

// NewAnalyzer builds an analyzer that reads context through reader.
func NewAnalyzer(reader FileReader, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		reader: reader,
		logger: logger.Named("analyzer"),
	}
}

// Analyze classifies rawError. hintFile is used when the text carries no
// readable location.
func (a *Analyzer) Analyze(ctx context.Context, rawError, hintFile string) (*models.ErrorAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rawError) == "" {
		return nil, errors.New("error text is empty")
	}

	analysis := &models.ErrorAnalysis{
		ErrorType: models.ErrorTypeRuntime,
		Severity:  models.SeverityMedium,
		RootCause: extractRootCause(rawError),
		RawError:  rawError,
	}

	// 1. Classify.
	matched := false
	for _, r := range rules {
		if r.pattern.MatchString(rawError) {
			analysis.ErrorType = r.errType
			analysis.Severity = r.severity
			analysis.SuggestedFixes = append([]string(nil), r.fixes...)
			matched = true
			break
		}
	}
	if !matched {
		analysis.SuggestedFixes = []string{"Inspect the code around the reported location"}
	}

	// 2. Locate, preferring the trace over the caller's hint.
	candidates := make([]models.Location, 0, 2)
	if loc, ok := parseLocation(rawError); ok {
		candidates = append(candidates, loc)
	}
	if hintFile != "" {
		candidates = append(candidates, models.Location{File: hintFile})
	}
	for _, loc := range candidates {
		res := a.reader.ReadFile(loc.File)
		if !res.Success {
			a.logger.Debug("Location is not readable.", zap.String("file", loc.File), zap.Error(res.Error))
			continue
		}
		loc.File = res.Path
		analysis.Location = loc
		if loc.Line > 0 {
			analysis.Context = extractCodeContext(res.Content, loc.Line, contextSize)
		}
		break
	}
	if analysis.Location.File == "" && len(candidates) > 0 {
		analysis.Location = candidates[0]
	}

	a.logger.Info("Error analyzed.",
		zap.String("type", string(analysis.ErrorType)),
		zap.String("severity", string(analysis.Severity)),
		zap.String("file", analysis.Location.File),
		zap.Int("line", analysis.Location.Line))
	return analysis, nil
}

// parseLocation returns the earliest application-code location in text.
func parseLocation(text string) (models.Location, bool) {
	best := models.Location{}
	bestPos := -1

	consider := func(re *regexp.Regexp, colIdx int) {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			file := text[m[2]:m[3]]
			if isLibraryPath(file) {
				continue
			}
			if bestPos >= 0 && m[0] >= bestPos {
				return
			}
			line, _ := strconv.Atoi(text[m[4]:m[5]])
			col := 0
			if m[colIdx] >= 0 {
				col, _ = strconv.Atoi(text[m[colIdx]:m[colIdx+1]])
			}
			best = models.Location{File: file, Line: line, Column: col}
			bestPos = m[0]
			return
		}
	}
	consider(parenLocation, 6)
	consider(colonLocation, 6)

	return best, bestPos >= 0
}

// isLibraryPath filters frames that do not belong to the workspace.
func isLibraryPath(p string) bool {
	s := strings.ReplaceAll(p, `\`, "/")
	return strings.HasPrefix(s, "//") ||
		strings.Contains(s, "node_modules/") ||
		strings.Contains(s, "/go/src/") ||
		strings.Contains(s, "/vendor/") ||
		strings.HasPrefix(s, "runtime/")
}

// extractRootCause returns a short phrase describing the failure.
func extractRootCause(raw string) string {
	var cause string
	if m := rootCauseRegex.FindStringSubmatch(raw); len(m) > 1 {
		cause = m[1]
	} else {
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				cause = line
				break
			}
		}
	}
	cause = strings.TrimSpace(cause)
	if r := []rune(cause); len(r) > maxRootCause {
		cause = string(r[:maxRootCause-3]) + "..."
	}
	return cause
}

// extractCodeContext renders the lines around lineNum with the target marked "->".
func extractCodeContext(source string, lineNum, size int) string {
	lines := strings.Split(source, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if lineNum <= 0 || lineNum > len(lines) {
		return ""
	}

	start := max(lineNum-size/2-1, 0)
	end := min(start+size, len(lines))
	if end-start < size {
		start = max(end-size, 0)
	}
	width := int(math.Log10(float64(end))) + 1

	out := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		marker := "   "
		if i+1 == lineNum {
			marker = "-> "
		}
		out = append(out, fmt.Sprintf("%s%*d: %s", marker, width, i+1, lines[i]))
	}
	return strings.Join(out, "\n")
}
