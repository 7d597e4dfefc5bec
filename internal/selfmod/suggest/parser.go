// internal/selfmod/suggest/parser.go
package suggest

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// Extractor recognizes one shape of change proposal in free text.
type Extractor interface {
	Name() string
	Extract(text string) []models.CodeSuggestion
}

// Parser runs extractors in order and de-duplicates by file path. It is a pure
// function of its input.
type Parser struct {
	extractors []Extractor
}

// DefaultExtractors returns the built-in extractors, most specific first. A
// replace-with answer annotates both of its fences with the same path, so it
// must run before AnnotatedFenceExtractor claims the first fence.
func DefaultExtractors() []Extractor {
	return []Extractor{
		ReplaceWithExtractor{},
		CreateExtractor{},
		AnnotatedFenceExtractor{},
		PathCommentExtractor{},
	}
}

// NewParser builds a parser. With no extractors, DefaultExtractors is used.
func NewParser(extractors ...Extractor) *Parser {
	if len(extractors) == 0 {
		extractors = DefaultExtractors()
	}
	return &Parser{extractors: extractors}
}

// Parse returns the suggestions found in text. When several suggestions target
// the same file, the first one found wins.
func (p *Parser) Parse(text string) []models.CodeSuggestion {
	seen := make(map[string]struct{})
	var out []models.CodeSuggestion

	for _, ex := range p.extractors {
		for _, s := range ex.Extract(text) {
			key := cleanPath(s.FilePath)
			if key == "" || key == "." {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			s.FilePath = key
			out = append(out, s)
		}
	}
	return out
}

// -- Extractors --

var (
	replaceWord = regexp.MustCompile(`(?i)\breplace\b`)
	withWord    = regexp.MustCompile(`(?i)\bwith\b`)
	createVerb  = regexp.MustCompile(`(?i)\b(?:create|add|make)\s+(?:(?:a|an|the|new|file|module|called|named|at)\s+)*` +
		"[`'\"]?([A-Za-z0-9_@.~/\\\\-]*[A-Za-z0-9_@-]\\.[A-Za-z0-9]{1,10})[`'\"]?")
)

// maxBridgeLen bounds the prose allowed between the two blocks of a
// "replace ... with ..." pair.
const maxBridgeLen = 200

// ReplaceWithExtractor recognizes "replace <block> with <block>" for one file
// and yields an anchored edit.
type ReplaceWithExtractor struct{}

func (ReplaceWithExtractor) Name() string { return "replace-with" }

func (ReplaceWithExtractor) Extract(text string) []models.CodeSuggestion {
	fences := scanFences(text)
	var out []models.CodeSuggestion

	for i := 0; i+1 < len(fences); i++ {
		before, after := fences[i], fences[i+1]
		lead := proseBefore(text, fences, i)
		bridge := text[before.end:after.start]

		if !replaceWord.MatchString(lastSentences(lead)) || !withWord.MatchString(bridge) || len(strings.TrimSpace(bridge)) > maxBridgeLen {
			continue
		}

		oldPath, oldCode := fencePathAndBody(before)
		newPath, newCode := fencePathAndBody(after)
		if oldPath != "" && newPath != "" && oldPath != newPath {
			continue
		}
		target := firstNonEmpty(oldPath, newPath, lastPathToken(lead), lastPathToken(bridge))
		if target == "" || strings.TrimSpace(oldCode) == "" {
			continue
		}

		out = append(out, models.CodeSuggestion{
			FilePath:   target,
			Language:   firstNonEmpty(before.lang, after.lang, languageForPath(target)),
			Code:       trimTrailingNewline(newCode),
			OldCode:    trimTrailingNewline(oldCode),
			Operation:  models.OpEdit,
			Confidence: 0.9,
			Reason:     summarize(lastSentences(lead)),
		})
		i++ // Both blocks are consumed.
	}
	return out
}

// CreateExtractor recognizes "create/add/make <path>" followed by a block.
type CreateExtractor struct{}

func (CreateExtractor) Name() string { return "create" }

func (CreateExtractor) Extract(text string) []models.CodeSuggestion {
	fences := scanFences(text)
	var out []models.CodeSuggestion

	for i, f := range fences {
		lead := lastSentences(proseBefore(text, fences, i))
		matches := createVerb.FindAllStringSubmatch(lead, -1)
		if len(matches) == 0 {
			continue
		}
		target := cleanPath(matches[len(matches)-1][1])
		code := f.body
		if p, rest, ok := commentPath(f.body); ok && p == target {
			code = rest
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		out = append(out, models.CodeSuggestion{
			FilePath:   target,
			Language:   firstNonEmpty(f.lang, languageForPath(target)),
			Code:       code,
			Operation:  models.OpCreate,
			Confidence: 0.85,
			Reason:     summarize(lead),
		})
	}
	return out
}

// AnnotatedFenceExtractor recognizes a block whose info string names a file.
type AnnotatedFenceExtractor struct{}

func (AnnotatedFenceExtractor) Name() string { return "annotated-fence" }

func (AnnotatedFenceExtractor) Extract(text string) []models.CodeSuggestion {
	var out []models.CodeSuggestion
	for _, f := range scanFences(text) {
		if f.path == "" || strings.TrimSpace(f.body) == "" {
			continue
		}
		out = append(out, models.CodeSuggestion{
			FilePath:   f.path,
			Language:   firstNonEmpty(f.lang, languageForPath(f.path)),
			Code:       f.body,
			Operation:  models.OpReplace,
			Confidence: 0.8,
			Reason:     "Code block annotated with " + f.path,
		})
	}
	return out
}

// PathCommentExtractor recognizes a block whose first line is a comment naming
// a file. The comment line is not part of the code.
type PathCommentExtractor struct{}

func (PathCommentExtractor) Name() string { return "path-comment" }

func (PathCommentExtractor) Extract(text string) []models.CodeSuggestion {
	var out []models.CodeSuggestion
	for _, f := range scanFences(text) {
		p, rest, ok := commentPath(f.body)
		if !ok || strings.TrimSpace(rest) == "" {
			continue
		}
		out = append(out, models.CodeSuggestion{
			FilePath:   p,
			Language:   firstNonEmpty(f.lang, languageForPath(p)),
			Code:       rest,
			Operation:  models.OpReplace,
			Confidence: 0.7,
			Reason:     "Code block headed by a path comment for " + p,
		})
	}
	return out
}

// -- Helpers --

// proseBefore returns the text between fence i-1 (or the start) and fence i.
func proseBefore(text string, fences []fence, i int) string {
	start := 0
	if i > 0 {
		start = fences[i-1].end
	}
	return text[start:fences[i].start]
}

// lastSentences keeps the final two non-empty lines of prose, which is where
// the instruction introducing a block lives.
func lastSentences(prose string) string {
	lines := strings.Split(strings.TrimSpace(prose), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < 2; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			kept = append([]string{l}, kept...)
		}
	}
	return strings.Join(kept, " ")
}

func fencePathAndBody(f fence) (string, string) {
	if f.path != "" {
		return f.path, f.body
	}
	if p, rest, ok := commentPath(f.body); ok {
		return p, rest
	}
	return "", f.body
}

func lastPathToken(s string) string {
	var last string
	for _, m := range pathToken.FindAllString(s, -1) {
		if looksLikePath(m) && strings.ContainsAny(m, "/.") && !strings.HasSuffix(m, ".") {
			last = m
		}
	}
	return cleanPath(last)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func trimTrailingNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}

func summarize(s string) string {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ":"))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
