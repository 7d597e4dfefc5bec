// internal/selfmod/suggest/fence.go
package suggest

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// fence is one fenced code block found in free text.
type fence struct {
	// info is the raw info string after the opening marker.
	info string
	lang string
	// path is the file path carried by the info string, if any.
	path string
	body string
	// start and end are byte offsets of the opening marker line and the end
	// of the closing marker line.
	start, end int
}

var (
	// pathToken matches a relative or absolute file path with an extension.
	pathToken = regexp.MustCompile("[A-Za-z0-9_@.~/\\\\-]*[A-Za-z0-9_@-]\\.[A-Za-z0-9]{1,10}")
	// infoKeyValue matches title=path style attributes in an info string.
	infoKeyValue = regexp.MustCompile(`(?i)^(?:title|file|filename|filepath|path)=["']?([^"']+)["']?$`)
	// pathComment matches a first line such as "// src/a.ts" or "# file: x.py".
	pathComment = regexp.MustCompile(`(?i)^\s*(?://|#|--|;|/\*|<!--)\s*(?:(?:file|filename|filepath|path)\s*:\s*)?` +
		"`?([A-Za-z0-9_@.~/\\\\-]*[A-Za-z0-9_@-]\\.[A-Za-z0-9]{1,10})`?" +
		`\s*(?:\*/|-->)?\s*$`)
)

// scanFences returns every closed fenced block in text, in order. Unclosed
// blocks are ignored.
func scanFences(text string) []fence {
	var (
		fences  []fence
		open    bool
		marker  string
		current fence
		body    strings.Builder
	)

	offset := 0
	for offset < len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		next := len(text)
		if lineEnd >= 0 {
			next = offset + lineEnd + 1
		}
		line := strings.TrimRight(text[offset:next], "\r\n")
		trimmed := strings.TrimLeft(line, " ")
		indent := len(line) - len(trimmed)

		switch {
		case !open && indent <= 3 && fenceMarker(trimmed) != "":
			marker = fenceMarker(trimmed)
			info := strings.TrimSpace(trimmed[len(marker):])
			// A backtick fence's info string may not contain backticks.
			if marker[0] == '`' && strings.Contains(info, "`") {
				break
			}
			open = true
			lang, p := parseInfo(info)
			current = fence{info: info, lang: lang, path: p, start: offset}
			body.Reset()

		case open && isClosing(trimmed, marker):
			open = false
			current.body = body.String()
			current.end = next
			fences = append(fences, current)

		case open:
			body.WriteString(line)
			body.WriteByte('\n')
		}
		offset = next
	}
	return fences
}

func fenceMarker(line string) string {
	for _, ch := range []byte{'`', '~'} {
		n := 0
		for n < len(line) && line[n] == ch {
			n++
		}
		if n >= 3 {
			return line[:n]
		}
	}
	return ""
}

func isClosing(line, marker string) bool {
	line = strings.TrimSpace(line)
	if len(line) < len(marker) {
		return false
	}
	for i := 0; i < len(line); i++ {
		if line[i] != marker[0] {
			return false
		}
	}
	return true
}

// parseInfo splits a fence info string into a language tag and a file path.
// Accepted shapes: "ts:src/a.ts", "go internal/x.go", "ts title=src/a.ts",
// and a bare "src/a.ts".
func parseInfo(info string) (lang, p string) {
	if info == "" {
		return "", ""
	}
	fields := strings.Fields(info)
	first := fields[0]

	if l, rest, ok := strings.Cut(first, ":"); ok && looksLikePath(rest) {
		return strings.ToLower(l), cleanPath(rest)
	}
	if looksLikePath(first) {
		return languageForPath(first), cleanPath(first)
	}

	lang = strings.ToLower(first)
	for _, field := range fields[1:] {
		if m := infoKeyValue.FindStringSubmatch(field); m != nil && looksLikePath(m[1]) {
			return lang, cleanPath(m[1])
		}
		if looksLikePath(field) {
			return lang, cleanPath(field)
		}
	}
	return lang, ""
}

// looksLikePath reports whether s is a plausible file path rather than a
// language tag or a URL.
func looksLikePath(s string) bool {
	s = strings.Trim(s, "`'\"")
	if s == "" || strings.ContainsAny(s, " \t") || strings.Contains(s, "://") {
		return false
	}
	return pathToken.FindString(s) == s
}

// commentPath returns the path named by a leading path comment in body.
func commentPath(body string) (p, rest string, ok bool) {
	firstLine, rest, _ := strings.Cut(body, "\n")
	m := pathComment.FindStringSubmatch(firstLine)
	if m == nil {
		return "", body, false
	}
	return cleanPath(m[1]), rest, true
}

// cleanPath normalizes a suggested path to forward slashes without a leading "./".
func cleanPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "`'\"")
	p = strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

var extLanguages = map[string]string{
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".go":   "go",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".sh":   "shell",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".md":   "markdown",
	".css":  "css",
	".html": "html",
	".sql":  "sql",
	".toml": "toml",
}

// languageForPath derives a language from a file extension.
func languageForPath(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if lang, ok := extLanguages[ext]; ok {
		return lang
	}
	return strings.TrimPrefix(ext, ".")
}
