// internal/selfmod/toolchain/syntax.go
package toolchain

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammars maps file extensions to the tree-sitter language that parses them.
var grammars = map[string]func() *sitter.Language{
	".js":   javascript.GetLanguage,
	".mjs":  javascript.GetLanguage,
	".cjs":  javascript.GetLanguage,
	".jsx":  javascript.GetLanguage,
	".ts":   typescript.GetLanguage,
	".mts":  typescript.GetLanguage,
	".cts":  typescript.GetLanguage,
	".tsx":  tsx.GetLanguage,
	".py":   python.GetLanguage,
	".rb":   ruby.GetLanguage,
	".java": java.GetLanguage,
	".c":    c.GetLanguage,
	".h":    c.GetLanguage,
	".cpp":  cpp.GetLanguage,
	".cc":   cpp.GetLanguage,
	".hpp":  cpp.GetLanguage,
	".cs":   csharp.GetLanguage,
}

// CheckSyntax performs a fast in-process syntax check of content as if it
// were stored at path. Go sources go through go/parser, JSON is validated,
// and the languages in grammars are parsed with tree-sitter. Anything else is
// left to the external tools.
func CheckSyntax(path string, content []byte) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go":
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, filepath.Base(path), content, parser.AllErrors); err != nil {
			return fmt.Errorf("syntax error: %w", err)
		}
		return nil
	case ".json":
		if !json.Valid(content) {
			return fmt.Errorf("syntax error: invalid JSON in %s", filepath.Base(path))
		}
		return nil
	}

	lang, ok := grammars[ext]
	if !ok {
		return nil
	}
	return parseTree(filepath.Base(path), lang(), content)
}

func parseTree(name string, lang *sitter.Language, content []byte) error {
	p := sitter.NewParser()
	p.SetLanguage(lang)

	tree, err := p.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return fmt.Errorf("tree-sitter failed to parse %s: %w", name, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	if bad := firstErrorNode(root); bad != nil {
		pos := bad.StartPoint()
		if bad.IsMissing() {
			return fmt.Errorf("syntax error: missing %q on line %d, column %d of %s", bad.Type(), pos.Row+1, pos.Column+1, name)
		}
		return fmt.Errorf("syntax error: unexpected input on line %d, column %d of %s", pos.Row+1, pos.Column+1, name)
	}
	return fmt.Errorf("syntax error in %s", name)
}

// firstErrorNode returns the earliest ERROR or MISSING node in document order.
func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}
