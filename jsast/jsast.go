// Package jsast inspects and rewrites JavaScript sources using tree-sitter.
package jsast

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

func parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse javascript: %w", err)
	}
	return tree, nil
}

// walk visits every node depth-first in source order.
func walk(node *sitter.Node, visit func(*sitter.Node)) {
	cursor := sitter.NewTreeCursor(node)
	defer cursor.Close()
	walkCursor(cursor, visit)
}

func walkCursor(cursor *sitter.TreeCursor, visit func(*sitter.Node)) {
	visit(cursor.CurrentNode())
	if cursor.GoToFirstChild() {
		for {
			walkCursor(cursor, visit)
			if !cursor.GoToNextSibling() {
				break
			}
		}
		cursor.GoToParent()
	}
}

// Requires returns the module names of every require() call whose single
// argument is a string literal or a template literal without substitutions,
// in source order. Duplicates are kept.
func Requires(ctx context.Context, src []byte) ([]string, error) {
	tree, err := parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var names []string
	walk(tree.RootNode(), func(node *sitter.Node) {
		if name, ok := requireTarget(node, src); ok {
			names = append(names, name)
		}
	})
	return names, nil
}

// RequiresModule reports whether src requires exactly the module name.
// Aliased, computed or sub-path requires do not count.
func RequiresModule(ctx context.Context, src []byte, name string) (bool, error) {
	names, err := Requires(ctx, src)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func requireTarget(node *sitter.Node, src []byte) (string, bool) {
	if node.Type() != "call_expression" {
		return "", false
	}
	fn := node.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" || fn.Content(src) != "require" {
		return "", false
	}
	args := node.ChildByFieldName("arguments")
	if args == nil {
		return "", false
	}

	var literal *sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		child := args.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if literal != nil {
			return "", false
		}
		literal = child
	}
	if literal == nil {
		return "", false
	}

	switch literal.Type() {
	case "string":
		return unquote(literal.Content(src)), true
	case "template_string":
		for i := 0; i < int(literal.NamedChildCount()); i++ {
			if literal.NamedChild(i).Type() == "template_substitution" {
				return "", false
			}
		}
		return unquote(literal.Content(src)), true
	}
	return "", false
}

func unquote(s string) string {
	if len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}

// VarizeDeclarations rewrites let and const declaration keywords to var.
// Identifiers, strings and comments containing those words are untouched.
func VarizeDeclarations(ctx context.Context, src []byte) ([]byte, error) {
	tree, err := parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	type span struct{ start, end uint32 }
	var spans []span
	walk(tree.RootNode(), func(node *sitter.Node) {
		if node.IsNamed() {
			return
		}
		switch node.Type() {
		case "let", "const":
			if declarationKeyword(node) {
				spans = append(spans, span{node.StartByte(), node.EndByte()})
			}
		}
	})
	if len(spans) == 0 {
		return src, nil
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var out strings.Builder
	out.Grow(len(src))
	var last uint32
	for _, s := range spans {
		out.Write(src[last:s.start])
		out.WriteString("var")
		last = s.end
	}
	out.Write(src[last:])
	return []byte(out.String()), nil
}

// declarationKeyword accepts keywords of lexical declarations and of
// for-in/for-of heads.
func declarationKeyword(node *sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return false
	}
	switch parent.Type() {
	case "lexical_declaration", "for_in_statement":
		return true
	}
	return false
}
