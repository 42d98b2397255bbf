//go:build treesitter

package indexer

import (
	"context"
	"log"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// semanticNodes lists, per language, the node types that form one chunk.
var semanticNodes = map[string]map[string]bool{
	"go":         set("function_declaration", "method_declaration", "type_declaration"),
	"python":     set("function_definition", "class_definition", "decorated_definition"),
	"javascript": set("function_declaration", "class_declaration", "method_definition", "lexical_declaration"),
	"typescript": set("function_declaration", "class_declaration", "method_definition", "interface_declaration", "lexical_declaration"),
	"tsx":        set("function_declaration", "class_declaration", "method_definition", "interface_declaration", "lexical_declaration"),
	"rust":       set("function_item", "impl_item", "struct_item", "enum_item", "trait_item"),
	"java":       set("method_declaration", "class_declaration", "interface_declaration"),
	"c":          set("function_definition", "struct_specifier"),
	"cpp":        set("function_definition", "class_specifier", "struct_specifier"),
}

func set(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

type treeSitterSplitter struct {
	languages map[string]*sitter.Language
}

func newSemanticSplitter() semanticSplitter {
	return &treeSitterSplitter{
		languages: map[string]*sitter.Language{
			"go":         golang.GetLanguage(),
			"python":     python.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"typescript": typescript.GetLanguage(),
			"tsx":        tsx.GetLanguage(),
			"rust":       rust.GetLanguage(),
			"java":       java.GetLanguage(),
			"c":          c.GetLanguage(),
			"cpp":        cpp.GetLanguage(),
		},
	}
}

func (s *treeSitterSplitter) Supports(language string) bool {
	_, ok := s.languages[language]
	return ok
}

// Split returns the outermost semantic units of src, completed with header
// and gap chunks so every non-blank line belongs to exactly one chunk.
func (s *treeSitterSplitter) Split(ctx context.Context, language string, src []byte, lines []string) []span {
	lang, ok := s.languages[language]
	if !ok {
		return nil
	}

	// Parsers are not safe for concurrent use; one per call.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		log.Printf("tree-sitter parse failed for %s source: %v", language, err)
		return nil
	}
	defer tree.Close()

	var units []span
	collectUnits(tree.RootNode(), src, semanticNodes[language], &units)
	if len(units) == 0 {
		return nil
	}
	sort.Slice(units, func(i, j int) bool { return units[i].start < units[j].start })
	return fillGaps(units, lines)
}

// collectUnits appends the outermost nodes whose type is in types. It does
// not descend into a collected node, so methods stay inside their class.
func collectUnits(node *sitter.Node, src []byte, types map[string]bool, out *[]span) {
	if node == nil {
		return
	}
	if types[node.Type()] {
		*out = append(*out, span{
			start:  int(node.StartPoint().Row) + 1,
			end:    int(node.EndPoint().Row) + 1,
			symbol: symbolName(node, src),
		})
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectUnits(node.Child(i), src, types, out)
	}
}

func symbolName(node *sitter.Node, src []byte) string {
	if name := node.ChildByFieldName("name"); name != nil {
		return name.Content(src)
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "identifier", "name", "property_identifier", "type_identifier":
			return child.Content(src)
		case "type_spec", "function_definition", "class_definition", "variable_declarator":
			// type_declaration, decorated_definition, lexical_declaration
			return symbolName(child, src)
		}
	}
	return ""
}
