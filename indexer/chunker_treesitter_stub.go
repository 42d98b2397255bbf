//go:build !treesitter

package indexer

// Without the treesitter build tag (cgo grammars), source files fall back to
// line windows.
func newSemanticSplitter() semanticSplitter {
	return nil
}
