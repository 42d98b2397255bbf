package indexer

import (
	"path/filepath"
	"strings"

	enry "github.com/go-enry/go-enry/v2"
)

// Kind classifies a chunk for search filters.
type Kind string

const (
	KindCode   Kind = "code"
	KindDoc    Kind = "doc"
	KindConfig Kind = "config"
)

var (
	docExtensions = map[string]bool{
		".md": true, ".markdown": true, ".rst": true, ".txt": true, ".adoc": true,
	}
	configExtensions = map[string]bool{
		".json": true, ".yaml": true, ".yml": true, ".toml": true,
		".ini": true, ".cfg": true, ".conf": true,
	}
	configNames = map[string]bool{
		"dockerfile": true, "makefile": true, ".gitignore": true, ".env.example": true,
	}
)

// DetectKind returns the chunk kind of path from its name.
func DetectKind(path string) Kind {
	name := strings.ToLower(filepath.Base(path))
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case docExtensions[ext]:
		return KindDoc
	case configExtensions[ext], configNames[name]:
		return KindConfig
	case enry.IsDocumentation(path):
		return KindDoc
	case enry.IsConfiguration(path):
		return KindConfig
	default:
		return KindCode
	}
}

// DetectLanguage returns a lowercase language id ("go", "python",
// "typescript", "c_sharp", ...) or "" when the language is unknown.
func DetectLanguage(path string, content []byte) string {
	lang := enry.GetLanguage(filepath.Base(path), content)
	if lang == "" {
		return ""
	}
	return normalizeLanguage(lang)
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(lang)
	lang = strings.ReplaceAll(lang, "#", "_sharp")
	lang = strings.ReplaceAll(lang, "++", "pp")
	lang = strings.ReplaceAll(lang, " ", "_")
	return lang
}

// IsBinary reports whether content looks binary.
func IsBinary(content []byte) bool {
	return enry.IsBinary(content)
}
