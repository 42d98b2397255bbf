package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "pkg/deep/file.go", true},
		{"*.go", "main.py", false},
		{"pkg/*.go", "pkg/file.go", true},
		{"pkg/*.go", "pkg/sub/file.go", false},
		{"pkg/**", "pkg/sub/file.go", true},
		{"**/testdata/**", "a/b/testdata/x.json", true},
		{"**/*_test.go", "search/search_test.go", true},
		{"**/*_test.go", "main_test.go", true},
		{"./docs/*.md", "docs/intro.md", true},
		{"docs/*.md", "src/docs/intro.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, matchGlob(tt.pattern, tt.path))
		})
	}
}

func TestFiltersAllowed(t *testing.T) {
	f := Filters{IncludeGlobs: []string{"*.go"}, ExcludeGlobs: []string{"**/*_test.go"}}
	assert.True(t, f.allowed("pkg/a.go"))
	assert.False(t, f.allowed("pkg/a_test.go"))
	assert.False(t, f.allowed("README.md"))
	assert.True(t, Filters{}.allowed("anything"))
}

func TestMatchGlob_Classes(t *testing.T) {
	assert.True(t, matchGlob("**/*.{go,md}", "docs/intro.md"))
	assert.True(t, matchGlob("cmd/**/main.go", "cmd/main.go"))
	assert.False(t, matchGlob("[", "main.go"))
	assert.False(t, validGlob("["))
	assert.True(t, validGlob("./src/**/*.ts"))
}
