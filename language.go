package crawler

import (
	"path/filepath"
	"strings"
)

var extLanguages = map[string]Language{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".ts":    "typescript",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cs":    "csharp",
	".java":  "java",
	".rb":    "ruby",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".json":  "json",
	".sh":    "shell",
	".sql":   "sql",
}

// LanguageFromPath guesses a language from the file extension.
// Unknown extensions map to "plaintext".
func LanguageFromPath(path string) Language {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}

	return "plaintext"
}
