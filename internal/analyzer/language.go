package analyzer

import (
	"path/filepath"
	"strings"
)

// Language identifies a plugin source language.
type Language string

// Supported languages.
const (
	Lua        Language = "lua"
	JavaScript Language = "js"

	// AnyLanguage is used by rules that apply to every language.
	AnyLanguage Language = "*"
)

// LanguageFromPath derives the language from a file extension.
func LanguageFromPath(path string) (Language, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		return Lua, true
	case ".js", ".mjs":
		return JavaScript, true
	default:
		return "", false
	}
}

// Valid reports whether l is a concrete supported language.
func (l Language) Valid() bool {
	return l == Lua || l == JavaScript
}
