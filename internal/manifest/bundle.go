package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/warden/internal/analyzer"
)

// Bundle is a manifest together with the source of its entry point.
type Bundle struct {
	Manifest *Manifest
	Code     string
	// Origin is the directory or index entry the bundle came from.
	Origin string
}

// Language returns the bundle language.
func (b *Bundle) Language() analyzer.Language {
	return b.Manifest.Language()
}

// LoadBundle loads plugin.json and its entry point from dir.
func LoadBundle(dir string) (*Bundle, error) {
	m, err := LoadFromDir(dir)
	if err != nil {
		return nil, err
	}
	code, err := readSource(dir, m.EntryPath())
	if err != nil {
		return nil, err
	}
	return &Bundle{Manifest: m, Code: code, Origin: dir}, nil
}

// readSource reads an entry point, refusing paths that resolve outside root.
func readSource(root, file string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(file)
	if err != nil {
		return "", fmt.Errorf("reading entry point: %w", err)
	}
	absFile, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if realRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = realRoot
	}
	rel, err := filepath.Rel(absRoot, absFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves outside %s", ErrInvalidEntryPoint, file, root)
	}
	data, err := os.ReadFile(absFile)
	if err != nil {
		return "", fmt.Errorf("reading entry point: %w", err)
	}
	return string(data), nil
}

// Index is the read-only manifest index published by the packaging layer.
//
//	plugins:
//	  - path: charts
//	  - manifest: vendor/sync/plugin.json
//	    source: vendor/sync/dist/main.js
type Index struct {
	Plugins []IndexEntry `yaml:"plugins"`

	dir string
}

// IndexEntry points at a plugin directory or at a manifest/source pair.
// Relative paths are resolved against the index file's directory.
type IndexEntry struct {
	Path     string `yaml:"path,omitempty"`
	Manifest string `yaml:"manifest,omitempty"`
	Source   string `yaml:"source,omitempty"`
}

// LoadIndex reads a YAML manifest index.
func LoadIndex(file string) (*Index, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading manifest index: %w", err)
	}
	idx, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	idx.dir = filepath.Dir(file)
	return idx, nil
}

// ParseIndex decodes a YAML manifest index.
func ParseIndex(data []byte) (*Index, error) {
	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing manifest index: %w", err)
	}
	for i, e := range idx.Plugins {
		switch {
		case e.Path != "" && (e.Manifest != "" || e.Source != ""):
			return nil, fmt.Errorf("manifest index entry %d: path excludes manifest/source", i)
		case e.Path == "" && (e.Manifest == "" || e.Source == ""):
			return nil, fmt.Errorf("manifest index entry %d: need path or manifest and source", i)
		}
	}
	return &idx, nil
}

func (idx *Index) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(idx.dir, p)
}

// Load loads every bundle in the index. Entries that fail are reported in
// errs keyed by index position; the others are still returned.
func (idx *Index) Load() (bundles []*Bundle, errs map[int]error) {
	errs = make(map[int]error)
	for i, e := range idx.Plugins {
		b, err := idx.loadEntry(e)
		if err != nil {
			errs[i] = err
			continue
		}
		bundles = append(bundles, b)
	}
	return bundles, errs
}

func (idx *Index) loadEntry(e IndexEntry) (*Bundle, error) {
	if e.Path != "" {
		return LoadBundle(idx.resolve(e.Path))
	}
	m, err := Load(idx.resolve(e.Manifest))
	if err != nil {
		return nil, err
	}
	src := idx.resolve(e.Source)
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	if lang, ok := analyzer.LanguageFromPath(src); !ok || lang != m.Language() {
		return nil, invalid(m.Name, fmt.Errorf("%w: source %s does not match %s", ErrInvalidEntryPoint, e.Source, m.EntryPoint))
	}
	return &Bundle{Manifest: m, Code: string(data), Origin: e.Manifest}, nil
}
