package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/permission"
)

// FileName is the manifest file looked up in plugin directories.
const FileName = "plugin.json"

// Category selects the typed interface a plugin implements.
type Category string

// Plugin categories.
const (
	CategoryDataProcessor Category = "data-processor"
	CategoryVisualization Category = "visualization"
	CategoryIntegration   Category = "integration"
	CategoryUtility       Category = "utility"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryDataProcessor, CategoryVisualization, CategoryIntegration, CategoryUtility:
		return true
	}
	return false
}

// Manifest describes a plugin's identity and requirements.
// A parsed manifest is treated as immutable; use Clone before modifying.
type Manifest struct {
	Name         string                  `json:"name"`
	Version      string                  `json:"version"`
	Author       string                  `json:"author,omitempty"`
	Description  string                  `json:"description,omitempty"`
	Category     Category                `json:"category,omitempty"`
	EntryPoint   string                  `json:"entryPoint"`
	Permissions  []permission.Permission `json:"permissions"`
	Dependencies []Ref                   `json:"dependencies"`

	// dir is the plugin directory when loaded from disk.
	dir string
}

// Ref names a plugin this plugin depends on.
type Ref struct {
	Name         string `json:"name"`
	VersionRange string `json:"versionRange"`
}

// Range parses the reference's version range.
func (r Ref) Range() (Range, error) {
	return ParseRange(r.VersionRange)
}

// SatisfiedBy reports whether version is within the reference's range.
func (r Ref) SatisfiedBy(version string) bool {
	rng, err := r.Range()
	if err != nil {
		return false
	}
	return rng.Contains(version)
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Parse validates data against the manifest schema, decodes it and checks
// the semantic rules. Every problem found is reported in one ManifestError.
func Parse(data []byte) (*Manifest, error) {
	if !json.Valid(data) {
		return nil, invalid("", fmt.Errorf("%w: not valid JSON", ErrSchema))
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling manifest schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, invalid("", fmt.Errorf("%w: %v", ErrSchema, err))
	}
	if !result.Valid() {
		problems := make([]error, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, fmt.Errorf("%w: %s: %s", ErrSchema, re.Field(), re.Description()))
		}
		return nil, invalid(nameHint(data), problems...)
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, permission.ErrInvalidPermissionSpec) {
			return nil, invalid(nameHint(data), fmt.Errorf("%w: %v", ErrInvalidPermission, err))
		}
		return nil, invalid(nameHint(data), fmt.Errorf("%w: %v", ErrSchema, err))
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func nameHint(data []byte) string {
	var probe struct {
		Name any `json:"name"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if s, ok := probe.Name.(string); ok {
		return s
	}
	return ""
}

// Load reads and parses a manifest file.
func Load(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(file)
	return m, nil
}

// LoadFromDir loads the plugin.json in dir.
func LoadFromDir(dir string) (*Manifest, error) {
	return Load(filepath.Join(dir, FileName))
}

func (m *Manifest) applyDefaults() {
	if m.Category == "" {
		m.Category = CategoryUtility
	}
	if m.Permissions == nil {
		m.Permissions = []permission.Permission{}
	}
	if m.Dependencies == nil {
		m.Dependencies = []Ref{}
	}
}

// Validate checks the semantic rules a schema cannot express.
func (m *Manifest) Validate() error {
	var problems []error

	if !namePattern.MatchString(m.Name) {
		problems = append(problems, fmt.Errorf("%w: %q", ErrInvalidName, m.Name))
	}
	if !ValidVersion(m.Version) {
		problems = append(problems, fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version))
	}
	if err := checkEntryPoint(m.EntryPoint); err != nil {
		problems = append(problems, err)
	}
	if m.Category != "" && !m.Category.Valid() {
		problems = append(problems, fmt.Errorf("%w: %q", ErrInvalidCategory, m.Category))
	}
	for _, p := range m.Permissions {
		if !permission.IsValidKind(p.Kind) {
			problems = append(problems, fmt.Errorf("%w: unknown kind %q", ErrInvalidPermission, p.Kind))
		}
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		switch {
		case !namePattern.MatchString(dep.Name):
			problems = append(problems, fmt.Errorf("%w: bad name %q", ErrInvalidDependency, dep.Name))
		case dep.Name == m.Name:
			problems = append(problems, fmt.Errorf("%w: %s depends on itself", ErrInvalidDependency, m.Name))
		case seen[dep.Name]:
			problems = append(problems, fmt.Errorf("%w: %s listed twice", ErrInvalidDependency, dep.Name))
		}
		seen[dep.Name] = true
		if _, err := dep.Range(); err != nil {
			problems = append(problems, fmt.Errorf("dependency %s: %w", dep.Name, err))
		}
	}

	if len(problems) > 0 {
		return invalid(m.Name, problems...)
	}
	return nil
}

func checkEntryPoint(entry string) error {
	if entry == "" {
		return fmt.Errorf("%w: missing", ErrInvalidEntryPoint)
	}
	if strings.Contains(entry, `\`) || path.IsAbs(entry) || filepath.IsAbs(entry) {
		return fmt.Errorf("%w: %q must be a relative slash path", ErrInvalidEntryPoint, entry)
	}
	clean := path.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q escapes the plugin directory", ErrInvalidEntryPoint, entry)
	}
	if _, ok := analyzer.LanguageFromPath(entry); !ok {
		return fmt.Errorf("%w: %q must be a .lua or .js file", ErrInvalidEntryPoint, entry)
	}
	return nil
}

// ID returns the plugin id, which is its name.
func (m *Manifest) ID() string {
	return m.Name
}

// Dir returns the directory the manifest was loaded from, if any.
func (m *Manifest) Dir() string {
	return m.dir
}

// EntryPath returns the entry point resolved against Dir.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.dir, filepath.FromSlash(m.EntryPoint))
}

// Language returns the plugin language derived from the entry point.
func (m *Manifest) Language() analyzer.Language {
	lang, _ := analyzer.LanguageFromPath(m.EntryPoint)
	return lang
}

// Requested returns the declared permissions as a normalized set.
func (m *Manifest) Requested() permission.Set {
	return permission.NewSet(m.Permissions...)
}

// Canonical returns a deterministic JSON encoding used for hashing.
// Permissions are normalized so equivalent declarations encode equally.
func (m *Manifest) Canonical() []byte {
	c := m.Clone()
	c.Permissions = c.Requested().Permissions()
	data, err := json.Marshal(c)
	if err != nil {
		// Manifest fields are plain data; Marshal cannot fail.
		panic(err)
	}
	return data
}

// String returns "name vversion".
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Permissions != nil {
		clone.Permissions = make([]permission.Permission, len(m.Permissions))
		for i, p := range m.Permissions {
			clone.Permissions[i] = permission.Permission{Kind: p.Kind, Scope: append([]string(nil), p.Scope...)}
		}
	}
	if m.Dependencies != nil {
		clone.Dependencies = make([]Ref, len(m.Dependencies))
		copy(clone.Dependencies, m.Dependencies)
	}
	return &clone
}
