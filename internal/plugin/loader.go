package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/manifest"
)

// Loader discovers plugin bundles on the filesystem and in manifest indexes.
// It only reads; indexes are produced by the packaging layer.
type Loader struct {
	// Search paths for plugin directories (checked in order)
	paths []string

	// Manifest index files (read after the search paths)
	indexes []string

	logger *logging.Logger
}

// Discovery is one plugin found by the loader. Err is set when the bundle
// could not be loaded; Name is still set when the manifest named itself.
type Discovery struct {
	Name   string
	Origin string
	Bundle *manifest.Bundle
	Err    error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// WithIndexes sets the manifest index files.
func WithIndexes(files ...string) LoaderOption {
	return func(l *Loader) {
		l.indexes = files
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(log *logging.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = log
	}
}

// NewLoader creates a new plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths: DefaultPluginPaths(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDefault(l.logger).WithComponent("loader")
	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 3)

	// User plugins: ~/.config/warden/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "warden", "plugins"))
		// User data plugins: ~/.local/share/warden/plugins/
		paths = append(paths, filepath.Join(home, ".local", "share", "warden", "plugins"))
	}

	// Project plugins: .warden/plugins/
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".warden", "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return slices.Clone(l.paths)
}

// Discover finds all plugins in the search paths and indexes.
// The first discovery of a name wins. Results are sorted by name.
func (l *Loader) Discover() []Discovery {
	var found []Discovery
	seen := make(map[string]string)
	add := func(d Discovery) {
		if d.Name != "" {
			if first, dup := seen[d.Name]; dup {
				l.logger.WithPlugin(d.Name).Warn("ignoring %s, already found at %s", d.Origin, first)
				return
			}
			seen[d.Name] = d.Origin
		}
		found = append(found, d)
	}

	for _, base := range l.paths {
		l.discoverInPath(base, add)
	}
	for _, file := range l.indexes {
		l.discoverInIndex(file, add)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Name < found[j].Name
	})
	return found
}

// discoverInPath inspects every directory under basePath that holds a
// manifest. A missing path is not an error.
func (l *Loader) discoverInPath(basePath string, add func(Discovery)) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if !os.IsNotExist(err) {
			add(Discovery{Origin: basePath, Err: fmt.Errorf("reading plugin path: %w", err)})
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(basePath, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err != nil {
			continue
		}
		add(inspect(dir))
	}
}

func (l *Loader) discoverInIndex(file string, add func(Discovery)) {
	idx, err := manifest.LoadIndex(file)
	if err != nil {
		add(Discovery{Origin: file, Err: err})
		return
	}
	bundles, errs := idx.Load()
	for _, b := range bundles {
		add(Discovery{Name: b.Manifest.ID(), Origin: b.Origin, Bundle: b})
	}
	positions := make([]int, 0, len(errs))
	for i := range errs {
		positions = append(positions, i)
	}
	sort.Ints(positions)
	for _, i := range positions {
		add(Discovery{Name: nameOf(errs[i]), Origin: fmt.Sprintf("%s#%d", file, i), Err: errs[i]})
	}
}

// inspect loads the bundle in dir.
func inspect(dir string) Discovery {
	b, err := manifest.LoadBundle(dir)
	if err != nil {
		return Discovery{Name: nameOf(err), Origin: dir, Err: err}
	}
	return Discovery{Name: b.Manifest.ID(), Origin: dir, Bundle: b}
}

// nameOf returns the plugin name a manifest error carries, if any.
func nameOf(err error) string {
	var me *manifest.ManifestError
	if errors.As(err, &me) {
		return me.Name
	}
	return ""
}
