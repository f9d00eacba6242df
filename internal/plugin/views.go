package plugin

import (
	"context"
	"fmt"

	"github.com/dshills/warden/internal/manifest"
)

// Plugin is the common view of an active plugin.
type Plugin interface {
	ID() string
	Category() manifest.Category
	Invoke(ctx context.Context, op string, args ...any) (any, error)
}

// handle binds a plugin id to the manager that runs it.
type handle struct {
	m        *Manager
	id       string
	category manifest.Category
}

func (h handle) ID() string                  { return h.id }
func (h handle) Category() manifest.Category { return h.category }

func (h handle) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	return h.m.Invoke(ctx, h.id, op, args...)
}

// DataProcessor transforms records.
type DataProcessor struct{ handle }

// Process calls the plugin's process export.
func (p DataProcessor) Process(ctx context.Context, input any) (any, error) {
	return p.Invoke(ctx, "process", input)
}

// Visualization renders data into a description the host can draw.
type Visualization struct{ handle }

// Render calls the plugin's render export.
func (p Visualization) Render(ctx context.Context, data any, options map[string]any) (any, error) {
	if options == nil {
		options = map[string]any{}
	}
	return p.Invoke(ctx, "render", data, options)
}

// Integration synchronizes with an external system.
type Integration struct{ handle }

// Sync calls the plugin's sync export.
func (p Integration) Sync(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	return p.Invoke(ctx, "sync", params)
}

// Utility runs a named helper.
type Utility struct{ handle }

// Run calls the plugin's run export.
func (p Utility) Run(ctx context.Context, args ...any) (any, error) {
	return p.Invoke(ctx, "run", args...)
}

// Plugin returns the generic view of a registered plugin.
func (m *Manager) Plugin(id string) (Plugin, error) {
	return m.view(id, "")
}

// DataProcessor returns the plugin as a data processor.
func (m *Manager) DataProcessor(id string) (DataProcessor, error) {
	h, err := m.view(id, manifest.CategoryDataProcessor)
	return DataProcessor{h}, err
}

// Visualization returns the plugin as a visualization.
func (m *Manager) Visualization(id string) (Visualization, error) {
	h, err := m.view(id, manifest.CategoryVisualization)
	return Visualization{h}, err
}

// Integration returns the plugin as an integration.
func (m *Manager) Integration(id string) (Integration, error) {
	h, err := m.view(id, manifest.CategoryIntegration)
	return Integration{h}, err
}

// Utility returns the plugin as a utility.
func (m *Manager) Utility(id string) (Utility, error) {
	h, err := m.view(id, manifest.CategoryUtility)
	return Utility{h}, err
}

func (m *Manager) view(id string, want manifest.Category) (handle, error) {
	e, err := m.entry(id)
	if err != nil {
		return handle{}, err
	}
	if e.bundle == nil {
		return handle{}, fmt.Errorf("%w: %s has no manifest", ErrWrongCategory, id)
	}
	got := e.bundle.Manifest.Category
	if want != "" && got != want {
		return handle{}, fmt.Errorf("%w: %s is %q, not %q", ErrWrongCategory, id, got, want)
	}
	return handle{m: m, id: id, category: got}, nil
}
