package service

import (
	"context"
	"fmt"

	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/permission"
)

// RenderRequest is the payload published for ui.render calls.
type RenderRequest struct {
	PluginID  string         `json:"pluginId"`
	Component string         `json:"component"`
	Props     map[string]any `json:"props"`
}

// UI forwards render requests to the host UI over the event bus.
//
//	render(component, props)  ui.render
type UI struct {
	publisher event.Publisher
}

// NewUI creates the ui service.
func NewUI(publisher event.Publisher) *UI {
	return &UI{publisher: publisher}
}

// Name implements Service.
func (u *UI) Name() string { return "ui" }

// RenderTopic carries render requests. It is a host topic: sandboxes can
// only publish under their own namespace, so every event on it comes from
// this service and names the plugin in RenderRequest.PluginID.
const RenderTopic event.Topic = "ui:render"

// Methods implements Service.
func (u *UI) Methods() map[string]Method {
	return map[string]Method{
		"render": {
			Params: []string{"component", "props"},
			Kind:   permission.UIRender,
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				component, err := stringArg(args, "component")
				if err != nil {
					return nil, err
				}
				if component == "" {
					return nil, fmt.Errorf("%w: empty component", ErrInvalidArgs)
				}
				props, err := mapArg(args, "props")
				if err != nil {
					return nil, err
				}
				req := RenderRequest{PluginID: c.PluginID, Component: component, Props: props}
				if err := u.publisher.PublishFrom(ctx, event.HostPublisher, RenderTopic, req); err != nil {
					return nil, fmt.Errorf("publishing render request: %w", err)
				}
				return true, nil
			},
		},
	}
}
