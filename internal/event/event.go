package event

import (
	"context"
	"time"

	"github.com/dshills/warden/internal/event/topic"
)

// Topic is an event name or pattern.
type Topic = topic.Topic

// Lifecycle topics published by the host.
const (
	TopicValidated         topic.Topic = "plugin:validated"
	TopicRejected          topic.Topic = "plugin:rejected"
	TopicActivated         topic.Topic = "plugin:activated"
	TopicDeactivated       topic.Topic = "plugin:deactivated"
	TopicResourceWarning   topic.Topic = "plugin:resource-warning"
	TopicResourceViolation topic.Topic = "plugin:resource-violation"
	TopicFailed            topic.Topic = "plugin:failed"
	TopicCleaned           topic.Topic = "plugin:cleaned"
)

// SandboxTopic returns the namespace a plugin's sandbox publishes under.
func SandboxTopic(pluginID string, segments ...string) topic.Topic {
	t := topic.Join("sandbox", pluginID)
	for _, s := range segments {
		t = t.Child(s)
	}
	return t
}

// Event is a delivered message.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// Topic is the event name.
	Topic topic.Topic

	// Publisher identifies who published the event ("host" or a plugin id).
	Publisher string

	// Payload is a private clone of the published payload.
	Payload any

	// Timestamp is when the event was published.
	Timestamp time.Time

	// Seq is the bus-wide publication sequence number.
	Seq uint64
}

// PluginEvent is the payload of every lifecycle topic.
type PluginEvent struct {
	PluginID  string         `json:"pluginId"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewPluginEvent creates a lifecycle payload stamped with the current time.
func NewPluginEvent(pluginID string, detail map[string]any) PluginEvent {
	return PluginEvent{PluginID: pluginID, Timestamp: time.Now(), Detail: detail}
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, ev Event) error

// FilterFunc decides whether an event is delivered to a subscription.
type FilterFunc func(ev Event) bool

// ErrorHandler receives handler failures.
type ErrorHandler func(err error)

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, t topic.Topic, payload any) error
	PublishFrom(ctx context.Context, publisher string, t topic.Topic, payload any) error
}
