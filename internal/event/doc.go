// Package event provides the host event bus that carries every message
// crossing a sandbox boundary after activation.
//
// # Delivery
//
// Publish enqueues and returns. A single dispatcher goroutine drains the
// queue in FIFO order and invokes the handlers of matching subscriptions in
// subscription order, so events from one publisher reach each subscriber in
// the order they were published. A handler error or panic is reported to the
// bus error handler and never affects the other handlers.
//
// # Payloads
//
// Payloads must be structurally cloneable (see package clone). The bus clones
// a payload when it is published and again for each handler, so no live
// reference ever crosses the bus.
//
// # Topics
//
//	plugin:validated            a plugin passed validation
//	plugin:activated            a plugin became active
//	plugin:resource-violation   a hard resource violation was detected
//	plugin:failed               a plugin moved to Failed
//	sandbox:<id>:**             messages published by a plugin's sandbox
//
// # Basic Usage
//
//	bus := event.NewBus()
//	defer bus.Close(context.Background())
//
//	sub, err := bus.Subscribe("plugin:*", func(ctx context.Context, ev event.Event) error {
//	    fmt.Println(ev.Topic, ev.Payload)
//	    return nil
//	})
package event
