// ============================================================================
// taskd Pub/Sub Dispatcher - Control Channel Fan-Out
// ============================================================================
//
// Package: internal/engine
// File: dispatcher.go
// Purpose: Subscribes to control channels, polls the coordinator's pub/sub
// connection, and dispatches each message to its registered callback
// (§4.3). Also carries Emit, the event-channel publishing side of the
// Task contract's Emitter capability (§4.1).
// ============================================================================

package engine

import (
	"context"
	"encoding/json"
	"time"
)

const dispatcherIdle = 500 * time.Millisecond

// subscribe records cb against channel and requests the subscription on the
// live coordinator connection.
func (e *Engine) subscribe(ctx context.Context, channel string, cb func(string)) {
	e.mu.Lock()
	e.channelSubscriptions[channel] = cb
	sub := e.sub
	e.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Subscribe(ctx, channel); err != nil {
		log.Warn("taskd: failed to subscribe control channel", "channel", channel, "error", err)
	}
}

// unsubscribe drops cb and attempts to unsubscribe on the coordinator
// connection, swallowing errors: this path also runs during
// coordinator-failure cleanup, where the connection is already dead.
func (e *Engine) unsubscribe(ctx context.Context, channel string) {
	e.mu.Lock()
	delete(e.channelSubscriptions, channel)
	sub := e.sub
	e.mu.Unlock()
	if sub == nil {
		return
	}
	_ = sub.Unsubscribe(ctx, channel)
}

// dispatcherLoop drains pending pub/sub messages and routes each to its
// registered callback, idling dispatcherIdle between drain cycles (§4.3).
// Returns when ctx is cancelled, or when a coordinator error surfaces.
func (e *Engine) dispatcherLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		e.mu.Lock()
		sub := e.sub
		e.mu.Unlock()

		msgs, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			e.mu.Lock()
			cb, ok := e.channelSubscriptions[m.Channel]
			e.mu.Unlock()
			if ok {
				cb(m.Payload)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dispatcherIdle):
		}
	}
}

// eventPayload is the JSON shape published on a task's event channel (§6).
type eventPayload struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// emit publishes {event, data} on channel, swallowing publish errors the
// same way the rest of the best-effort event path does.
func (e *Engine) emit(channel, event string, data any) {
	payload, err := json.Marshal(eventPayload{Event: event, Data: data})
	if err != nil {
		log.Warn("taskd: failed to marshal event payload", "channel", channel, "event", event, "error", err)
		return
	}
	if err := e.coord.Publish(context.Background(), channel, string(payload)); err != nil {
		log.Warn("taskd: failed to publish event", "channel", channel, "event", event, "error", err)
	}
}

// taskEmitter binds a task's Emit capability (task.Base) to its owning
// engine and event channel.
type taskEmitter struct {
	engine  *Engine
	channel string
}

func (t *taskEmitter) Emit(event string, data any) {
	t.engine.emit(t.channel, event, data)
}
