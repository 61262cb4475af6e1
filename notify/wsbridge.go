package notify

import (
	"context"

	"chimera/core"
)

// Broadcaster is the slice of the websocket hub the bridge needs.
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{}) error
}

// WebSocketBridge pushes merge events to connected websocket clients.
type WebSocketBridge struct {
	hub Broadcaster
}

var _ Channel = (*WebSocketBridge)(nil)

// NewWebSocketBridge wraps a hub as a delivery channel.
func NewWebSocketBridge(hub Broadcaster) *WebSocketBridge {
	return &WebSocketBridge{hub: hub}
}

// Name identifies this channel in logs and metrics.
func (b *WebSocketBridge) Name() string { return "websocket" }

// Publish broadcasts the event to all subscribed clients.
func (b *WebSocketBridge) Publish(_ context.Context, event core.MergeEvent) error {
	return b.hub.BroadcastMessage("merge", event)
}
