// Package notify fans merge events out to downstream consumers. Every
// transport (webhook, NATS, websocket, audit store) implements Channel, and
// the Dispatcher drives them all with best-effort semantics: a dead channel
// is logged and counted, never propagated back into the correlation path.
package notify

import (
	"context"

	"go.uber.org/zap"

	"chimera/core"
	"chimera/metrics"
)

// Channel delivers a single merge event over one transport.
type Channel interface {
	// Name identifies the channel in logs and metrics
	Name() string
	// Publish delivers the event, honoring ctx for cancellation
	Publish(ctx context.Context, event core.MergeEvent) error
}

// Dispatcher distributes merge events to all configured channels. It
// implements core.EventPublisher for the correlation engine.
type Dispatcher struct {
	channels []Channel
	logger   *zap.SugaredLogger
}

var _ core.EventPublisher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *zap.SugaredLogger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		logger:   logger,
	}
}

// AddChannel registers another delivery channel. Not safe for concurrent use
// with PublishMerge; wire all channels before the engine starts.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.channels = append(d.channels, ch)
}

// ChannelCount returns the number of registered channels.
func (d *Dispatcher) ChannelCount() int {
	return len(d.channels)
}

// Close shuts down every channel that holds a connection; NATS drains its
// buffered publishes. Call after the engine has stopped submitting.
func (d *Dispatcher) Close() {
	for _, ch := range d.channels {
		if closer, ok := ch.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// PublishMerge sends the event to every channel in registration order.
// Failures are logged and counted per channel; the merge itself is already
// committed, so nothing here ever returns an error.
func (d *Dispatcher) PublishMerge(ctx context.Context, event core.MergeEvent) error {
	for _, ch := range d.channels {
		if err := ch.Publish(ctx, event); err != nil {
			metrics.NotifyFailures.WithLabelValues(ch.Name()).Inc()
			d.logger.Warnw("Merge event delivery failed",
				"channel", ch.Name(),
				"original_id", event.OriginalID,
				"duplicate_id", event.DuplicateID,
				"error", err)
		}
	}
	return nil
}
