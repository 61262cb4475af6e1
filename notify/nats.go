package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"chimera/config"
	"chimera/core"
)

// defaultMergeSubject is used when the configuration leaves the subject empty.
const defaultMergeSubject = "chimera.merges"

// NATSPublisher forwards merge events to a NATS subject. Reconnection is
// handled by the client; while disconnected, publishes buffer up to the
// client's pending limit and flush on reconnect.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.SugaredLogger
}

var _ Channel = (*NATSPublisher)(nil)

// NewNATSPublisher connects to the broker and returns a publisher channel.
func NewNATSPublisher(cfg config.NATSConfig, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = defaultMergeSubject
	}
	reconnectWait := time.Duration(cfg.ReconnectWait) * time.Second
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Infow("Connected to NATS", "url", cfg.URL, "subject", subject)
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Name identifies this channel in logs and metrics.
func (p *NATSPublisher) Name() string { return "nats" }

// Publish sends the merge event as JSON to the configured subject.
func (p *NATSPublisher) Publish(ctx context.Context, event core.MergeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal merge event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	return nil
}

// Close drains the connection so buffered publishes flush before shutdown.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warnf("NATS drain failed: %v", err)
		p.conn.Close()
	}
}
