// Package natspublisher implements the EventPublisher port over NATS core
// pub/sub, grounded on the pack's nats.go client wrapper shape
// (connect handlers, JSON payloads). Publication is fire-and-forget:
// Publish never waits for a subscriber ack. Flush is available to push
// buffered events out explicitly, but no component of this module calls
// it; buffered events leave on the NATS client's own flushing.
package natspublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/infra/logger"
	"github.com/ilyasni/tgparser/internal/infra/metrics"

	"go.uber.org/zap"
)

// Subject is the NATS subject every PostParsedEvent is published to.
const Subject = "tgparser.post.parsed"

// wireEvent is the JSON shape published to NATS; kept separate from
// channel.PostParsedEvent so wire format changes don't ripple into the
// domain type.
type wireEvent struct {
	ChannelID         string          `json:"channel_id"`
	TelegramMessageID int64           `json:"telegram_message_id"`
	ContentHash       string          `json:"content_hash"`
	PostedAt          time.Time       `json:"posted_at"`
	Media             []channel.Media `json:"media,omitempty"`
	TraceID           string          `json:"trace_id"`
}

// Publisher implements ports.EventPublisher against a NATS connection.
type Publisher struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
}

// Options configure the underlying NATS connection.
type Options struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// Connect dials NATS with reconnect/event handlers wired to structured
// logging.
func Connect(opts Options, m *metrics.Metrics) (*Publisher, error) {
	p := &Publisher{metrics: m}

	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.ReconnectJitter(opts.ReconnectJitter, opts.ReconnectJitter),
		nats.ConnectHandler(p.onConnect),
		nats.DisconnectErrHandler(p.onDisconnect),
		nats.ReconnectHandler(p.onReconnect),
		nats.ErrorHandler(p.onError),
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("natspublisher: connect: %w", err)
	}
	p.conn = conn
	return p, nil
}

func (p *Publisher) onConnect(conn *nats.Conn) {
	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
}

func (p *Publisher) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		logger.Warnf("disconnected from NATS: %v", err)
	}
}

func (p *Publisher) onReconnect(conn *nats.Conn) {
	logger.Info("reconnected to NATS", zap.String("url", conn.ConnectedUrl()))
}

func (p *Publisher) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	logger.Errorf("NATS error: %v", err)
}

// Publish serializes event and publishes it to Subject. Fire-and-forget:
// does not wait for a subscriber ack.
func (p *Publisher) Publish(ctx context.Context, event channel.PostParsedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := wireEvent{
		ChannelID:         event.ChannelID.String(),
		TelegramMessageID: event.TelegramMessageID,
		ContentHash:       event.ContentHash,
		PostedAt:          event.PostedAt,
		Media:             event.Media,
		TraceID:           event.TraceID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("natspublisher: marshal event: %w", err)
	}

	if err := p.conn.Publish(Subject, data); err != nil {
		return fmt.Errorf("natspublisher: publish: %w", err)
	}
	return nil
}

// Flush blocks until every message published so far has left the process,
// bounded by ctx's deadline or 5s without one. No component of this module
// calls it.
func (p *Publisher) Flush(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := p.conn.FlushTimeout(time.Until(deadline)); err != nil {
		return fmt.Errorf("natspublisher: flush: %w", err)
	}
	return nil
}

// Close closes the NATS connection without draining it.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
