// Package bus wraps the NATS JetStream connection: stream provisioning on
// startup, acknowledged publishes and durable subscriptions.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config mirrors the stream limits the pipeline provisions.
type Config struct {
	URL             string
	StreamName      string
	Subjects        []string
	MaxMsgs         int64
	MaxBytes        int64
	MaxAge          time.Duration
	DuplicateWindow time.Duration
	AckTimeout      time.Duration
}

func (c *Config) fillDefaults() {
	if c.StreamName == "" {
		c.StreamName = "MARKET_DATA"
	}
	if c.MaxMsgs <= 0 {
		c.MaxMsgs = 5_000_000
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 << 30
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 48 * time.Hour
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
}

// Bus is a live JetStream connection bound to one provisioned stream.
type Bus struct {
	cfg  Config
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials NATS and creates the stream if it does not exist yet.
func Connect(cfg Config) (*Bus, error) {
	cfg.fillDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Bus connection lost, reconnecting")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("Bus connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	b := &Bus{cfg: cfg, conn: conn, js: js}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", b.cfg.StreamName, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       b.cfg.StreamName,
		Subjects:   b.cfg.Subjects,
		MaxMsgs:    b.cfg.MaxMsgs,
		MaxBytes:   b.cfg.MaxBytes,
		MaxAge:     b.cfg.MaxAge,
		Discard:    nats.DiscardOld,
		Replicas:   1,
		Storage:    nats.FileStorage,
		Duplicates: b.cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err)
	}
	log.Info().
		Str("stream", b.cfg.StreamName).
		Strs("subjects", b.cfg.Subjects).
		Msg("Created bus stream")
	return nil
}

// Publish sends one record with acknowledgement. msgID feeds the stream's
// duplicate window so redeliveries inside it are server-side idempotent.
func (b *Bus) Publish(ctx context.Context, subject, msgID string, headers map[string]string, payload []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.cfg.AckTimeout)
	defer cancel()

	opts := []nats.PubOpt{nats.Context(pubCtx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := b.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Handler consumes one delivered message. A non-nil error leaves the
// message unacked for redelivery. Alias so consumer-side interfaces can
// spell the signature without importing this package.
type Handler = func(subject string, headers map[string]string, payload []byte) error

// Subscribe opens a durable queue subscription on filter. The returned
// function drains the subscription.
func (b *Bus) Subscribe(filter, durable string, handler Handler) (func(), error) {
	sub, err := b.js.QueueSubscribe(filter, durable, func(msg *nats.Msg) {
		headers := make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			headers[k] = msg.Header.Get(k)
		}
		if err := handler(msg.Subject, headers, msg.Data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Handler rejected message")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.MaxAckPending(4096),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s (%s): %w", filter, durable, err)
	}
	return func() { _ = sub.Drain() }, nil
}

// Healthy reports whether the underlying connection is up.
func (b *Bus) Healthy() bool {
	return b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}
