package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"log/slog"

	"go.flowcatalyst.tech/internal/queue"
)

// Publisher publishes messages to NATS JetStream
type Publisher struct {
	js             jetstream.JetStream
	stream         string
	defaultSubject string
}

// NewPublisher creates a new NATS publisher
func NewPublisher(js jetstream.JetStream, streamName string) *Publisher {
	return &Publisher{
		js:             js,
		stream:         streamName,
		defaultSubject: streamName,
	}
}

// WithDefaultSubject sets the subject used by PublishEnvelope, which has no
// per-call subject parameter of its own.
func (p *Publisher) WithDefaultSubject(subject string) *Publisher {
	p.defaultSubject = subject
	return p
}

// Publish sends a message to the specified subject
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishWithGroup sends a message with a message group for ordered processing
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	// For NATS, we encode the message group in the message headers
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Nats-Msg-Group", messageGroup)

	_, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message with group: %w", err)
	}
	return nil
}

// PublishWithDeduplication sends a message with deduplication ID
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	// NATS JetStream uses Nats-Msg-Id for deduplication
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Nats-Msg-Id", deduplicationID)

	_, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message with deduplication: %w", err)
	}
	return nil
}

// PublishMessage publishes a message built with MessageBuilder
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	msg := &nats.Msg{
		Subject: builder.Subject(),
		Data:    builder.Data(),
		Header:  make(nats.Header),
	}

	// Set message group if provided
	if builder.MessageGroup() != "" {
		msg.Header.Set("Nats-Msg-Group", builder.MessageGroup())
	}

	// Set deduplication ID if provided
	if builder.DeduplicationID() != "" {
		msg.Header.Set("Nats-Msg-Id", builder.DeduplicationID())
	}

	// Set metadata headers
	for k, v := range builder.Metadata() {
		msg.Header.Set("X-Meta-"+k, v)
	}

	_, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishEnvelope publishes a message carrying both a message group and a
// deduplication id in one call, matching the shared queue.Publisher contract.
func (p *Publisher) PublishEnvelope(ctx context.Context, messageGroup string, data []byte, deduplicationID string) (allPublished bool, errorMessage string) {
	msg := &nats.Msg{
		Subject: p.defaultSubject,
		Data:    data,
		Header:  make(nats.Header),
	}
	if messageGroup != "" {
		msg.Header.Set("Nats-Msg-Group", messageGroup)
	}
	if deduplicationID != "" {
		msg.Header.Set("Nats-Msg-Id", deduplicationID)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return true, err.Error()
		}
		return false, err.Error()
	}
	return true, ""
}

// Close closes the publisher
func (p *Publisher) Close() error {
	// Nothing to close for the publisher itself
	return nil
}

// Consumer consumes messages from NATS JetStream
type Consumer struct {
	consumer jetstream.Consumer
	name     string

	// pendingAcks holds stream sequences whose ack failed. An ack-wait
	// redelivery of such a message is re-acked immediately instead of being
	// processed again.
	pendingAcks sync.Map // stream sequence -> struct{}
}

// NewConsumer creates a new NATS consumer
func NewConsumer(consumer jetstream.Consumer, name string) *Consumer {
	return &Consumer{
		consumer: consumer,
		name:     name,
	}
}

// Consume starts consuming messages and calls the handler for each
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting NATS consumer", "consumer", c.name)

	// Create a message channel consumer
	msgIter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer msgIter.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		default:
			// Try to get the next message with a timeout
			msg, err := msgIter.Next()
			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return nil
				}
				slog.Error("Error getting next message", "error", err, "consumer", c.name)
				continue
			}

			// A redelivery of a message whose earlier ack failed is
			// settled here without reprocessing.
			if seq, ok := streamSequence(msg); ok {
				if _, pending := c.pendingAcks.Load(seq); pending {
					if err := msg.Ack(); err == nil {
						c.pendingAcks.Delete(seq)
						slog.Debug("Re-acked redelivery of previously acked message", "consumer", c.name, "sequence", seq)
					}
					continue
				}
			}

			wrapped := &NATSMessage{
				msg:      msg,
				subject:  msg.Subject(),
				consumer: c,
			}

			if err := handler(wrapped); err != nil {
				slog.Error("Message handler error", "error", err, "consumer", c.name, "subject", msg.Subject())
				// The handler should call Nak() on the message if it fails
			}
		}
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	slog.Info("Consumer closed", "consumer", c.name)
	return nil
}

// streamSequence returns the message's stream sequence key, used for the
// pending-ack set.
func streamSequence(msg jetstream.Msg) (uint64, bool) {
	meta, err := msg.Metadata()
	if err != nil {
		return 0, false
	}
	return meta.Sequence.Stream, true
}

// NATSMessage wraps a NATS JetStream message
type NATSMessage struct {
	msg      jetstream.Msg
	subject  string
	consumer *Consumer
}

// ID returns the message ID
func (m *NATSMessage) ID() string {
	if id := m.msg.Headers().Get("Nats-Msg-Id"); id != "" {
		return id
	}
	// Fall back to metadata sequence
	meta, err := m.msg.Metadata()
	if err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

// Data returns the message payload
func (m *NATSMessage) Data() []byte {
	return m.msg.Data()
}

// Subject returns the message subject
func (m *NATSMessage) Subject() string {
	return m.subject
}

// MessageGroup returns the message group
func (m *NATSMessage) MessageGroup() string {
	return m.msg.Headers().Get("Nats-Msg-Group")
}

// DeliveryCount returns the JetStream redelivery count, defaulting to 1.
func (m *NATSMessage) DeliveryCount() int {
	meta, err := m.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

// Ack acknowledges successful processing. A failed ack is remembered so
// the inevitable ack-wait redelivery is re-acked instead of reprocessed.
func (m *NATSMessage) Ack() error {
	err := m.msg.Ack()
	if err != nil && m.consumer != nil {
		if seq, ok := streamSequence(m.msg); ok {
			m.consumer.pendingAcks.Store(seq, struct{}{})
			slog.Warn("Ack failed, will re-ack on redelivery", "sequence", seq, "error", err)
		}
	}
	return err
}

// Nak signals processing failure
func (m *NATSMessage) Nak() error {
	return m.msg.Nak()
}

// NakWithDelay signals failure with a delay before redelivery
func (m *NATSMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

// InProgress extends the processing deadline
func (m *NATSMessage) InProgress() error {
	return m.msg.InProgress()
}

// Metadata returns message metadata
func (m *NATSMessage) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// Client wraps a NATS connection and provides both publishing and consuming
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	consumers map[string]*Consumer
	config    *queue.NATSConfig
}

// NewClient creates a new NATS client
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	publisher := NewPublisher(js, streamName)
	if len(cfg.Subjects) > 0 {
		publisher.WithDefaultSubject(cfg.Subjects[0])
	}

	return &Client{
		conn:      conn,
		js:        js,
		publisher: publisher,
		consumers: make(map[string]*Consumer),
		config:    cfg,
	}, nil
}

// Publisher returns the client's publisher
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates a new consumer for the given filter subject
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	ackWait := 2 * time.Minute
	if c.config.AckWait > 0 {
		ackWait = c.config.AckWait
	}

	maxDeliver := 5
	if c.config.MaxDeliver > 0 {
		maxDeliver = c.config.MaxDeliver
	}

	streamName := c.config.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	wrapped := NewConsumer(consumer, name)
	c.consumers[name] = wrapped
	return wrapped, nil
}

// QueryMetrics reports approximate pending and in-flight counts across all
// consumers created on this client, aggregated from JetStream consumer info.
func (c *Client) QueryMetrics(ctx context.Context) (queue.QueueMetrics, error) {
	var m queue.QueueMetrics
	for name, consumer := range c.consumers {
		info, err := consumer.consumer.Info(ctx)
		if err != nil {
			return queue.QueueMetrics{}, fmt.Errorf("failed to query consumer %q info: %w", name, err)
		}
		m.Pending += int64(info.NumPending)
		m.Invisible += int64(info.NumAckPending)
	}
	return m, nil
}

// Close closes the client and all consumers
func (c *Client) Close() error {
	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.conn.Close()
	return nil
}

