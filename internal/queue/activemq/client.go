// Package activemq implements the queue contract over ActiveMQ's STOMP
// connector with individual per-message acknowledgement, so group ordering
// and settle semantics line up with the sqs, nats, and sqlite backends.
package activemq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"go.flowcatalyst.tech/internal/queue"
)

// Config configures the ActiveMQ STOMP connection.
type Config struct {
	Addr      string // host:port of the ActiveMQ STOMP connector
	Login     string
	Passcode  string
	QueueName string
}

// Client owns one STOMP connection shared by a publisher and one or more
// consumers (ActiveMQ, unlike SQS/NATS, multiplexes subscriptions over a
// single connection cheaply).
type Client struct {
	cfg  Config
	conn *stomp.Conn
	mu   sync.Mutex
}

// NewClient dials the ActiveMQ broker over STOMP.
func NewClient(cfg Config) (*Client, error) {
	conn, err := stomp.Dial("tcp", cfg.Addr,
		stomp.ConnOpt.Login(cfg.Login, cfg.Passcode),
		stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ at %s: %w", cfg.Addr, err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Disconnect()
}

func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c}
}

// CreateConsumer subscribes to the configured queue with client-individual
// acknowledgement, matching the "individual-ack queue" requirement.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	sub, err := c.conn.Subscribe(c.cfg.QueueName, stomp.AckClientIndividual)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to ActiveMQ queue %s: %w", c.cfg.QueueName, err)
	}
	return &Consumer{client: c, sub: sub, name: name}, nil
}

// QueryMetrics is unsupported over plain STOMP (ActiveMQ exposes queue depth
// via its JMX/REST management API, out of scope here); it returns zero
// values rather than erroring so callers can treat it as "unknown".
func (c *Client) QueryMetrics(ctx context.Context) (queue.QueueMetrics, error) {
	return queue.QueueMetrics{}, nil
}

// Publisher sends messages to the configured ActiveMQ queue.
type Publisher struct {
	client *Client
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(data, "", "")
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(data, messageGroup, "")
}

func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.send(data, "", deduplicationID)
}

// PublishEnvelope sends a message carrying both a message group and a
// deduplication id in one call, matching the shared queue.Publisher contract.
func (p *Publisher) PublishEnvelope(ctx context.Context, messageGroup string, data []byte, deduplicationID string) (allPublished bool, errorMessage string) {
	if err := p.send(data, messageGroup, deduplicationID); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (p *Publisher) send(data []byte, messageGroup, deduplicationID string) error {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()

	opts := []func(*frame.Frame) error{stomp.SendOpt.Receipt}
	if messageGroup != "" {
		opts = append(opts, stomp.SendOpt.Header("JMSXGroupID", messageGroup))
	}
	if deduplicationID != "" {
		opts = append(opts, stomp.SendOpt.Header("dedup-id", deduplicationID))
	}

	if err := p.client.conn.Send(p.client.cfg.QueueName, "application/json", data, opts...); err != nil {
		return fmt.Errorf("failed to publish to ActiveMQ: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// Consumer wraps a STOMP subscription, exposing individually-ackable messages.
type Consumer struct {
	client *Client
	sub    *stomp.Subscription
	name   string
}

func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.sub.C:
			if !ok {
				return fmt.Errorf("ActiveMQ subscription %s closed", c.name)
			}
			if msg.Err != nil {
				slog.Error("ActiveMQ delivery error", "consumer", c.name, "error", msg.Err)
				continue
			}
			if err := handler(&Message{conn: c.client.conn, frame: msg}); err != nil {
				slog.Error("ActiveMQ handler failed", "consumer", c.name, "error", err)
			}
		}
	}
}

// Fetch drains up to maxBatch already-buffered frames from the subscription
// channel, waiting up to pollTimeout for the first one.
func (c *Consumer) Fetch(ctx context.Context, maxBatch int, pollTimeout time.Duration) ([]*Message, error) {
	var out []*Message
	timeout := time.After(pollTimeout)

	for len(out) < maxBatch {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case msg, ok := <-c.sub.C:
			if !ok {
				return out, fmt.Errorf("ActiveMQ subscription %s closed", c.name)
			}
			if msg.Err != nil {
				slog.Error("ActiveMQ delivery error", "consumer", c.name, "error", msg.Err)
				continue
			}
			out = append(out, &Message{conn: c.client.conn, frame: msg})
		case <-timeout:
			return out, nil
		}
	}
	return out, nil
}

func (c *Consumer) Close() error {
	return c.sub.Unsubscribe()
}

// Message adapts a STOMP frame to queue.Message with individual ack/nack.
type Message struct {
	conn  *stomp.Conn
	frame *stomp.Message
}

func (m *Message) ID() string      { return m.frame.Header.Get("message-id") }
func (m *Message) Data() []byte    { return m.frame.Body }
func (m *Message) Subject() string { return m.frame.Destination }

func (m *Message) MessageGroup() string {
	if g := m.frame.Header.Get("JMSXGroupID"); g != "" {
		return g
	}
	return ""
}

func (m *Message) DeliveryCount() int {
	if v := m.frame.Header.Get("redelivered"); v == "true" {
		return 2
	}
	return 1
}

func (m *Message) Metadata() map[string]string {
	out := make(map[string]string)
	for i := 0; i < m.frame.Header.Len(); i++ {
		k, v := m.frame.Header.GetAt(i)
		out[k] = v
	}
	return out
}

func (m *Message) Ack() error {
	return m.conn.Ack(m.frame)
}

func (m *Message) Nak() error {
	return m.conn.Nack(m.frame)
}

// NakWithDelay is approximated via the individual nack plus a scheduled
// redelivery plugin header; plain STOMP has no broker-side delay primitive,
// so the delay is honored client-side by the caller deferring the next nack.
func (m *Message) NakWithDelay(delay time.Duration) error {
	m.frame.Header.Add("AMQ_SCHEDULED_DELAY", strconv.FormatInt(delay.Milliseconds(), 10))
	return m.conn.Nack(m.frame)
}

func (m *Message) InProgress() error {
	// ActiveMQ individual-ack sessions have no visibility-extension concept;
	// the message simply remains unacked until Ack/Nak is called.
	return nil
}

var _ queue.Message = (*Message)(nil)
var _ queue.Consumer = (*Consumer)(nil)
