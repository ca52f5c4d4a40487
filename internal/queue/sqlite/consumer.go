package sqlite

import (
	"context"
	"strconv"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/queue"
)

// pollInterval is how often the consumer re-checks for a visible row while
// waiting out its poll timeout; sqlite has no native long-poll primitive.
const pollInterval = 250 * time.Millisecond

// Consumer implements queue.Consumer against the embedded sqlite store,
// polling for visible rows up to a caller-supplied timeout per Fetch call
// and a fixed internal cadence inside the blocking Consume loop.
type Consumer struct {
	client            *Client
	name              string
	defaultVisibility time.Duration
}

// Consume blocks, repeatedly fetching and dispatching to handler until ctx
// is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.Fetch(ctx, 10, 5*time.Second)
		if err != nil {
			slog.Error("embedded queue fetch failed", "consumer", c.name, "error", err)
			time.Sleep(pollInterval)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		for _, m := range msgs {
			if err := handler(m); err != nil {
				slog.Error("embedded queue handler failed", "consumer", c.name, "error", err)
			}
		}
	}
}

// Fetch polls for up to maxBatch visible rows, blocking in pollInterval
// increments until pollTimeout elapses or a row becomes available.
func (c *Consumer) Fetch(ctx context.Context, maxBatch int, pollTimeout time.Duration) ([]*Message, error) {
	deadline := time.Now().Add(pollTimeout)
	var out []*Message

	for len(out) < maxBatch {
		r, err := c.client.dequeue(ctx, c.defaultVisibility)
		if err != nil {
			return out, err
		}
		if r == nil {
			if time.Now().After(deadline) || len(out) > 0 {
				break
			}
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}
		out = append(out, &Message{client: c.client, row: r})
	}
	return out, nil
}

func (c *Consumer) Close() error {
	return nil
}

// Message adapts a dequeued row to queue.Message.
type Message struct {
	client *Client
	row    *row
}

func (m *Message) ID() string             { return strconv.FormatInt(m.row.id, 10) }
func (m *Message) Data() []byte           { return m.row.body }
func (m *Message) Subject() string        { return "" }
func (m *Message) MessageGroup() string   { return m.row.messageGroup }
func (m *Message) DeliveryCount() int     { return m.row.deliveryCount }
func (m *Message) Metadata() map[string]string {
	return map[string]string{"receiptHandle": m.row.receiptHandle}
}

func (m *Message) Ack() error {
	return m.client.ack(context.Background(), m.row.id, m.row.receiptHandle)
}

func (m *Message) Nak() error {
	return m.client.nackWithDelay(context.Background(), m.row.id, m.row.receiptHandle, 120*time.Second)
}

func (m *Message) NakWithDelay(delay time.Duration) error {
	return m.client.nackWithDelay(context.Background(), m.row.id, m.row.receiptHandle, delay)
}

func (m *Message) InProgress() error {
	return m.client.extendVisibility(context.Background(), m.row.id, m.row.receiptHandle, int(m.client.defaultVisibility.Seconds()))
}

// UpdateReceiptHandle adopts the lease handle of a redelivery so a later
// ack or nack matches the row's current lease.
func (m *Message) UpdateReceiptHandle(newReceiptHandle string) {
	m.row.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current lease handle.
func (m *Message) GetReceiptHandle() string {
	return m.row.receiptHandle
}

var _ queue.Message = (*Message)(nil)
var _ queue.Consumer = (*Consumer)(nil)
var _ queue.ReceiptHandleUpdatable = (*Message)(nil)
