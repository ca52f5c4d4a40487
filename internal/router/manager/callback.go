package manager

import (
	"log/slog"
	"time"

	"go.flowcatalyst.tech/internal/router/pool"
)

const (
	// fastFailDelay is the short redelivery delay used when no mediator
	// call was attempted.
	fastFailDelay = 10 * time.Second

	// defaultRetryDelay is the redelivery delay for retriable mediator
	// failures without an endpoint-requested delay.
	defaultRetryDelay = 120 * time.Second

	// maxDelaySeconds caps endpoint-requested redelivery delays.
	maxDelaySeconds = 43200
)

// brokerCallback maps pool decisions onto broker operations. Every settle
// first removes the message from the pipeline tracking maps, then performs
// exactly one broker call using the message's own handles.
type brokerCallback struct {
	manager *QueueManager
}

var _ pool.MessageCallback = (*brokerCallback)(nil)

func (c *brokerCallback) Ack(msg *pool.MessagePointer) {
	c.manager.complete(msg.BrokerMessageID, msg.ID, outcomeSuccess)
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

func (c *brokerCallback) Nack(msg *pool.MessagePointer) {
	c.nackWithDelay(msg, defaultRetryDelay, outcomeFailure)
}

func (c *brokerCallback) NackWithDelay(msg *pool.MessagePointer, seconds int) {
	c.nackWithDelay(msg, time.Duration(clampDelaySeconds(seconds))*time.Second, outcomeFailure)
}

func (c *brokerCallback) FastFail(msg *pool.MessagePointer) {
	c.nackWithDelay(msg, fastFailDelay, outcomeFastFail)
}

func (c *brokerCallback) ExtendVisibility(msg *pool.MessagePointer) {
	if msg.InProgressFunc != nil {
		if err := msg.InProgressFunc(); err != nil {
			slog.Warn("Failed to extend visibility", "error", err, "messageId", msg.ID)
		}
	}
}

func (c *brokerCallback) nackWithDelay(msg *pool.MessagePointer, delay time.Duration, outcome settleOutcome) {
	c.manager.complete(msg.BrokerMessageID, msg.ID, outcome)
	if msg.NakDelayFunc != nil {
		if err := msg.NakDelayFunc(delay); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
		}
	} else if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
		}
	}
}

// clampDelaySeconds bounds a redelivery delay to the broker-accepted range.
func clampDelaySeconds(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > maxDelaySeconds {
		return maxDelaySeconds
	}
	return seconds
}
