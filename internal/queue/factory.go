package queue

import (
	"context"
	"fmt"
)

// Backend is an open connection to one of the supported broker
// implementations, exposing the uniform publish/consume contract. It is
// constructed once at startup and passed into the scheduler and router.
type Backend struct {
	Publisher Publisher
	Consumer  Consumer
	Metrics   MetricsProvider // nil if the backend does not report queue depth
	Close     func() error
}

// Factory constructs a queue Backend from configuration. Implementations
// live in the per-backend subpackages (sqlite, nats, sqs, activemq); this
// type exists so callers select a backend by config.Type without importing
// every subpackage's constructor signature directly.
type Factory struct {
	newEmbedded func(ctx context.Context, cfg Config) (*Backend, error)
	newNATS     func(ctx context.Context, cfg Config) (*Backend, error)
	newSQS      func(ctx context.Context, cfg Config) (*Backend, error)
	newActiveMQ func(ctx context.Context, cfg Config) (*Backend, error)
}

// NewFactory wires the four backend constructors. Each constructor is
// supplied by the caller (main) so this package stays free of an import
// cycle with the per-backend subpackages, which themselves import `queue`.
func NewFactory(
	newEmbedded func(ctx context.Context, cfg Config) (*Backend, error),
	newNATS func(ctx context.Context, cfg Config) (*Backend, error),
	newSQS func(ctx context.Context, cfg Config) (*Backend, error),
	newActiveMQ func(ctx context.Context, cfg Config) (*Backend, error),
) *Factory {
	return &Factory{
		newEmbedded: newEmbedded,
		newNATS:     newNATS,
		newSQS:      newSQS,
		newActiveMQ: newActiveMQ,
	}
}

// Open builds the configured backend. cfg.Type selects among "embedded"
// (the default, a SQLite-backed durable queue), "nats", "sqs", and
// "activemq".
func (f *Factory) Open(ctx context.Context, cfg Config) (*Backend, error) {
	switch QueueType(cfg.Type) {
	case QueueTypeEmbedded, "":
		if f.newEmbedded == nil {
			return nil, fmt.Errorf("embedded backend not wired")
		}
		return f.newEmbedded(ctx, cfg)
	case QueueTypeNATS:
		if f.newNATS == nil {
			return nil, fmt.Errorf("nats backend not wired")
		}
		return f.newNATS(ctx, cfg)
	case QueueTypeSQS:
		if f.newSQS == nil {
			return nil, fmt.Errorf("sqs backend not wired")
		}
		return f.newSQS(ctx, cfg)
	case QueueTypeActiveMQ:
		if f.newActiveMQ == nil {
			return nil, fmt.Errorf("activemq backend not wired")
		}
		return f.newActiveMQ(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats', 'sqs', or 'activemq')", cfg.Type)
	}
}

// QueueType identifies which broker backend a Config selects.
type QueueType string

const (
	QueueTypeEmbedded QueueType = "embedded" // embedded SQLite durable queue (default)
	QueueTypeNATS     QueueType = "nats"     // external NATS JetStream
	QueueTypeSQS      QueueType = "sqs"      // AWS SQS FIFO
	QueueTypeActiveMQ QueueType = "activemq" // ActiveMQ over STOMP
)

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		Type: string(QueueTypeEmbedded),
		NATS: NATSConfig{
			StreamName:   "DISPATCH",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"dispatch.>"},
		},
		SQS: SQSConfig{
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
	}
}
