// Package wiring adapts each per-backend client (sqlite, nats, sqs,
// activemq) into a queue.Backend so cmd/flowcatalyst and cmd/router can
// select a broker by config.Type through a single queue.Factory rather than
// repeating a four-way switch in each main.
package wiring

import (
	"context"
	"fmt"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/queue/activemq"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	"go.flowcatalyst.tech/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
)

const dispatchConsumerName = "dispatch-consumer"

// NewFactory returns a queue.Factory with all four backends wired.
// consumerSubject is the NATS/SQS filter subject used when creating the
// consumer ("dispatch.>" in production; SQS and the embedded/ActiveMQ
// backends ignore it).
func NewFactory(consumerSubject string) *queue.Factory {
	return queue.NewFactory(
		func(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
			return newEmbedded(ctx, cfg)
		},
		func(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
			return newNATS(ctx, cfg, consumerSubject)
		},
		func(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
			return newSQS(ctx, cfg)
		},
		func(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
			return newActiveMQ(ctx, cfg)
		},
	)
}

func newEmbedded(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
	dbPath := cfg.Embedded.DBPath
	if dbPath == "" {
		dbPath = "./dispatch-queue.db"
	}
	client, err := sqlite.NewClient(sqlite.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("open embedded queue: %w", err)
	}

	consumer, err := client.CreateConsumer(ctx, dispatchConsumerName, "")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create embedded consumer: %w", err)
	}

	return &queue.Backend{
		Publisher: client.Publisher(),
		Consumer:  consumer,
		Metrics:   client,
		Close:     client.Close,
	}, nil
}

func newNATS(ctx context.Context, cfg queue.Config, consumerSubject string) (*queue.Backend, error) {
	if consumerSubject == "" {
		consumerSubject = "dispatch.>"
	}

	// An empty NATS URL means no external broker was configured: run the
	// embedded NATS/JetStream server instead of dialing out.
	if cfg.NATS.URL == "" {
		embeddedCfg := natsqueue.DefaultEmbeddedConfig()
		if cfg.DataDir != "" {
			embeddedCfg.DataDir = cfg.DataDir + "/nats"
		}
		if cfg.NATS.StreamName != "" {
			embeddedCfg.StreamName = cfg.NATS.StreamName
		}

		server, err := natsqueue.NewEmbeddedServer(embeddedCfg)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats server: %w", err)
		}

		consumer, err := server.CreateConsumer(ctx, dispatchConsumerName, consumerSubject, nil)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("create nats consumer: %w", err)
		}

		return &queue.Backend{
			Publisher: server.Publisher(),
			Consumer:  consumer,
			Close:     server.Close,
		}, nil
	}

	client, err := natsqueue.NewClient(&cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	consumer, err := client.CreateConsumer(ctx, dispatchConsumerName, consumerSubject)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create nats consumer: %w", err)
	}

	return &queue.Backend{
		Publisher: client.Publisher(),
		Consumer:  consumer,
		Metrics:   client,
		Close:     client.Close,
	}, nil
}

func newSQS(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
	client, err := sqsqueue.NewClient(ctx, &cfg.SQS)
	if err != nil {
		return nil, fmt.Errorf("connect sqs: %w", err)
	}

	consumer, err := client.CreateConsumer(ctx, dispatchConsumerName, "")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create sqs consumer: %w", err)
	}

	return &queue.Backend{
		Publisher: client.Publisher(),
		Consumer:  consumer,
		Metrics:   client,
		Close:     client.Close,
	}, nil
}

func newActiveMQ(ctx context.Context, cfg queue.Config) (*queue.Backend, error) {
	client, err := activemq.NewClient(activemq.Config{
		Addr:      cfg.ActiveMQ.Addr,
		Login:     cfg.ActiveMQ.Login,
		Passcode:  cfg.ActiveMQ.Passcode,
		QueueName: cfg.ActiveMQ.QueueName,
	})
	if err != nil {
		return nil, fmt.Errorf("connect activemq: %w", err)
	}

	consumer, err := client.CreateConsumer(ctx, dispatchConsumerName, "")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create activemq consumer: %w", err)
	}

	return &queue.Backend{
		Publisher: client.Publisher(),
		Consumer:  consumer,
		Metrics:   client,
		Close:     client.Close,
	}, nil
}
