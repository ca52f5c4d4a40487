// Package sqlite provides an embedded, file-backed durable queue used when
// no external broker is configured. It implements the same per-group FIFO
// dequeue guarantee as the SQS FIFO and NATS JetStream backends using a
// single UPDATE ... RETURNING statement, so group ordering and visibility
// semantics are identical across backends from the router's point of view.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"log/slog"

	"go.flowcatalyst.tech/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	message_group   TEXT NOT NULL,
	deduplication_id TEXT,
	body            BLOB NOT NULL,
	receipt_handle  TEXT,
	visible_at      INTEGER NOT NULL,
	delivery_count  INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_messages_dedup
	ON queue_messages(message_group, deduplication_id)
	WHERE deduplication_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible
	ON queue_messages(visible_at, message_group, id);
`

// Client is an embedded SQLite-backed queue. A single instance owns both
// publish and consume sides of one logical queue; the database file is the
// durable store.
type Client struct {
	db                *sql.DB
	defaultVisibility time.Duration
	mu                sync.Mutex // serializes the dequeue statement; sqlite allows one writer at a time anyway
}

// Config configures the embedded queue.
type Config struct {
	// Path is the sqlite database file path, e.g. "./dispatch-queue.db".
	Path string
	// DefaultVisibilityTimeout is applied to leased rows absent an explicit nack delay.
	DefaultVisibilityTimeout time.Duration
}

// NewClient opens (creating if absent) the embedded queue database.
func NewClient(cfg Config) (*Client, error) {
	if cfg.DefaultVisibilityTimeout <= 0 {
		cfg.DefaultVisibilityTimeout = 120 * time.Second
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers; serialize via a single conn

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate embedded queue schema: %w", err)
	}

	return &Client{db: db, defaultVisibility: cfg.DefaultVisibilityTimeout}, nil
}

// Close closes the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// Publisher returns a Publisher bound to this database.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{db: c.db}
}

// CreateConsumer returns a Consumer bound to this database. name and
// filterSubject are accepted for interface parity with the NATS/SQS clients
// but are unused: the embedded queue is a single logical queue.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	return &Consumer{
		client:            c,
		name:              name,
		defaultVisibility: c.defaultVisibility,
	}, nil
}

// QueryMetrics reports approximate pending (visible) and invisible (leased)
// row counts.
func (c *Client) QueryMetrics(ctx context.Context) (queue.QueueMetrics, error) {
	now := time.Now().Unix()
	var m queue.QueueMetrics
	row := c.db.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE visible_at <= ?),
		COUNT(*) FILTER (WHERE visible_at > ?)
		FROM queue_messages`, now, now)
	if err := row.Scan(&m.Pending, &m.Invisible); err != nil {
		return queue.QueueMetrics{}, fmt.Errorf("failed to query embedded queue metrics: %w", err)
	}
	return m, nil
}

// dequeue implements the per-group FIFO lease algorithm described by the
// broker contract: pick the smallest-id row among rows belonging to the
// group of the overall smallest visible row, lease it with a fresh receipt
// handle, and return it. A single UPDATE ... RETURNING makes the pick and
// the lease atomic with respect to other dequeuers.
func (c *Client) dequeue(ctx context.Context, visibilityTimeout time.Duration) (*row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	handle := uuid.NewString()
	visibleAt := now.Add(visibilityTimeout).Unix()

	r := &row{}
	err := c.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, receipt_handle = ?, delivery_count = delivery_count + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE message_group = (
				SELECT message_group FROM queue_messages
				WHERE visible_at <= ?
				ORDER BY visible_at ASC, id ASC
				LIMIT 1
			)
			AND visible_at <= ?
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, message_group, body, receipt_handle, delivery_count
	`, visibleAt, handle, now.Unix(), now.Unix()).Scan(&r.id, &r.messageGroup, &r.body, &r.receiptHandle, &r.deliveryCount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue embedded queue row: %w", err)
	}
	return r, nil
}

type row struct {
	id            int64
	messageGroup  string
	body          []byte
	receiptHandle string
	deliveryCount int
}

func (c *Client) ack(ctx context.Context, id int64, receiptHandle string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ? AND receipt_handle = ?`, id, receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to ack embedded queue row %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug("embedded queue ack found no matching row (already acked or receipt stale)", "id", id)
	}
	return nil
}

func (c *Client) nackWithDelay(ctx context.Context, id int64, receiptHandle string, delay time.Duration) error {
	delaySeconds := clampDelay(int(delay.Seconds()))
	visibleAt := time.Now().Add(time.Duration(delaySeconds) * time.Second).Unix()
	_, err := c.db.ExecContext(ctx, `UPDATE queue_messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`, visibleAt, id, receiptHandle)
	if err != nil {
		slog.Warn("failed to nack embedded queue row, relying on lease expiry", "id", id, "error", err)
	}
	return nil
}

func (c *Client) extendVisibility(ctx context.Context, id int64, receiptHandle string, seconds int) error {
	visibleAt := time.Now().Add(time.Duration(seconds) * time.Second).Unix()
	_, err := c.db.ExecContext(ctx, `UPDATE queue_messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`, visibleAt, id, receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to extend visibility for embedded queue row %d: %w", id, err)
	}
	return nil
}

func clampDelay(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > 43200 {
		return 43200
	}
	return seconds
}
