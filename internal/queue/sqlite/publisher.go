package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.flowcatalyst.tech/internal/queue"
)

// Publisher writes new messages to the embedded queue, immediately visible.
type Publisher struct {
	db *sql.DB
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(ctx, "", data, "")
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publish(ctx, messageGroup, data, "")
}

func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publish(ctx, "", data, deduplicationID)
}

// PublishEnvelope publishes with both a message group and a deduplication id,
// mirroring the QueueMessage contract (messageGroupId + deduplicationId).
func (p *Publisher) PublishEnvelope(ctx context.Context, messageGroup string, data []byte, deduplicationID string) (allPublished bool, errorMessage string) {
	if err := p.publish(ctx, messageGroup, data, deduplicationID); err != nil {
		if strings.Contains(err.Error(), "Deduplicated") {
			return true, err.Error()
		}
		return false, err.Error()
	}
	return true, ""
}

func (p *Publisher) publish(ctx context.Context, messageGroup string, data []byte, deduplicationID string) error {
	group := messageGroup
	if group == "" {
		group = "default"
	}

	var dedup interface{}
	if deduplicationID != "" {
		dedup = deduplicationID
	}

	now := time.Now().Unix()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_messages (message_group, deduplication_id, body, visible_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, group, dedup, data, now, now)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("Deduplicated: message with deduplication id %q already queued", deduplicationID)
		}
		return fmt.Errorf("failed to publish to embedded queue: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ queue.Publisher = (*Publisher)(nil)
