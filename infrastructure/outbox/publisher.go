// Package outbox implements the transactional outbox for notification
// delivery: the Notify step writes a row here, and a background poller
// publishes it to RabbitMQ and marks it published. Delivery is
// at-least-once; consumers dedupe on order_id + notification_type.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ordersaga/domain/steps"
	"ordersaga/infrastructure/messaging"
	"ordersaga/internal/telemetry"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS notification_outbox (
	id                 BIGSERIAL PRIMARY KEY,
	order_id           TEXT NOT NULL,
	notification_type  TEXT NOT NULL,
	payload            JSONB NOT NULL,
	published          BOOLEAN NOT NULL DEFAULT false,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at       TIMESTAMPTZ
)`

// Publisher both implements steps.Notifier (Enqueue, called inside the
// saga's Notify step) and runs the background poller that actually
// delivers to RabbitMQ.
type Publisher struct {
	db         *sql.DB
	messageBus *messaging.RabbitMQ
	interval   time.Duration
	log        *telemetry.Logger
}

func New(db *sql.DB, mb *messaging.RabbitMQ, log *telemetry.Logger) *Publisher {
	return &Publisher{db: db, messageBus: mb, interval: 100 * time.Millisecond, log: log}
}

// Migrate creates the outbox table if absent.
func (p *Publisher) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("outbox: migrate: %w", err)
	}
	return nil
}

// Enqueue writes one outbox row. It is called from within the Notify
// step, so the notification record and the order's own status
// transition happen back to back in the same saga step instead of a
// separate queue hop.
func (p *Publisher) Enqueue(envelope steps.NotificationEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("outbox: encode envelope: %w", err)
	}

	_, err = p.db.Exec(`
		INSERT INTO notification_outbox (order_id, notification_type, payload)
		VALUES ($1, $2, $3)`,
		envelope.OrderID, envelope.NotificationType, payload,
	)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Start runs the poller loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("outbox publisher started", nil)

	for {
		select {
		case <-ticker.C:
			if err := p.publishPending(ctx); err != nil {
				p.log.Error("publish pending failed", telemetry.Fields{"error": err})
			}
		case <-ctx.Done():
			p.log.Info("outbox publisher stopped", nil)
			return nil
		}
	}
}

func (p *Publisher) publishPending(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, notification_type, payload
		FROM notification_outbox
		WHERE published = false
		ORDER BY created_at ASC
		LIMIT 100`)
	if err != nil {
		return fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()

	var publishedIDs []int64
	for rows.Next() {
		var id int64
		var notificationType string
		var payload []byte

		if err := rows.Scan(&id, &notificationType, &payload); err != nil {
			p.log.Error("scan outbox row failed", telemetry.Fields{"error": err})
			continue
		}

		if err := p.messageBus.Publish(notificationType, payload); err != nil {
			p.log.Error("publish to bus failed", telemetry.Fields{"id": id, "error": err})
			continue
		}
		publishedIDs = append(publishedIDs, id)
	}

	if len(publishedIDs) > 0 {
		if err := p.markPublished(ctx, publishedIDs); err != nil {
			return err
		}
		p.log.Info("published notifications", telemetry.Fields{"count": len(publishedIDs)})
	}
	return rows.Err()
}

func (p *Publisher) markPublished(ctx context.Context, ids []int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET published = true, published_at = now()
		WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}
