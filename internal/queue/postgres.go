package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// SQL templates. Durations are passed in milliseconds.
const (
	sqlQueueByName = `
SELECT COALESCE(dead_letter_queue, ''), visibility_ms, retention_ms, max_receive_count, created_at
FROM notify_queues WHERE name = $1;`

	sqlCreateQueue = `
INSERT INTO notify_queues (name, dead_letter_queue, visibility_ms, retention_ms, max_receive_count)
VALUES ($1, NULLIF($2, ''), $3, $4, $5)
ON CONFLICT (name) DO NOTHING;`

	sqlSend = `
INSERT INTO notify_messages (queue, body, visible_at)
VALUES ($1, $2, now() + $3 * interval '1 millisecond')
RETURNING id::text;`

	sqlDropExpired = `
DELETE FROM notify_messages
WHERE queue = $1 AND sent_at < now() - $2 * interval '1 millisecond';`

	// Leased past max_receive_count and visible again: move to the DLQ.
	sqlRedrive = `
WITH exhausted AS (
  SELECT id FROM notify_messages
  WHERE queue = $1 AND visible_at <= now() AND receive_count >= $2
  FOR UPDATE SKIP LOCKED
)
UPDATE notify_messages m
SET queue = $3, receive_count = 0, lease_token = NULL, visible_at = now()
FROM exhausted
WHERE m.id = exhausted.id;`

	sqlClaim = `
WITH picked AS (
  SELECT id FROM notify_messages
  WHERE queue = $1 AND visible_at <= now()
  ORDER BY visible_at, sent_at
  FOR UPDATE SKIP LOCKED
  LIMIT $2
)
UPDATE notify_messages m
SET lease_token   = gen_random_uuid(),
    visible_at    = now() + $3 * interval '1 millisecond',
    receive_count = m.receive_count + 1
FROM picked
WHERE m.id = picked.id
RETURNING m.id::text, m.lease_token::text, m.receive_count, m.body;`

	sqlDelete = `
DELETE FROM notify_messages WHERE queue = $1 AND lease_token::text = $2;`

	sqlStats = `
SELECT
  count(*) FILTER (WHERE visible_at <= now()),
  count(*) FILTER (WHERE lease_token IS NOT NULL AND visible_at > now()),
  count(*) FILTER (WHERE lease_token IS NULL AND visible_at > now())
FROM notify_messages WHERE queue = $1;`

	sqlPurge = `DELETE FROM notify_messages WHERE queue = $1;`

	sqlListQueues = `SELECT name FROM notify_queues WHERE name LIKE $1::text || '%' ORDER BY name;`
)

// PostgresStore is a Store backed by PostgreSQL. Receive claims rows with
// FOR UPDATE SKIP LOCKED so concurrent receivers never share a lease.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore. The schema must already be
// migrated (storage.DB.Migrate).
func NewPostgresStore(pool *pgxpool.Pool, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

type pgQueue struct {
	dlq        string
	visibility time.Duration
	retention  time.Duration
	maxReceive int
	created    time.Time
}

func (p *PostgresStore) lookup(ctx context.Context, q pgx.Row, name string) (*pgQueue, error) {
	var (
		pq           pgQueue
		visMs, retMs int64
	)
	if err := q.Scan(&pq.dlq, &visMs, &retMs, &pq.maxReceive, &pq.created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("queue %s: %w", name, ErrQueueNotFound)
		}
		return nil, unavailable("postgres lookup queue", err)
	}
	pq.visibility = time.Duration(visMs) * time.Millisecond
	pq.retention = time.Duration(retMs) * time.Millisecond
	return &pq, nil
}

func (p *PostgresStore) queue(ctx context.Context, name string) (*pgQueue, error) {
	return p.lookup(ctx, p.pool.QueryRow(ctx, sqlQueueByName, name), name)
}

// CreateQueue inserts the queue row. Existing rows are not modified.
func (p *PostgresStore) CreateQueue(ctx context.Context, spec QueueSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("create queue: name is required")
	}
	if spec.DeadLetterQueue != "" {
		if _, err := p.queue(ctx, spec.DeadLetterQueue); err != nil {
			return "", fmt.Errorf("create queue %s: dead-letter queue %s: %w", spec.Name, spec.DeadLetterQueue, err)
		}
	}

	spec = spec.withDefaults()
	tag, err := p.pool.Exec(ctx, sqlCreateQueue,
		spec.Name,
		spec.DeadLetterQueue,
		spec.VisibilityTimeout.Milliseconds(),
		spec.RetentionPeriod.Milliseconds(),
		spec.MaxReceiveCount,
	)
	if err != nil {
		return "", unavailable("postgres create queue", err)
	}
	if tag.RowsAffected() > 0 {
		p.log.Info().Str("queue", spec.Name).Str("dead_letter_queue", spec.DeadLetterQueue).Msg("postgres queue created")
	}
	return "postgres://" + spec.Name, nil
}

// Send inserts a message row.
func (p *PostgresStore) Send(ctx context.Context, queueName string, env *Envelope, delay time.Duration) (string, error) {
	if _, err := p.queue(ctx, queueName); err != nil {
		return "", err
	}
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	var id string
	if err := p.pool.QueryRow(ctx, sqlSend, queueName, string(data), clampDelay(delay).Milliseconds()).Scan(&id); err != nil {
		return "", unavailable("postgres send", err)
	}
	MessagesEnqueuedTotal.WithLabelValues(queueName).Inc()
	return id, nil
}

// Receive drops expired rows, redrives exhausted rows and claims up to
// opts.MaxMessages in one transaction. WaitTime is not honored.
func (p *PostgresStore) Receive(ctx context.Context, queueName string, opts ReceiveOptions) ([]Delivery, error) {
	var (
		deliveries []Delivery
		redriven   int64
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		q, err := p.lookup(ctx, tx.QueryRow(ctx, sqlQueueByName, queueName), queueName)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, sqlDropExpired, queueName, q.retention.Milliseconds()); err != nil {
			return unavailable("postgres drop expired", err)
		}

		if q.dlq != "" {
			tag, err := tx.Exec(ctx, sqlRedrive, queueName, q.maxReceive, q.dlq)
			if err != nil {
				return unavailable("postgres redrive", err)
			}
			redriven = tag.RowsAffected()
		}

		vis := q.visibility
		if opts.VisibilityTimeout > 0 {
			vis = opts.VisibilityTimeout
		}
		rows, err := tx.Query(ctx, sqlClaim, queueName, clampBatch(opts.MaxMessages), vis.Milliseconds())
		if err != nil {
			return unavailable("postgres claim", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id, token, body string
				count           int
			)
			if err := rows.Scan(&id, &token, &count, &body); err != nil {
				return unavailable("postgres scan claim", err)
			}
			deliveries = append(deliveries, decodeDelivery(id, token, count, []byte(body)))
		}
		if err := rows.Err(); err != nil {
			return unavailable("postgres claim rows", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if redriven > 0 {
		MessagesRedrivenTotal.WithLabelValues(queueName).Add(float64(redriven))
		p.log.Warn().Str("queue", queueName).Int64("count", redriven).Msg("messages redriven to dead-letter queue")
	}
	MessagesReceivedTotal.WithLabelValues(queueName).Add(float64(len(deliveries)))
	return deliveries, nil
}

// Delete removes the row holding the lease token.
func (p *PostgresStore) Delete(ctx context.Context, queueName, leaseToken string) error {
	tag, err := p.pool.Exec(ctx, sqlDelete, queueName, leaseToken)
	if err != nil {
		return unavailable("postgres delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete from %s: %w", queueName, ErrLeaseNotFound)
	}
	return nil
}

// Stats counts rows per visibility state.
func (p *PostgresStore) Stats(ctx context.Context, queueName string) (*Stats, error) {
	q, err := p.queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	st := &Stats{QueueName: queueName, CreatedTimestamp: q.created.UTC()}
	if err := p.pool.QueryRow(ctx, sqlStats, queueName).Scan(
		&st.VisibleMessages, &st.InFlightMessages, &st.DelayedMessages,
	); err != nil {
		return nil, unavailable("postgres stats", err)
	}
	QueueDepth.WithLabelValues(queueName).Set(float64(st.VisibleMessages))
	return st, nil
}

// Purge deletes every row of the queue.
func (p *PostgresStore) Purge(ctx context.Context, queueName string) error {
	if _, err := p.queue(ctx, queueName); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, sqlPurge, queueName); err != nil {
		return unavailable("postgres purge", err)
	}
	p.log.Warn().Str("queue", queueName).Msg("postgres queue purged")
	return nil
}

// ListQueues returns queue names with the given prefix.
func (p *PostgresStore) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx, sqlListQueues, prefix)
	if err != nil {
		return nil, unavailable("postgres list queues", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("postgres list queues", err)
	}
	return names, nil
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
