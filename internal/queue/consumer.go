package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AuditConsumer listens to both reservation queues and appends one line
// per event to an audit log file.
type AuditConsumer struct {
	url    string
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewAuditConsumer returns a consumer writing to path (for example
// logs/reservations.log).
func NewAuditConsumer(url, path string, logger *slog.Logger) *AuditConsumer {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditConsumer{url: url, path: path, logger: logger.With("component", "audit-consumer")}
}

// Run connects to RabbitMQ, declares both queues (durable) and consumes
// until ctx is cancelled.  Broken connections are retried with an
// exponential backoff capped at 30s.  Messages that cannot be processed
// are rejected without requeue so the loop never spins on them.
func (c *AuditConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("failed to dial broker", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consume loop ended; reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *AuditConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warn("set QoS failed", "err", err)
	}

	merged := make(chan amqp.Delivery)
	done := make(chan struct{})
	defer close(done)
	var wg sync.WaitGroup
	for _, q := range []string{QueueReservationConfirmed, QueueReservationCancelled} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", q, err)
		}
		wg.Add(1)
		go func(msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				select {
				case merged <- d:
				case <-done:
					return
				}
			}
		}(msgs)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-merged:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handleMessage(d.RoutingKey, d.Body); err != nil {
				c.logger.Error("handle message failed", "queue", d.RoutingKey, "err", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *AuditConsumer) handleMessage(queue string, body []byte) error {
	line, err := FormatAuditLine(queue, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatAuditLine renders a single, newline-terminated audit line for a
// message received on queue.
func FormatAuditLine(queue string, body []byte) (string, error) {
	switch queue {
	case QueueReservationConfirmed:
		var ev ReservationConfirmedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return "", fmt.Errorf("unmarshal: %w", err)
		}
		return fmt.Sprintf("[%s] Reservation confirmed | reservation_id=%d | buyer_id=%q | event_id=%d | code=%s | method=%s | total=%d cents | seats=%s\n",
			ev.ConfirmedAt, ev.ReservationID, ev.BuyerID, ev.EventID, ev.ConfirmationCode, ev.PaymentMethod,
			ev.TotalAmountCents, formatSeats(ev.SeatIDs)), nil
	case QueueReservationCancelled:
		var ev ReservationCancelledEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return "", fmt.Errorf("unmarshal: %w", err)
		}
		return fmt.Sprintf("[%s] Reservation cancelled | reservation_id=%d | buyer_id=%q | reason=%s | seats=%s\n",
			ev.CancelledAt, ev.ReservationID, ev.BuyerID, ev.Reason, formatSeats(ev.SeatIDs)), nil
	}
	return "", fmt.Errorf("unexpected queue %q", queue)
}

func formatSeats(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
