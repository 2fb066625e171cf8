// Package bus implements inter-agent asynchronous messaging with
// priority ordering, retry with exponential backoff, and dead-lettering.
//
// Every message terminates in delivered or dead_lettered; the bus never
// silently drops one. Delivery order within a recipient's queue is
// priority-then-FIFO; across recipients no order is implied.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/persist"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

var (
	// ErrUnknownRecipient is returned by Send when the recipient is not a
	// known agent identifier. Caller error; never retried.
	ErrUnknownRecipient = errors.New("bus: unknown recipient")

	// ErrInvalidMessageType is returned by Send for a message type outside
	// command/event/query/response.
	ErrInvalidMessageType = errors.New("bus: invalid message type")

	// ErrUnknownMessage is returned by Ack and Nack when the message id is
	// not currently in flight.
	ErrUnknownMessage = errors.New("bus: unknown message")
)

// Directory answers whether an agent identifier is a valid recipient.
// The supervisor's registry satisfies it; tests use a fixed set.
type Directory interface {
	KnownRecipient(id string) bool
}

// Config holds the bus retry policy.
type Config struct {
	MaxRetries  int           // delivery attempts before dead-lettering
	BackoffBase time.Duration // first retry delay; doubles per attempt
	BackoffMax  time.Duration // backoff ceiling
}

// DefaultConfig is the retry policy used when a zero Config is given.
var DefaultConfig = Config{
	MaxRetries:  3,
	BackoffBase: 100 * time.Millisecond,
	BackoffMax:  10 * time.Second,
}

// Stats are the bus's monotonically accumulated delivery counters.
type Stats struct {
	TotalSent       int64 `json:"total_sent"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalFailed     int64 `json:"total_failed"`
	DeadLetterCount int64 `json:"dead_letter_count"`
}

// Bus routes messages between agents through per-recipient priority
// queues. All methods are safe for concurrent use.
type Bus struct {
	dir     Directory
	cfg     Config
	logger  *slog.Logger
	archive *persist.Buffer // nil disables archival

	mu       sync.RWMutex
	queues   map[string]*recipientQueue
	inflight map[uuid.UUID]*model.Message

	dlMu        sync.Mutex
	deadLetters []model.Message

	seq atomic.Uint64 // total order for the FIFO tie-break

	sent         atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// New creates a bus. A zero cfg falls back to DefaultConfig; archive may
// be nil when durable archival is disabled.
func New(dir Directory, cfg Config, logger *slog.Logger, archive *persist.Buffer) *Bus {
	if cfg.MaxRetries == 0 && cfg.BackoffBase == 0 && cfg.BackoffMax == 0 {
		cfg = DefaultConfig
	}
	b := &Bus{
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
		archive:  archive,
		queues:   make(map[string]*recipientQueue),
		inflight: make(map[uuid.UUID]*model.Message),
	}
	b.registerMetrics()
	return b
}

// Send validates the recipient, assigns id and created_at, and enqueues
// the message. It returns immediately; delivery happens when the
// recipient calls Receive and acknowledges.
func (b *Bus) Send(senderID, recipientID string, typ model.MessageType, priority int, content map[string]any) (uuid.UUID, error) {
	if !model.ValidMessageType(typ) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, typ)
	}
	if b.dir == nil || !b.dir.KnownRecipient(recipientID) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownRecipient, recipientID)
	}

	msg := &model.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Type:        typ,
		Priority:    model.ClampPriority(priority),
		Content:     content,
		Status:      model.MessagePending,
		CreatedAt:   time.Now().UTC(),
	}

	b.queueFor(recipientID).push(msg, b.seq.Add(1), time.Time{})
	b.sent.Add(1)
	return msg.ID, nil
}

// Receive dequeues the highest-priority eligible message for agentID.
// Among equal priorities the earliest created_at wins. Returns false
// when no message is ready (including when all waiting messages are
// still inside their retry backoff window).
//
// The returned message is a copy; the receiver reports the delivery
// outcome via Ack or Nack using the message id.
func (b *Bus) Receive(agentID string) (model.Message, bool) {
	q := b.queueFor(agentID)
	msg, ok := q.pop(time.Now())
	if !ok {
		return model.Message{}, false
	}

	b.mu.Lock()
	b.inflight[msg.ID] = msg
	b.mu.Unlock()

	return *msg, true
}

// Ack marks an in-flight message delivered and archives it.
func (b *Bus) Ack(msgID uuid.UUID) error {
	msg, err := b.takeInflight(msgID)
	if err != nil {
		return err
	}

	msg.Status = model.MessageDelivered
	b.delivered.Add(1)
	if b.archive != nil {
		b.archive.AddMessage(*msg)
	}
	return nil
}

// Nack records a failed delivery attempt. The message is re-enqueued
// with exponential backoff, or dead-lettered once its retry budget is
// exhausted.
func (b *Bus) Nack(msgID uuid.UUID) error {
	msg, err := b.takeInflight(msgID)
	if err != nil {
		return err
	}

	msg.RetryCount++
	msg.Status = model.MessageFailed
	b.failed.Add(1)

	if msg.RetryCount > b.cfg.MaxRetries {
		msg.Status = model.MessageDeadLettered
		b.deadLettered.Add(1)

		b.dlMu.Lock()
		b.deadLetters = append(b.deadLetters, *msg)
		b.dlMu.Unlock()

		if b.archive != nil {
			b.archive.AddMessage(*msg)
		}
		b.logger.Warn("bus: message dead-lettered",
			"message_id", msg.ID,
			"recipient_id", msg.RecipientID,
			"retry_count", msg.RetryCount,
		)
		return nil
	}

	readyAt := time.Now().Add(b.backoff(msg.RetryCount))
	b.queueFor(msg.RecipientID).push(msg, b.seq.Add(1), readyAt)
	return nil
}

// DeadLetters returns a snapshot of dead-lettered messages. An empty
// recipientID returns all of them.
func (b *Bus) DeadLetters(recipientID string) []model.Message {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()

	out := make([]model.Message, 0, len(b.deadLetters))
	for _, m := range b.deadLetters {
		if recipientID == "" || m.RecipientID == recipientID {
			out = append(out, m)
		}
	}
	return out
}

// Stats returns the accumulated delivery counters. Safe to call
// concurrently with sends and deliveries.
func (b *Bus) Stats() Stats {
	return Stats{
		TotalSent:       b.sent.Load(),
		TotalDelivered:  b.delivered.Load(),
		TotalFailed:     b.failed.Load(),
		DeadLetterCount: b.deadLettered.Load(),
	}
}

// Pending returns how many messages are queued (ready or backing off)
// for a recipient, excluding in-flight ones.
func (b *Bus) Pending(agentID string) int {
	return b.queueFor(agentID).len()
}

func (b *Bus) takeInflight(msgID uuid.UUID) (*model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.inflight[msgID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msgID)
	}
	delete(b.inflight, msgID)
	return msg, nil
}

// backoff returns the delay before retry attempt n (1-based):
// base * 2^(n-1), capped at BackoffMax.
func (b *Bus) backoff(attempt int) time.Duration {
	d := b.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.cfg.BackoffMax {
			return b.cfg.BackoffMax
		}
	}
	if d > b.cfg.BackoffMax {
		return b.cfg.BackoffMax
	}
	return d
}

func (b *Bus) queueFor(recipientID string) *recipientQueue {
	b.mu.RLock()
	q, ok := b.queues[recipientID]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok = b.queues[recipientID]; ok {
		return q
	}
	q = newRecipientQueue()
	b.queues[recipientID] = q
	return q
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("renkei/bus")

	_, _ = meter.Int64ObservableGauge("renkei.bus.sent_total",
		metric.WithDescription("Total messages accepted by Send"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.sent.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renkei.bus.dead_letter_total",
		metric.WithDescription("Total messages dead-lettered after exhausting retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.deadLettered.Load())
			return nil
		}),
	)
}
