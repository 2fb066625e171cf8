package bus

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
)

type staticDirectory map[string]bool

func (d staticDirectory) KnownRecipient(id string) bool { return d[id] }

func newTestBus(cfg Config) *Bus {
	dir := staticDirectory{"planner": true, "executor": true, "critic": true}
	return New(dir, cfg, slog.New(slog.DiscardHandler), nil)
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	b := newTestBus(Config{})

	_, err := b.Send("planner", "ghost", model.MessageCommand, 5, nil)
	require.ErrorIs(t, err, ErrUnknownRecipient)

	stats := b.Stats()
	assert.Zero(t, stats.TotalSent)
}

func TestSendRejectsInvalidType(t *testing.T) {
	b := newTestBus(Config{})

	_, err := b.Send("planner", "executor", model.MessageType("gossip"), 5, nil)
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestSendClampsPriority(t *testing.T) {
	b := newTestBus(Config{})

	_, err := b.Send("planner", "executor", model.MessageEvent, 99, nil)
	require.NoError(t, err)

	msg, ok := b.Receive("executor")
	require.True(t, ok)
	assert.Equal(t, model.MaxPriority, msg.Priority)
}

func TestReceiveOrdersByPriorityThenFIFO(t *testing.T) {
	b := newTestBus(Config{})

	first, err := b.Send("planner", "executor", model.MessageCommand, 5, map[string]any{"n": 1})
	require.NoError(t, err)
	high, err := b.Send("planner", "executor", model.MessageCommand, 9, map[string]any{"n": 2})
	require.NoError(t, err)
	second, err := b.Send("planner", "executor", model.MessageCommand, 5, map[string]any{"n": 3})
	require.NoError(t, err)

	var got []uuid.UUID
	for {
		msg, ok := b.Receive("executor")
		if !ok {
			break
		}
		got = append(got, msg.ID)
		require.NoError(t, b.Ack(msg.ID))
	}

	assert.Equal(t, []uuid.UUID{high, first, second}, got)
}

func TestReceiveEmptyQueue(t *testing.T) {
	b := newTestBus(Config{})

	_, ok := b.Receive("executor")
	assert.False(t, ok)
}

func TestAckMarksDelivered(t *testing.T) {
	b := newTestBus(Config{})

	_, err := b.Send("planner", "executor", model.MessageQuery, 5, nil)
	require.NoError(t, err)

	msg, ok := b.Receive("executor")
	require.True(t, ok)
	require.NoError(t, b.Ack(msg.ID))

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalSent)
	assert.Equal(t, int64(1), stats.TotalDelivered)
	assert.Zero(t, stats.TotalFailed)

	// A second Ack for the same id is an error: the message is no
	// longer in flight.
	require.ErrorIs(t, b.Ack(msg.ID), ErrUnknownMessage)
}

func TestNackRetriesWithBackoff(t *testing.T) {
	b := newTestBus(Config{MaxRetries: 3, BackoffBase: 50 * time.Millisecond, BackoffMax: time.Second})

	_, err := b.Send("planner", "executor", model.MessageCommand, 5, nil)
	require.NoError(t, err)

	msg, ok := b.Receive("executor")
	require.True(t, ok)
	require.NoError(t, b.Nack(msg.ID))

	// Still inside the backoff window: not eligible yet.
	_, ok = b.Receive("executor")
	assert.False(t, ok)
	assert.Equal(t, 1, b.Pending("executor"))

	require.Eventually(t, func() bool {
		if m, ok := b.Receive("executor"); ok {
			assert.Equal(t, 1, m.RetryCount)
			assert.Equal(t, model.MessageFailed, m.Status)
			require.NoError(t, b.Ack(m.ID))
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalDelivered)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Zero(t, stats.DeadLetterCount)
}

func TestDeadLetterAfterRetryBudget(t *testing.T) {
	b := newTestBus(Config{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	id, err := b.Send("planner", "executor", model.MessageCommand, 7, nil)
	require.NoError(t, err)

	// Attempts 1..MaxRetries fail and re-enqueue; attempt MaxRetries+1
	// fails and dead-letters.
	for i := 0; i < 3; i++ {
		var msg model.Message
		require.Eventually(t, func() bool {
			var ok bool
			msg, ok = b.Receive("executor")
			return ok
		}, time.Second, time.Millisecond)
		require.NoError(t, b.Nack(msg.ID))
	}

	_, ok := b.Receive("executor")
	assert.False(t, ok, "dead-lettered message must not be redelivered")

	dead := b.DeadLetters("executor")
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, model.MessageDeadLettered, dead[0].Status)
	assert.Equal(t, 3, dead[0].RetryCount)

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.TotalFailed)
	assert.Equal(t, int64(1), stats.DeadLetterCount)
	assert.Zero(t, stats.TotalDelivered)
}

func TestDeadLettersFilterByRecipient(t *testing.T) {
	b := newTestBus(Config{MaxRetries: 0, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond})

	for _, recipient := range []string{"executor", "critic"} {
		_, err := b.Send("planner", recipient, model.MessageEvent, 5, nil)
		require.NoError(t, err)
		msg, ok := b.Receive(recipient)
		require.True(t, ok)
		require.NoError(t, b.Nack(msg.ID))
	}

	assert.Len(t, b.DeadLetters("executor"), 1)
	assert.Len(t, b.DeadLetters("critic"), 1)
	assert.Len(t, b.DeadLetters(""), 2)
}

func TestAckUnknownMessage(t *testing.T) {
	b := newTestBus(Config{})

	require.ErrorIs(t, b.Ack(uuid.New()), ErrUnknownMessage)
	require.ErrorIs(t, b.Nack(uuid.New()), ErrUnknownMessage)
}

func TestConcurrentSendReceive(t *testing.T) {
	b := newTestBus(Config{})

	const senders = 8
	const perSender = 50

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := b.Send("planner", "executor", model.MessageEvent, 1+(j%10), nil)
				if err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]bool)
	for {
		msg, ok := b.Receive("executor")
		if !ok {
			break
		}
		if seen[msg.ID] {
			t.Fatalf("message %s delivered twice", msg.ID)
		}
		seen[msg.ID] = true
		require.NoError(t, b.Ack(msg.ID))
	}

	assert.Len(t, seen, senders*perSender)
	stats := b.Stats()
	assert.Equal(t, int64(senders*perSender), stats.TotalSent)
	assert.Equal(t, int64(senders*perSender), stats.TotalDelivered)
}
