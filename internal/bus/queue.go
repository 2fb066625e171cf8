package bus

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ashita-ai/renkei/internal/model"
)

// queued is a message waiting in a recipient's queue. seq gives a total
// order so equal (priority, created_at) pairs dequeue in arrival order.
type queued struct {
	msg     *model.Message
	seq     uint64
	readyAt time.Time // zero for first delivery; backoff deadline on retry
}

// msgHeap orders by priority descending, then created_at ascending,
// then seq ascending.
type msgHeap []*queued

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// recipientQueue is one agent's inbox: a ready heap plus a holding pen
// for messages still inside their retry backoff window. Each queue has
// its own lock so traffic to one agent never contends with another's.
type recipientQueue struct {
	mu      sync.Mutex
	ready   msgHeap
	delayed []*queued
}

func newRecipientQueue() *recipientQueue {
	return &recipientQueue{}
}

func (q *recipientQueue) push(msg *model.Message, seq uint64, readyAt time.Time) {
	item := &queued{msg: msg, seq: seq, readyAt: readyAt}

	q.mu.Lock()
	defer q.mu.Unlock()
	if readyAt.IsZero() || !readyAt.After(time.Now()) {
		heap.Push(&q.ready, item)
		return
	}
	q.delayed = append(q.delayed, item)
}

// pop promotes any delayed messages whose backoff has elapsed, then
// returns the highest-priority ready message.
func (q *recipientQueue) pop(now time.Time) (*model.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked(now)
	if q.ready.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.ready).(*queued)
	return item.msg, true
}

func (q *recipientQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.delayed)
}

func (q *recipientQueue) promoteLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	kept := q.delayed[:0]
	for _, item := range q.delayed {
		if item.readyAt.After(now) {
			kept = append(kept, item)
			continue
		}
		heap.Push(&q.ready, item)
	}
	for i := len(kept); i < len(q.delayed); i++ {
		q.delayed[i] = nil
	}
	q.delayed = kept
}
