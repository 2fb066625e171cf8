// Package model defines the record types shared across the runtime:
// messages, memory entries, spans, cycle metrics, and insights.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType categorizes a bus message.
type MessageType string

const (
	MessageCommand  MessageType = "command"
	MessageEvent    MessageType = "event"
	MessageQuery    MessageType = "query"
	MessageResponse MessageType = "response"
)

// MessageStatus is a message's position in the delivery state machine.
// Transitions are monotonic: pending → delivered, or
// pending → failed → ... → dead_lettered. A delivered message never
// returns to pending.
type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageDelivered    MessageStatus = "delivered"
	MessageFailed       MessageStatus = "failed"
	MessageDeadLettered MessageStatus = "dead_lettered"
)

// Priority bounds for bus messages. Higher is more urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Message is one unit of inter-agent communication. The bus owns all
// mutation after Send; senders and receivers only ever see copies.
type Message struct {
	ID          uuid.UUID      `json:"id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Type        MessageType    `json:"message_type"`
	Priority    int            `json:"priority"`
	Content     map[string]any `json:"content"`
	Status      MessageStatus  `json:"status"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ValidMessageType reports whether t is one of the four message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageCommand, MessageEvent, MessageQuery, MessageResponse:
		return true
	}
	return false
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
