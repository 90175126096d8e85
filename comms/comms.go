// Package comms provides the in-process notification bus that carries task
// board mutations, run outcomes and scheduler dispositions to subscribers
// such as the SSE stream.
package comms

import (
	"context"
	"time"
)

// MessageType identifies the kind of notification.
type MessageType string

const (
	TypeTaskUpdate  MessageType = "task_update"  // task board mutation applied
	TypeRunOutcome  MessageType = "run_outcome"  // automation or heartbeat outcome
	TypeDisposition MessageType = "disposition"  // scheduler event handled
	TypeQueueAction MessageType = "queue_action" // retry/dead-letter entry removed
)

// Topics used by the gateways.
const (
	TopicTasks     = "tasks"
	TopicRuns      = "runs"
	TopicScheduler = "scheduler"

	// TopicAll subscribes to every topic.
	TopicAll = "*"
)

// Message is one notification.
type Message struct {
	ID        string            `json:"id"`
	Type      MessageType       `json:"type"`
	Topic     string            `json:"topic"`
	Source    string            `json:"source"`
	Subject   string            `json:"subject"` // task id, run id or event id
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg *Message) error

// Bus fans notifications out to topic subscribers.
type Bus interface {
	// Publish delivers msg to subscribers of msg.Topic and of TopicAll.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for topic. Returns an unsubscribe function.
	Subscribe(topic string, handler Handler) (unsubscribe func())

	// History returns recent messages for topic (or every topic for TopicAll).
	History(topic string, limit int) ([]*Message, error)
}
