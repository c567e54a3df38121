package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Backed by Go channels in a single process or by NATS across processes.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicDecision            = "kestrel.decision"
	TopicBlock               = "kestrel.block"
)

// AccountRef is the account context carried on events.
type AccountRef struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// BlockEvent is emitted by the engine whenever a transaction is blocked.
// Notifiers consume it; the engine does not know how alerts are delivered.
type BlockEvent struct {
	EvaluationID  string     `json:"evaluationId"`
	TxID          string     `json:"txId"`
	Account       AccountRef `json:"account"`
	TargetAccount string     `json:"targetAccount"`
	Amount        float64    `json:"amount"`
	RiskScore     float64    `json:"riskScore"`
	Explanation   []string   `json:"explanation"`
	ModelVersion  string     `json:"modelVersion"`
	Degraded      bool       `json:"degraded"`
	Timestamp     time.Time  `json:"timestamp"`
}
