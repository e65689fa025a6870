// Package router implements the Message Router (C5): unicast and fan-out
// delivery, bounded per-recipient queues with backpressure, a dead-letter
// sink, and cross-tenant isolation.
//
// Fan-out delivers to each recipient independently, capturing a
// per-recipient outcome or error rather than failing the whole broadcast
// on one bad recipient; each unicast send runs through a Before/After
// middleware chain.
package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is a message's delivery priority (spec §3).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Headers carries routing metadata separate from the payload (spec §3).
type Headers struct {
	Priority Priority
	TTLSeconds int
}

// Message is the router's unit of delivery (spec §3).
type Message struct {
	ID               string
	SenderSession    string
	RecipientSession string // empty for fan-out
	Tenant           string
	CreatedAt        time.Time
	ProtocolName     string
	ProtocolVersion  string
	Payload          json.RawMessage
	Headers          Headers

	// Provenance set only on a cross-tenant hop (SPEC_FULL §3.5).
	OriginTenant string
}

// NewMessage stamps a new Message with a generated ID and creation time.
func NewMessage(tenant, sender, protocolName, protocolVersion string, payload json.RawMessage, headers Headers) Message {
	return Message{
		ID:              uuid.New().String(),
		SenderSession:   sender,
		Tenant:          tenant,
		CreatedAt:       time.Now(),
		ProtocolName:    protocolName,
		ProtocolVersion: protocolVersion,
		Payload:         payload,
		Headers:         headers,
	}
}

// DeliveryOutcome is the result of one recipient's delivery attempt within
// a unicast send or a broadcast fan-out (spec §4.5).
type DeliveryOutcome string

const (
	OutcomeDelivered  DeliveryOutcome = "delivered"
	OutcomeQueued     DeliveryOutcome = "queued"
	OutcomeQueueFull  DeliveryOutcome = "queue_full"
	OutcomeSkipped    DeliveryOutcome = "skipped"
	OutcomeFailed     DeliveryOutcome = "failed"
)

// SendResult is the outcome of a unicast Send.
type SendResult struct {
	Outcome DeliveryOutcome
	Depth   int // mailbox depth after the enqueue (Delivered or Queued)
}

// BroadcastSummary is the outcome of a fan-out Broadcast (spec §4.5).
type BroadcastSummary struct {
	DeliveredCount int
	Delivered      []string
	Queued         []string
	Failed         []string
	Skipped        []string
}

// CapabilityFilter narrows broadcast recipients by required feature tags
// (spec §8 scenario 5).
type CapabilityFilter map[string]bool
