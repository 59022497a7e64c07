// Package broker implements the Message Broker plane: the
// Subscription Table, the Dispatch Engine, and the per-subscription
// Delivery Engine state machine.
package broker

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryMode string

const (
	AtMostOnce  DeliveryMode = "AT_MOST_ONCE"
	AtLeastOnce DeliveryMode = "AT_LEAST_ONCE"
	ExactlyOnce DeliveryMode = "EXACTLY_ONCE"
)

// Routing carries optional partition/priority hints.
type Routing struct {
	PartitionKey string `json:"partitionKey,omitempty"`
	Priority     int    `json:"priority,omitempty"`
}

// Delivery carries the optional per-message delivery policy.
type Delivery struct {
	Mode            DeliveryMode  `json:"mode,omitempty"`
	TTL             time.Duration `json:"ttl,omitempty"`
	DeduplicationID string        `json:"deduplicationId,omitempty"`
}

// Security carries optional auth context/signature; this repo does
// not interpret either field, only carries them.
type Security struct {
	AuthContext string `json:"authContext,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Metadata is the Message Envelope's metadata block. Read-only after
// dispatch begins: the Dispatch Engine and Delivery Engine must
// never mutate a Metadata value they were handed.
type Metadata struct {
	MessageID     string    `json:"messageId"`
	EmittedAt     time.Time `json:"emittedAt"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	EventType     string    `json:"eventType,omitempty"`
	Topic         string    `json:"topic"`
	Publisher     string    `json:"publisher,omitempty"`
	Routing       *Routing  `json:"routing,omitempty"`
	Delivery      *Delivery `json:"delivery,omitempty"`
	Security      *Security `json:"security,omitempty"`
}

// Envelope is the Message Envelope: server-assigned identity and
// timestamp plus an opaque payload.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  any      `json:"payload"`
}

// NewEnvelope stamps messageId and emittedAt: message IDs are unique
// within a process, and emittedAt is always assigned here, never
// trusted from the publisher's request.
func NewEnvelope(meta Metadata, payload any, now time.Time) Envelope {
	meta.MessageID = uuid.New().String()
	meta.EmittedAt = now
	return Envelope{Metadata: meta, Payload: payload}
}

func (d *Delivery) mode() DeliveryMode {
	if d == nil || d.Mode == "" {
		return AtMostOnce
	}
	return d.Mode
}

func (d *Delivery) ttl() time.Duration {
	if d == nil {
		return 0
	}
	return d.TTL
}
