package types

import "time"

// MessageKind tags a message with its protocol role.
type MessageKind string

const (
	MessageStandard    MessageKind = "standard"
	MessagePriority    MessageKind = "priority"
	MessageBroadcast   MessageKind = "broadcast"
	MessageNegotiation MessageKind = "negotiation"
	MessageConsensus   MessageKind = "consensus"
)

// Payload is the closed set of message payloads. Each kind carries only the
// fields it needs; there is no free-form "any" payload.
type Payload interface {
	payloadKind() MessageKind
}

// Notice is a plain informational payload for standard and priority traffic.
type Notice struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (Notice) payloadKind() MessageKind { return MessageStandard }

// TaskOffer proposes a task assignment to the recipient.
type TaskOffer struct {
	Task         Task      `json:"task"`
	ResponseBy   time.Time `json:"response_by"`
	AllocationID string    `json:"allocation_id,omitempty"`
}

func (TaskOffer) payloadKind() MessageKind { return MessageStandard }

// NegotiationMove carries one party's revised position for a round.
type NegotiationMove struct {
	NegotiationID string  `json:"negotiation_id"`
	Round         int     `json:"round"`
	Value         float64 `json:"value"`
	Final         bool    `json:"final"`
}

func (NegotiationMove) payloadKind() MessageKind { return MessageNegotiation }

// ConsensusBallot carries a stakeholder group's weighted preference.
type ConsensusBallot struct {
	TopicID string  `json:"topic_id"`
	Group   string  `json:"group"`
	Option  string  `json:"option"`
	Weight  float64 `json:"weight"`
	Reason  string  `json:"reason,omitempty"`
}

func (ConsensusBallot) payloadKind() MessageKind { return MessageConsensus }

// BackoffPolicy selects how retry delays grow.
type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffLinear      BackoffPolicy = "linear"
	BackoffExponential BackoffPolicy = "exponential"
)

// DeliveryPolicy controls retry, acknowledgment, and expiry behavior for
// one message.
type DeliveryPolicy struct {
	MaxRetries   int           `json:"max_retries"`
	Backoff      BackoffPolicy `json:"backoff"`
	BaseDelay    time.Duration `json:"base_delay"`
	AckRequired  bool          `json:"ack_required"`
	ExpiresAfter time.Duration `json:"expires_after,omitempty"`
}

// DefaultDeliveryPolicy returns sensible retry defaults.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		BaseDelay:  100 * time.Millisecond,
	}
}

// SecurityPolicy restricts who may receive a message.
type SecurityPolicy struct {
	Encrypt           bool     `json:"encrypt,omitempty"`
	AllowedRecipients []string `json:"allowed_recipients,omitempty"`
}

// RoutingPrefs expresses path preferences for delivery.
type RoutingPrefs struct {
	Avoid  []string `json:"avoid,omitempty"`
	Prefer []string `json:"prefer,omitempty"`
	// MinQuality is the minimum acceptable link quality in [0,1].
	MinQuality float64 `json:"min_quality,omitempty"`
}

// Message is one unit of inter-worker communication. Immutable after send;
// the outcome is recorded in a SendResult or BroadcastResult.
type Message struct {
	ID         string      `json:"id"`
	Kind       MessageKind `json:"kind"`
	Sender     string      `json:"sender"`
	Recipients []string    `json:"recipients"`
	// Topic labels the message for group-level topic filters.
	Topic string `json:"topic,omitempty"`
	// Priority in [0,1] is compared against member priority thresholds.
	Priority float64        `json:"priority,omitempty"`
	Payload  Payload        `json:"payload"`
	Delivery DeliveryPolicy `json:"delivery"`
	Security SecurityPolicy `json:"security,omitempty"`
	Routing  RoutingPrefs   `json:"routing,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

// DeliveryStatus is the terminal state of a send attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExpired   DeliveryStatus = "expired"
)

// SendResult records the outcome of a point-to-point send.
type SendResult struct {
	MessageID   string         `json:"message_id"`
	Recipient   string         `json:"recipient"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	Path        []string       `json:"path,omitempty"`
	EscalatedTo []string       `json:"escalated_to,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// BroadcastResult aggregates per-member outcomes of a group broadcast.
type BroadcastResult struct {
	MessageID string                `json:"message_id"`
	Group     string                `json:"group"`
	Sent      int                   `json:"sent"`
	Delivered int                   `json:"delivered"`
	Failed    int                   `json:"failed"`
	Filtered  int                   `json:"filtered"`
	Outcomes  map[string]SendResult `json:"outcomes"`
}

// PartiallySuccessful reports whether at least one but not all members
// acknowledged the broadcast.
func (r *BroadcastResult) PartiallySuccessful() bool {
	return r.Delivered > 0 && r.Failed > 0
}
