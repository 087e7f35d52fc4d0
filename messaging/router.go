package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentcoord/types"
)

// Transport delivers a message to a single recipient. Implementations are
// expected to be safe for concurrent use.
type Transport interface {
	Deliver(ctx context.Context, msg types.Message, recipient string) error
}

// Config holds router configuration.
type Config struct {
	// MaxPayloadBytes caps the serialized payload size.
	MaxPayloadBytes int `json:"max_payload_bytes"`

	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration `json:"attempt_timeout"`

	// RatePerSecond throttles standard traffic; priority messages bypass
	// the limiter. Zero disables throttling.
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`

	// EscalationTargets receive a notice when delivery retries exhaust.
	EscalationTargets []string `json:"escalation_targets"`
}

// DefaultConfig returns router defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: 64 * 1024,
		AttemptTimeout:  5 * time.Second,
		RatePerSecond:   100,
		Burst:           20,
	}
}

// Router sends point-to-point and priority messages with bounded retry,
// backoff, and escalation. After max_retries additional attempts fail, the
// result is terminally failed and the configured escalation targets are
// notified; the router never retries forever.
type Router struct {
	transport Transport
	config    Config
	limiter   *rate.Limiter
	logger    *zap.Logger

	clock func() time.Time
}

// NewRouter creates a message router over the given transport.
func NewRouter(transport Transport, config Config, logger *zap.Logger) (*Router, error) {
	if transport == nil {
		return nil, types.NewError(types.ErrValidation, "transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultConfig().AttemptTimeout
	}

	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &Router{
		transport: transport,
		config:    config,
		limiter:   limiter,
		logger:    logger.With(zap.String("component", "message_router")),
		clock:     time.Now,
	}, nil
}

// Send validates and delivers a point-to-point message, retrying per the
// message's delivery policy. The returned SendResult is always non-nil for
// a valid message; a terminal failure also returns a DELIVERY_FAILED error
// so callers can branch without inspecting the status.
func (r *Router) Send(ctx context.Context, msg types.Message) (*types.SendResult, error) {
	if err := r.validate(&msg); err != nil {
		return nil, err
	}
	recipient := msg.Recipients[0]

	path, err := resolvePath(msg, recipient)
	if err != nil {
		return nil, err
	}

	policy := msg.Delivery
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = types.DefaultDeliveryPolicy().BaseDelay
	}

	var expiry time.Time
	if policy.ExpiresAfter > 0 {
		expiry = msg.SentAt.Add(policy.ExpiresAfter)
	}

	result := &types.SendResult{
		MessageID: msg.ID,
		Recipient: recipient,
		Path:      path,
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		if !expiry.IsZero() && r.clock().After(expiry) {
			result.Status = types.DeliveryExpired
			result.Attempts = attempt - 1
			result.CompletedAt = r.clock()
			return result, types.NewErrorf(types.ErrMessageExpired,
				"message %s expired before delivery", msg.ID)
		}

		if r.limiter != nil && msg.Kind != types.MessagePriority {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		lastErr = r.transport.Deliver(attemptCtx, msg, recipient)
		cancel()

		result.Attempts = attempt
		if lastErr == nil {
			result.Status = types.DeliveryDelivered
			result.CompletedAt = r.clock()
			r.logger.Debug("message delivered",
				zap.String("message_id", msg.ID),
				zap.String("recipient", recipient),
				zap.Int("attempts", attempt),
			)
			return result, nil
		}

		r.logger.Warn("delivery attempt failed",
			zap.String("message_id", msg.ID),
			zap.String("recipient", recipient),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt <= policy.MaxRetries {
			if err := sleep(ctx, backoffDelay(policy, attempt)); err != nil {
				return nil, err
			}
		}
	}

	result.Status = types.DeliveryFailed
	result.Error = lastErr.Error()
	result.EscalatedTo = r.escalate(ctx, msg, recipient, lastErr)
	result.CompletedAt = r.clock()

	return result, types.NewErrorf(types.ErrDeliveryFailed,
		"message %s to %s failed after %d attempts", msg.ID, recipient, result.Attempts).
		WithCause(lastErr)
}

// escalate notifies the configured escalation targets about a terminal
// delivery failure. Best effort: a failed escalation is logged, not retried.
func (r *Router) escalate(ctx context.Context, msg types.Message, recipient string, cause error) []string {
	if len(r.config.EscalationTargets) == 0 {
		return nil
	}

	notice := types.Message{
		ID:     uuid.New().String(),
		Kind:   types.MessagePriority,
		Sender: msg.Sender,
		Payload: types.Notice{
			Subject: "delivery escalation",
			Body: fmt.Sprintf("message %s to %s undeliverable: %v",
				msg.ID, recipient, cause),
		},
		SentAt: r.clock(),
	}

	var notified []string
	for _, target := range r.config.EscalationTargets {
		attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		err := r.transport.Deliver(attemptCtx, notice, target)
		cancel()
		if err != nil {
			r.logger.Error("escalation delivery failed",
				zap.String("target", target), zap.Error(err))
			continue
		}
		notified = append(notified, target)
	}
	r.logger.Info("delivery failure escalated",
		zap.String("message_id", msg.ID),
		zap.Strings("targets", notified),
	)
	return notified
}

func (r *Router) validate(msg *types.Message) error {
	if msg.Sender == "" {
		return types.NewError(types.ErrValidation, "message sender is required")
	}
	if len(msg.Recipients) != 1 {
		return types.NewErrorf(types.ErrValidation,
			"point-to-point send requires exactly one recipient, got %d", len(msg.Recipients))
	}
	if msg.Payload == nil {
		return types.NewError(types.ErrValidation, "message payload is required")
	}

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return types.NewError(types.ErrValidation, "payload not serializable").WithCause(err)
	}
	if len(raw) > r.config.MaxPayloadBytes {
		return types.NewErrorf(types.ErrValidation,
			"payload size %d exceeds limit %d", len(raw), r.config.MaxPayloadBytes)
	}

	if allowed := msg.Security.AllowedRecipients; len(allowed) > 0 {
		ok := false
		for _, id := range allowed {
			if id == msg.Recipients[0] {
				ok = true
				break
			}
		}
		if !ok {
			return types.NewErrorf(types.ErrValidation,
				"recipient %q not permitted by security policy", msg.Recipients[0])
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = r.clock()
	}
	return nil
}

// resolvePath honors the message's routing preferences: a preferred relay
// is inserted when one exists and is not avoided; an avoided recipient is
// refused outright.
func resolvePath(msg types.Message, recipient string) ([]string, error) {
	for _, avoided := range msg.Routing.Avoid {
		if avoided == recipient {
			return nil, types.NewErrorf(types.ErrValidation,
				"recipient %q is on the avoid list", recipient)
		}
	}

	path := []string{msg.Sender}
	for _, relay := range msg.Routing.Prefer {
		if relay == recipient || relay == msg.Sender {
			continue
		}
		avoided := false
		for _, a := range msg.Routing.Avoid {
			if a == relay {
				avoided = true
				break
			}
		}
		if !avoided {
			path = append(path, relay)
			break
		}
	}
	return append(path, recipient), nil
}

// backoffDelay computes the wait before retry number attempt+1.
func backoffDelay(policy types.DeliveryPolicy, attempt int) time.Duration {
	switch policy.Backoff {
	case types.BackoffFixed:
		return policy.BaseDelay
	case types.BackoffLinear:
		return time.Duration(attempt) * policy.BaseDelay
	default: // exponential
		d := policy.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
