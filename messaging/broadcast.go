package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/types"
)

// Member is one group member with its delivery filters.
type Member struct {
	ID string `json:"id"`

	// MinPriority drops messages below this priority for the member.
	MinPriority float64 `json:"min_priority,omitempty"`

	// Topics, when non-empty, restricts delivery to matching topics.
	Topics []string `json:"topics,omitempty"`
}

// Group is a named broadcast target.
type Group struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// BroadcastConfig holds broadcaster configuration.
type BroadcastConfig struct {
	// PerMemberTimeout bounds each member's delivery, retries included.
	// The broadcast never blocks on its slowest recipient past this.
	PerMemberTimeout time.Duration `json:"per_member_timeout"`

	// Pool sizes the fan-out worker pool.
	Pool pool.Config `json:"pool"`
}

// DefaultBroadcastConfig returns broadcaster defaults.
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		PerMemberTimeout: 10 * time.Second,
		Pool:             pool.DefaultConfig(),
	}
}

// Broadcaster fans a message out to a named group, sending to each member
// individually and aggregating the outcomes.
type Broadcaster struct {
	router *Router
	config BroadcastConfig
	pool   *pool.Pool
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[string]Group
}

// NewBroadcaster creates a group broadcaster on top of a router.
func NewBroadcaster(router *Router, config BroadcastConfig, logger *zap.Logger) (*Broadcaster, error) {
	if router == nil {
		return nil, types.NewError(types.ErrValidation, "router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PerMemberTimeout <= 0 {
		config.PerMemberTimeout = DefaultBroadcastConfig().PerMemberTimeout
	}
	return &Broadcaster{
		router: router,
		config: config,
		pool:   pool.New(config.Pool),
		logger: logger.With(zap.String("component", "group_broadcaster")),
		groups: make(map[string]Group),
	}, nil
}

// DefineGroup registers or replaces a named group.
func (b *Broadcaster) DefineGroup(g Group) error {
	if g.Name == "" {
		return types.NewError(types.ErrValidation, "group name is required")
	}
	b.mu.Lock()
	b.groups[g.Name] = g
	b.mu.Unlock()
	b.logger.Info("group defined", zap.String("group", g.Name), zap.Int("members", len(g.Members)))
	return nil
}

// RemoveGroup deletes a named group.
func (b *Broadcaster) RemoveGroup(name string) {
	b.mu.Lock()
	delete(b.groups, name)
	b.mu.Unlock()
}

// Close releases the fan-out pool.
func (b *Broadcaster) Close() {
	b.pool.Close()
}

// BroadcastToGroup expands the group, applies per-member filters, sends to
// each passing member concurrently, and aggregates the outcomes. The
// result is partially successful when at least one but not all members
// acknowledge.
func (b *Broadcaster) BroadcastToGroup(ctx context.Context, groupName string, msg types.Message) (*types.BroadcastResult, error) {
	b.mu.RLock()
	group, ok := b.groups[groupName]
	b.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrGroupNotFound, "group %q not defined", groupName)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Kind == "" {
		msg.Kind = types.MessageBroadcast
	}

	result := &types.BroadcastResult{
		MessageID: msg.ID,
		Group:     groupName,
		Outcomes:  make(map[string]types.SendResult, len(group.Members)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, member := range group.Members {
		if !b.passesFilters(member, msg) {
			result.Filtered++
			continue
		}
		result.Sent++

		member := member
		wg.Add(1)
		job := func(jobCtx context.Context) error {
			defer wg.Done()

			memberCtx, cancel := context.WithTimeout(ctx, b.config.PerMemberTimeout)
			defer cancel()

			perMember := msg
			perMember.Recipients = []string{member.ID}
			res, err := b.router.Send(memberCtx, perMember)

			mu.Lock()
			defer mu.Unlock()
			if res == nil {
				res = &types.SendResult{
					MessageID: msg.ID,
					Recipient: member.ID,
					Status:    types.DeliveryFailed,
					Error:     err.Error(),
				}
			}
			result.Outcomes[member.ID] = *res
			if res.Status == types.DeliveryDelivered {
				result.Delivered++
			} else {
				result.Failed++
			}
			return nil
		}

		if err := b.pool.Submit(ctx, job); err != nil {
			wg.Done()
			mu.Lock()
			result.Outcomes[member.ID] = types.SendResult{
				MessageID: msg.ID,
				Recipient: member.ID,
				Status:    types.DeliveryFailed,
				Error:     err.Error(),
			}
			result.Failed++
			mu.Unlock()
		}
	}

	wg.Wait()

	b.logger.Info("broadcast completed",
		zap.String("group", groupName),
		zap.Int("sent", result.Sent),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
		zap.Int("filtered", result.Filtered),
	)
	return result, nil
}

func (b *Broadcaster) passesFilters(member Member, msg types.Message) bool {
	if msg.Priority < member.MinPriority {
		return false
	}
	if len(member.Topics) > 0 {
		found := false
		for _, topic := range member.Topics {
			if topic == msg.Topic {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
