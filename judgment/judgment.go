// Package judgment wraps the external generative-judgment service behind
// a timeout and a conservative fallback. The service is best effort: a
// failed, slow, or malformed response degrades to a low-confidence verdict
// instead of surfacing an error to coordination logic.
package judgment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/internal/cache"
	"github.com/BaSui01/agentcoord/types"
)

// QueryKind names the judgment being requested.
type QueryKind string

const (
	QueryEthics     QueryKind = "ethics"
	QueryInnovation QueryKind = "innovation"
	QueryInference  QueryKind = "inference"
)

// Query is a structured question for the judgment service.
type Query struct {
	Kind    QueryKind         `json:"kind"`
	Subject string            `json:"subject"`
	Context map[string]string `json:"context,omitempty"`
}

// Verdict is the service's answer. Confidence is in [0,1]; Fallback marks
// a verdict synthesized locally because the service could not answer.
type Verdict struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Service is the opaque judgment backend.
type Service interface {
	Judge(ctx context.Context, query Query) (Verdict, error)
}

// Config bounds judgment calls.
type Config struct {
	// Timeout bounds one service call.
	Timeout time.Duration `json:"timeout"`

	// FallbackConfidence is assigned to locally synthesized verdicts.
	FallbackConfidence float64 `json:"fallback_confidence"`

	// CacheTTL bounds how long a verdict is memoized when a cache is
	// attached. Zero uses the cache's default TTL.
	CacheTTL time.Duration `json:"cache_ttl"`
}

// DefaultConfig returns judgment client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:            10 * time.Second,
		FallbackConfidence: 0.1,
	}
}

// Client calls the judgment service with a per-call timeout and degrades
// to a conservative verdict on any failure.
type Client struct {
	service Service
	config  Config
	cache   *cache.Manager
	logger  *zap.Logger
}

// NewClient wraps a judgment service. A nil service always falls back.
func NewClient(service Service, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.FallbackConfidence <= 0 {
		config.FallbackConfidence = DefaultConfig().FallbackConfidence
	}
	return &Client{
		service: service,
		config:  config,
		logger:  logger.With(zap.String("component", "judgment_client")),
	}
}

// WithCache attaches a verdict cache. Identical queries within the TTL
// are answered without calling the service. Fallback verdicts are never
// cached.
func (c *Client) WithCache(m *cache.Manager) *Client {
	c.cache = m
	return c
}

// Judge asks the service and always returns a usable verdict. Service
// errors, timeouts, and malformed responses yield the fallback; callers
// can inspect Verdict.Fallback when the distinction matters.
func (c *Client) Judge(ctx context.Context, query Query) Verdict {
	if c.service == nil {
		return c.fallback(query, types.NewError(types.ErrJudgmentUnavailable, "no judgment service configured"))
	}

	key := queryKey(query)
	if c.cache != nil {
		var cached Verdict
		if err := c.cache.GetJSON(ctx, key, &cached); err == nil {
			return cached
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	verdict, err := c.service.Judge(callCtx, query)
	if err != nil {
		return c.fallback(query, err)
	}
	if malformed(verdict) {
		return c.fallback(query, types.NewErrorf(types.ErrJudgmentUnavailable,
			"malformed verdict for %s query", query.Kind))
	}
	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, verdict, c.config.CacheTTL); err != nil && !cache.IsCacheMiss(err) {
			c.logger.Warn("verdict cache write failed", zap.Error(err))
		}
	}
	return verdict
}

// queryKey derives a stable cache key from the full query content.
func queryKey(query Query) string {
	data, _ := json.Marshal(query)
	sum := sha256.Sum256(data)
	return "judgment:" + hex.EncodeToString(sum[:])
}

// fallback synthesizes the conservative low-confidence verdict.
func (c *Client) fallback(query Query, cause error) Verdict {
	c.logger.Warn("judgment unavailable, using fallback",
		zap.String("kind", string(query.Kind)),
		zap.String("subject", query.Subject),
		zap.Error(cause),
	)
	return Verdict{
		Answer:     "undetermined",
		Confidence: c.config.FallbackConfidence,
		Fallback:   true,
		Reason:     cause.Error(),
	}
}

func malformed(v Verdict) bool {
	return strings.TrimSpace(v.Answer) == "" || v.Confidence < 0 || v.Confidence > 1
}
