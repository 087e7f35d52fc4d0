// Package persistence records coordination outcomes for external
// consumers. The core never requires a store; callers inject one when
// durable history matters.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Redis: for distributed deployments
// - SQLite via GORM: for single-node deployments with queryable history
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreClosed  = errors.New("store is closed")
)

// OutcomeKind classifies a recorded coordination outcome.
type OutcomeKind string

const (
	OutcomeAllocation  OutcomeKind = "allocation"
	OutcomeCompletion  OutcomeKind = "completion"
	OutcomeRecovery    OutcomeKind = "recovery"
	OutcomeRebalance   OutcomeKind = "rebalance"
	OutcomeDelivery    OutcomeKind = "delivery"
	OutcomeNegotiation OutcomeKind = "negotiation"
	OutcomeConsensus   OutcomeKind = "consensus"
	OutcomeVote        OutcomeKind = "vote"
)

// Record is one stored outcome. Data holds the JSON-encoded result
// produced by the coordination layer; the store does not interpret it.
type Record struct {
	ID         string          `json:"id" gorm:"primaryKey;size:64"`
	Kind       OutcomeKind     `json:"kind" gorm:"index;size:32"`
	Subject    string          `json:"subject" gorm:"index;size:128"`
	Data       json.RawMessage `json:"data" gorm:"type:text"`
	RecordedAt time.Time       `json:"recorded_at" gorm:"index"`
}

// NewRecord builds a record around any JSON-encodable outcome.
func NewRecord(kind OutcomeKind, subject string, outcome any) (*Record, error) {
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:         uuid.New().String(),
		Kind:       kind,
		Subject:    subject,
		Data:       data,
		RecordedAt: time.Now(),
	}, nil
}

// OutcomeStore persists coordination outcomes. Implementations are safe
// for concurrent use.
type OutcomeStore interface {
	// Save persists a record, filling ID and RecordedAt when unset.
	Save(ctx context.Context, record *Record) error

	// Get fetches one record by ID, ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Record, error)

	// ListByKind returns records of one kind, newest first, up to limit.
	// A non-positive limit means no cap.
	ListByKind(ctx context.Context, kind OutcomeKind, limit int) ([]*Record, error)

	// ListBySubject returns all records touching one subject, newest first.
	ListBySubject(ctx context.Context, subject string) ([]*Record, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func normalize(record *Record) error {
	if record == nil || record.Kind == "" {
		return ErrInvalidInput
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}
	return nil
}
