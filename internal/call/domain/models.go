// Package domain contains persistence models for outbound call attempts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AttemptStatus enumerates the lifecycle of one call attempt.
type AttemptStatus string

const (
	AttemptStatusQueued    AttemptStatus = "queued"
	AttemptStatusScheduled AttemptStatus = "scheduled"
	AttemptStatusInitiated AttemptStatus = "initiated"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// Outcome classifies how a finished attempt ended.
type Outcome string

const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeNoAnswer        Outcome = "no_answer"
	OutcomeBusy            Outcome = "busy"
	OutcomeProviderError   Outcome = "provider_error"
	OutcomeInvalidNumber   Outcome = "invalid_number"
	OutcomeTerminalFailure Outcome = "terminal_failure"
)

// CallAttempt is one scheduled or executed outbound call for a cart. For any
// cart at most one attempt may sit in queued/scheduled/initiated, and
// AttemptNumber strictly increases per cart.
type CallAttempt struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	CartID        snowflake.ID  `gorm:"not null;uniqueIndex:ux_call_attempts_cart_number,priority:1"`
	OrgID         snowflake.ID  `gorm:"not null;index"`
	AgentID       snowflake.ID  `gorm:"not null"`
	AttemptNumber int           `gorm:"not null;uniqueIndex:ux_call_attempts_cart_number,priority:2"`
	Status        AttemptStatus `gorm:"type:text;not null;default:'queued';index:ix_call_attempts_status_due,priority:1"`
	NextCallTime  time.Time     `gorm:"not null;index:ix_call_attempts_status_due,priority:2"`

	Outcome         *Outcome `gorm:"type:text"`
	DurationSeconds *int64   `gorm:""`
	ProviderCallRef *string  `gorm:"type:text"`
	LastError       *string  `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CallAttempt) TableName() string { return "call_attempts" }

// InFlightStatuses are the attempt statuses counted against the one-attempt-
// per-cart invariant.
var InFlightStatuses = []AttemptStatus{
	AttemptStatusQueued,
	AttemptStatusScheduled,
	AttemptStatusInitiated,
}
