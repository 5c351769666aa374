// Package domain contains persistence models for account subscriptions and
// their abandoned-call usage quota.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus tracks whether an account may place calls at all.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// UnlimitedCalls marks a plan without an abandoned-call quota.
const UnlimitedCalls int64 = -1

// Subscription is the per-org plan record. AbandonedCallsUsed only increases
// within a billing period; RolloverPeriod resets it for the next one.
type Subscription struct {
	ID       snowflake.ID       `gorm:"primaryKey"`
	OrgID    snowflake.ID       `gorm:"not null;uniqueIndex:ux_subscriptions_org"`
	PlanCode string             `gorm:"type:text;not null"`
	Status   SubscriptionStatus `gorm:"type:text;not null;default:'active'"`
	IsTrial  bool               `gorm:"not null;default:false"`

	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`

	MaxAbandonedCalls  int64 `gorm:"not null;default:0"`
	AbandonedCallsUsed int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Unlimited reports whether the plan has no call quota.
func (s Subscription) Unlimited() bool {
	return s.MaxAbandonedCalls == UnlimitedCalls
}

// PeriodContains reports whether the instant falls inside the billing period.
func (s Subscription) PeriodContains(t time.Time) bool {
	return !t.Before(s.PeriodStart) && !t.After(s.PeriodEnd)
}
