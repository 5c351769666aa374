// Package domain contains persistence models for abandoned checkout carts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status enumerates the calling lifecycle of a cart. A cart holds exactly one
// status at a time; suspended statuses record why in StatusReason.
type Status string

const (
	StatusInCheckout           Status = "in_checkout"
	StatusWaiting              Status = "waiting"
	StatusQueued               Status = "queued"
	StatusCalling              Status = "calling"
	StatusCompleted            Status = "completed"
	StatusSubscriptionInactive Status = "subscription_inactive"
	StatusBillingPeriodExpired Status = "billing_period_expired"
	StatusCallLimitReached     Status = "abandoned_call_limit_reached"
)

// SuspendedStatuses are the side exits the usage gate can move a cart into.
var SuspendedStatuses = []Status{
	StatusSubscriptionInactive,
	StatusBillingPeriodExpired,
	StatusCallLimitReached,
}

// LineItem is one checkout line, stored as JSON on the cart.
type LineItem struct {
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Cart mirrors one abandoned checkout pulled from the commerce platform.
// Carts are never hard-deleted, only status-transitioned.
type Cart struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	OrgID         snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_carts_org_checkout,priority:1"`
	CheckoutRef   string         `gorm:"type:text;not null;uniqueIndex:ux_carts_org_checkout,priority:2"`
	TotalCents    int64          `gorm:"not null;default:0"`
	Currency      string         `gorm:"type:text;not null;default:'USD'"`
	LineItems     datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	DiscountCodes datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`

	ShippingCountry string `gorm:"type:text"`
	ShippingRegion  string `gorm:"type:text"`

	CustomerRef   string `gorm:"type:text"`
	CustomerName  string `gorm:"type:text"`
	CustomerPhone string `gorm:"type:text"`
	CustomerType  string `gorm:"type:text"`

	Status       Status        `gorm:"type:text;not null;default:'waiting'"`
	StatusReason *string       `gorm:"type:text"`
	AgentID      *snowflake.ID `gorm:""`

	CheckoutCreatedAt *time.Time `gorm:"column:checkout_created_at"`
	LastActivityAt    *time.Time `gorm:"column:last_activity_at"`
	CreatedAt         time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Cart) TableName() string { return "carts" }
