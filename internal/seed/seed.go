// Package seed bootstraps a development-friendly default organization so a
// fresh install has something to run cycles against.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	agentdomain "github.com/smallbiznis/cartcall/internal/agent/domain"
	subscriptiondomain "github.com/smallbiznis/cartcall/internal/subscription/domain"
)

const (
	defaultOrgName   = "Main"
	defaultPlanCode  = "trial"
	defaultAgentName = "Starter Agent"

	trialPeriodDays   = 30
	trialCallQuota    = 50
	defaultAgentValue = "50"
)

// EnsureDefaultOrg seeds the default organization with a trial subscription
// and one draft agent. Idempotent: re-running against a seeded database does
// nothing.
func EnsureDefaultOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orgID, err := ensureOrgTx(ctx, tx, node)
		if err != nil {
			return err
		}
		if err := ensureSubscriptionTx(ctx, tx, node, orgID); err != nil {
			return err
		}
		return ensureAgentTx(ctx, tx, node, orgID)
	})
}

func ensureOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (snowflake.ID, error) {
	var existing struct {
		ID snowflake.ID `gorm:"column:id"`
	}
	err := tx.WithContext(ctx).
		Table("organizations").
		Where("name = ?", defaultOrgName).
		First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	id := node.Generate()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		id, defaultOrgName, time.Now().UTC(),
	).Error; err != nil {
		return 0, err
	}
	return id, nil
}

func ensureSubscriptionTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Where("org_id = ?", orgID).First(&sub).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	sub = subscriptiondomain.Subscription{
		ID:                node.Generate(),
		OrgID:             orgID,
		PlanCode:          defaultPlanCode,
		Status:            subscriptiondomain.SubscriptionStatusActive,
		IsTrial:           true,
		PeriodStart:       now,
		PeriodEnd:         now.AddDate(0, 0, trialPeriodDays),
		MaxAbandonedCalls: trialCallQuota,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return tx.WithContext(ctx).Create(&sub).Error
}

func ensureAgentTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	var agent agentdomain.Agent
	err := tx.WithContext(ctx).Where("org_id = ? AND name = ?", orgID, defaultAgentName).First(&agent).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	conditions, err := agentdomain.EncodeConditions([]agentdomain.Condition{
		{
			Type:     agentdomain.ConditionCartValue,
			Operator: agentdomain.OperatorGTE,
			Value:    defaultAgentValue,
			Enabled:  true,
		},
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	agent = agentdomain.Agent{
		ID:         node.Generate(),
		OrgID:      orgID,
		Name:       defaultAgentName,
		Status:     agentdomain.AgentStatusDraft,
		Priority:   1,
		Conditions: conditions,
		Greeting:   "Hi! We noticed you left a few items in your cart.",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return tx.WithContext(ctx).Create(&agent).Error
}
