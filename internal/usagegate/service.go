// Package usagegate enforces the per-account abandoned-call quota and billing
// period before any call attempt is created, and re-queues suspended carts
// once the blocking cause is gone.
package usagegate

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cartdomain "github.com/smallbiznis/cartcall/internal/cart/domain"
	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/events"
	subscriptiondomain "github.com/smallbiznis/cartcall/internal/subscription/domain"
)

// Reason classifies why authorization was denied. Denial is a designed state
// transition, not an error.
type Reason string

const (
	ReasonLimitReached  Reason = "limit_reached"
	ReasonPeriodExpired Reason = "period_expired"
	ReasonInactive      Reason = "inactive"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// ErrSubscriptionNotFound is returned when an org has no subscription row.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// CartStatusForReason maps a denial reason to the suspended cart status caused
// by it.
func CartStatusForReason(reason Reason) cartdomain.Status {
	switch reason {
	case ReasonPeriodExpired:
		return cartdomain.StatusBillingPeriodExpired
	case ReasonInactive:
		return cartdomain.StatusSubscriptionInactive
	default:
		return cartdomain.StatusCallLimitReached
	}
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Outbox *events.Outbox
}

// Gate is the usage gate service.
type Gate struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	outbox *events.Outbox
}

func New(p Params) *Gate {
	return &Gate{
		db:     p.DB,
		log:    p.Log.Named("usagegate"),
		clock:  p.Clock,
		outbox: p.Outbox,
	}
}

// Authorize classifies whether the org may place a call right now. It fails
// closed: a missing subscription denies with reason inactive. Authorize does
// not consume quota; pair it with ReserveTx at attempt-creation time.
func (g *Gate) Authorize(ctx context.Context, orgID snowflake.ID) (Decision, error) {
	return g.AuthorizeTx(ctx, g.db, orgID)
}

// AuthorizeTx is Authorize against an existing transaction, so a denial
// following a failed ReserveTx is classified from the same view of the data.
func (g *Gate) AuthorizeTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (Decision, error) {
	sub, err := g.loadSubscription(ctx, tx, orgID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return Decision{Allowed: false, Reason: ReasonInactive}, nil
		}
		return Decision{}, err
	}

	now := g.clock.Now()
	switch {
	case sub.Status != subscriptiondomain.SubscriptionStatusActive:
		return Decision{Allowed: false, Reason: ReasonInactive}, nil
	case !sub.PeriodContains(now):
		return Decision{Allowed: false, Reason: ReasonPeriodExpired}, nil
	case !sub.Unlimited() && sub.AbandonedCallsUsed >= sub.MaxAbandonedCalls:
		return Decision{Allowed: false, Reason: ReasonLimitReached}, nil
	default:
		return Decision{Allowed: true}, nil
	}
}

// ReserveTx consumes one call from the org's quota inside the caller's
// transaction. The check and the increment are a single conditional UPDATE so
// two concurrent cycles can never both pass at the last remaining call. A
// false return means denied; call Authorize to learn why.
func (g *Gate) ReserveTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (bool, error) {
	if tx == nil {
		return false, errors.New("missing transaction")
	}
	now := g.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET abandoned_calls_used = abandoned_calls_used + 1, updated_at = ?
		 WHERE org_id = ?
		   AND status = ?
		   AND period_start <= ? AND period_end >= ?
		   AND (max_abandoned_calls = ? OR abandoned_calls_used < max_abandoned_calls)`,
		now,
		orgID,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		now,
		subscriptiondomain.UnlimitedCalls,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Reserve is ReserveTx against the default connection.
func (g *Gate) Reserve(ctx context.Context, orgID snowflake.ID) (bool, error) {
	return g.ReserveTx(ctx, g.db, orgID)
}

// Reactivate re-queues every suspended cart whose underlying cause no longer
// holds. Completed carts are never touched; they are not in a suspended status
// to begin with.
func (g *Gate) Reactivate(ctx context.Context, orgID snowflake.ID) (int64, error) {
	decisionByStatus, err := g.clearedStatuses(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if len(decisionByStatus) == 0 {
		return 0, nil
	}

	now := g.clock.Now()
	result := g.db.WithContext(ctx).Exec(
		`UPDATE carts
		 SET status = ?, status_reason = NULL, updated_at = ?
		 WHERE org_id = ? AND status IN ?`,
		cartdomain.StatusQueued,
		now,
		orgID,
		decisionByStatus,
	)
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 && g.outbox != nil {
		if err := g.outbox.Publish(ctx, events.Event{
			OrgID: orgID,
			Type:  events.EventCartsReactivated,
			Payload: map[string]any{
				"reactivated_count": result.RowsAffected,
			},
		}); err != nil {
			g.log.Warn("failed to publish reactivation event",
				zap.String("org_id", orgID.String()), zap.Error(err))
		}
	}

	return result.RowsAffected, nil
}

// RolloverPeriod starts a new billing period: the usage counter resets to zero
// and the window moves forward. Used when the billing collaborator reports a
// renewal.
func (g *Gate) RolloverPeriod(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) error {
	if !periodEnd.After(periodStart) {
		return errors.New("period end must be after period start")
	}
	result := g.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET period_start = ?, period_end = ?, abandoned_calls_used = 0, updated_at = ?
		 WHERE org_id = ?`,
		periodStart,
		periodEnd,
		g.clock.Now(),
		orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// clearedStatuses returns the suspended cart statuses whose cause has been
// resolved for the org.
func (g *Gate) clearedStatuses(ctx context.Context, orgID snowflake.ID) ([]cartdomain.Status, error) {
	sub, err := g.loadSubscription(ctx, g.db, orgID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		return nil, nil
	}

	now := g.clock.Now()
	var cleared []cartdomain.Status
	for _, status := range cartdomain.SuspendedStatuses {
		if causeResolved(status, sub, now) {
			cleared = append(cleared, status)
		}
	}
	return cleared, nil
}

// causeResolved reports whether the condition behind a suspended status no
// longer holds for an active subscription.
func causeResolved(status cartdomain.Status, sub *subscriptiondomain.Subscription, now time.Time) bool {
	switch status {
	case cartdomain.StatusSubscriptionInactive:
		return true
	case cartdomain.StatusBillingPeriodExpired:
		return sub.PeriodContains(now)
	case cartdomain.StatusCallLimitReached:
		return sub.PeriodContains(now) &&
			(sub.Unlimited() || sub.AbandonedCallsUsed < sub.MaxAbandonedCalls)
	default:
		return false
	}
}

func (g *Gate) loadSubscription(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}
