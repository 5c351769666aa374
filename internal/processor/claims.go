package processor

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	calldomain "github.com/smallbiznis/cartcall/internal/call/domain"
	cartdomain "github.com/smallbiznis/cartcall/internal/cart/domain"
)

// Every claim in this file is a conditional UPDATE guarded by the expected
// prior status. Zero rows affected means another cycle got there first and
// the item is skipped; concurrent cycles never both pick up the same row.

// fetchWaitingCarts selects the carts whose last evaluation is oldest.
// Unmatched carts are touched after evaluation (touchUnmatchedCart), so a
// backlog of never-matching carts rotates out of the window instead of
// monopolizing it and starving newer eligible carts.
func (p *Processor) fetchWaitingCarts(ctx context.Context, limit int) ([]cartdomain.Cart, error) {
	var carts []cartdomain.Cart
	err := p.db.WithContext(ctx).
		Where("status = ?", cartdomain.StatusWaiting).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&carts).Error
	if err != nil {
		return nil, err
	}
	return carts, nil
}

// fetchRequeuedCarts returns queued carts with no in-flight attempt. These
// are reactivated carts re-entering the pipeline; ordinary queued carts
// always carry a live attempt.
func (p *Processor) fetchRequeuedCarts(ctx context.Context, limit int) ([]cartdomain.Cart, error) {
	var carts []cartdomain.Cart
	err := p.db.WithContext(ctx).Raw(
		`SELECT * FROM carts c
		 WHERE c.status = ?
		   AND NOT EXISTS (
			SELECT 1 FROM call_attempts a
			WHERE a.cart_id = c.id AND a.status IN ?
		   )
		 ORDER BY c.updated_at ASC, c.id ASC
		 LIMIT ?`,
		cartdomain.StatusQueued,
		calldomain.InFlightStatuses,
		limit,
	).Scan(&carts).Error
	if err != nil {
		return nil, err
	}
	return carts, nil
}

// touchUnmatchedCart records that a cart was evaluated and no agent matched,
// sending it to the back of the selection window. Conditional on status so a
// cart claimed by a concurrent cycle is left alone.
func (p *Processor) touchUnmatchedCart(ctx context.Context, cartID snowflake.ID, now time.Time) error {
	return p.db.WithContext(ctx).Exec(
		`UPDATE carts SET updated_at = ? WHERE id = ? AND status IN ?`,
		now,
		cartID,
		[]cartdomain.Status{cartdomain.StatusWaiting, cartdomain.StatusQueued},
	).Error
}

func (p *Processor) claimWaitingCart(ctx context.Context, tx *gorm.DB, cartID, agentID snowflake.ID, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE carts
		 SET status = ?, agent_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		cartdomain.StatusQueued,
		agentID,
		now,
		cartID,
		cartdomain.StatusWaiting,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *Processor) suspendCart(ctx context.Context, tx *gorm.DB, cartID snowflake.ID, status cartdomain.Status, reason string, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE carts
		 SET status = ?, status_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		status,
		reason,
		now,
		cartID,
		[]cartdomain.Status{cartdomain.StatusWaiting, cartdomain.StatusQueued},
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *Processor) nextAttemptNumber(ctx context.Context, tx *gorm.DB, cartID snowflake.ID) (int, error) {
	var current int
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM call_attempts WHERE cart_id = ?`,
		cartID,
	).Scan(&current).Error
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (p *Processor) fetchDueAttempts(ctx context.Context, now time.Time, limit int) ([]calldomain.CallAttempt, error) {
	var attempts []calldomain.CallAttempt
	err := p.db.WithContext(ctx).
		Where("status IN ? AND next_call_time <= ?",
			[]calldomain.AttemptStatus{calldomain.AttemptStatusQueued, calldomain.AttemptStatusScheduled},
			now,
		).
		Order("next_call_time ASC, id ASC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (p *Processor) claimAttempt(ctx context.Context, attemptID snowflake.ID, now time.Time) (bool, error) {
	result := p.db.WithContext(ctx).Exec(
		`UPDATE call_attempts
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		calldomain.AttemptStatusInitiated,
		now,
		attemptID,
		[]calldomain.AttemptStatus{calldomain.AttemptStatusQueued, calldomain.AttemptStatusScheduled},
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *Processor) markCartCalling(ctx context.Context, cartID snowflake.ID, now time.Time) (bool, error) {
	result := p.db.WithContext(ctx).Exec(
		`UPDATE carts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		cartdomain.StatusCalling,
		now,
		cartID,
		cartdomain.StatusQueued,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *Processor) completeAttempt(ctx context.Context, attemptID snowflake.ID, outcome calldomain.Outcome, callRef string, durationSeconds int64, now time.Time) error {
	return p.db.WithContext(ctx).Exec(
		`UPDATE call_attempts
		 SET status = ?, outcome = ?, provider_call_ref = ?, duration_seconds = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		calldomain.AttemptStatusCompleted,
		outcome,
		callRef,
		durationSeconds,
		now,
		attemptID,
		calldomain.AttemptStatusInitiated,
	).Error
}

func (p *Processor) failAttempt(ctx context.Context, attemptID snowflake.ID, outcome calldomain.Outcome, lastError string, now time.Time) error {
	return p.db.WithContext(ctx).Exec(
		`UPDATE call_attempts
		 SET status = ?, outcome = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		calldomain.AttemptStatusFailed,
		outcome,
		lastError,
		now,
		attemptID,
		calldomain.AttemptStatusInitiated,
	).Error
}

func (p *Processor) completeCart(ctx context.Context, cartID snowflake.ID, now time.Time) error {
	return p.db.WithContext(ctx).Exec(
		`UPDATE carts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		cartdomain.StatusCompleted,
		now,
		cartID,
		cartdomain.StatusCalling,
	).Error
}

func (p *Processor) requeueCart(ctx context.Context, cartID snowflake.ID, now time.Time) error {
	return p.db.WithContext(ctx).Exec(
		`UPDATE carts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		cartdomain.StatusQueued,
		now,
		cartID,
		cartdomain.StatusCalling,
	).Error
}
