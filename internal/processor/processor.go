// Package processor is the call campaign state machine. One cycle queues
// eligible waiting carts behind the usage gate and dispatches due call
// attempts against the voice provider. Cycles are stateless and safe to run
// concurrently with themselves: every contended row is taken through an
// atomic claim, so overlapping scheduled and manual triggers never duplicate
// work.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	agentdomain "github.com/smallbiznis/cartcall/internal/agent/domain"
	"github.com/smallbiznis/cartcall/internal/cache"
	calldomain "github.com/smallbiznis/cartcall/internal/call/domain"
	cartdomain "github.com/smallbiznis/cartcall/internal/cart/domain"
	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/eligibility"
	"github.com/smallbiznis/cartcall/internal/events"
	"github.com/smallbiznis/cartcall/internal/logger"
	"github.com/smallbiznis/cartcall/internal/observability/metrics"
	"github.com/smallbiznis/cartcall/internal/usagegate"
	"github.com/smallbiznis/cartcall/internal/voice"
)

// errClaimLost marks an item another cycle picked up first; it is skipped
// without noise.
var errClaimLost = errors.New("claim lost to concurrent cycle")

// Processor runs campaign cycles.
type Processor struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	gate    *usagegate.Gate
	voice   voice.Client
	outbox  *events.Outbox
	metrics *metrics.CampaignMetrics
	cfg     Config

	agentCache *cache.TTLCache[snowflake.ID, []agentdomain.Agent]
}

func New(p Params) *Processor {
	return &Processor{
		db:         p.DB,
		log:        p.Log.Named("processor"),
		genID:      p.GenID,
		clock:      p.Clock,
		gate:       p.Gate,
		voice:      p.Voice,
		outbox:     p.Outbox,
		metrics:    p.Metrics,
		cfg:        p.Config.withDefaults(),
		agentCache: cache.NewTTLCache[snowflake.ID, []agentdomain.Agent](),
	}
}

// CycleSummary reports one processor cycle.
type CycleSummary struct {
	CartsQueued    int `json:"carts_queued"`
	CartsSuspended int `json:"carts_suspended"`
	CallsPlaced    int `json:"calls_placed"`
	CallsCompleted int `json:"calls_completed"`
	CallsFailed    int `json:"calls_failed"`
}

// RunCycle executes one end-to-end cycle. Per-item failures are isolated and
// logged; only configuration errors abort the whole cycle.
func (p *Processor) RunCycle(ctx context.Context) (CycleSummary, error) {
	if err := p.checkVoiceConfigured(); err != nil {
		return CycleSummary{}, err
	}

	p.metrics.IncCycle(ctx, "processor")

	var summary CycleSummary
	if err := p.queueEligible(ctx, &summary); err != nil {
		return summary, err
	}
	if err := p.dispatchDue(ctx, &summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// checkVoiceConfigured fails the cycle up front when provider credentials
// are missing; no useful partial work is possible without them.
func (p *Processor) checkVoiceConfigured() error {
	type configured interface{ Configured() error }
	if c, ok := p.voice.(configured); ok {
		return c.Configured()
	}
	return nil
}

// queueEligible is steps 1-3 of the cycle: match waiting carts (and
// reactivated queued carts with no live attempt) to an agent, consult the
// usage gate, and create attempt rows.
func (p *Processor) queueEligible(ctx context.Context, summary *CycleSummary) error {
	waiting, err := p.fetchWaitingCarts(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	requeued, err := p.fetchRequeuedCarts(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, cart := range append(waiting, requeued...) {
		if err := p.queueCart(ctx, cart, summary); err != nil {
			if errors.Is(err, errClaimLost) {
				continue
			}
			p.log.Warn("failed to queue cart",
				zap.String("org_id", cart.OrgID.String()),
				zap.String("cart_id", cart.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func (p *Processor) queueCart(ctx context.Context, cart cartdomain.Cart, summary *CycleSummary) error {
	agents, err := p.activeAgents(ctx, cart.OrgID)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	snap, err := buildSnapshot(cart)
	if err != nil {
		return fmt.Errorf("decode cart fields: %w", err)
	}

	// First eligible agent in priority order wins; no cart is ever worked by
	// two agents at once.
	var matched *agentdomain.Agent
	for i, agent := range agents {
		conditions, err := agent.DecodeConditions()
		if err != nil {
			p.log.Warn("agent has malformed conditions",
				zap.String("org_id", cart.OrgID.String()),
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err))
			continue
		}
		if decision := eligibility.Evaluate(conditions, snap); decision.Eligible {
			matched = &agents[i]
			break
		}
	}
	if matched == nil {
		// No agent matches today; conditions can change, so the cart stays
		// in waiting and rotates to the back of the selection window.
		return p.touchUnmatchedCart(ctx, cart.ID, p.clock.Now())
	}

	now := p.clock.Now()
	var suspendedAs cartdomain.Status
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cart.Status == cartdomain.StatusWaiting {
			claimed, err := p.claimWaitingCart(ctx, tx, cart.ID, matched.ID, now)
			if err != nil {
				return err
			}
			if !claimed {
				return errClaimLost
			}
		}

		allowed, err := p.gate.ReserveTx(ctx, tx, cart.OrgID)
		if err != nil {
			return err
		}
		if !allowed {
			decision, err := p.gate.AuthorizeTx(ctx, tx, cart.OrgID)
			if err != nil {
				return err
			}
			status := usagegate.CartStatusForReason(decision.Reason)
			if _, err := p.suspendCart(ctx, tx, cart.ID, status, string(decision.Reason), now); err != nil {
				return err
			}
			if err := p.outbox.PublishTx(ctx, tx, events.Event{
				OrgID: cart.OrgID,
				Type:  events.EventCartSuspended,
				Payload: events.CartSuspendedPayload{
					CartID: cart.ID.String(),
					Status: string(status),
					Reason: string(decision.Reason),
				}.ToMap(),
				DedupeKey: fmt.Sprintf("cart:%s:suspended:%s", cart.ID, now.Format(time.RFC3339)),
			}); err != nil {
				return err
			}
			suspendedAs = status
			return nil
		}

		number, err := p.nextAttemptNumber(ctx, tx, cart.ID)
		if err != nil {
			return err
		}
		attempt := calldomain.CallAttempt{
			ID:            p.genID.Generate(),
			CartID:        cart.ID,
			OrgID:         cart.OrgID,
			AgentID:       matched.ID,
			AttemptNumber: number,
			Status:        calldomain.AttemptStatusQueued,
			NextCallTime:  now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.WithContext(ctx).Create(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
				// A concurrent cycle created this attempt; roll the quota
				// reservation back with the transaction.
				return errClaimLost
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if suspendedAs != "" {
		summary.CartsSuspended++
		p.metrics.IncSuspended(ctx, string(suspendedAs))
		p.log.Info("cart suspended by usage gate",
			zap.String("org_id", cart.OrgID.String()),
			zap.String("cart_id", cart.ID.String()),
			zap.String("status", string(suspendedAs)))
		return nil
	}

	summary.CartsQueued++
	p.metrics.IncQueued(ctx)
	return nil
}

// dispatchDue is steps 4-6 of the cycle: claim due attempts and place calls,
// fanning out across a bounded worker count to respect provider limits.
func (p *Processor) dispatchDue(ctx context.Context, summary *CycleSummary) error {
	now := p.clock.Now()
	attempts, err := p.fetchDueAttempts(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		abortErr error
	)
	jobs := make(chan calldomain.CallAttempt)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := range jobs {
				placed, completed, err := p.placeAttempt(ctx, attempt)
				mu.Lock()
				if placed {
					summary.CallsPlaced++
					if completed {
						summary.CallsCompleted++
					} else {
						summary.CallsFailed++
					}
				}
				if err != nil {
					if errors.Is(err, voice.ErrNotConfigured) {
						if abortErr == nil {
							abortErr = err
						}
					} else {
						p.log.Warn("failed to dispatch attempt",
							zap.String("cart_id", attempt.CartID.String()),
							zap.Int("attempt_number", attempt.AttemptNumber),
							zap.Error(err))
					}
				}
				mu.Unlock()
			}
		}()
	}
	for _, attempt := range attempts {
		jobs <- attempt
	}
	close(jobs)
	wg.Wait()

	return abortErr
}

// placeAttempt handles a single due attempt end to end. The first return
// reports whether a placement happened, the second whether it succeeded.
func (p *Processor) placeAttempt(ctx context.Context, attempt calldomain.CallAttempt) (bool, bool, error) {
	now := p.clock.Now()
	claimed, err := p.claimAttempt(ctx, attempt.ID, now)
	if err != nil || !claimed {
		return false, false, err
	}

	logFields := []zap.Field{
		zap.String("org_id", attempt.OrgID.String()),
		zap.String("cart_id", attempt.CartID.String()),
		zap.Int("attempt_number", attempt.AttemptNumber),
	}

	cart, agent, err := p.loadCallContext(ctx, attempt)
	if cart != nil {
		logFields = append(logFields, zap.String("phone", logger.MaskPhone(cart.CustomerPhone)))
	}
	if err != nil {
		// Data-integrity anomaly: finish the attempt and move on so one bad
		// record cannot abort the rest of the cycle.
		p.log.Warn("skipping attempt with broken references", append(logFields, zap.Error(err))...)
		if failErr := p.failAttempt(ctx, attempt.ID, calldomain.OutcomeTerminalFailure, err.Error(), now); failErr != nil {
			p.log.Warn("failed to mark broken attempt", append(logFields, zap.Error(failErr))...)
		}
		return false, false, nil
	}

	calling, err := p.markCartCalling(ctx, cart.ID, now)
	if err != nil {
		return false, false, err
	}
	if !calling {
		// The cart left queued between claim and dispatch (suspension or a
		// concurrent terminal transition). Close out the attempt.
		p.log.Warn("cart no longer queued, abandoning attempt", logFields...)
		if failErr := p.failAttempt(ctx, attempt.ID, calldomain.OutcomeTerminalFailure, "cart left queued state", now); failErr != nil {
			p.log.Warn("failed to mark abandoned attempt", append(logFields, zap.Error(failErr))...)
		}
		return false, false, nil
	}

	result, callErr := p.voice.PlaceCall(ctx, voice.PlacementRequest{
		OrgID:         attempt.OrgID.String(),
		PhoneNumber:   cart.CustomerPhone,
		VoiceAgentRef: agent.VoiceAgentRef,
		Greeting:      agent.Greeting,
	})
	now = p.clock.Now()

	if callErr == nil {
		outcome := calldomain.Outcome(result.Outcome)
		if outcome == "" {
			outcome = calldomain.OutcomeAnswered
		}
		if err := p.completeAttempt(ctx, attempt.ID, outcome, result.CallRef, result.DurationSeconds, now); err != nil {
			return true, false, err
		}
		if err := p.completeCart(ctx, cart.ID, now); err != nil {
			return true, false, err
		}
		p.publishCallEvent(ctx, events.EventCallCompleted, attempt, string(outcome))
		p.metrics.IncCallPlaced(ctx, string(outcome))
		p.log.Info("call completed", append(logFields, zap.String("outcome", string(outcome)))...)
		return true, true, nil
	}

	if errors.Is(callErr, voice.ErrNotConfigured) {
		// Configuration error: release nothing, surface to the cycle.
		return false, false, callErr
	}

	p.metrics.IncCallPlaced(ctx, "failed")
	if voice.IsPermanent(callErr) {
		return true, false, p.finishTerminal(ctx, attempt, cart, calldomain.OutcomeInvalidNumber, callErr, now, logFields)
	}
	if !voice.IsTransient(callErr) {
		p.log.Warn("unclassified provider error, retrying as transient", append(logFields, zap.Error(callErr))...)
	}

	// Transient: retry with backoff until the attempt budget runs out.
	if err := p.failAttempt(ctx, attempt.ID, calldomain.OutcomeProviderError, callErr.Error(), now); err != nil {
		return true, false, err
	}
	if attempt.AttemptNumber >= p.cfg.MaxAttempts {
		return true, false, p.terminalAfterRetries(ctx, attempt, cart, now, logFields)
	}

	successor := calldomain.CallAttempt{
		ID:            p.genID.Generate(),
		CartID:        cart.ID,
		OrgID:         cart.OrgID,
		AgentID:       attempt.AgentID,
		AttemptNumber: attempt.AttemptNumber + 1,
		Status:        calldomain.AttemptStatusQueued,
		NextCallTime:  now.Add(Backoff(attempt.AttemptNumber)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.db.WithContext(ctx).Create(&successor).Error; err != nil {
		return true, false, err
	}
	if err := p.requeueCart(ctx, cart.ID, now); err != nil {
		return true, false, err
	}
	p.log.Info("call failed, retry scheduled",
		append(logFields, zap.Time("next_call_time", successor.NextCallTime), zap.Error(callErr))...)
	return true, false, nil
}

// finishTerminal ends the campaign for a cart after a permanent rejection.
func (p *Processor) finishTerminal(ctx context.Context, attempt calldomain.CallAttempt, cart *cartdomain.Cart, outcome calldomain.Outcome, callErr error, now time.Time, logFields []zap.Field) error {
	if err := p.failAttempt(ctx, attempt.ID, outcome, callErr.Error(), now); err != nil {
		return err
	}
	if err := p.completeCart(ctx, cart.ID, now); err != nil {
		return err
	}
	p.publishCallEvent(ctx, events.EventCallTerminalFailure, attempt, string(outcome))
	p.log.Info("call rejected permanently, campaign ended", append(logFields, zap.Error(callErr))...)
	return nil
}

// terminalAfterRetries ends the campaign once the attempt budget is spent.
func (p *Processor) terminalAfterRetries(ctx context.Context, attempt calldomain.CallAttempt, cart *cartdomain.Cart, now time.Time, logFields []zap.Field) error {
	if err := p.completeCart(ctx, cart.ID, now); err != nil {
		return err
	}
	p.publishCallEvent(ctx, events.EventCallTerminalFailure, attempt, string(calldomain.OutcomeTerminalFailure))
	p.log.Info("attempt budget exhausted, campaign ended", logFields...)
	return nil
}

func (p *Processor) publishCallEvent(ctx context.Context, eventType string, attempt calldomain.CallAttempt, outcome string) {
	if p.outbox == nil {
		return
	}
	err := p.outbox.Publish(ctx, events.Event{
		OrgID: attempt.OrgID,
		Type:  eventType,
		Payload: events.CallCompletedPayload{
			CartID:        attempt.CartID.String(),
			AttemptID:     attempt.ID.String(),
			AttemptNumber: attempt.AttemptNumber,
			Outcome:       outcome,
		}.ToMap(),
		DedupeKey: fmt.Sprintf("attempt:%s:%s", attempt.ID, eventType),
	})
	if err != nil {
		p.log.Warn("failed to publish call event",
			zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
	}
}

func (p *Processor) loadCallContext(ctx context.Context, attempt calldomain.CallAttempt) (*cartdomain.Cart, *agentdomain.Agent, error) {
	var cart cartdomain.Cart
	if err := p.db.WithContext(ctx).First(&cart, "id = ?", attempt.CartID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("cart %s vanished", attempt.CartID)
		}
		return nil, nil, err
	}
	var agent agentdomain.Agent
	if err := p.db.WithContext(ctx).First(&agent, "id = ?", attempt.AgentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("agent %s vanished", attempt.AgentID)
		}
		return nil, nil, err
	}
	if strings.TrimSpace(cart.CustomerPhone) == "" {
		return nil, nil, fmt.Errorf("cart %s has no contact number", attempt.CartID)
	}
	return &cart, &agent, nil
}

// activeAgents returns the org's active agents in priority order, cached
// briefly so a large batch does not re-read agent rows per cart.
func (p *Processor) activeAgents(ctx context.Context, orgID snowflake.ID) ([]agentdomain.Agent, error) {
	if agents, ok := p.agentCache.Get(orgID); ok {
		return agents, nil
	}
	var agents []agentdomain.Agent
	err := p.db.WithContext(ctx).
		Where("org_id = ? AND status = ?", orgID, agentdomain.AgentStatusActive).
		Order("priority ASC, id ASC").
		Find(&agents).Error
	if err != nil {
		return nil, err
	}
	p.agentCache.Set(orgID, agents, p.cfg.AgentCacheTTL)
	return agents, nil
}

func buildSnapshot(cart cartdomain.Cart) (eligibility.Snapshot, error) {
	snap := eligibility.Snapshot{
		TotalCents:   cart.TotalCents,
		Currency:     cart.Currency,
		CustomerType: cart.CustomerType,
	}
	if len(cart.LineItems) > 0 {
		var items []cartdomain.LineItem
		if err := json.Unmarshal(cart.LineItems, &items); err != nil {
			return snap, err
		}
		for _, item := range items {
			snap.ProductTitles = append(snap.ProductTitles, item.Title)
		}
	}
	if len(cart.DiscountCodes) > 0 {
		if err := json.Unmarshal(cart.DiscountCodes, &snap.DiscountCodes); err != nil {
			return snap, err
		}
	}
	return snap, nil
}
