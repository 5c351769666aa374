// Package scanner discovers newly-abandoned checkouts and upserts them into
// the cart store. Scans are idempotent: re-running against the same source
// data creates no duplicate carts and regresses no cart that has already
// progressed past waiting.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	cartdomain "github.com/smallbiznis/cartcall/internal/cart/domain"
	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/commerce"
	"github.com/smallbiznis/cartcall/internal/config"
	"github.com/smallbiznis/cartcall/internal/observability/metrics"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Commerce commerce.Client
	Cfg      config.Config
	Metrics  *metrics.CampaignMetrics `optional:"true"`
}

// Scanner runs cart discovery cycles.
type Scanner struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	commerce  commerce.Client
	lookback  time.Duration
	batchSize int
	metrics   *metrics.CampaignMetrics
}

// Summary reports one scan cycle for one org.
type Summary struct {
	Discovered int               `json:"discovered"`
	NewCarts   []cartdomain.Cart `json:"-"`
	NewCartIDs []string          `json:"new_cart_ids"`
}

func New(p Params) *Scanner {
	lookback := p.Cfg.Scanner.Lookback
	if lookback <= 0 {
		lookback = 72 * time.Hour
	}
	batchSize := p.Cfg.Scanner.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scanner{
		db:        p.DB,
		log:       p.Log.Named("scanner"),
		genID:     p.GenID,
		clock:     p.Clock,
		commerce:  p.Commerce,
		lookback:  lookback,
		batchSize: batchSize,
		metrics:   p.Metrics,
	}
}

// Scan runs one discovery cycle for one org. A failed fetch aborts the cycle;
// the next scheduled invocation retries naturally.
func (s *Scanner) Scan(ctx context.Context, orgID snowflake.ID) (Summary, error) {
	since := s.clock.Now().Add(-s.lookback)
	checkouts, err := s.commerce.ListAbandonedCheckouts(ctx, orgID.String(), since)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch abandoned checkouts: %w", err)
	}

	s.metrics.IncCycle(ctx, "scanner")

	if len(checkouts) > s.batchSize {
		// The lookback window re-lists whatever is cut off here, so the
		// remainder is picked up on the next cycle.
		checkouts = checkouts[:s.batchSize]
	}

	summary := Summary{Discovered: len(checkouts)}
	for _, checkout := range checkouts {
		cart, created, err := s.upsert(ctx, orgID, checkout)
		if err != nil {
			// One bad record must not abort the rest of the cycle.
			s.log.Warn("failed to upsert checkout",
				zap.String("org_id", orgID.String()),
				zap.String("checkout_ref", checkout.CheckoutRef),
				zap.Error(err))
			continue
		}
		if created {
			summary.NewCarts = append(summary.NewCarts, *cart)
			summary.NewCartIDs = append(summary.NewCartIDs, cart.ID.String())
		}
	}

	s.metrics.AddDiscovered(ctx, int64(len(summary.NewCarts)))
	return summary, nil
}

// ScanAll runs Scan for every org, isolating per-org failures.
func (s *Scanner) ScanAll(ctx context.Context) (Summary, error) {
	var orgIDs []snowflake.ID
	if err := s.db.WithContext(ctx).
		Table("organizations").
		Select("id").
		Scan(&orgIDs).Error; err != nil {
		return Summary{}, err
	}

	var total Summary
	var firstErr error
	for _, orgID := range orgIDs {
		summary, err := s.Scan(ctx, orgID)
		if err != nil {
			s.log.Warn("scan failed for org", zap.String("org_id", orgID.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total.Discovered += summary.Discovered
		total.NewCarts = append(total.NewCarts, summary.NewCarts...)
		total.NewCartIDs = append(total.NewCartIDs, summary.NewCartIDs...)
	}
	return total, firstErr
}

// upsert writes one checkout into the cart store keyed on (org, checkout
// ref). Carts that have progressed past waiting are never regressed.
func (s *Scanner) upsert(ctx context.Context, orgID snowflake.ID, checkout commerce.Checkout) (*cartdomain.Cart, bool, error) {
	if checkout.CheckoutRef == "" {
		return nil, false, errors.New("checkout record has no reference")
	}

	lineItems, discountCodes, err := encodeCheckoutFields(checkout)
	if err != nil {
		return nil, false, err
	}

	var existing cartdomain.Cart
	err = s.db.WithContext(ctx).
		Where("org_id = ? AND checkout_ref = ?", orgID, checkout.CheckoutRef).
		First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	now := s.clock.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cart := &cartdomain.Cart{
			ID:              s.genID.Generate(),
			OrgID:           orgID,
			CheckoutRef:     checkout.CheckoutRef,
			TotalCents:      checkout.TotalCents,
			Currency:        checkout.Currency,
			LineItems:       lineItems,
			DiscountCodes:   discountCodes,
			ShippingCountry: checkout.ShippingCountry,
			ShippingRegion:  checkout.ShippingRegion,
			CustomerRef:     checkout.CustomerRef,
			CustomerName:    checkout.CustomerName,
			CustomerPhone:   checkout.CustomerPhone,
			CustomerType:    checkout.CustomerType,
			Status:          cartdomain.StatusWaiting,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if !checkout.CreatedAt.IsZero() {
			created := checkout.CreatedAt
			cart.CheckoutCreatedAt = &created
		}
		if !checkout.LastActivityAt.IsZero() {
			activity := checkout.LastActivityAt
			cart.LastActivityAt = &activity
		}
		if err := s.db.WithContext(ctx).Create(cart).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// A concurrent scan inserted it first; not new to this cycle.
				return nil, false, nil
			}
			return nil, false, err
		}
		return cart, true, nil
	}

	// Conditional on status so a cart claimed by the processor between the
	// read and this write is left alone.
	result := s.db.WithContext(ctx).Exec(
		`UPDATE carts
		 SET total_cents = ?, currency = ?, line_items = ?, discount_codes = ?,
		     customer_phone = ?, customer_type = ?, last_activity_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		checkout.TotalCents,
		checkout.Currency,
		lineItems,
		discountCodes,
		checkout.CustomerPhone,
		checkout.CustomerType,
		nullableTime(checkout.LastActivityAt),
		now,
		existing.ID,
		[]cartdomain.Status{cartdomain.StatusInCheckout, cartdomain.StatusWaiting},
	)
	if result.Error != nil {
		return nil, false, result.Error
	}
	return &existing, false, nil
}

func encodeCheckoutFields(checkout commerce.Checkout) (datatypes.JSON, datatypes.JSON, error) {
	items := make([]cartdomain.LineItem, 0, len(checkout.Lines))
	for _, line := range checkout.Lines {
		items = append(items, cartdomain.LineItem{
			Title:      line.Title,
			Quantity:   line.Quantity,
			PriceCents: line.PriceCents,
		})
	}
	rawItems, err := json.Marshal(items)
	if err != nil {
		return nil, nil, err
	}

	codes := checkout.DiscountCodes
	if codes == nil {
		codes = []string{}
	}
	rawCodes, err := json.Marshal(codes)
	if err != nil {
		return nil, nil, err
	}
	return datatypes.JSON(rawItems), datatypes.JSON(rawCodes), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
