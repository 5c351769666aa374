package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	cartdomain "github.com/smallbiznis/cartcall/internal/cart/domain"
	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/commerce"
	"github.com/smallbiznis/cartcall/internal/config"
	"github.com/smallbiznis/cartcall/internal/migration"
)

type fakeCommerce struct {
	checkouts map[string][]commerce.Checkout
	err       error
	failOrgs  map[string]bool
}

func (f *fakeCommerce) ListAbandonedCheckouts(_ context.Context, orgRef string, _ time.Time) ([]commerce.Checkout, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.failOrgs[orgRef] {
		return nil, errors.New("platform returned 502")
	}
	return f.checkouts[orgRef], nil
}

type scannerFixture struct {
	scanner  *Scanner
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FixedClock
	commerce *fakeCommerce
}

func setupScannerTest(t *testing.T) *scannerFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migration.RunMigrations(sqlDB); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fc := &clock.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fake := &fakeCommerce{checkouts: map[string][]commerce.Checkout{}, failOrgs: map[string]bool{}}

	var cfg config.Config
	cfg.Scanner.Lookback = 72 * time.Hour
	sc := New(Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, Commerce: fake, Cfg: cfg})
	return &scannerFixture{scanner: sc, db: db, node: node, clock: fc, commerce: fake}
}

func (f *scannerFixture) insertOrg(t *testing.T, name string) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	if err := f.db.Exec(
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, f.clock.Instant,
	).Error; err != nil {
		t.Fatalf("insert org: %v", err)
	}
	return id
}

func sampleCheckout(ref string, totalCents int64) commerce.Checkout {
	return commerce.Checkout{
		CheckoutRef:   ref,
		TotalCents:    totalCents,
		Currency:      "USD",
		Lines:         []commerce.CheckoutLine{{Title: "Desk Lamp", Quantity: 1, PriceCents: totalCents}},
		DiscountCodes: []string{"SAVE10"},
		CustomerName:  "Dana",
		CustomerPhone: "+15550100200",
		CustomerType:  "returning",
	}
}

func TestScanCreatesWaitingCarts(t *testing.T) {
	f := setupScannerTest(t)
	orgID := f.insertOrg(t, "Acme")
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{
		sampleCheckout("chk_1", 4900),
		sampleCheckout("chk_2", 12000),
	}

	summary, err := f.scanner.Scan(context.Background(), orgID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.Discovered != 2 || len(summary.NewCarts) != 2 {
		t.Fatalf("summary = %+v", summary)
	}

	var carts []cartdomain.Cart
	if err := f.db.Where("org_id = ?", orgID).Order("checkout_ref").Find(&carts).Error; err != nil {
		t.Fatalf("load carts: %v", err)
	}
	if len(carts) != 2 {
		t.Fatalf("cart count = %d, want 2", len(carts))
	}
	for _, cart := range carts {
		if cart.Status != cartdomain.StatusWaiting {
			t.Fatalf("cart %s status = %s, want waiting", cart.CheckoutRef, cart.Status)
		}
	}
	if carts[0].TotalCents != 4900 || carts[1].TotalCents != 12000 {
		t.Fatalf("totals = %d, %d", carts[0].TotalCents, carts[1].TotalCents)
	}
	if !strings.Contains(string(carts[0].LineItems), "Desk Lamp") {
		t.Fatalf("line items not encoded: %s", carts[0].LineItems)
	}
}

func TestScanCapsCycleAtBatchSize(t *testing.T) {
	f := setupScannerTest(t)
	f.scanner.batchSize = 1
	orgID := f.insertOrg(t, "Acme")
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{
		sampleCheckout("chk_1", 4900),
		sampleCheckout("chk_2", 12000),
	}

	summary, err := f.scanner.Scan(context.Background(), orgID)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if summary.Discovered != 1 || len(summary.NewCarts) != 1 {
		t.Fatalf("summary = %+v, want one cart per cycle", summary)
	}

	// The remainder is still inside the lookback window; once the first
	// checkout converts and drops out of the listing, the next cycle picks
	// up the rest.
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{sampleCheckout("chk_2", 12000)}
	summary, err = f.scanner.Scan(context.Background(), orgID)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(summary.NewCarts) != 1 {
		t.Fatalf("second cycle created %d carts, want 1", len(summary.NewCarts))
	}

	var count int64
	if err := f.db.Model(&cartdomain.Cart{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count carts: %v", err)
	}
	if count != 2 {
		t.Fatalf("cart count = %d, want 2", count)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	f := setupScannerTest(t)
	orgID := f.insertOrg(t, "Acme")
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{sampleCheckout("chk_1", 4900)}

	if _, err := f.scanner.Scan(context.Background(), orgID); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	// Second scan sees the same checkout with an updated total.
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{sampleCheckout("chk_1", 5200)}
	summary, err := f.scanner.Scan(context.Background(), orgID)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(summary.NewCarts) != 0 {
		t.Fatalf("second scan reported %d new carts, want 0", len(summary.NewCarts))
	}

	var carts []cartdomain.Cart
	if err := f.db.Where("org_id = ?", orgID).Find(&carts).Error; err != nil {
		t.Fatalf("load carts: %v", err)
	}
	if len(carts) != 1 {
		t.Fatalf("cart count = %d, want 1", len(carts))
	}
	if carts[0].TotalCents != 5200 {
		t.Fatalf("total = %d, want refreshed 5200", carts[0].TotalCents)
	}
}

func TestConcurrentScansCreateSingleCart(t *testing.T) {
	f := setupScannerTest(t)
	orgID := f.insertOrg(t, "Acme")
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{sampleCheckout("chk_1", 4900)}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.scanner.Scan(context.Background(), orgID); err != nil {
				t.Errorf("scan: %v", err)
			}
		}()
	}
	wg.Wait()

	var count int64
	if err := f.db.Model(&cartdomain.Cart{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count carts: %v", err)
	}
	if count != 1 {
		t.Fatalf("cart count = %d, want exactly 1", count)
	}
}

func TestScanNeverRegressesProgressedCart(t *testing.T) {
	f := setupScannerTest(t)
	orgID := f.insertOrg(t, "Acme")
	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{sampleCheckout("chk_1", 4900)}

	if _, err := f.scanner.Scan(context.Background(), orgID); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := f.db.Exec(
		`UPDATE carts SET status = ? WHERE org_id = ?`, cartdomain.StatusQueued, orgID,
	).Error; err != nil {
		t.Fatalf("progress cart: %v", err)
	}

	f.commerce.checkouts[orgID.String()] = []commerce.Checkout{sampleCheckout("chk_1", 100)}
	if _, err := f.scanner.Scan(context.Background(), orgID); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	var cart cartdomain.Cart
	if err := f.db.First(&cart, "org_id = ?", orgID).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if cart.Status != cartdomain.StatusQueued {
		t.Fatalf("cart status = %s, want queued untouched", cart.Status)
	}
	if cart.TotalCents != 4900 {
		t.Fatalf("total = %d, progressed cart must not be rewritten", cart.TotalCents)
	}
}

func TestScanAbortsOnFetchFailure(t *testing.T) {
	f := setupScannerTest(t)
	orgID := f.insertOrg(t, "Acme")
	f.commerce.err = errors.New("connection refused")

	if _, err := f.scanner.Scan(context.Background(), orgID); err == nil {
		t.Fatal("expected fetch error to abort the scan")
	}
}

func TestScanAllIsolatesOrgFailures(t *testing.T) {
	f := setupScannerTest(t)
	goodOrg := f.insertOrg(t, "Acme")
	badOrg := f.insertOrg(t, "Globex")
	f.commerce.checkouts[goodOrg.String()] = []commerce.Checkout{sampleCheckout("chk_1", 4900)}
	f.commerce.failOrgs[badOrg.String()] = true

	summary, err := f.scanner.ScanAll(context.Background())
	if err == nil {
		t.Fatal("expected first error to surface")
	}
	if len(summary.NewCarts) != 1 {
		t.Fatalf("new carts = %d, want 1 from the healthy org", len(summary.NewCarts))
	}
}
