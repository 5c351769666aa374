package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/smallbiznis/cartcall/internal/clock"
	"github.com/smallbiznis/cartcall/internal/commerce"
	"github.com/smallbiznis/cartcall/internal/config"
	"github.com/smallbiznis/cartcall/internal/events"
	"github.com/smallbiznis/cartcall/internal/migration"
	"github.com/smallbiznis/cartcall/internal/processor"
	"github.com/smallbiznis/cartcall/internal/scanner"
	"github.com/smallbiznis/cartcall/internal/usagegate"
	"github.com/smallbiznis/cartcall/internal/voice"
)

type stubCommerce struct{}

func (stubCommerce) ListAbandonedCheckouts(context.Context, string, time.Time) ([]commerce.Checkout, error) {
	return nil, nil
}

type stubVoice struct{}

func (stubVoice) PlaceCall(context.Context, voice.PlacementRequest) (voice.Result, error) {
	return voice.Result{CallRef: "stub", Outcome: "answered"}, nil
}

const testJobSecret = "job-secret-1"

func setupServerTest(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	var cfg config.Config
	cfg.JobSharedSecret = testJobSecret
	cfg.Scanner.Lookback = 72 * time.Hour

	log := zap.NewNop()
	fc := &clock.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	outbox := events.NewOutbox(db, node)
	gate := usagegate.New(usagegate.Params{DB: db, Log: log, Clock: fc, Outbox: outbox})

	sc := scanner.New(scanner.Params{DB: db, Log: log, GenID: node, Clock: fc, Commerce: stubCommerce{}, Cfg: cfg})
	proc := processor.New(processor.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Gate: gate, Voice: stubVoice{}, Outbox: outbox,
		Config: processor.Config{BatchSize: 10, WorkerCount: 1, MaxAttempts: 3, AgentCacheTTL: time.Minute},
	})

	srv := NewServer(Params{Cfg: cfg, Log: log, DB: db, Scanner: sc, Processor: proc, Gate: gate})
	engine := gin.New()
	srv.RegisterRoutes(engine)
	return engine
}

func doRequest(engine *gin.Engine, method, path, secret, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestJobEndpointsRejectMissingSecret(t *testing.T) {
	engine := setupServerTest(t)

	for _, path := range []string{"/internal/jobs/scan", "/internal/jobs/process", "/internal/jobs/reactivate"} {
		if w := doRequest(engine, http.MethodPost, path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without secret: status = %d, want 401", path, w.Code)
		}
		if w := doRequest(engine, http.MethodPost, path, "wrong-secret", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s with wrong secret: status = %d, want 401", path, w.Code)
		}
	}
}

func TestHealthzIsOpen(t *testing.T) {
	engine := setupServerTest(t)
	w := doRequest(engine, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", w.Code)
	}
}

func TestUnknownRouteReturnsErrorEnvelope(t *testing.T) {
	engine := setupServerTest(t)
	w := doRequest(engine, http.MethodGet, "/internal/jobs/unknown", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestTriggerProcessReturnsSummary(t *testing.T) {
	engine := setupServerTest(t)
	w := doRequest(engine, http.MethodPost, "/internal/jobs/process", testJobSecret, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "carts_queued") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestTriggerScanReturnsSummary(t *testing.T) {
	engine := setupServerTest(t)
	w := doRequest(engine, http.MethodPost, "/internal/jobs/scan", testJobSecret, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "discovered") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestTriggerScanSingleOrgByQuery(t *testing.T) {
	engine := setupServerTest(t)
	w := doRequest(engine, http.MethodPost, "/internal/jobs/scan?org_id=123456789", testJobSecret, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestTriggerReactivateValidatesOrgID(t *testing.T) {
	engine := setupServerTest(t)

	w := doRequest(engine, http.MethodPost, "/internal/jobs/reactivate", testJobSecret, `{"org_id":"not-a-number"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = doRequest(engine, http.MethodPost, "/internal/jobs/reactivate", testJobSecret, `{"org_id":"123456789"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "reactivated") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}
