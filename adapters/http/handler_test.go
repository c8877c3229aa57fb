package http_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/adapters/clock"
	apihttp "github.com/vistara-apps/usagebill/adapters/http"
	"github.com/vistara-apps/usagebill/adapters/idgen"
	"github.com/vistara-apps/usagebill/adapters/memory"
	"github.com/vistara-apps/usagebill/adapters/metrics"
	"github.com/vistara-apps/usagebill/adapters/payment"
	"github.com/vistara-apps/usagebill/app"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	clock   *clock.Fake
	billing *app.BillingService
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	clk := clock.NewFake(baseTime)
	plans := memory.NewPlanStore()
	subs := memory.NewSubscriptionStore()

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	billing := app.NewBillingService(app.BillingDeps{
		Plans:         plans,
		Subscriptions: subs,
		Clock:         clk,
		IDGen:         idgen.NewSequential("sub_"),
		Observer:      m,
		Logger:        logger,
	}, app.BillingConfig{Currency: "usd"})

	h := apihttp.NewHandler(apihttp.Services{
		Plans:     app.NewPlanService(plans, subs, clk, logger),
		Billing:   billing,
		Analytics: app.NewAnalyticsService(billing, subs, clk, m, logger, 2),
		Collections: app.NewCollectionService(app.CollectionDeps{
			Billing:       billing,
			Subscriptions: subs,
			Collections:   memory.NewCollectionStore(),
			Collector:     payment.NewDummyCollector(),
			Clock:         clk,
			Observer:      m,
			Logger:        logger,
		}),
	}, logger)

	router := apihttp.NewRouter(h, apihttp.NewHealthHandler(nil), logger, apihttp.RouterConfig{
		Version:        "1.2.3",
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &testServer{handler: router, clock: clk, billing: billing}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid JSON body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

const starterJSON = `{
	"id": "starter",
	"name": "Starter",
	"base_price": 2999,
	"usage_limit": 1000,
	"overage_unit_price": "10",
	"overage_margin_percent": 20
}`

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (s *testServer) createSubscription(t *testing.T) string {
	t.Helper()
	if rec, _ := s.do(t, "POST", "/v1/plans", starterJSON); rec.Code != http.StatusCreated {
		t.Fatalf("create plan status = %d, body %s", rec.Code, rec.Body)
	}
	rec, body := s.do(t, "POST", "/v1/subscriptions", `{"customer_id":"cus_1","plan_id":"starter"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create subscription status = %d, body %s", rec.Code, rec.Body)
	}
	return body["id"].(string)
}

// -----------------------------------------------------------------------------
// System endpoints
// -----------------------------------------------------------------------------

func TestHealthAndVersion(t *testing.T) {
	s := setupTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec, body := s.do(t, "GET", path, "")
		if rec.Code != http.StatusOK || body["status"] != "ok" {
			t.Errorf("%s = %d %v", path, rec.Code, body)
		}
	}

	rec, body := s.do(t, "GET", "/version", "")
	if rec.Code != http.StatusOK || body["version"] != "1.2.3" || body["service"] != "usagebill" {
		t.Errorf("/version = %d %v", rec.Code, body)
	}
}

// -----------------------------------------------------------------------------
// Plan endpoints
// -----------------------------------------------------------------------------

func TestPlans_CreateGetList(t *testing.T) {
	s := setupTestServer(t)

	rec, body := s.do(t, "POST", "/v1/plans", starterJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if body["billed_unit_rate"] != "12" || body["status"] != "active" || body["version"] != float64(1) {
		t.Errorf("created plan = %v", body)
	}

	rec, body = s.do(t, "GET", "/v1/plans/starter", "")
	if rec.Code != http.StatusOK || body["name"] != "Starter" {
		t.Errorf("GET plan = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/v1/plans", "")
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("list = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "PATCH", "/v1/plans/starter", `{"usage_limit": 2000}`)
	if rec.Code != http.StatusOK || body["version"] != float64(2) || body["usage_limit"] != float64(2000) {
		t.Errorf("PATCH = %d %v", rec.Code, body)
	}
}

func TestPlans_Errors(t *testing.T) {
	s := setupTestServer(t)
	s.do(t, "POST", "/v1/plans", starterJSON)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"duplicate", "POST", "/v1/plans", starterJSON, http.StatusConflict, "conflict"},
		{"zero limit", "POST", "/v1/plans", `{"id":"bad","usage_limit":0,"overage_margin_percent":"20"}`,
			http.StatusUnprocessableEntity, "invalid_plan_configuration"},
		{"margin at -100", "PATCH", "/v1/plans/starter", `{"overage_margin_percent":"-100"}`,
			http.StatusUnprocessableEntity, "invalid_plan_configuration"},
		{"unknown plan", "GET", "/v1/plans/nope", "", http.StatusNotFound, "not_found"},
		{"malformed json", "POST", "/v1/plans", `{"id":`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", "POST", "/v1/plans", `{"id":"x","price":1}`, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if code := errorCode(body); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestPlans_RemoveAndStatus(t *testing.T) {
	s := setupTestServer(t)
	s.createSubscription(t)

	rec, body := s.do(t, "DELETE", "/v1/plans/starter", "")
	if rec.Code != http.StatusOK || body["status"] != "archived" {
		t.Errorf("DELETE referenced plan = %d %v, want 200 archived", rec.Code, body)
	}

	rec, body = s.do(t, "POST", "/v1/subscriptions", `{"customer_id":"cus_2","plan_id":"starter"}`)
	if rec.Code != http.StatusConflict || errorCode(body) != "plan_not_offered" {
		t.Errorf("subscribe to archived = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "POST", "/v1/plans/starter/publish", "")
	if rec.Code != http.StatusOK || body["status"] != "active" {
		t.Errorf("publish = %d %v", rec.Code, body)
	}

	free := strings.Replace(starterJSON, `"starter"`, `"free"`, 1)
	s.do(t, "POST", "/v1/plans", free)
	if rec, _ := s.do(t, "DELETE", "/v1/plans/free", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE unreferenced plan = %d, want 204", rec.Code)
	}
}

// -----------------------------------------------------------------------------
// Subscription endpoints
// -----------------------------------------------------------------------------

func TestSubscriptions_ReadingFlow(t *testing.T) {
	s := setupTestServer(t)
	id := s.createSubscription(t)

	rec, body := s.do(t, "POST", "/v1/subscriptions/"+id+"/readings", `{"usage": 1250}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reading status = %d, body %s", rec.Code, rec.Body)
	}
	if body["status"] != "running-overage" {
		t.Errorf("status = %v, want running-overage", body["status"])
	}
	usage := body["usage"].(map[string]any)
	if usage["overage_units"] != float64(250) || usage["is_overage"] != true || usage["level"] != "exceeded" {
		t.Errorf("usage = %v", usage)
	}
	charge := body["charge"].(map[string]any)
	if charge["overage_charge"] != float64(3000) || charge["billed_unit_rate"] != "12" {
		t.Errorf("charge = %v", charge)
	}
	invoice := body["invoice"].(map[string]any)
	if invoice["total"] != float64(5999) || len(invoice["items"].([]any)) != 2 {
		t.Errorf("invoice = %v", invoice)
	}

	rec, body = s.do(t, "GET", "/v1/subscriptions/"+id, "")
	if rec.Code != http.StatusOK || body["usage"].(map[string]any)["current_usage"] != float64(1250) {
		t.Errorf("GET subscription = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/v1/subscriptions?plan_id=starter&lifecycle=running", "")
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("list = %d %v", rec.Code, body)
	}
}

func TestSubscriptions_ReadingErrors(t *testing.T) {
	s := setupTestServer(t)
	id := s.createSubscription(t)
	path := "/v1/subscriptions/" + id + "/readings"

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"negative", path, `{"usage": -5}`, http.StatusUnprocessableEntity, "invalid_usage_reading"},
		{"fractional", path, `{"usage": 12.5}`, http.StatusUnprocessableEntity, "invalid_usage_reading"},
		{"wrong period", path, `{"usage": 5, "period_start": "2026-02-01T00:00:00Z"}`,
			http.StatusUnprocessableEntity, "invalid_usage_reading"},
		{"missing usage", path, `{}`, http.StatusBadRequest, "invalid_request"},
		{"string usage", path, `{"usage": "lots"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown subscription", "/v1/subscriptions/sub_404/readings", `{"usage": 5}`, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(t, "POST", tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if code := errorCode(body); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	s := setupTestServer(t)
	id := s.createSubscription(t)
	s.do(t, "POST", "/v1/subscriptions/"+id+"/readings", `{"usage": 10000}`)

	rec, body := s.do(t, "POST", "/v1/subscriptions/"+id+"/lifecycle", `{"lifecycle":"canceled"}`)
	if rec.Code != http.StatusOK || body["status"] != "canceled" {
		t.Fatalf("cancel = %d %v", rec.Code, body)
	}
	if body["invoice"].(map[string]any)["status"] != "void" {
		t.Errorf("canceled invoice = %v, want void", body["invoice"])
	}

	rec, body = s.do(t, "POST", "/v1/subscriptions/"+id+"/lifecycle", `{"lifecycle":"running"}`)
	if rec.Code != http.StatusConflict || errorCode(body) != "invalid_subscription_state" {
		t.Errorf("resume canceled = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "POST", "/v1/subscriptions/"+id+"/readings", `{"usage": 1}`)
	if rec.Code != http.StatusConflict || errorCode(body) != "invalid_subscription_state" {
		t.Errorf("reading on canceled = %d %v", rec.Code, body)
	}

	rec, _ = s.do(t, "GET", "/v1/subscriptions?lifecycle=frozen", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown lifecycle filter = %d, want 400", rec.Code)
	}
}

// -----------------------------------------------------------------------------
// Analytics and collection endpoints
// -----------------------------------------------------------------------------

func TestAnalytics_EmptyPortfolioHasNoData(t *testing.T) {
	s := setupTestServer(t)

	rec, body := s.do(t, "GET", "/v1/analytics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	p := body["portfolio"].(map[string]any)
	if v, ok := p["overage_rate_percent"]; !ok || v != nil {
		t.Errorf("overage_rate_percent = %v, want null", v)
	}
	if v, ok := p["average_overage_charge"]; !ok || v != nil {
		t.Errorf("average_overage_charge = %v, want null", v)
	}
	if p["risk"] != "none" {
		t.Errorf("risk = %v, want none", p["risk"])
	}
}

func TestAnalytics_CollectionRun(t *testing.T) {
	s := setupTestServer(t)
	id := s.createSubscription(t)
	s.do(t, "POST", "/v1/subscriptions/"+id+"/readings", `{"usage": 1250}`)

	_, body := s.do(t, "GET", "/v1/analytics", "")
	p := body["portfolio"].(map[string]any)
	if p["overage_rate_percent"] != "100" || p["monthly_revenue"] != float64(5999) || p["risk"] != "high" {
		t.Errorf("portfolio = %v", p)
	}
	if p["revenue_impact_percent"] != "100.0333" {
		t.Errorf("revenue_impact_percent = %v, want 100.0333", p["revenue_impact_percent"])
	}
	if body["pending_collection"] != float64(3000) {
		t.Errorf("pending_collection = %v, want 3000", body["pending_collection"])
	}

	s.clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if _, err := s.billing.RolloverAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	rec, body := s.do(t, "POST", "/v1/collections/run?since=2026-01-01", "")
	if rec.Code != http.StatusOK || body["collected"] != float64(1) || body["amount"] != float64(3000) {
		t.Errorf("collection run = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/v1/subscriptions/"+id+"/collections", "")
	if rec.Code != http.StatusOK || len(body["collections"].([]any)) != 1 {
		t.Errorf("collections = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/v1/analytics/revenue?since=2026-01-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("revenue status = %d", rec.Code)
	}
	periods := body["periods"].([]any)
	if len(periods) != 2 || periods[0].(map[string]any)["total"] != float64(2999+3000) {
		t.Fatalf("periods = %v", periods)
	}
	if g := periods[0].(map[string]any)["growth_percent"]; g != nil {
		t.Errorf("first period growth = %v, want null", g)
	}
	if g := periods[1].(map[string]any)["growth_percent"]; g != "-50.0083" {
		t.Errorf("second period growth = %v, want -50.0083", g)
	}

	rec, _ = s.do(t, "GET", "/v1/analytics/revenue?since=March", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	id := s.createSubscription(t)
	s.do(t, "POST", "/v1/subscriptions/"+id+"/readings", `{"usage": 1250}`)
	s.do(t, "POST", "/v1/subscriptions/"+id+"/readings", `{"usage": -1}`)

	rec, _ := s.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`usagebill_http_requests_total{method="POST",route="/v1/subscriptions/{id}/readings",status="2xx"} 1`,
		`usagebill_http_requests_total{method="POST",route="/v1/subscriptions/{id}/readings",status="4xx"} 1`,
		`usagebill_usage_readings_total{outcome="accepted"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
