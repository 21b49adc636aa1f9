package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FlashLever/internal/core"
	"FlashLever/internal/guarantee"
	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	"FlashLever/internal/observability"
	"FlashLever/internal/scheduler"
	"FlashLever/internal/server"
	"FlashLever/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	usdc = ledger.MustAssetID("USDC")
	eth  = ledger.MustAssetID("ETH")
)

type apiHarness struct {
	t        *testing.T
	engine   *core.Engine
	provider *guarantee.MemoryProvider
	handler  http.Handler
	now      time.Time
}

func newAPI(t *testing.T, rateLimit float64, burst int) *apiHarness {
	t.Helper()
	h := &apiHarness{
		t:        t,
		provider: guarantee.NewMemoryProvider(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	l := ledger.NewLedger(ledger.NewBalanceTracker(), 0)
	oracle := market.NewStaticOracle(usdc)
	oracle.SetPrice(eth, 10_000_000)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	e, err := core.NewEngine(core.Config{
		Params:        state.DefaultRiskParams(),
		QuoteAsset:    usdc,
		PositionAsset: eth,
	}, core.Deps{
		Ledger:      l,
		Lending:     market.NewLendingShim(l, oracle, ledger.CustodyKey, 8_500),
		Venue:       market.NewOracleVenue(l, oracle, ledger.CustodyKey, 0).WithClock(clock),
		Oracle:      oracle,
		Provider:    h.provider,
		Metrics:     metrics,
		PersistChan: make(chan core.CoreOutput, 4096),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine = e.WithClock(clock)
	h.provider.Bind(e.Guarantees())

	ctx := context.Background()
	for acct, amt := range map[ledger.AccountKey]int64{
		ledger.LendingMarketKey(usdc): 1_000_000_000_000,
		ledger.SwapVenueKey(usdc):     1_000_000_000_000,
		ledger.SwapVenueKey(eth):      1_000_000_000,
	} {
		if err := e.FundSystem(ctx, acct, amt); err != nil {
			t.Fatal(err)
		}
	}

	srv := server.NewServer(":0", ":0", server.Deps{
		Engine:     e,
		Guarantees: e.Guarantees(),
		Trigger:    scheduler.NewTrigger(e.Guarantees()).WithClock(clock),
		Metrics:    metrics,
		RateLimit:  rateLimit,
		RateBurst:  burst,
		Now:        clock,
	})
	handler, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}
	h.handler = handler
	return h
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (h *apiHarness) do(method, path string, body interface{}) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		h.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func (h *apiHarness) mustDo(method, path string, body interface{}, want int) json.RawMessage {
	h.t.Helper()
	code, env := h.do(method, path, body)
	if code != want {
		h.t.Fatalf("%s %s: status %d (want %d): %s", method, path, code, want, env.Error)
	}
	return env.Data
}

func (h *apiHarness) fundPool() {
	lp := uuid.New()
	h.mustDo("POST", fmt.Sprintf("/v1/wallets/%s/deposits", lp), map[string]string{"asset": "USDC", "amount": "1000"}, http.StatusCreated)
	h.mustDo("POST", fmt.Sprintf("/v1/pool/providers/%s/provide", lp), map[string]string{"amount": "1000"}, http.StatusCreated)
}

func (h *apiHarness) trader() uuid.UUID {
	user := uuid.New()
	h.mustDo("POST", fmt.Sprintf("/v1/wallets/%s/deposits", user), map[string]string{"asset": "ETH", "amount": "1"}, http.StatusCreated)
	return user
}

func (h *apiHarness) openBody(leverage string) map[string]interface{} {
	return map[string]interface{}{
		"leverage":            leverage,
		"collateral":          "1",
		"guarantee_reference": "hold-1",
		"guarantee_expiry":    h.now.Add(time.Hour),
	}
}

func TestWallet_DepositIsIdempotent(t *testing.T) {
	h := newAPI(t, 1000, 1000)
	user := uuid.New()
	body := map[string]string{"operation_id": uuid.NewString(), "asset": "USDC", "amount": "12.5"}

	h.mustDo("POST", fmt.Sprintf("/v1/wallets/%s/deposits", user), body, http.StatusCreated)
	code, env := h.do("POST", fmt.Sprintf("/v1/wallets/%s/deposits", user), body)
	if code != http.StatusConflict || env.Code != "conflict" {
		t.Errorf("replayed deposit: %d %+v", code, env)
	}

	var wallet struct {
		Balances map[string]string `json:"balances"`
	}
	if err := json.Unmarshal(h.mustDo("GET", fmt.Sprintf("/v1/wallets/%s", user), nil, http.StatusOK), &wallet); err != nil {
		t.Fatal(err)
	}
	if wallet.Balances["USDC"] != "12.5" || wallet.Balances["ETH"] != "0" {
		t.Errorf("balances: %v", wallet.Balances)
	}
}

func TestPosition_OpenGetClose(t *testing.T) {
	h := newAPI(t, 1000, 1000)
	h.fundPool()
	user := h.trader()

	var opened map[string]string
	raw := h.mustDo("POST", fmt.Sprintf("/v1/positions/%s/open", user), h.openBody("2"), http.StatusCreated)
	if err := json.Unmarshal(raw, &opened); err != nil {
		t.Fatal(err)
	}
	if opened["borrow_value"] != "10" || opened["premium"] != "0.009" || opened["borrowed_debt"] != "10.009" {
		t.Errorf("open response: %v", opened)
	}

	var pos struct {
		IsActive   bool   `json:"is_active"`
		Leverage   string `json:"leverage"`
		Collateral string `json:"collateral"`
	}
	if err := json.Unmarshal(h.mustDo("GET", fmt.Sprintf("/v1/positions/%s", user), nil, http.StatusOK), &pos); err != nil {
		t.Fatal(err)
	}
	if !pos.IsActive || pos.Leverage != "2" || pos.Collateral != "1" {
		t.Errorf("position: %+v", pos)
	}

	if code, env := h.do("POST", fmt.Sprintf("/v1/positions/%s/open", user), h.openBody("2")); code != http.StatusConflict {
		t.Errorf("second open: %d %+v", code, env)
	}

	h.mustDo("POST", fmt.Sprintf("/v1/positions/%s/close", user), nil, http.StatusOK)
	if code, _ := h.do("GET", fmt.Sprintf("/v1/positions/%s", user), nil); code != http.StatusNotFound {
		t.Errorf("closed position still served: %d", code)
	}
	if len(h.provider.Requests()) != 1 {
		t.Errorf("expected a release request, got %+v", h.provider.Requests())
	}
}

func TestErrors_StatusMapping(t *testing.T) {
	h := newAPI(t, 1000, 1000)
	user := h.trader()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"leverage too high", "POST", fmt.Sprintf("/v1/positions/%s/open", user), h.openBody("6"), http.StatusBadRequest, "validation"},
		{"bad user id", "POST", "/v1/positions/not-a-uuid/open", h.openBody("2"), http.StatusBadRequest, "bad_request"},
		{"too precise", "POST", fmt.Sprintf("/v1/wallets/%s/deposits", user), map[string]string{"asset": "ETH", "amount": "0.0000001"}, http.StatusBadRequest, "bad_request"},
		{"unknown field", "POST", fmt.Sprintf("/v1/wallets/%s/deposits", user), map[string]string{"asset": "ETH", "amount": "1", "memo": "x"}, http.StatusBadRequest, "bad_request"},
		{"no active position", "POST", fmt.Sprintf("/v1/positions/%s/close", user), nil, http.StatusBadRequest, "validation"},
		{"empty pool rolls back", "POST", fmt.Sprintf("/v1/positions/%s/open", user), h.openBody("2"), http.StatusUnprocessableEntity, "settlement_failed"},
		{"no database", "GET", fmt.Sprintf("/v1/positions/%s/history", user), nil, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := h.do(tt.method, tt.path, tt.body)
			if code != tt.status || env.Code != tt.code || env.Success {
				t.Errorf("got %d %+v, want %d %s", code, env, tt.status, tt.code)
			}
		})
	}
}

func TestTrigger_CheckPerformAndCallback(t *testing.T) {
	h := newAPI(t, 1000, 1000)
	h.fundPool()
	user := h.trader()
	h.mustDo("POST", fmt.Sprintf("/v1/positions/%s/open", user), h.openBody("2"), http.StatusCreated)

	var check struct {
		Needed  bool            `json:"needed"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(h.mustDo("GET", "/v1/trigger/check", nil, http.StatusOK), &check); err != nil {
		t.Fatal(err)
	}
	if check.Needed {
		t.Fatal("trigger needed before expiry")
	}

	h.now = h.now.Add(2 * time.Hour)
	if err := json.Unmarshal(h.mustDo("GET", "/v1/trigger/check", nil, http.StatusOK), &check); err != nil {
		t.Fatal(err)
	}
	if !check.Needed {
		t.Fatal("expired guarantee not reported")
	}

	var res scheduler.PerformResult
	if err := json.Unmarshal(h.mustDo("POST", "/v1/trigger/perform", []byte(check.Payload), http.StatusOK), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 1 {
		t.Fatalf("perform result: %+v", res)
	}

	h.mustDo("POST", "/v1/guarantees/results", map[string]interface{}{
		"request_id": res.Charged[0],
		"success":    true,
		"status":     "captured",
	}, http.StatusAccepted)

	var pos struct {
		IsActive         bool `json:"is_active"`
		GuaranteeCharged bool `json:"guarantee_charged"`
	}
	if err := json.Unmarshal(h.mustDo("GET", fmt.Sprintf("/v1/positions/%s", user), nil, http.StatusOK), &pos); err != nil {
		t.Fatal(err)
	}
	if !pos.GuaranteeCharged || !pos.IsActive {
		t.Errorf("position after capture: %+v", pos)
	}

	if err := json.Unmarshal(h.mustDo("POST", "/v1/trigger/perform", []byte(check.Payload), http.StatusOK), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 0 || res.Skipped != 1 {
		t.Errorf("replayed payload charged again: %+v", res)
	}

	if code, env := h.do("POST", "/v1/trigger/perform", []byte("garbage")); code != http.StatusBadRequest {
		t.Errorf("bad payload: %d %+v", code, env)
	}
}

func TestRateLimit(t *testing.T) {
	h := newAPI(t, 0.001, 2)
	for i := 0; i < 2; i++ {
		h.mustDo("GET", "/v1/pool", nil, http.StatusOK)
	}
	code, env := h.do("GET", "/v1/pool", nil)
	if code != http.StatusTooManyRequests || env.Code != "rate_limited" {
		t.Errorf("expected 429, got %d %+v", code, env)
	}
}
