package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/order"
	"atreyu-bridge/internal/persistence"
	"atreyu-bridge/internal/reconciliation"
	"atreyu-bridge/pkg/db"
	"atreyu-bridge/pkg/exchanges/atreyu"
	"atreyu-bridge/pkg/exchanges/atreyu/venuetest"
)

const (
	testOperator = "admin"
	testPassword = "StrongPass123!"
)

type testEnv struct {
	ts     *httptest.Server
	venue  *venuetest.Server
	bus    *events.Bus
	client *http.Client
}

func newTestAPIServer(t *testing.T, h venuetest.Handler) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	venue := venuetest.New(h)
	t.Cleanup(venue.Close)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	journal := database.Journal()
	writer := persistence.NewBatchWriter(journal, 10, 50*time.Millisecond)

	venueClient := atreyu.New(atreyu.Config{
		TransportConfig: venue.Config(),
		Username:        "trader",
		Password:        "secret",
		Account:         "ACC1",
	})
	venueClient.SetRecorder(writer)

	bus := events.NewBus()
	gw := order.NewGateway(venueClient, order.Config{CashCurrency: "USD"})
	gw.OnEvent(order.PublishTo(bus))

	server, err := NewServer(Deps{
		Orders:        gw,
		Bus:           bus,
		Session:       venueClient,
		Journal:       journal,
		JournalWriter: writer,
		Reconciler:    reconciliation.NewService(gw, 0),
		JWTSecret:     "test-secret",
		Admin:         Admin{Username: testOperator, Password: testPassword},
		Meta:          SystemMeta{Venue: "atreyu", Account: "ACC1", Version: "test"},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		httpServer.Close()
		_ = gw.Disconnect()
		_ = writer.Close()
		_ = database.Close()
	})
	return &testEnv{ts: httpServer, venue: venue, bus: bus, client: httpServer.Client()}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	var loginResp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, e.client, http.MethodPost, e.ts.URL+"/api/auth/login", "", map[string]string{
		"username": testOperator,
		"password": testPassword,
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

func (e *testEnv) connect(t *testing.T, token string) {
	t.Helper()
	var resp struct {
		Connected bool   `json:"connected"`
		SessionID string `json:"session_id"`
	}
	status := doJSONRequest(t, e.client, http.MethodPost, e.ts.URL+"/api/connect", token, nil, &resp)
	if status != http.StatusOK || !resp.Connected || resp.SessionID != "session-1" {
		t.Fatalf("connect status=%d resp=%+v", status, resp)
	}
}

type orderResponse struct {
	Submitted bool           `json:"submitted"`
	Order     order.Snapshot `json:"order"`
	Code      string         `json:"code"`
	Error     string         `json:"error"`
}

func limitPayload(qty string) map[string]any {
	return map[string]any{
		"symbol":      "aapl",
		"side":        "BUY",
		"type":        "LIMIT",
		"quantity":    qty,
		"limit_price": "10.50",
	}
}

func TestLoginAndAuth(t *testing.T) {
	env := newTestAPIServer(t, nil)

	var errResp map[string]any
	status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/auth/login", "", map[string]string{
		"username": testOperator,
		"password": "wrong",
	}, &errResp)
	if status != http.StatusUnauthorized || errResp["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad password status=%d resp=%v", status, errResp)
	}

	status = doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/status", "", nil, &errResp)
	if status != http.StatusUnauthorized || errResp["code"] != "MISSING_TOKEN" {
		t.Fatalf("missing token status=%d resp=%v", status, errResp)
	}

	status = doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/status", "not-a-token", nil, &errResp)
	if status != http.StatusUnauthorized || errResp["code"] != "INVALID_TOKEN" {
		t.Fatalf("bad token status=%d resp=%v", status, errResp)
	}

	token := env.login(t)
	var statusResp struct {
		Connected bool       `json:"connected"`
		Meta      SystemMeta `json:"meta"`
	}
	status = doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/status", token, nil, &statusResp)
	if status != http.StatusOK || statusResp.Connected || statusResp.Meta.Venue != "atreyu" {
		t.Fatalf("status=%d resp=%+v", status, statusResp)
	}
}

func TestSubmitBeforeConnectIsTransportFailure(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)

	var resp orderResponse
	status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("100"), &resp)
	if status != http.StatusBadGateway || resp.Code != "TRANSPORT_FAILURE" {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)
	env.connect(t, token)

	cases := []struct {
		name     string
		payload  map[string]any
		wantCode string
	}{
		{
			name:     "bad side",
			payload:  map[string]any{"symbol": "AAPL", "side": "HOLD", "type": "LIMIT", "quantity": "1"},
			wantCode: "INVALID_PAYLOAD",
		},
		{
			name:     "missing symbol",
			payload:  map[string]any{"side": "BUY", "type": "MARKET", "quantity": "1"},
			wantCode: "INVALID_PAYLOAD",
		},
		{
			name:     "fractional quantity",
			payload:  limitPayload("1.5"),
			wantCode: "VALIDATION_ERROR",
		},
		{
			name:     "zero quantity",
			payload:  limitPayload("0"),
			wantCode: "VALIDATION_ERROR",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp orderResponse
			status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, tc.payload, &resp)
			if status != http.StatusBadRequest || resp.Code != tc.wantCode {
				t.Fatalf("status=%d resp=%+v", status, resp)
			}
		})
	}
	if n := len(env.venue.RequestsOf(atreyu.MsgNewOrderSingle)); n != 0 {
		t.Fatalf("venue saw %d orders for invalid payloads", n)
	}
}

func TestSubmitUpdateCancelFlow(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)
	env.connect(t, token)

	var created orderResponse
	status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("100"), &created)
	if status != http.StatusCreated || !created.Submitted {
		t.Fatalf("submit status=%d resp=%+v", status, created)
	}
	if created.Order.Status != order.StatusSubmitted || created.Order.Symbol != "AAPL" || len(created.Order.BrokerIDs) != 1 {
		t.Fatalf("order = %+v", created.Order)
	}
	brokerID := created.Order.BrokerIDs[0]

	var updated orderResponse
	status = doJSONRequest(t, env.client, http.MethodPut, env.ts.URL+"/api/orders/"+brokerID, token, map[string]any{
		"quantity": "200",
	}, &updated)
	if status != http.StatusOK || !updated.Submitted || updated.Order.Status != order.StatusUpdateSubmitted {
		t.Fatalf("update status=%d resp=%+v", status, updated)
	}
	replaces := env.venue.RequestsOf(atreyu.MsgOrderCancelReplace)
	if len(replaces) != 1 || replaces[0].Str("OrigClOrdID") != brokerID {
		t.Fatalf("replace requests = %+v", replaces)
	}

	var canceled orderResponse
	status = doJSONRequest(t, env.client, http.MethodDelete, env.ts.URL+"/api/orders/"+brokerID, token, nil, &canceled)
	if status != http.StatusOK || !canceled.Submitted || canceled.Order.Status != order.StatusCancelPending {
		t.Fatalf("cancel status=%d resp=%+v", status, canceled)
	}

	var missing orderResponse
	status = doJSONRequest(t, env.client, http.MethodDelete, env.ts.URL+"/api/orders/nope", token, nil, &missing)
	if status != http.StatusNotFound || missing.Code != "ORDER_NOT_FOUND" {
		t.Fatalf("unknown cancel status=%d resp=%+v", status, missing)
	}
}

func TestConcurrentUpdateAndCancel(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)
	env.connect(t, token)

	var created orderResponse
	if status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("100"), &created); status != http.StatusCreated {
		t.Fatalf("submit status=%d", status)
	}
	url := env.ts.URL + "/api/orders/" + created.Order.BrokerIDs[0]

	send := func(method string, payload any) (int, error) {
		var buf bytes.Buffer
		if payload != nil {
			if err := json.NewEncoder(&buf).Encode(payload); err != nil {
				return 0, err
			}
		}
		req, err := http.NewRequest(method, url, &buf)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := env.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}

	const n = 10
	var wg sync.WaitGroup
	statuses := make(chan int, 2*n)
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			status, err := send(http.MethodPut, map[string]any{"quantity": strconv.Itoa(100 + i), "limit_price": "10.25"})
			statuses <- status
			errs <- err
		}(i)
		go func() {
			defer wg.Done()
			status, err := send(http.MethodDelete, nil)
			statuses <- status
			errs <- err
		}()
	}
	wg.Wait()
	close(statuses)
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	for status := range statuses {
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
	}
	if got := len(env.venue.RequestsOf(atreyu.MsgOrderCancelReplace)); got != n {
		t.Fatalf("replace requests = %d, want %d", got, n)
	}
	if got := len(env.venue.RequestsOf(atreyu.MsgOrderCancel)); got != n {
		t.Fatalf("cancel requests = %d, want %d", got, n)
	}
}

func TestSubmitRejectedByVenue(t *testing.T) {
	env := newTestAPIServer(t, venuetest.Rejecting(3, "symbol halted"))
	token := env.login(t)
	env.connect(t, token)

	var resp orderResponse
	status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("10"), &resp)
	if status != http.StatusOK || resp.Submitted || resp.Order.Status != order.StatusInvalid {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
}

func TestQueriesAndUnsupported(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)
	env.connect(t, token)

	var open struct {
		Orders []order.Snapshot `json:"orders"`
		Count  int              `json:"count"`
	}
	if status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/orders", token, nil, &open); status != http.StatusOK || open.Count != 0 {
		t.Fatalf("open orders status=%d resp=%+v", status, open)
	}

	var positions struct {
		Positions []order.Holding `json:"positions"`
	}
	if status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/positions", token, nil, &positions); status != http.StatusOK || positions.Positions == nil {
		t.Fatalf("positions status=%d resp=%+v", status, positions)
	}

	var balances struct {
		Balances []order.CashAmount `json:"balances"`
	}
	if status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/balances", token, nil, &balances); status != http.StatusOK || len(balances.Balances) != 1 || balances.Balances[0].Currency != "USD" {
		t.Fatalf("balances status=%d resp=%+v", status, balances)
	}

	var history map[string]any
	status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/history?symbol=AAPL", token, nil, &history)
	if status != http.StatusNotImplemented || history["code"] != "UNSUPPORTED_OPERATION" {
		t.Fatalf("history status=%d resp=%v", status, history)
	}
}

func TestJournalRecordsFrames(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)
	env.connect(t, token)

	var created orderResponse
	if status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("5"), &created); status != http.StatusCreated {
		t.Fatalf("submit status=%d resp=%+v", status, created)
	}
	brokerID := created.Order.BrokerIDs[0]

	var journal struct {
		Messages []db.Message `json:"messages"`
	}
	status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/journal?channel=request&cl_ord_id="+brokerID, token, nil, &journal)
	if status != http.StatusOK || len(journal.Messages) != 2 {
		t.Fatalf("journal status=%d resp=%+v", status, journal)
	}
	for _, m := range journal.Messages {
		if m.ClOrdID != brokerID || m.SessionID != "session-1" {
			t.Fatalf("message = %+v", m)
		}
	}

	status = doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/journal?channel=request&limit=50", token, nil, &journal)
	if status != http.StatusOK {
		t.Fatalf("journal status=%d", status)
	}
	for _, m := range journal.Messages {
		if strings.Contains(m.Payload, "secret") {
			t.Fatalf("credential leaked into journal: %s", m.Payload)
		}
	}
}

func TestWebsocketStreamsOrderEvents(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)
	env.connect(t, token)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial err=%v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers(events.EventOrderUpdate) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var created orderResponse
	if status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("1"), &created); status != http.StatusCreated {
		t.Fatalf("submit status=%d", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type string               `json:"type"`
		Data order.LifecycleEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != string(events.EventOrderUpdate) || msg.Data.Status != order.StatusSubmitted || msg.Data.BrokerID != created.Order.BrokerIDs[0] {
		t.Fatalf("stream message = %+v", msg)
	}
}

func TestHealth(t *testing.T) {
	env := newTestAPIServer(t, nil)
	var resp map[string]any
	if status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/health", "", nil, &resp); status != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health status=%d resp=%v", status, resp)
	}
}

func TestReconcileReportsMissingOrders(t *testing.T) {
	env := newTestAPIServer(t, nil)
	token := env.login(t)

	var errResp map[string]any
	status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/reconcile", token, nil, &errResp)
	if status != http.StatusNotFound || errResp["code"] != "NO_REPORT" {
		t.Fatalf("status=%d resp=%v", status, errResp)
	}

	env.connect(t, token)
	var created orderResponse
	if status := doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/orders", token, limitPayload("3"), &created); status != http.StatusCreated {
		t.Fatalf("submit status=%d", status)
	}

	// The test venue reports no open orders, so the submitted one is missing.
	var report reconciliation.Report
	status = doJSONRequest(t, env.client, http.MethodPost, env.ts.URL+"/api/reconcile", token, nil, &report)
	if status != http.StatusOK || report.VenueOpen != 0 || len(report.Missing) != 1 || report.Missing[0] != created.Order.BrokerIDs[0] {
		t.Fatalf("status=%d report=%+v", status, report)
	}

	var last reconciliation.Report
	if status := doJSONRequest(t, env.client, http.MethodGet, env.ts.URL+"/api/reconcile", token, nil, &last); status != http.StatusOK || len(last.Missing) != 1 {
		t.Fatalf("last status=%d report=%+v", status, last)
	}
}
