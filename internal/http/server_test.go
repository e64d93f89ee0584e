package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"squirrel/internal/config"
	"squirrel/internal/services"
	"squirrel/internal/store/memory"
)

func testConfig() Config {
	c := DefaultConfig()
	c.Retry = services.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	c.Subscription = services.SubscriptionPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, LostThreshold: 3}
	c.ViewTimeout = 2 * time.Second
	return c
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	c := testConfig()
	if mutate != nil {
		mutate(&c)
	}
	// Built the way cmd/squirrel builds it: held balances follow the store.
	agg := services.NewBalanceAggregator(st, config.Defaults().AggregatorConfig(st), nil)
	srv := NewServer(c, st, agg, nil, nil)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		agg.Close()
	})
	return srv, st
}

func do(t *testing.T, srv *Server, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	} else if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

const lunch = `{"name":"lunch","date":"2024-05-01","amount":"12.345","category":"food","action":"debit"}`

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		if rr := do(t, srv, http.MethodGet, path, "", ""); rr.Code != http.StatusOK {
			t.Errorf("%s status=%d", path, rr.Code)
		}
	}

	st := memory.New()
	agg := services.NewBalanceAggregator(st, services.DefaultAggregatorConfig(), nil)
	defer agg.Close()
	down := NewServer(testConfig(), st, agg, func(context.Context) error { return errors.New("db gone") }, nil)
	defer down.Shutdown(context.Background())
	if rr := do(t, down, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing check status=%d", rr.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := do(t, srv, http.MethodGet, "/healthz", "", "")
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("security headers missing: %v", rr.Header())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("request ID not echoed")
	}
}

func TestIdentityRequired(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, path := range []string{"/v1/balance", "/v1/transactions", "/v1/view", "/v1/stream"} {
		rr := do(t, srv, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s status=%d", path, rr.Code)
		}
	}
	rr := do(t, srv, http.MethodPost, "/v1/entries", "bad user", lunch)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("invalid identity status=%d", rr.Code)
	}
}

func TestCreateEntryAndRead(t *testing.T) {
	srv, st := newTestServer(t, nil)

	rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", lunch, HeaderIdempotencyKey, "key-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body)
	}
	created := decode[entryResponse](t, rr)
	if created.Replayed || created.Balance.Balance != "-12.35" || created.Balance.Version != 1 {
		t.Errorf("unexpected response %+v", created)
	}
	if created.Transaction.Name != "LUNCH" || created.Transaction.Date.String() != "2024-05-01" {
		t.Errorf("unexpected transaction %+v", created.Transaction)
	}
	if rr.Header().Get(HeaderIdempotencyKey) != "key-1" {
		t.Errorf("key not echoed: %q", rr.Header().Get(HeaderIdempotencyKey))
	}

	rr = do(t, srv, http.MethodPost, "/v1/entries", "alice", lunch, HeaderIdempotencyKey, "key-1")
	if rr.Code != http.StatusOK || !decode[entryResponse](t, rr).Replayed {
		t.Fatalf("replay status=%d body=%s", rr.Code, rr.Body)
	}

	rr = do(t, srv, http.MethodPost, "/v1/entries", "alice", "name=pay&date=2024-05-02&amount=100&category=savings&action=credit")
	if rr.Code != http.StatusCreated {
		t.Fatalf("form create status=%d body=%s", rr.Code, rr.Body)
	}
	if rr.Header().Get(HeaderIdempotencyKey) == "" {
		t.Error("generated key not returned")
	}

	txs, _ := st.Transactions(context.Background(), "alice")
	if len(txs) != 2 {
		t.Fatalf("got %d records, want 2", len(txs))
	}

	bal := decode[balanceResponse](t, do(t, srv, http.MethodGet, "/v1/balance", "alice", ""))
	if bal.Balance != "87.65" || bal.Display != "€87.65" || bal.Version != 2 {
		t.Errorf("balance %+v", bal)
	}

	list := decode[transactionsResponse](t, do(t, srv, http.MethodGet, "/v1/transactions", "alice", ""))
	if len(list.Transactions) != 2 || list.Transactions[0].Name != "LUNCH" {
		t.Errorf("transactions %+v", list)
	}

	view := decode[viewResponse](t, do(t, srv, http.MethodGet, "/v1/view", "alice", ""))
	if view.Balance != "87.65" || view.Version != 2 || len(view.Transactions) != 2 {
		t.Errorf("view %+v", view)
	}
}

func TestBalanceFollowsLaterCommits(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	bal := decode[balanceResponse](t, do(t, srv, http.MethodGet, "/v1/balance", "alice", ""))
	if bal.Balance != "0.00" || bal.Version != 0 {
		t.Fatalf("initial balance %+v", bal)
	}

	credit := `{"name":"pay","date":"2024-05-02","amount":"50","category":"savings","action":"credit"}`
	if rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", credit); rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		bal = decode[balanceResponse](t, do(t, srv, http.MethodGet, "/v1/balance", "alice", ""))
		if bal.Balance == "50.00" && bal.Version == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("held balance %+v never picked up the 50.00 credit", bal)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmptyUserReads(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	bal := decode[balanceResponse](t, do(t, srv, http.MethodGet, "/v1/balance", "nobody", ""))
	if bal.Balance != "0.00" || bal.Version != 0 {
		t.Errorf("balance %+v", bal)
	}
	rr := do(t, srv, http.MethodGet, "/v1/transactions", "nobody", "")
	if !strings.Contains(rr.Body.String(), `"transactions":[]`) {
		t.Errorf("transactions body %s", rr.Body)
	}
	view := decode[viewResponse](t, do(t, srv, http.MethodGet, "/v1/view", "nobody", ""))
	if view.Version != 0 || view.Transactions == nil || len(view.Transactions) != 0 {
		t.Errorf("view %+v", view)
	}
}

func TestCreateEntryErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		down      bool
		wantCode  int
		wantField string
	}{
		{"bad amount", `{"name":"x","date":"2024-05-01","amount":"1,5","category":"food","action":"debit"}`, false, http.StatusUnprocessableEntity, "amount"},
		{"unknown category", `{"name":"x","date":"2024-05-01","amount":"1","category":"rent","action":"debit"}`, false, http.StatusUnprocessableEntity, "category"},
		{"missing name", `{"date":"2024-05-01","amount":"1","category":"food","action":"credit"}`, false, http.StatusUnprocessableEntity, "name"},
		{"malformed json", `{"name":`, false, http.StatusBadRequest, ""},
		{"store down", lunch, true, http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, st := newTestServer(t, nil)
			st.SetAvailable(!tt.down)
			rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
			}
			body := decode[ErrorBody](t, rr)
			if body.Field != tt.wantField {
				t.Errorf("field %q, want %q", body.Field, tt.wantField)
			}
			st.SetAvailable(true)
			if users, _ := st.Users(context.Background()); len(users) != 0 {
				t.Errorf("store written: %v", users)
			}
		})
	}
}

func TestJSONNumberAmount(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", `{"name":"x","date":"2024-05-01","amount":0.1,"category":"food","action":"credit"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}
	if got := decode[entryResponse](t, rr).Balance.Balance; got != "0.10" {
		t.Errorf("balance %s", got)
	}
}

func TestEntryRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.RateLimitPerMinute = 1 })
	if rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", lunch); rr.Code != http.StatusCreated {
		t.Fatalf("first status=%d", rr.Code)
	}
	rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", lunch)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodPost, "/v1/entries", "bob", lunch); rr.Code != http.StatusCreated {
		t.Errorf("other user limited: %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/v1/balance", "alice", ""); rr.Code != http.StatusOK {
		t.Errorf("reads limited: %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if rr := do(t, srv, http.MethodDelete, "/v1/entries", "alice", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status=%d", rr.Code)
	}
}

type sseEvent struct {
	name, id, data string
}

func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func TestStream(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/stream", nil)
	req.Header.Set(HeaderUserID, "alice")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status=%d content-type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	sc := bufio.NewScanner(resp.Body)

	ev := readEvent(t, sc)
	if ev.name != "view" || ev.id != "0" {
		t.Fatalf("first event %+v", ev)
	}

	if rr := do(t, srv, http.MethodPost, "/v1/entries", "alice", lunch); rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d", rr.Code)
	}
	for {
		ev = readEvent(t, sc)
		var v viewResponse
		if err := json.Unmarshal([]byte(ev.data), &v); err != nil {
			t.Fatal(err)
		}
		if v.Version == 1 && len(v.Transactions) == 1 {
			if v.Balance != "-12.35" || ev.id != "1" {
				t.Errorf("view %+v id %s", v, ev.id)
			}
			break
		}
	}
}

func TestStreamEndsOnShutdown(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/stream", nil)
	req.Header.Set(HeaderUserID, "alice")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	readEvent(t, sc)

	_ = srv.Shutdown(context.Background())
	if ev := readEvent(t, sc); ev.name != "shutdown" {
		t.Errorf("event %+v", ev)
	}
}
