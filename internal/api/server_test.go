package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/escrowd/internal/auth"
	"github.com/seantiz/escrowd/internal/engine"
	"github.com/seantiz/escrowd/internal/model"
	"github.com/seantiz/escrowd/internal/payout"
	"github.com/seantiz/escrowd/internal/store"
)

const (
	owner      = "owner"
	client     = "alice"
	freelancer = "bob"
	stranger   = "mallory"
)

// testClock is a settable clock shared with the engine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	t      *testing.T
	srv    *Server
	ts     *httptest.Server
	store  *store.SQLiteStore
	tokens *auth.Issuer
	clock  *testClock
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng, err := engine.NewEngine(context.Background(), s, model.PlatformConfig{
		Owner:              owner,
		PlatformFeePercent: 5,
		DisputeFee:         10,
	}, logger, engine.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	tokens, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	rails := payout.NewRegistry()
	rails.Register(payout.BookRailName, payout.NewBookRail(s))

	srv := NewServer(":0", eng, rails, tokens, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, srv: srv, ts: ts, store: s, tokens: tokens, clock: clock}
}

// do sends a request as caller (anonymous when empty) and decodes a JSON
// response into out when out is non-nil.
func (e *testEnv) do(method, path, caller string, body any, out any) int {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		token, err := e.tokens.Issue(caller)
		if err != nil {
			e.t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// createEngagement creates an engagement for bid 100 due in 24h.
func (e *testEnv) createEngagement() model.EngagementView {
	e.t.Helper()
	var view model.EngagementView
	status := e.do(http.MethodPost, "/v1/engagements", client, map[string]any{
		"freelancer": freelancer,
		"bid_amount": 100,
		"deadline":   e.clock.Now().Add(24 * time.Hour),
		"title":      "Logo",
	}, &view)
	if status != http.StatusCreated {
		e.t.Fatalf("create engagement status = %d, want 201", status)
	}
	return view
}

func (e *testEnv) post(id int64, action, caller string, body any) (int, errorResponse) {
	e.t.Helper()
	var out json.RawMessage
	status := e.do(http.MethodPost, engagementPath(id)+"/"+action, caller, body, &out)
	var er errorResponse
	if status >= 400 {
		_ = json.Unmarshal(out, &er)
	}
	return status, er
}

func (e *testEnv) mustPost(id int64, action, caller string, body any) {
	e.t.Helper()
	if status, er := e.post(id, action, caller, body); status != http.StatusOK {
		e.t.Fatalf("POST %s as %s: status = %d (%s: %s)", action, caller, status, er.Code, er.Error)
	}
}

func engagementPath(id int64) string {
	return "/v1/engagements/" + strconv.FormatInt(id, 10)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t)

	var er errorResponse
	status := env.do(http.MethodGet, "/v1/engagements/99", "", nil, &er)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if er.RequestID == "" {
		t.Error("error response has no request_id")
	}
}

func TestPanicRecovery(t *testing.T) {
	env := newTestServer(t)
	env.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	resp, err := http.Get(env.ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestServer(t)

	req, _ := http.NewRequest("OPTIONS", env.ts.URL+"/v1/engagements", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/engagements: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestMutationsRequireBearerToken(t *testing.T) {
	env := newTestServer(t)
	view := env.createEngagement()

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic YWxpY2U6cHc="},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, env.ts.URL+engagementPath(view.ID)+"/deposit",
				bytes.NewBufferString(`{"amount":100}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST deposit: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			if resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
			var er errorResponse
			_ = json.NewDecoder(resp.Body).Decode(&er)
			if er.Code != codeUnauthorized {
				t.Errorf("code = %q, want %q", er.Code, codeUnauthorized)
			}
		})
	}

	// Nothing changed.
	var got model.EngagementView
	env.do(http.MethodGet, engagementPath(view.ID), "", nil, &got)
	if got.Status != model.StatusCreated {
		t.Errorf("status = %q after rejected requests, want created", got.Status)
	}
}

func TestTokenFromOtherIssuerRejected(t *testing.T) {
	env := newTestServer(t)
	other, _ := auth.NewIssuer("someone-elses-secret", time.Hour)
	token, _ := other.Issue(client)

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/engagements",
		bytes.NewBufferString(`{"freelancer":"bob","bid_amount":100}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidParty, http.StatusBadRequest},
		{model.ErrInvalidAmount, http.StatusBadRequest},
		{model.ErrWrongAmount, http.StatusBadRequest},
		{model.ErrWrongFee, http.StatusBadRequest},
		{model.ErrFeeTooHigh, http.StatusBadRequest},
		{model.ErrSharesExceedEscrow, http.StatusBadRequest},
		{model.ErrNotClient, http.StatusForbidden},
		{model.ErrNotFreelancer, http.StatusForbidden},
		{model.ErrNotOwner, http.StatusForbidden},
		{model.ErrNotParty, http.StatusForbidden},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrWrongState, http.StatusConflict},
		{model.ErrAlreadyCompleted, http.StatusConflict},
		{model.ErrDeadlineNotPassed, http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(model.ErrorCode(tt.err)); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestServer(t)
	srv := NewServer("127.0.0.1:0", env.srv.engine, env.srv.rails, env.tokens, env.srv.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
