package e2e

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/escrowd/internal/payout"
)

func TestApprovalPaysOutThroughBookRail(t *testing.T) {
	sp := startServer(t, getBinary(t))
	id := sp.createEngagement(t, 1000, time.Now().Add(time.Hour))
	path := "/v1/engagements/" + id

	sp.mustCall(t, http.StatusOK, http.MethodPost, path+"/deposit", "alice", map[string]any{"amount": 1000})
	sp.mustCall(t, http.StatusOK, http.MethodPost, path+"/freelancer-sign", "bob", nil)
	sp.mustCall(t, http.StatusOK, http.MethodPost, path+"/submit", "bob", map[string]any{"reference": "v1.zip"})
	done := sp.mustCall(t, http.StatusOK, http.MethodPost, path+"/approve", "alice", nil)

	if done["status"] != "completed" {
		t.Errorf("status = %v, want completed", done["status"])
	}
	escrow := sp.mustCall(t, http.StatusOK, http.MethodGet, path+"/escrow", "", nil)
	if escrow["balance"].(float64) != 0 {
		t.Errorf("escrow balance = %v, want 0", escrow["balance"])
	}

	sp.waitBalance(t, "bob", 950)
	sp.waitBalance(t, "owner", 50)
}

func TestUnauthorizedAndForbidden(t *testing.T) {
	sp := startServer(t, getBinary(t))
	id := sp.createEngagement(t, 100, time.Now().Add(time.Hour))
	path := "/v1/engagements/" + id

	if status, body := sp.call(t, http.MethodPost, path+"/deposit", "", map[string]any{"amount": 100}); status != http.StatusUnauthorized {
		t.Errorf("anonymous deposit = %d %v, want 401", status, body)
	}
	status, body := sp.call(t, http.MethodPost, path+"/deposit", "mallory", map[string]any{"amount": 100})
	if status != http.StatusForbidden || body["code"] != "NOT_CLIENT" {
		t.Errorf("stranger deposit = %d %v, want 403 NOT_CLIENT", status, body)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	binary := getBinary(t)
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	first := startServerWithDB(t, binary, dbPath)
	id := first.createEngagement(t, 100, time.Now().Add(time.Hour))
	first.mustCall(t, http.StatusOK, http.MethodPost, "/v1/engagements/"+id+"/deposit", "alice", map[string]any{"amount": 100})
	first.mustCall(t, http.StatusOK, http.MethodPut, "/v1/config/fee-percent", testOwner, map[string]any{"percent": 7})
	first.stop()

	// The env still says 5%; the persisted 7% wins.
	second := startServerWithDB(t, binary, dbPath)
	eng := second.mustCall(t, http.StatusOK, http.MethodGet, "/v1/engagements/"+id, "", nil)
	if eng["status"] != "client_signed" || eng["funds_deposited"] != true {
		t.Errorf("engagement after restart = %v", eng)
	}
	cfg := second.mustCall(t, http.StatusOK, http.MethodGet, "/v1/config", "", nil)
	if cfg["platform_fee_percent"].(float64) != 7 {
		t.Errorf("fee after restart = %v, want 7", cfg["platform_fee_percent"])
	}
	count := second.mustCall(t, http.StatusOK, http.MethodGet, "/v1/engagements/count", "", nil)
	if count["count"].(float64) != 1 {
		t.Errorf("count after restart = %v, want 1", count["count"])
	}
}

func TestRefundDeliveredThroughWebhookRail(t *testing.T) {
	const secret = "whsec"
	var (
		mu       sync.Mutex
		received []string
		badSig   bool
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get(payout.SignatureHeader) != payout.Sign([]byte(secret), body) {
			badSig = true
		}
		received = append(received, r.Header.Get(payout.EventTypeHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	sp := startServer(t, getBinary(t),
		"ESCROWD_PAYOUT_RAIL=webhook",
		"ESCROWD_PAYOUT_WEBHOOK_URL="+receiver.URL,
		"ESCROWD_PAYOUT_WEBHOOK_SECRET="+secret,
	)

	// Deadline in the past so the refund is immediately allowed.
	id := sp.createEngagement(t, 100, time.Now().Add(-time.Minute))
	path := "/v1/engagements/" + id
	sp.mustCall(t, http.StatusOK, http.MethodPost, path+"/deposit", "alice", map[string]any{"amount": 100})
	sp.mustCall(t, http.StatusOK, http.MethodPost, path+"/refund", "alice", nil)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(pollInterval)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "refund" {
		t.Fatalf("webhook received %v, want [refund]", received)
	}
	if badSig {
		t.Error("webhook signature did not match body")
	}
}
