package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/escrowd/internal/auth"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond

	testSecret = "e2e-secret"
	testOwner  = "owner"
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	tokens *auth.Issuer
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e: skipped in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "escrowd-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "escrowd")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/escrowd")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// baseEnv returns the environment for a server on addr storing to dbPath.
func baseEnv(addr, dbPath string) []string {
	return append(os.Environ(),
		"ESCROWD_LISTEN_ADDR="+addr,
		"ESCROWD_DB_PATH="+dbPath,
		"ESCROWD_DATABASE_URL=",
		"ESCROWD_LOG_LEVEL=info",
		"ESCROWD_OWNER="+testOwner,
		"ESCROWD_PLATFORM_FEE_PERCENT=5",
		"ESCROWD_DISPUTE_FEE=10",
		"ESCROWD_JWT_SECRET="+testSecret,
		"ESCROWD_PAYOUT_INTERVAL=100ms",
		"ESCROWD_OTEL_ENDPOINT=",
	)
}

// startServer runs the binary with a fresh database and extra env overrides.
func startServer(t *testing.T, binary string, extraEnv ...string) *serverProc {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	return startServerWithDB(t, binary, dbPath, extraEnv...)
}

func startServerWithDB(t *testing.T, binary, dbPath string, extraEnv ...string) *serverProc {
	t.Helper()

	addr := freeAddr(t)
	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(baseEnv(addr, dbPath), extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	tokens, err := auth.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
		tokens: tokens,
	}

	t.Cleanup(sp.stop)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// stop sends SIGINT and waits for the process to exit, killing it if it
// does not stop in time. It is safe to call more than once.
func (sp *serverProc) stop() {
	if sp.cmd.ProcessState != nil {
		return
	}
	_ = sp.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_ = sp.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = sp.cmd.Process.Kill()
		<-done
	}
}

// call sends a JSON request as caller (anonymous when empty) and returns the
// status and decoded body.
func (sp *serverProc) call(t *testing.T, method, path, caller string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, sp.url+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		token, err := sp.tokens.Issue(caller)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

// mustCall is call that fails the test unless the status is want.
func (sp *serverProc) mustCall(t *testing.T, want int, method, path, caller string, body any) map[string]any {
	t.Helper()
	status, out := sp.call(t, method, path, caller, body)
	if status != want {
		t.Fatalf("%s %s as %q: status = %d, want %d\nbody: %v", method, path, caller, status, want, out)
	}
	return out
}

// createEngagement creates an engagement for alice and bob and returns its id.
func (sp *serverProc) createEngagement(t *testing.T, bid int64, deadline time.Time) string {
	t.Helper()
	out := sp.mustCall(t, http.StatusCreated, http.MethodPost, "/v1/engagements", "alice", map[string]any{
		"freelancer": "bob",
		"bid_amount": bid,
		"deadline":   deadline,
		"title":      "landing page",
	})
	return strconv.FormatInt(int64(out["id"].(float64)), 10)
}

// waitBalance polls a party's book balance until it equals want.
func (sp *serverProc) waitBalance(t *testing.T, party string, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got int64
	for time.Now().Before(deadline) {
		_, out := sp.call(t, http.MethodGet, "/v1/parties/"+party+"/balance", "", nil)
		got = int64(out["balance"].(float64))
		if got == want {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s balance = %d, want %d", party, got, want)
}
