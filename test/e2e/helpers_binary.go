//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/transport"
	"github.com/hyperengineering/offsync/internal/types"
)

// backend is a stand-in GraphQL server. While down it answers 503, which
// both the probe and the sender treat as unreachable.
type backend struct {
	srv  *httptest.Server
	up   atomic.Bool
	mu   sync.Mutex
	seen []transport.Request
}

func startBackend(t *testing.T, up bool) *backend {
	t.Helper()
	b := &backend{}
	b.up.Store(up)
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) serve(w http.ResponseWriter, r *http.Request) {
	if !b.up.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.seen = append(b.seen, req)
	version := len(b.seen) + 1
	b.mu.Unlock()

	entity := map[string]any{"id": req.EntityID, "version": version}
	for k, v := range req.Variables {
		entity[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transport.Response{
		Data: map[string]any{req.OperationName: entity},
	})
}

func (b *backend) received() []transport.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Request(nil), b.seen...)
}

func (b *backend) endpoint() string {
	return b.srv.URL + "/graphql"
}

// offsyncAgent manages a running offsync process.
type offsyncAgent struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile string
}

// startAgent launches the offsync binary against endpoint and waits for it
// to become healthy. Everything is configured through the environment.
func startAgent(t *testing.T, dataDir, endpoint string) *offsyncAgent {
	t.Helper()
	requireOffsync(t)

	apiKey := "e2e-test-api-key"
	port := freePort(t)
	a := &offsyncAgent{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		apiKey:  apiKey,
		logFile: filepath.Join(dataDir, fmt.Sprintf("offsync-%d.log", port)),
	}

	cmd := exec.Command(offsyncBin, "run")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("OFFSYNC_PORT=%d", port),
		"OFFSYNC_DB_PATH="+a.dbPath(),
		"OFFSYNC_API_KEY="+apiKey,
		"OFFSYNC_ENDPOINT="+endpoint,
		"OFFSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"OFFSYNC_NETWORK_MODE=probe",
		"OFFSYNC_PROBE_INTERVAL=100ms",
		"OFFSYNC_RETRY_INTERVAL=200ms",
		"OFFSYNC_TRANSPORT_TIMEOUT=2s",
	)

	lf, err := os.Create(a.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start offsync: %v", err)
	}
	a.cmd = cmd

	t.Cleanup(func() {
		a.stop()
		lf.Close()
		if t.Failed() {
			if logs, err := os.ReadFile(a.logFile); err == nil {
				t.Logf("offsync log:\n%s", logs)
			}
		}
	})

	if err := a.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("offsync not healthy: %v", err)
	}
	return a
}

func (a *offsyncAgent) stop() {
	if a.cmd != nil && a.cmd.Process != nil && a.cmd.ProcessState == nil {
		_ = a.cmd.Process.Signal(os.Interrupt)
		_ = a.cmd.Wait()
	}
}

func (a *offsyncAgent) dbPath() string {
	return filepath.Join(a.dataDir, "offsync.db")
}

func (a *offsyncAgent) baseURL() string {
	return "http://" + a.address
}

func (a *offsyncAgent) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := a.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("offsync not healthy after %s", timeout)
}

// do sends an authenticated request and returns the status and raw body.
func (a *offsyncAgent) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, a.baseURL()+path, reader)
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

// mutationResult mirrors the JSON body of a submitted mutation.
type mutationResult struct {
	Status      types.ResultStatus `json:"status"`
	OperationID string             `json:"operation_id"`
	EntityID    string             `json:"entity_id"`
	Data        types.Fields       `json:"data"`
}

func (a *offsyncAgent) submit(t *testing.T, req types.MutationRequest) (int, mutationResult) {
	t.Helper()
	status, raw := a.do(t, http.MethodPost, "/api/v1/mutations", req)
	var res mutationResult
	if status < 300 {
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("decode mutation result %q: %v", raw, err)
		}
	}
	return status, res
}

func (a *offsyncAgent) health(t *testing.T) types.HealthResponse {
	t.Helper()
	status, raw := a.do(t, http.MethodGet, "/api/v1/health", nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d: %s", status, raw)
	}
	var h types.HealthResponse
	if err := json.Unmarshal(raw, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return h
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// queueListing mirrors `offsync queue list --json`.
type queueListing struct {
	Entries []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		EntityKey string `json:"entity_key"`
		Sequence  uint64 `json:"sequence"`
		Status    string `json:"status"`
	} `json:"entries"`
	Total int `json:"total"`
}

// queueCLI runs an offsync queue subcommand against a stopped agent's store.
func queueCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	requireOffsync(t)
	full := append([]string{"queue"}, args...)
	full = append(full, "--db", dbPath)
	cmd := exec.Command(offsyncBin, full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
