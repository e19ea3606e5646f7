package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taskfabric/fabric/internal/gateway"
	"github.com/taskfabric/fabric/internal/store"
)

const testAuthToken = "gateway-test-token"

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fabric.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connectWS(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/ws", dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, method string, params any) rpcResp {
	t.Helper()
	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 1, Method: method, Params: params}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	var resp rpcResp
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read %s response: %v", method, err)
	}
	return resp
}

func TestTaskSubmitCreatesQueuedTask(t *testing.T) {
	s := openTestStore(t)
	srv := gateway.New(gateway.Config{Store: s, AuthToken: testAuthToken})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	conn := connectWS(t, httpSrv.URL, testAuthToken)
	resp := call(t, conn, "task.submit", map[string]any{
		"task_type": store.TaskTypeWork,
		"payload":   map[string]any{"message": "hello"},
	})
	if resp.Error != nil {
		t.Fatalf("task.submit returned error: %+v", resp.Error)
	}
	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TaskID == "" {
		t.Fatal("expected a non-empty task_id")
	}

	task, err := s.TaskGet(context.Background(), result.TaskID)
	if err != nil || task == nil {
		t.Fatalf("expected the created task to exist, err=%v task=%v", err, task)
	}
	if task.State != store.StateQueued {
		t.Fatalf("expected queued state, got %s", task.State)
	}
}

func TestTaskSubmitRequiresTaskType(t *testing.T) {
	s := openTestStore(t)
	srv := gateway.New(gateway.Config{Store: s, AuthToken: testAuthToken})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	conn := connectWS(t, httpSrv.URL, testAuthToken)
	resp := call(t, conn, "task.submit", map[string]any{"payload": map[string]any{}})
	if resp.Error == nil {
		t.Fatal("expected an error for a missing task_type")
	}
}

func TestUnauthorizedConnectionRejected(t *testing.T) {
	s := openTestStore(t)
	srv := gateway.New(gateway.Config{Store: s, AuthToken: testAuthToken})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, "ws"+httpSrv.URL[len("http"):]+"/ws", &websocket.DialOptions{})
	if err == nil {
		t.Fatal("expected the dial without a bearer token to fail")
	}
}

func TestSystemStatusReportsQueueDepth(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.TaskCreate(context.Background(), store.TaskTypeWork, map[string]any{}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	srv := gateway.New(gateway.Config{Store: s, AuthToken: testAuthToken})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	conn := connectWS(t, httpSrv.URL, testAuthToken)
	resp := call(t, conn, "system.status", nil)
	if resp.Error != nil {
		t.Fatalf("system.status returned error: %+v", resp.Error)
	}
	var status struct {
		QueueDepth int `json:"queue_depth"`
	}
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if status.QueueDepth != 1 {
		t.Fatalf("expected queue_depth 1, got %d", status.QueueDepth)
	}
}

func TestHealthzReportsHealthy(t *testing.T) {
	s := openTestStore(t)
	srv := gateway.New(gateway.Config{Store: s, AuthToken: testAuthToken})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
