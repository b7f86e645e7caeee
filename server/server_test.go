package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/transport"
	"github.com/wippyai/wasm-zones/wasm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Config{Workers: 2}, newTestStore(t), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func postJSON(t *testing.T, url string, v any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return do(t, http.MethodPost, url, "application/json", bytes.NewReader(b))
}

func createZone(t *testing.T, ts *httptest.Server, id string, workers int) {
	t.Helper()
	resp, body := postJSON(t, ts.URL+"/v1/zones", map[string]any{"id": id, "workers": workers})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create zone %q: status %d: %s", id, resp.StatusCode, body)
	}
}

func decodeCall(t *testing.T, body []byte) callResponse {
	t.Helper()
	var out callResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h healthResponse
	if err := json.Unmarshal(body, &h); err != nil || h.Status != "ok" {
		t.Errorf("body = %s", body)
	}
}

func TestZoneLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	createZone(t, ts, "srv-lifecycle", 2)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"id":"srv-lifecycle"}`, http.StatusConflict},
		{"empty id", `{"id":""}`, http.StatusBadRequest},
		{"negative workers", `{"id":"srv-negative","workers":-3}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/v1/zones", "application/json", strings.NewReader(tt.body))
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/zones/srv-lifecycle", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var z zoneResponse
	if err := json.Unmarshal(body, &z); err != nil || z.ID != "srv-lifecycle" || z.Workers != 2 {
		t.Errorf("get body = %s", body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/zones/srv-unknown", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown zone status = %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/zones", "", nil)
	var list []zoneResponse
	if err := json.Unmarshal(body, &list); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	if len(list) != 1 || list[0].ID != "srv-lifecycle" {
		t.Errorf("list = %+v", list)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/zones/srv-lifecycle", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/zones/srv-lifecycle", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, ts.URL+"/v1/zones", "", nil)
	if strings.Contains(string(body), "srv-lifecycle") {
		t.Errorf("released zone still listed: %s", body)
	}
}

func TestExecute(t *testing.T) {
	_, ts := newTestServer(t)
	createZone(t, ts, "srv-execute", 2)
	url := ts.URL + "/v1/zones/srv-execute/execute"

	tests := []struct {
		name   string
		req    map[string]any
		status int
		code   string
		value  any
	}{
		{
			"add",
			map[string]any{"module": engine.StdlibName, "function": engine.StdAdd, "args": []any{40, 2}},
			http.StatusOK, "success", float64(42),
		},
		{
			"unknown module",
			map[string]any{"module": "nope", "function": "f"},
			http.StatusNotFound, "module_not_found", nil,
		},
		{
			"unknown function",
			map[string]any{"module": engine.StdlibName, "function": "nope"},
			http.StatusNotFound, "function_not_found", nil,
		},
		{
			"wrong argument type",
			map[string]any{"module": engine.StdlibName, "function": engine.StdAdd, "args": []any{"a", 2}},
			http.StatusUnprocessableEntity, "script_error", nil,
		},
		{
			"timeout",
			map[string]any{"module": engine.StdlibName, "function": engine.StdSleep, "args": []any{300}, "timeout_ms": 30},
			http.StatusGatewayTimeout, "timeout", nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, url, tt.req)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
			out := decodeCall(t, body)
			if out.Code != tt.code {
				t.Errorf("code = %q, want %q", out.Code, tt.code)
			}
			if out.Value != tt.value {
				t.Errorf("value = %v (%T), want %v", out.Value, out.Value, tt.value)
			}
			if len(out.CallID) != 26 {
				t.Errorf("call id = %q", out.CallID)
			}
		})
	}

	for _, body := range []string{`{"module":"std"}`, `{"module":"std","function":"add","timeout_ms":-1}`, `nope`} {
		resp, _ := do(t, http.MethodPost, url, "application/json", strings.NewReader(body))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, resp.StatusCode)
		}
	}

	resp, _ := postJSON(t, ts.URL+"/v1/zones/srv-missing/execute", map[string]any{"module": "std", "function": "add"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing zone status = %d", resp.StatusCode)
	}
}

func TestBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	createZone(t, ts, "srv-broadcast", 3)
	req := map[string]any{"module": engine.StdlibName, "function": engine.StdWorkerCount}

	resp, body := postJSON(t, ts.URL+"/v1/zones/srv-broadcast/broadcast", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if out := decodeCall(t, body); out.Value != float64(3) {
		t.Errorf("value = %v", out.Value)
	}

	resp, body = postJSON(t, ts.URL+"/v1/zones/srv-broadcast/broadcast?all=true",
		map[string]any{"module": engine.StdlibName, "function": engine.StdWorkerID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("all status = %d: %s", resp.StatusCode, body)
	}
	var all broadcastAllResponse
	if err := json.Unmarshal(body, &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all.Results) != 3 {
		t.Fatalf("got %d results", len(all.Results))
	}
	for i, r := range all.Results {
		if r.Worker != i || r.Value != float64(i) || r.Code != "success" {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestEval(t *testing.T) {
	_, ts := newTestServer(t)
	createZone(t, ts, "srv-eval", 2)

	b := wasm.NewBuilder()
	b.Export("answer", b.Func(wasm.FuncType{Results: []wasm.ValType{wasm.I64}}, nil, wasm.NewCode().I64Const(42)))

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/zones/srv-eval/eval?origin=calc", "application/wasm", bytes.NewReader(b.Bytes()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("eval status = %d: %s", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts.URL+"/v1/zones/srv-eval/broadcast", map[string]any{"module": "calc", "function": "answer"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call status = %d: %s", resp.StatusCode, body)
	}
	if out := decodeCall(t, body); out.Value != float64(42) {
		t.Errorf("value = %v", out.Value)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/zones/srv-eval/eval", "application/wasm", strings.NewReader("junk"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("junk eval status = %d: %s", resp.StatusCode, body)
	}
}

func TestCallHistory(t *testing.T) {
	_, ts := newTestServer(t)
	createZone(t, ts, "srv-history", 1)

	for i := 0; i < 3; i++ {
		postJSON(t, ts.URL+"/v1/zones/srv-history/execute",
			map[string]any{"module": engine.StdlibName, "function": engine.StdAdd, "args": []any{i, 1}})
	}
	postJSON(t, ts.URL+"/v1/zones/srv-history/execute", map[string]any{"module": "nope", "function": "f"})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/zones/srv-history/calls?limit=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var calls []CallRecord
	if err := json.Unmarshal(body, &calls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Code != "module_not_found" || calls[0].Error == "" {
		t.Errorf("newest call = %+v", calls[0])
	}
	if calls[1].Op != opExecute || calls[1].Function != engine.StdAdd {
		t.Errorf("second call = %+v", calls[1])
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/zones/srv-nohistory/calls", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown zone status = %d", resp.StatusCode)
	}
}

func TestRestore(t *testing.T) {
	st := newTestStore(t)
	err := st.SaveZone(context.Background(), ZoneRecord{ID: "srv-restored", Workers: 2, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("SaveZone: %v", err)
	}

	srv := New(Config{}, st, nil)
	if err := srv.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	z := srv.lookup("srv-restored")
	if z == nil {
		t.Fatal("zone not restored")
	}
	if z.Workers() != 2 {
		t.Errorf("workers = %d", z.Workers())
	}
}

func TestMiddleware(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.Router().Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	})

	resp, _ := do(t, http.MethodGet, ts.URL+"/panic", "", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("panic status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	cors, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	cors.Body.Close()
	if got := cors.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	for _, name := range []string{"wasmzones_http_requests_total", `path="/healthz"`} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"a", "b"} {
		rec := ZoneRecord{ID: id, Workers: i + 1, ModuleRoot: "/mods", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := st.SaveZone(ctx, rec); err != nil {
			t.Fatalf("SaveZone: %v", err)
		}
	}
	zones, err := st.ListZones(ctx)
	if err != nil {
		t.Fatalf("ListZones: %v", err)
	}
	if len(zones) != 2 || zones[0].ID != "a" || zones[1].Workers != 2 || !zones[0].CreatedAt.Equal(now) {
		t.Errorf("zones = %+v", zones)
	}

	ok, err := st.DeleteZone(ctx, "a")
	if err != nil || !ok {
		t.Errorf("DeleteZone(a) = %v, %v", ok, err)
	}
	ok, err = st.DeleteZone(ctx, "a")
	if err != nil || ok {
		t.Errorf("second DeleteZone(a) = %v, %v", ok, err)
	}

	for i := 0; i < 5; i++ {
		c := CallRecord{
			ID:        string(rune('a' + i)),
			Zone:      "b",
			Op:        opExecute,
			Module:    "m",
			Function:  "f",
			Code:      "success",
			Duration:  time.Duration(i) * time.Millisecond,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.RecordCall(ctx, c); err != nil {
			t.Fatalf("RecordCall: %v", err)
		}
	}
	calls, err := st.ListCalls(ctx, "b", 3)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 3 || calls[0].ID != "e" || calls[0].Duration != 4*time.Millisecond {
		t.Errorf("calls = %+v", calls)
	}
	none, err := st.ListCalls(ctx, "a", 3)
	if err != nil || len(none) != 0 {
		t.Errorf("ListCalls(a) = %v, %v", none, err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{envListenAddr, envModuleRoot, envWorkers, envDBPath, envLogLevel} {
			t.Setenv(k, "")
		}
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.ListenAddr != defaultListenAddr || cfg.DBPath != defaultDBPath || cfg.Workers != 0 || cfg.LogLevel != zapcore.InfoLevel {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv(envListenAddr, ":9090")
		t.Setenv(envModuleRoot, "/srv/modules")
		t.Setenv(envWorkers, "6")
		t.Setenv(envDBPath, "/tmp/z.db")
		t.Setenv(envLogLevel, "DEBUG")
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		want := Config{ListenAddr: ":9090", ModuleRoot: "/srv/modules", DBPath: "/tmp/z.db", Workers: 6, LogLevel: zapcore.DebugLevel}
		if cfg != want {
			t.Errorf("cfg = %+v, want %+v", cfg, want)
		}
	})

	t.Run("invalid workers", func(t *testing.T) {
		for _, v := range []string{"x", "-1"} {
			t.Setenv(envWorkers, v)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("%q: expected error", v)
			}
		}
	})
}

func TestValueConversion(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"i":7,"f":1.5,"big":1e400,"a":[1,"s",null,true],"o":{"n":-2}}`))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		t.Fatal(err)
	}
	got := fromJSON(raw).(map[string]any)
	if got["i"] != int64(7) || got["f"] != 1.5 {
		t.Errorf("numbers = %v %v", got["i"], got["f"])
	}
	if s, ok := got["big"].(string); !ok || s != "1e400" {
		t.Errorf("big = %v (%T)", got["big"], got["big"])
	}
	arr := got["a"].([]any)
	if arr[0] != int64(1) || arr[1] != "s" || arr[2] != nil || arr[3] != true {
		t.Errorf("array = %v", arr)
	}
	if got["o"].(map[string]any)["n"] != int64(-2) {
		t.Errorf("object = %v", got["o"])
	}

	buf := transport.NewSharedBuffer(2)
	copy(buf.Bytes(), "hi")
	out := toJSON([]any{transport.Undefined, buf, big.NewInt(5), math.NaN(), float32(0.5), map[string]any{"u": transport.Undefined}})
	b, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `[null,"aGk=",5,null,0.5,{"u":null}]`; string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}
