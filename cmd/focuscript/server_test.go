package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codename/focuscript/executor"
	"github.com/codename/focuscript/manager"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, srv, _ := testEngine(t)
	ts := httptest.NewServer(newServeMux(engine, srv, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Errorf("expected 'ok', got %q", body)
	}
}

func TestAPIEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api")
	if err != nil {
		t.Fatalf("GET /api: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "focuscript-api") {
		t.Errorf("expected artifact yaml, got %q", body)
	}

	resp, err = http.Get(ts.URL + "/api?schema=1")
	if err != nil {
		t.Fatalf("GET /api?schema=1: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/schema+json" {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestLoadInvokeUnload(t *testing.T) {
	ts := setupTestServer(t)

	var loaded loadResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/scripts/adder", `{"source":"return event.a + event.b"}`, &loaded)
	if status != http.StatusOK {
		t.Fatalf("load: expected 200, got %d (%+v)", status, loaded)
	}
	if loaded.State != manager.StateLoaded || loaded.Version != 1 {
		t.Errorf("unexpected load response %+v", loaded)
	}

	var invoked invokeResponse
	status = doJSON(t, http.MethodPost, ts.URL+"/scripts/adder/invoke", `{"args":{"a":2,"b":3}}`, &invoked)
	if status != http.StatusOK {
		t.Fatalf("invoke: expected 200, got %d", status)
	}
	if invoked.Kind != executor.KindOK || invoked.Value != float64(5) {
		t.Errorf("unexpected invoke response %+v", invoked)
	}
	if invoked.InvocationID == "" {
		t.Error("expected invocation id")
	}

	var info manager.Info
	if status := doJSON(t, http.MethodGet, ts.URL+"/scripts/adder", "", &info); status != http.StatusOK {
		t.Fatalf("describe: expected 200, got %d", status)
	}
	if info.State != manager.StateLoaded || info.Language != "focuscript" {
		t.Errorf("unexpected info %+v", info)
	}

	var list []manager.Info
	doJSON(t, http.MethodGet, ts.URL+"/scripts", "", &list)
	if len(list) != 1 || list[0].Identity != "adder" {
		t.Errorf("unexpected list %+v", list)
	}

	if status := doJSON(t, http.MethodDelete, ts.URL+"/scripts/adder", "", nil); status != http.StatusNoContent {
		t.Errorf("unload: expected 204, got %d", status)
	}
	if status := doJSON(t, http.MethodPost, ts.URL+"/scripts/adder/invoke", `{}`, &invoked); status != http.StatusNotFound {
		t.Errorf("invoke after unload: expected 404, got %d", status)
	}
	if invoked.Kind != executor.KindNotLoaded {
		t.Errorf("expected not_loaded, got %s", invoked.Kind)
	}
}

func TestLoadCompileError(t *testing.T) {
	ts := setupTestServer(t)

	var loaded loadResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/scripts/broken", `{"source":"return (","file":"broken.fs"}`, &loaded)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	if len(loaded.Diagnostics) == 0 || !strings.HasPrefix(loaded.Diagnostics[0], "broken.fs") {
		t.Errorf("expected diagnostics located in broken.fs, got %v", loaded.Diagnostics)
	}
	if loaded.State != manager.StateUnloaded {
		t.Errorf("first failed load should leave the script unloaded, got %s", loaded.State)
	}
}

func TestLoadBadRequests(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid json", "/scripts/x", `{`},
		{"missing source", "/scripts/x", `{}`},
		{"unknown language", "/scripts/x", `{"source":"return 1","language":"lua"}`},
		{"bad timeout", "/scripts/x/invoke", `{"timeout":"soon"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp errorResponse
			if status := doJSON(t, http.MethodPost, ts.URL+tc.path, tc.body, &resp); status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", status)
			}
			if resp.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	ts := setupTestServer(t)

	doJSON(t, http.MethodPost, ts.URL+"/scripts/spin", `{"source":"while (true) {}"}`, nil)

	var invoked invokeResponse
	doJSON(t, http.MethodPost, ts.URL+"/scripts/spin/invoke", `{"timeout":"50ms"}`, &invoked)
	if invoked.Kind != executor.KindTimedOut {
		t.Errorf("expected timed_out, got %+v", invoked)
	}
}

func TestPlayersAndServerPermission(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/players/alex?world=world_nether", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d", resp.StatusCode)
	}

	body := `{"source":"return server.players().map(p => p.name + '@' + p.world)","permissions":["server"]}`
	if status := doJSON(t, http.MethodPost, ts.URL+"/scripts/who", body, nil); status != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", status)
	}

	var invoked invokeResponse
	doJSON(t, http.MethodPost, ts.URL+"/scripts/who/invoke", `{}`, &invoked)
	names, ok := invoked.Value.([]any)
	if !ok || len(names) != 1 || names[0] != "alex@world_nether" {
		t.Errorf("unexpected players %+v", invoked)
	}
}

func TestUnloadUnknown(t *testing.T) {
	ts := setupTestServer(t)
	if status := doJSON(t, http.MethodDelete, ts.URL+"/scripts/ghost", "", nil); status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}
}

func TestEventsAndCommands(t *testing.T) {
	ts := setupTestServer(t)

	body := `{"source":"if (event.type === 'command') return event.args.length > 0; return event.player + ' joined ' + event.world","events":["playerJoin"],"commands":["greet"]}`
	if status := doJSON(t, http.MethodPost, ts.URL+"/scripts/greeter", body, nil); status != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", status)
	}

	var emitted map[string]invokeResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/events/playerJoin", `{"player":"alex","world":"world"}`, &emitted); status != http.StatusOK {
		t.Fatalf("emit: expected 200, got %d", status)
	}
	if got := emitted["greeter"]; got.Kind != executor.KindOK || got.Value != "alex joined world" {
		t.Errorf("unexpected emit result %+v", emitted)
	}

	var cmd commandResponse
	doJSON(t, http.MethodPost, ts.URL+"/commands", `{"command":"/greet steve"}`, &cmd)
	if !cmd.Handled || cmd.Error != "" {
		t.Errorf("expected /greet steve handled, got %+v", cmd)
	}
	doJSON(t, http.MethodPost, ts.URL+"/commands", `{"command":"/greet"}`, &cmd)
	if cmd.Handled {
		t.Error("a false result reports the command unhandled")
	}

	var conflict loadResponse
	other := `{"source":"return 1","commands":["greet"]}`
	if status := doJSON(t, http.MethodPost, ts.URL+"/scripts/thief", other, &conflict); status != http.StatusConflict {
		t.Errorf("expected 409 for a taken command, got %d", status)
	}

	doJSON(t, http.MethodDelete, ts.URL+"/scripts/greeter", "", nil)
	doJSON(t, http.MethodPost, ts.URL+"/commands", `{"command":"/greet steve"}`, &cmd)
	if cmd.Handled {
		t.Error("unloading the script should release /greet")
	}
	emitted = nil
	doJSON(t, http.MethodPost, ts.URL+"/events/playerJoin", `{}`, &emitted)
	if len(emitted) != 0 {
		t.Errorf("unloaded script still subscribed: %+v", emitted)
	}
}
