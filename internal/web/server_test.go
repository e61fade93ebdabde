package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftd/weft/internal/engine"
	"github.com/weftd/weft/internal/plugin"
	"github.com/weftd/weft/internal/rule"
)

// newTestServer wires a full admin server against a temp-dir rule
// store and a registry with one always-matching trigger and one
// recording action.
func newTestServer(t *testing.T) (*httptest.Server, *rule.Store, *Hub, *int) {
	t.Helper()

	store, err := rule.NewStore(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("open rule store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var actions int
	b := plugin.NewBuilder(nil)
	b.Condition("test", "always", "always matches", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		return plugin.EvalResult{Matched: true}, nil
	})
	b.Action("test", "record", "counts invocations", func(ctx context.Context, in plugin.ExecInput) error {
		actions++
		return nil
	})
	registry := b.Build()

	proc := engine.NewProcessor(registry, store, engine.ProcessorConfig{
		Debounce:    time.Millisecond,
		CallTimeout: time.Second,
	}, nil)

	hub := NewHub(nil)
	s := NewServer("", 0, store, proc, registry, hub, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store, hub, &actions
}

func createRule(t *testing.T, ts *httptest.Server) *rule.Rule {
	t.Helper()
	body := `{
		"user_id": "u1",
		"name": "test rule",
		"trigger": {"provider": "test", "name": "always"},
		"reaction": {"provider": "test", "name": "record"}
	}`
	resp, err := http.Post(ts.URL+"/api/rules", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/rules: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var rl rule.Rule
	if err := json.NewDecoder(resp.Body).Decode(&rl); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	return &rl
}

func TestHealth(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRuleCRUD(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	rl := createRule(t, ts)
	if rl.ID == "" {
		t.Fatal("created rule has no ID")
	}
	if !rl.Active {
		t.Error("rule should default to active")
	}

	// Get it back.
	resp, err := http.Get(ts.URL + "/api/rules/" + rl.ID)
	if err != nil {
		t.Fatalf("GET rule: %v", err)
	}
	var got rule.Rule
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got.Name != "test rule" {
		t.Errorf("Name = %q", got.Name)
	}

	// Update the mutable fields.
	update := `{"name": "renamed", "active": false, "trigger_params": {"x": 1}}`
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/rules/"+rl.ID, strings.NewReader(update))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT rule: %v", err)
	}
	var updated rule.Rule
	json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if updated.Name != "renamed" || updated.Active {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.Trigger.Params["x"] != float64(1) {
		t.Errorf("trigger params = %v", updated.Trigger.Params)
	}

	// List includes it.
	resp, err = http.Get(ts.URL + "/api/rules")
	if err != nil {
		t.Fatalf("GET rules: %v", err)
	}
	var list []rule.Rule
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("list has %d rules, want 1", len(list))
	}

	// Delete it.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/rules/"+rl.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE rule: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/api/rules/" + rl.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestRuleCreateValidation(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{`},
		{name: "missing user", body: `{"name":"x","trigger":{"provider":"a","name":"b"},"reaction":{"provider":"c","name":"d"}}`},
		{name: "missing trigger name", body: `{"user_id":"u1","name":"x","trigger":{"provider":"a"},"reaction":{"provider":"c","name":"d"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/rules", "application/json", bytes.NewReader([]byte(tt.body)))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestRuleEvaluate(t *testing.T) {
	ts, _, _, actions := newTestServer(t)
	rl := createRule(t, ts)

	resp, err := http.Post(ts.URL+"/api/rules/"+rl.ID+"/evaluate", "application/json", nil)
	if err != nil {
		t.Fatalf("POST evaluate: %v", err)
	}
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()

	if result["triggered"] != true {
		t.Errorf("triggered = %v, want true", result["triggered"])
	}
	if *actions != 1 {
		t.Errorf("action ran %d times, want 1", *actions)
	}
}

func TestRuleForce(t *testing.T) {
	ts, _, _, actions := newTestServer(t)
	rl := createRule(t, ts)

	resp, err := http.Post(ts.URL+"/api/rules/"+rl.ID+"/force", "application/json", nil)
	if err != nil {
		t.Fatalf("POST force: %v", err)
	}
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()

	if result["triggered"] != true {
		t.Errorf("triggered = %v, want true", result["triggered"])
	}
	if *actions != 1 {
		t.Errorf("action ran %d times, want 1", *actions)
	}
}

func TestRuleEvaluateUnknownRule(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/rules/missing/evaluate", "application/json", nil)
	if err != nil {
		t.Fatalf("POST evaluate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCapabilities(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/capabilities")
	if err != nil {
		t.Fatalf("GET capabilities: %v", err)
	}
	var caps []plugin.Capability
	json.NewDecoder(resp.Body).Decode(&caps)
	resp.Body.Close()
	if len(caps) != 2 {
		t.Fatalf("got %d capabilities, want 2", len(caps))
	}
}

func TestEventStream(t *testing.T) {
	ts, _, hub, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.PublishEvent(engine.Event{
		RuleID:  "r1",
		Outcome: engine.OutcomeFired,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev engine.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.RuleID != "r1" || ev.Outcome != engine.OutcomeFired {
		t.Errorf("event = %+v", ev)
	}
}
