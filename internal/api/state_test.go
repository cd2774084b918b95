package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/protobridge/internal/bridge"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/migration"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

type fixedState bridge.State

func (f fixedState) State() bridge.State { return bridge.State(f) }

func sampleState() fixedState {
	return fixedState{
		Migration: migration.State{Phase: protocol.PhaseGradual, Total: 4, Enhanced: 3, Ratio: 0.75},
		Processed: 12,
		Sessions:  []bridge.SessionInfo{{ID: "a", Protocol: "enhanced", NegotiatedVersion: "2.1.0"}},
	}
}

func TestGetState(t *testing.T) {
	h := NewStateHandler(sampleState(), BuildInfo{Version: "v1", BuildSHA: "sha", BuildDate: "today"})
	r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	w := httptest.NewRecorder()
	h.GetState(w, r)

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	br := raw["bridge"].(map[string]any)
	if br["migration"].(map[string]any)["phase"] != "gradual" {
		t.Fatalf("phase not rendered by name: %v", br["migration"])
	}
	srv := raw["server"].(map[string]any)
	if srv["version"] != "v1" || srv["status"] == "" {
		t.Fatalf("server = %v", srv)
	}
	if srv["process"].(map[string]any)["goroutines"].(float64) < 1 {
		t.Fatalf("process stats missing: %v", srv["process"])
	}
}

func TestGetStateStream(t *testing.T) {
	h := NewStateHandler(sampleState(), BuildInfo{})
	h.Interval = 10 * time.Millisecond

	r := chi.NewRouter()
	r.Get("/api/state/stream", h.GetStateStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/state/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"processed":12`) {
		t.Fatalf("line = %q", line)
	}
}

func TestEventsStream(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	srv := httptest.NewServer(EventsHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// The handler subscribes before flushing headers, so events published
	// from here on are delivered.
	bus.Publish(events.PhaseChanged{From: protocol.PhasePreparation, To: protocol.PhaseGradual, Ratio: 0.9, Reason: "threshold"})

	rd := bufio.NewReader(resp.Body)
	ev, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev != "event: MigrationPhaseChanged\n" {
		t.Fatalf("event line = %q", ev)
	}
	data, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(data, `"to":"gradual"`) {
		t.Fatalf("data = %q", data)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	w := httptest.NewRecorder()
	OpenAPIHandler()(w, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))
	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, p := range []string{"/api/state", "/api/state/stream", "/api/events/stream", "/api/bridge/connect", "/healthz"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
	if _, err := loadOpenAPI(context.Background(), []byte("openapi: 3.0.3\ninfo: {}\n")); err == nil {
		t.Fatalf("invalid document accepted")
	}
}
