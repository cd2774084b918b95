// Package api serves the bridge's HTTP query surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/protobridge/internal/bridge"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/serverstate"
)

// StateSource provides bridge snapshots.
type StateSource interface {
	State() bridge.State
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// ProcessStats describes the bridge process.
type ProcessStats struct {
	Goroutines int     `json:"goroutines"`
	Threads    int32   `json:"threads,omitempty"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// ServerInfo is the server section of a state response.
type ServerInfo struct {
	BuildInfo
	Status        string       `json:"status"`
	Draining      bool         `json:"draining"`
	UptimeSeconds float64      `json:"uptime_s"`
	Process       ProcessStats `json:"process"`
}

// StateResponse is returned by /api/state.
type StateResponse struct {
	Server ServerInfo   `json:"server"`
	Bridge bridge.State `json:"bridge"`
}

// StateHandler serves state snapshots and streams.
type StateHandler struct {
	Source   StateSource
	Build    BuildInfo
	Started  time.Time
	Interval time.Duration

	proc *process.Process
}

// NewStateHandler returns a handler reporting on the current process.
func NewStateHandler(src StateSource, build BuildInfo) *StateHandler {
	h := &StateHandler{Source: src, Build: build, Started: time.Now(), Interval: 2 * time.Second}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	} else {
		logx.Log.Debug().Err(err).Msg("process stats unavailable")
	}
	return h
}

// Snapshot assembles the full state response.
func (h *StateHandler) Snapshot(ctx context.Context) StateResponse {
	st := serverstate.Snapshot()
	return StateResponse{
		Server: ServerInfo{
			BuildInfo:     h.Build,
			Status:        st.Status,
			Draining:      st.Draining,
			UptimeSeconds: time.Since(h.Started).Seconds(),
			Process:       h.processStats(ctx),
		},
		Bridge: h.Source.State(),
	}
}

func (h *StateHandler) processStats(ctx context.Context) ProcessStats {
	ps := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if h.proc == nil {
		return ps
	}
	if mi, err := h.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		ps.RSSBytes = mi.RSS
	}
	if n, err := h.proc.NumThreadsWithContext(ctx); err == nil {
		ps.Threads = n
	}
	if cpu, err := h.proc.PercentWithContext(ctx, 0); err == nil {
		ps.CPUPercent = cpu
	}
	return ps
}

// GetState returns a JSON snapshot.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	state := h.Snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		logx.Log.Error().Err(err).Msg("encode state")
	}
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	send := func() bool {
		b, _ := json.Marshal(h.Snapshot(r.Context()))
		if err := writeSSE(w, "", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	if event != "" {
		if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
