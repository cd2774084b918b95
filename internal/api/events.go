package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
)

// EventSource lets a handler follow every published event.
type EventSource interface {
	SubscribeAll(fn events.Handler) func()
}

// EventsHandler streams bus events as Server-Sent Events. Slow readers
// lose events rather than holding up the bus.
func EventsHandler(src EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		ch := make(chan events.Event, 64)
		unsubscribe := src.SubscribeAll(func(ev events.Event) {
			select {
			case ch <- ev:
			default:
				logx.Log.Debug().Str("event", string(ev.Name)).Msg("event stream reader too slow; dropping")
			}
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case ev := <-ch:
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := writeSSE(w, string(ev.Name), b); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
