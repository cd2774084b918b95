package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func TestRequestIDMiddleware(t *testing.T) {
	chain := MiddlewareChain()
	var captured string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chiMiddleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)
	if captured == "" {
		t.Fatalf("missing request id")
	}
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestLoggingWriterFlushes(t *testing.T) {
	rr := httptest.NewRecorder()
	lw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}
	lw.Flush()
	if !rr.Flushed {
		t.Fatalf("flush not forwarded")
	}
	if _, _, err := lw.Hijack(); err == nil {
		t.Fatalf("recorder cannot be hijacked")
	}
}
