package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/protobridge/internal/logx"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket handler take over the connection.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := lw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MiddlewareChain returns the middleware applied to every route.
func MiddlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger,
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		reqID := chiMiddleware.GetReqID(r.Context())
		next.ServeHTTP(lrw, r)
		lvl := zerolog.GlobalLevel()
		if lvl <= zerolog.DebugLevel {
			logx.Log.Debug().Str("request_id", reqID).Str("method", r.Method).Str("url", r.URL.String()).Int("status", lrw.status).Interface("headers", lrw.Header()).Msg("http")
		} else if lvl <= zerolog.InfoLevel && r.URL.Path != "/healthz" {
			logx.Log.Info().Str("request_id", reqID).Str("method", r.Method).Str("url", r.URL.String()).Int("status", lrw.status).Msg("http")
		}
	})
}
