package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"topiq/internal/broker"
	logx "topiq/pkg/logx"
)

const defaultHTTPAddr = "127.0.0.1:8085"

// startHTTP exposes broker health and metrics on a small read-only
// listener. Failure to bind is logged, not fatal: the broker itself
// does not depend on the endpoint.
func (a *App) startHTTP(addr string) {
	if addr == "" {
		addr = defaultHTTPAddr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hs := a.broker.HealthStatus()
		code := http.StatusOK
		if hs.Status != broker.HealthHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, hs)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.broker.AllMetrics())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.log.Warn("http listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	a.httpSrv = srv

	log := a.log.With(logx.String("comp", "http"))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	log.Info("http endpoint enabled", logx.String("addr", ln.Addr().String()))
}

func (a *App) stopHTTP(ctx context.Context) {
	if a.httpSrv == nil {
		return
	}
	srv := a.httpSrv
	a.httpSrv = nil

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("http shutdown error", logx.Err(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
