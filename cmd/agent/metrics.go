package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/easytunnel/internal/agent"
	"github.com/matst80/easytunnel/internal/obs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type pairStatus struct {
	Local         int    `json:"local"`
	Remote        int    `json:"remote"`
	State         string `json:"state"`
	Registrations int64  `json:"registrations"`
}

func newMetricsMux(a *agent.Agent) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		var out []pairStatus
		for _, c := range a.Clients() {
			p := c.Pair()
			out = append(out, pairStatus{Local: p.Local, Remote: p.Remote, State: c.State().String(), Registrations: c.Registrations()})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}

func startMetricsServer(ctx context.Context, addr string, a *agent.Agent) {
	hs := &http.Server{Addr: addr, Handler: newMetricsMux(a), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err, "addr": addr})
	}
}
