package main

import (
	"context"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
	"github.com/matst80/easytunnel/internal/relay"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Registrations []relay.RegistrationInfo `json:"registrations"`
	Directory     []relay.PortRecord       `json:"directory"`
	Pending       int                      `json:"pending"`
	Active        int                      `json:"active"`
	PendingBytes  int                      `json:"pending_bytes"`
	TotalTunnels  int64                    `json:"total_tunnels"`
	Misses        int64                    `json:"correlation_misses"`
	Now           string                   `json:"now"`
}

func collectStats(ctx context.Context, srv *relay.Server) Stats {
	snap := srv.Snapshot()
	st := Stats{
		Registrations: snap.Registrations,
		Pending:       snap.Pending,
		Active:        snap.Active,
		PendingBytes:  snap.PendingBytes,
		TotalTunnels:  snap.TotalTunnels,
		Misses:        snap.Misses,
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	recs, err := srv.Directory().List(ctx)
	if err != nil {
		obs.Warn("stats.directory", obs.Fields{"err": err})
	}
	st.Directory = recs
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Registrations": s.Registrations,
		"Directory":     s.Directory,
		"Pending":       s.Pending,
		"Active":        s.Active,
		"PendingBytes":  s.PendingBytes,
		"Total":         s.TotalTunnels,
		"Misses":        s.Misses,
	}
}
