// Package agent implements the private side of the tunnel: one supervised control
// session per configured port pair, plus a short-lived forward client per inbound
// connection the relay announces.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/easytunnel/internal/config"
	"github.com/matst80/easytunnel/internal/obs"
	"golang.org/x/sync/errgroup"
)

// ErrRejected is returned when the relay answers a handshake step with anything but
// the expected literal.
var ErrRejected = errors.New("rejected by relay")

// Options holds the settings shared by every session of one agent.
type Options struct {
	ServerAddr     string
	Token          string
	LocalHost      string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
}

// OptionsFromConfig maps the agent configuration record to options.
func OptionsFromConfig(cfg *config.Agent) Options {
	return Options{
		ServerAddr:     cfg.ServerAddr(),
		Token:          cfg.Token,
		LocalHost:      cfg.LocalHost,
		ReconnectDelay: cfg.ReconnectDelay,
		DialTimeout:    cfg.DialTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.LocalHost == "" {
		o.LocalHost = "127.0.0.1"
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// Agent runs a ControlClient for every port pair.
type Agent struct {
	opts    Options
	clients []*ControlClient
}

// New creates an agent for the given pairs, in order.
func New(opts Options, pairs []config.PortPair) *Agent {
	opts.applyDefaults()
	a := &Agent{opts: opts}
	for _, p := range pairs {
		a.clients = append(a.clients, NewControlClient(opts, p))
	}
	return a
}

// Clients returns the control clients in configuration order.
func (a *Agent) Clients() []*ControlClient { return a.clients }

// Run supervises every control client until ctx is cancelled, then waits for them to
// close their connections.
func (a *Agent) Run(ctx context.Context) error {
	obs.Info("agent.start", obs.Fields{"server": a.opts.ServerAddr, "pairs": len(a.clients)})
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range a.clients {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	err := g.Wait()
	obs.Info("agent.stopped", obs.Fields{})
	return err
}
