// Package relay implements the public side of the tunnel: it classifies control-plane
// connections, binds remote ports for agents and pairs inbound connections with the
// forward clients agents dial back with.
package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/easytunnel/internal/config"
	"github.com/matst80/easytunnel/internal/obs"
	"github.com/matst80/easytunnel/internal/proto"
	"github.com/matst80/easytunnel/internal/ratelimit"
	"github.com/matst80/easytunnel/internal/splice"
)

// Options configures a Server.
type Options struct {
	Token            string
	BindHost         string // host remote ports are bound on
	HandshakeTimeout time.Duration
	ReadyTimeout     time.Duration
	PendingTimeout   time.Duration
	CleanupInterval  time.Duration
	RetireTimeout    time.Duration
	MaxPendingBytes  int
	Limiter          *ratelimit.Limiter
	Directory        Directory
}

// OptionsFromConfig maps the relay configuration record to server options.
func OptionsFromConfig(cfg *config.Relay, dir Directory) Options {
	var limiter *ratelimit.Limiter
	if cfg.ConnRate > 0 || cfg.GlobalConnRate > 0 {
		limiter = ratelimit.New(cfg.GlobalConnRate, cfg.ConnRate, cfg.ConnBurst)
	}
	return Options{
		Token:            cfg.Token,
		BindHost:         cfg.BindHost,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadyTimeout:     cfg.ReadyTimeout,
		PendingTimeout:   cfg.PendingTimeout,
		CleanupInterval:  5 * time.Second,
		RetireTimeout:    cfg.RetireTimeout,
		MaxPendingBytes:  cfg.MaxPendingBytes,
		Limiter:          limiter,
		Directory:        dir,
	}
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 2 * time.Second
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Second
	}
	if o.RetireTimeout <= 0 {
		o.RetireTimeout = time.Second
	}
	if o.Directory == nil {
		o.Directory = NewMemoryDirectory("local")
	}
}

// Server accepts agent and forward client connections on one listener.
type Server struct {
	opts       Options
	correlator *Correlator
	registry   *Registry

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	ready        atomic.Bool
	closing      atomic.Bool
	tunnels      atomic.Int64
	misses       atomic.Int64
}

// New creates a relay server.
func New(opts Options) *Server {
	opts.applyDefaults()
	correlator := NewCorrelator(opts.MaxPendingBytes)
	return &Server{
		opts:       opts,
		correlator: correlator,
		registry:   NewRegistry(opts.BindHost, opts.RetireTimeout, correlator, opts.Limiter, opts.Directory),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Registry exposes the port registration manager.
func (s *Server) Registry() *Registry { return s.registry }

// Correlator exposes the pending/active correlation table.
func (s *Server) Correlator() *Correlator { return s.correlator }

// Directory returns the registration directory in use.
func (s *Server) Directory() Directory { return s.opts.Directory }

// Ready reports whether the server is accepting and not shutting down.
func (s *Server) Ready() bool { return s.ready.Load() && !s.closing.Load() }

// Addr returns the control-plane listen address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the control listener on addr. Addr reports it from here on, before
// Serve starts accepting.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called. It returns
// after every connection handler has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	go s.runCleanupLoop(ctx)
	if m, ok := s.opts.Directory.(maintainer); ok {
		go m.Maintain(ctx)
	}

	s.ready.Store(true)
	obs.Info("relay.ready", obs.Fields{"addr": ln.Addr().String()})

	var serveErr error
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err})
				continue
			}
			serveErr = err
			break
		}
		if !s.track(c) {
			_ = c.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(c)
	}
	s.Shutdown()
	s.wg.Wait()
	return serveErr
}

// Shutdown stops accepting, unregisters every port and closes all connections.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.closing.Store(true)
		obs.Info("relay.shutdown.signal", obs.Fields{})
		s.mu.Lock()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Unlock()
		ports := s.registry.Shutdown()
		closed := s.correlator.ReleaseAll()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		obs.Info("relay.shutdown.complete", obs.Fields{"ports": ports, "connections": closed})
	})
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer s.untrack(c)
	defer obs.Recover("relay.conn")

	remote := c.RemoteAddr().String()
	_ = c.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	rd := bufio.NewReader(c)
	first, err := proto.ReadMessage(rd)
	if err != nil {
		obs.Debug("relay.handshake.read", obs.Fields{"remote": remote, "err": err})
		obs.HandshakeRejectsTotal.WithLabelValues("first_read").Inc()
		_ = c.Close()
		return
	}
	switch proto.Classify(first, s.opts.Token) {
	case proto.RoleAgent:
		s.serveAgent(c, rd)
	case proto.RoleForward:
		s.serveForward(c, rd)
	default:
		obs.Warn("relay.handshake.token", obs.Fields{"remote": remote})
		obs.HandshakeRejectsTotal.WithLabelValues("token").Inc()
		_ = c.Close()
	}
}

// serveAgent runs the control connection: verify, register the requested port, then hold
// the registration until the agent goes away.
func (s *Server) serveAgent(c net.Conn, rd *bufio.Reader) {
	sess := newAgentSession(c, s.opts.HandshakeTimeout)
	defer sess.close()

	if err := sess.send(proto.VerifiedAgent); err != nil {
		obs.Debug("relay.agent.write", obs.Fields{"remote": sess.remote, "err": err})
		return
	}
	portText, err := proto.ReadMessage(rd)
	if err != nil {
		obs.Warn("relay.agent.port_read", obs.Fields{"remote": sess.remote, "err": err})
		obs.HandshakeRejectsTotal.WithLabelValues("port_read").Inc()
		return
	}
	reg, err := s.registry.Register(sess, portText)
	if err != nil {
		reason := "bind"
		if errors.Is(err, ErrInvalidPort) {
			reason = "invalid_port"
		}
		obs.Warn("relay.agent.register_failed", obs.Fields{"remote": sess.remote, "port": portText, "err": err})
		obs.HandshakeRejectsTotal.WithLabelValues(reason).Inc()
		_ = sess.send(proto.FailedRegister)
		return
	}
	if err := sess.send(proto.RegisteredPorts); err != nil {
		s.registry.Release(reg)
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	s.registry.Activate(reg)
	obs.Info("relay.agent.registered", obs.Fields{"remote": sess.remote, "port": reg.Port})

	for {
		msg, err := proto.ReadMessage(rd)
		if err != nil {
			obs.Info("relay.agent.disconnected", obs.Fields{"remote": sess.remote, "port": reg.Port, "err": err})
			break
		}
		obs.Debug("relay.agent.message", obs.Fields{"remote": sess.remote, "msg": msg})
	}
	s.registry.Release(reg)
}

// serveForward pairs a forward client with the inbound connection named by its id.
func (s *Server) serveForward(c net.Conn, rd *bufio.Reader) {
	remote := c.RemoteAddr().String()
	if err := proto.WriteMessage(c, proto.VerifiedConnection); err != nil {
		_ = c.Close()
		return
	}
	id, err := proto.ReadMessage(rd)
	if err != nil {
		obs.Warn("relay.forward.id_read", obs.Fields{"remote": remote, "err": err})
		obs.HandshakeRejectsTotal.WithLabelValues("id_read").Inc()
		_ = c.Close()
		return
	}
	corr, ok := s.correlator.Claim(id)
	if !ok {
		obs.Warn("relay.forward.unknown_id", obs.Fields{"remote": remote, "id": id})
		obs.CorrelationMissTotal.Inc()
		s.misses.Add(1)
		_ = c.Close()
		return
	}
	if !corr.attach(c) {
		_ = c.Close()
		return
	}
	if err := proto.WriteMessage(c, proto.Connected); err != nil {
		s.correlator.Release(corr)
		return
	}

	_ = c.SetReadDeadline(time.Now().Add(s.opts.ReadyTimeout))
	if err := proto.Expect(rd, proto.Ready); err != nil {
		obs.Warn("relay.forward.not_ready", obs.Fields{"id": id, "port": corr.Port, "err": err})
		obs.ErrorsTotal.WithLabelValues("not_ready").Inc()
		s.correlator.Release(corr)
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	chunks, err := corr.detach()
	if err != nil {
		obs.Debug("relay.forward.inbound_gone", obs.Fields{"id": id, "err": err})
		s.correlator.Release(corr)
		return
	}
	flushed := 0
	for _, chunk := range chunks {
		if _, err := c.Write(chunk); err != nil {
			obs.Error("relay.forward.flush", obs.Fields{"id": id, "err": err})
			obs.ErrorsTotal.WithLabelValues("flush").Inc()
			s.correlator.Release(corr)
			return
		}
		flushed += len(chunk)
	}

	s.tunnels.Add(1)
	obs.TunnelEstablishedTotal.Inc()
	obs.Info("relay.tunnel.established", obs.Fields{"id": id, "port": corr.Port, "buffered_bytes": flushed, "inbound_half_closed": corr.HalfClosed()})
	start := time.Now()
	st := splice.Pipe(corr.inbound, splice.Buffered(c, rd))
	s.correlator.forget(corr)

	obs.BytesRelayedTotal.WithLabelValues("to_agent").Add(float64(st.AToB + int64(flushed)))
	obs.BytesRelayedTotal.WithLabelValues("to_client").Add(float64(st.BToA))
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("relay.tunnel.closed", obs.Fields{"id": id, "port": corr.Port, "to_agent": st.AToB, "to_client": st.BToA})
}

func (s *Server) runCleanupLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.registry.pruneLimiter()
			if n := s.correlator.Expire(s.opts.PendingTimeout); n > 0 {
				obs.PendingExpiredTotal.Add(float64(n))
				obs.Info("relay.pending.expired", obs.Fields{"count": n, "max_age": s.opts.PendingTimeout.String()})
			}
		}
	}
}

// Snapshot is a point-in-time view of the relay state.
type Snapshot struct {
	Registrations []RegistrationInfo `json:"registrations"`
	Pending       int                `json:"pending"`
	Active        int                `json:"active"`
	PendingBytes  int                `json:"pending_bytes"`
	TotalTunnels  int64              `json:"total_tunnels"`
	Misses        int64              `json:"correlation_misses"`
}

// Snapshot collects the current registrations and counters.
func (s *Server) Snapshot() Snapshot {
	pending, active := s.correlator.Counts()
	return Snapshot{
		Registrations: s.registry.List(),
		Pending:       pending,
		Active:        active,
		PendingBytes:  s.correlator.PendingBytes(),
		TotalTunnels:  s.tunnels.Load(),
		Misses:        s.misses.Load(),
	}
}
