package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/easytunnel/internal/config"
	"github.com/matst80/easytunnel/internal/obs"
	"github.com/matst80/easytunnel/internal/proto"
)

// State is the phase of a control session.
type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitVerified
	Registering
	Registered
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitVerified:
		return "await_verified"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	default:
		return "disconnected"
	}
}

// ControlClient keeps one remote port registered on the relay, restarting the whole
// session after a fixed delay whenever it ends.
type ControlClient struct {
	opts   Options
	pair   config.PortPair
	dialer net.Dialer

	state         atomic.Int32
	registrations atomic.Int64
	forwards      sync.WaitGroup
}

// NewControlClient creates the session for one (local, remote) pair.
func NewControlClient(opts Options, pair config.PortPair) *ControlClient {
	opts.applyDefaults()
	return &ControlClient{
		opts:   opts,
		pair:   pair,
		dialer: net.Dialer{Timeout: opts.DialTimeout},
	}
}

// State returns the current session phase.
func (c *ControlClient) State() State { return State(c.state.Load()) }

// Registrations counts sessions that reached Registered.
func (c *ControlClient) Registrations() int64 { return c.registrations.Load() }

// Pair returns the port mapping served by this client.
func (c *ControlClient) Pair() config.PortPair { return c.pair }

func (c *ControlClient) setState(s State) {
	c.state.Store(int32(s))
	obs.Debug("agent.control.state", obs.Fields{"remote_port": c.pair.Remote, "state": s.String()})
}

// Run keeps the session alive until ctx is cancelled. Retries are unbounded.
func (c *ControlClient) Run(ctx context.Context) error {
	defer c.forwards.Wait()
	for {
		err := c.runOnce(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		obs.Warn("agent.control.ended", obs.Fields{"local_port": c.pair.Local, "remote_port": c.pair.Remote, "err": err, "retry_in": c.opts.ReconnectDelay.String()})
		obs.AgentReconnectsTotal.Inc()
		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *ControlClient) runOnce(ctx context.Context) error {
	c.setState(Connecting)
	conn, err := c.dialer.DialContext(ctx, "tcp", c.opts.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rd := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(c.opts.DialTimeout))
	if err := proto.WriteMessage(conn, c.opts.Token); err != nil {
		return fmt.Errorf("send token: %w", err)
	}

	c.setState(AwaitVerified)
	if err := proto.Expect(rd, proto.VerifiedAgent); err != nil {
		return fmt.Errorf("%s: %w", AwaitVerified, err)
	}

	c.setState(Registering)
	if err := proto.WriteMessage(conn, strconv.Itoa(c.pair.Remote)); err != nil {
		return fmt.Errorf("send remote port: %w", err)
	}
	reply, err := proto.ReadMessage(rd)
	if err != nil {
		return fmt.Errorf("%s: %w", Registering, err)
	}
	switch reply {
	case proto.RegisteredPorts:
	case proto.FailedRegister:
		obs.Error("agent.control.register_failed", obs.Fields{"local_port": c.pair.Local, "remote_port": c.pair.Remote})
		return fmt.Errorf("%w: remote port %d", ErrRejected, c.pair.Remote)
	default:
		return fmt.Errorf("%s: %w", Registering, &proto.UnexpectedError{Want: proto.RegisteredPorts, Got: reply})
	}
	_ = conn.SetDeadline(time.Time{})

	c.setState(Registered)
	c.registrations.Add(1)
	obs.AgentSessionsRegistered.Inc()
	obs.Info("agent.control.registered", obs.Fields{"local_port": c.pair.Local, "remote_port": c.pair.Remote, "server": c.opts.ServerAddr})

	for {
		msg, err := proto.ReadMessage(rd)
		if err != nil {
			return fmt.Errorf("control connection: %w", err)
		}
		id, ok := proto.ParseNewClient(msg)
		if !ok {
			obs.Debug("agent.control.ignored", obs.Fields{"msg": msg})
			continue
		}
		c.forwards.Add(1)
		go func() {
			defer c.forwards.Done()
			defer obs.Recover("agent.forward")
			f := &forwardClient{opts: c.opts, dialer: &c.dialer, id: id, localPort: c.pair.Local}
			if err := f.run(ctx); err != nil {
				obs.Warn("agent.forward.failed", obs.Fields{"id": id, "local_port": c.pair.Local, "err": err})
				obs.AgentForwardsTotal.WithLabelValues("failed").Inc()
			}
		}()
	}
}
