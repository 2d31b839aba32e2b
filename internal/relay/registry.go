package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
	"github.com/matst80/easytunnel/internal/proto"
	"github.com/matst80/easytunnel/internal/ratelimit"
)

var (
	// ErrInvalidPort is returned for a registration request that is not a port number.
	ErrInvalidPort = errors.New("invalid remote port")
	// ErrRelayClosed is returned once Shutdown has run.
	ErrRelayClosed = errors.New("relay is shutting down")
)

// Registration is a remote port bound on behalf of one agent control connection.
type Registration struct {
	Port  int
	Since time.Time

	agent    *agentSession
	listener *portListener
}

// Agent returns the remote address of the owning agent.
func (r *Registration) Agent() string { return r.agent.remote }

// Registry is the port registration manager: at most one live Registration per port.
type Registry struct {
	// opMu serializes register and retire so a bind never races the teardown it depends on.
	opMu sync.Mutex

	mu     sync.Mutex
	regs   map[int]*Registration
	closed bool

	bindHost      string
	retireTimeout time.Duration
	correlator    *Correlator
	limiter       *ratelimit.Limiter
	directory     Directory
	listen        func(network, addr string) (net.Listener, error)
}

// NewRegistry wires a registry to the correlator that holds its inbound connections.
func NewRegistry(bindHost string, retireTimeout time.Duration, correlator *Correlator, limiter *ratelimit.Limiter, directory Directory) *Registry {
	if directory == nil {
		directory = NewMemoryDirectory("local")
	}
	return &Registry{
		regs:          make(map[int]*Registration),
		bindHost:      bindHost,
		retireTimeout: retireTimeout,
		correlator:    correlator,
		limiter:       limiter,
		directory:     directory,
		listen:        net.Listen,
	}
}

// ParsePort validates a decimal remote port in 1..65535.
func ParsePort(s string) (int, error) {
	if s == "" || len(s) > 5 || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidPort, p)
	}
	return p, nil
}

// Register retires any registration for the requested port, then binds a new listener
// owned by agent. The listener does not accept until Activate is called.
func (r *Registry) Register(agent *agentSession, portText string) (*Registration, error) {
	port, err := ParsePort(portText)
	if err != nil {
		return nil, err
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	old := r.regs[port]
	delete(r.regs, port)
	r.mu.Unlock()
	if old != nil {
		obs.Info("relay.port.superseded", obs.Fields{"port": port, "old_agent": old.Agent(), "new_agent": agent.remote})
		r.retire(old)
	}

	ln, err := r.listen("tcp", net.JoinHostPort(r.bindHost, strconv.Itoa(port)))
	if err != nil {
		r.updateGauge()
		return nil, fmt.Errorf("bind remote port %d: %w", port, err)
	}
	reg := &Registration{Port: port, Since: time.Now(), agent: agent, listener: newPortListener(port, ln)}
	r.mu.Lock()
	r.regs[port] = reg
	r.mu.Unlock()
	r.updateGauge()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.directory.Announce(ctx, PortRecord{Port: port, Agent: agent.remote, Since: reg.Since}); err != nil {
		obs.Error("relay.directory.announce", obs.Fields{"port": port, "err": err})
	}
	return reg, nil
}

// Activate starts accepting inbound connections for reg if it is still current.
func (r *Registry) Activate(reg *Registration) bool {
	if !r.owns(reg) {
		return false
	}
	reg.listener.start(func(c net.Conn) { r.accept(reg, c) })
	return true
}

func (r *Registry) accept(reg *Registration, c net.Conn) {
	defer obs.Recover("relay.port.inbound")
	if !r.limiter.Allow(strconv.Itoa(reg.Port)) {
		obs.Warn("relay.inbound.rate_limited", obs.Fields{"port": reg.Port, "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		_ = c.Close()
		return
	}
	obs.InboundAcceptedTotal.Inc()
	corr := r.correlator.Open(reg.Port, c)
	// The entry is removed from regs before its correlations are released, so a
	// correlation opened after that point is caught here.
	if !r.owns(reg) {
		r.correlator.Release(corr)
		return
	}
	if err := reg.agent.send(proto.NewClient(corr.ID)); err != nil {
		obs.Error("relay.inbound.notify", obs.Fields{"port": reg.Port, "id": corr.ID, "err": err})
		obs.ErrorsTotal.WithLabelValues("notify").Inc()
		r.correlator.Release(corr)
		return
	}
	obs.Debug("relay.inbound.pending", obs.Fields{"port": reg.Port, "id": corr.ID, "remote": c.RemoteAddr().String()})
}

func (r *Registry) owns(reg *Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[reg.Port] == reg
}

// Lookup returns the live registration for port.
func (r *Registry) Lookup(port int) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[port]
	return reg, ok
}

// Unregister retires whatever registration holds port. No-op when none does.
func (r *Registry) Unregister(port int) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	reg, ok := r.regs[port]
	delete(r.regs, port)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.retire(reg)
	r.updateGauge()
	return true
}

// Release retires reg only if it is still the current registration for its port, so a
// superseded agent disconnecting late cannot tear down its successor.
func (r *Registry) Release(reg *Registration) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	if r.regs[reg.Port] != reg {
		r.mu.Unlock()
		return false
	}
	delete(r.regs, reg.Port)
	r.mu.Unlock()
	r.retire(reg)
	r.updateGauge()
	return true
}

// Shutdown retires every registration and refuses new ones.
func (r *Registry) Shutdown() int {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	r.closed = true
	regs := make([]*Registration, 0, len(r.regs))
	for port, reg := range r.regs {
		regs = append(regs, reg)
		delete(r.regs, port)
	}
	r.mu.Unlock()
	for _, reg := range regs {
		r.retire(reg)
	}
	r.updateGauge()
	return len(regs)
}

// retire closes the listener, every correlation on the port and the owning agent.
// The caller has already removed reg from the table.
func (r *Registry) retire(reg *Registration) {
	if !reg.listener.stop(r.retireTimeout) {
		obs.Warn("relay.port.retire_timeout", obs.Fields{"port": reg.Port, "timeout": r.retireTimeout.String()})
	}
	closed := r.correlator.ReleasePort(reg.Port)
	r.limiter.Forget(strconv.Itoa(reg.Port))
	reg.agent.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.directory.Withdraw(ctx, reg.Port); err != nil {
		obs.Error("relay.directory.withdraw", obs.Fields{"port": reg.Port, "err": err})
	}
	obs.Info("relay.port.unregistered", obs.Fields{"port": reg.Port, "agent": reg.Agent(), "closed_connections": closed})
}

func (r *Registry) updateGauge() {
	r.mu.Lock()
	n := len(r.regs)
	r.mu.Unlock()
	obs.RegisteredPorts.Set(float64(n))
}

// pruneLimiter drops rate limiter buckets for ports that are no longer registered.
func (r *Registry) pruneLimiter() {
	if r.limiter == nil {
		return
	}
	r.mu.Lock()
	active := make(map[string]bool, len(r.regs))
	for port := range r.regs {
		active[strconv.Itoa(port)] = true
	}
	r.mu.Unlock()
	r.limiter.Retain(active)
}

// RegistrationInfo is the exported view of a registration.
type RegistrationInfo struct {
	Port  int       `json:"port"`
	Agent string    `json:"agent"`
	Since time.Time `json:"since"`
}

// List returns the live registrations ordered by port.
func (r *Registry) List() []RegistrationInfo {
	r.mu.Lock()
	out := make([]RegistrationInfo, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, RegistrationInfo{Port: reg.Port, Agent: reg.Agent(), Since: reg.Since})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
