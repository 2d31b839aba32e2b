package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
	"github.com/matst80/easytunnel/internal/proto"
	"github.com/matst80/easytunnel/internal/splice"
)

type forwardState int

const (
	fwdConnecting forwardState = iota
	fwdIdentifying
	fwdAwaitVerified
	fwdSendID
	fwdAwaitConnected
	fwdDialLocal
	fwdRelaying
)

func (s forwardState) String() string {
	switch s {
	case fwdIdentifying:
		return "identifying"
	case fwdAwaitVerified:
		return "await_verified_connection"
	case fwdSendID:
		return "send_id"
	case fwdAwaitConnected:
		return "await_connected"
	case fwdDialLocal:
		return "dial_local"
	case fwdRelaying:
		return "relaying"
	default:
		return "connecting"
	}
}

// forwardClient serves exactly one inbound connection: it claims the correlation id
// on the relay, opens the local service and splices the two.
type forwardClient struct {
	opts      Options
	dialer    *net.Dialer
	id        string
	localPort int
	state     forwardState
}

func (f *forwardClient) fail(err error) error {
	return fmt.Errorf("%s: %w", f.state, err)
}

func (f *forwardClient) run(ctx context.Context) error {
	f.state = fwdConnecting
	relay, err := f.dialer.DialContext(ctx, "tcp", f.opts.ServerAddr)
	if err != nil {
		return f.fail(err)
	}
	stop := context.AfterFunc(ctx, func() { _ = relay.Close() })
	defer stop()

	rd := bufio.NewReader(relay)
	_ = relay.SetDeadline(time.Now().Add(f.opts.DialTimeout))

	f.state = fwdIdentifying
	if err := proto.WriteMessage(relay, proto.ForwardAuth(f.opts.Token)); err != nil {
		_ = relay.Close()
		return f.fail(err)
	}
	f.state = fwdAwaitVerified
	if err := proto.Expect(rd, proto.VerifiedConnection); err != nil {
		_ = relay.Close()
		return f.fail(err)
	}
	f.state = fwdSendID
	if err := proto.WriteMessage(relay, f.id); err != nil {
		_ = relay.Close()
		return f.fail(err)
	}
	f.state = fwdAwaitConnected
	if err := proto.Expect(rd, proto.Connected); err != nil {
		_ = relay.Close()
		return f.fail(err)
	}

	f.state = fwdDialLocal
	local, err := f.dialer.DialContext(ctx, "tcp", net.JoinHostPort(f.opts.LocalHost, strconv.Itoa(f.localPort)))
	if err != nil {
		_ = relay.Close()
		return f.fail(err)
	}
	if err := proto.WriteMessage(relay, proto.Ready); err != nil {
		_ = relay.Close()
		_ = local.Close()
		return f.fail(err)
	}
	_ = relay.SetDeadline(time.Time{})

	f.state = fwdRelaying
	obs.AgentForwardsTotal.WithLabelValues("established").Inc()
	obs.AgentActiveForwards.Inc()
	defer obs.AgentActiveForwards.Dec()
	obs.Debug("agent.forward.relaying", obs.Fields{"id": f.id, "local_port": f.localPort})

	st := splice.Pipe(splice.Buffered(relay, rd), local)
	obs.Debug("agent.forward.closed", obs.Fields{"id": f.id, "to_local": st.AToB, "to_relay": st.BToA})
	return nil
}
