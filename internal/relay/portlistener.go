package relay

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
)

// portListener owns the listening socket bound for one registration.
type portListener struct {
	port int
	ln   net.Listener

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	done      chan struct{}
}

func newPortListener(port int, ln net.Listener) *portListener {
	return &portListener{port: port, ln: ln, started: make(chan struct{}), done: make(chan struct{})}
}

// start runs the accept loop, handing each connection to handle on its own goroutine.
func (pl *portListener) start(handle func(net.Conn)) {
	pl.startOnce.Do(func() {
		close(pl.started)
		go pl.acceptLoop(handle)
	})
}

func (pl *portListener) acceptLoop(handle func(net.Conn)) {
	defer close(pl.done)
	defer obs.Recover("relay.port.accept")
	for {
		c, err := pl.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("relay.port.accept.timeout", obs.Fields{"port": pl.port, "err": err})
				continue
			}
			obs.Error("relay.port.accept", obs.Fields{"port": pl.port, "err": err})
			return
		}
		go handle(c)
	}
}

// stop closes the listening socket and waits up to timeout for the accept loop to exit.
// It reports whether the loop exited in time.
func (pl *portListener) stop(timeout time.Duration) bool {
	pl.stopOnce.Do(func() { _ = pl.ln.Close() })
	select {
	case <-pl.started:
	default:
		return true
	}
	select {
	case <-pl.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
