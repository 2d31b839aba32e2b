package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/matst80/easytunnel/internal/ratelimit"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, ok := <-ch
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return client, server
}

func newTestRegistry() (*Registry, *Correlator, Directory) {
	corr := NewCorrelator(0)
	dir := NewMemoryDirectory("test")
	return NewRegistry("127.0.0.1", time.Second, corr, nil, dir), corr, dir
}

func TestParsePort(t *testing.T) {
	for _, ok := range []string{"1", "25566", "65535", "080"} {
		if _, err := ParsePort(ok); err != nil {
			t.Errorf("ParsePort(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "0", "65536", "abc", "1.5", "-3", "+80", " 80", "80 ", "8_0", "٣"} {
		if _, err := ParsePort(bad); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("ParsePort(%q) = %v, want ErrInvalidPort", bad, err)
		}
	}
}

func TestRegisterInvalidPortHasNoSideEffects(t *testing.T) {
	reg, _, dir := newTestRegistry()
	_, agentConn := tcpPair(t)
	if _, err := reg.Register(newAgentSession(agentConn, time.Second), "nope"); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("registry must stay empty")
	}
	if recs, _ := dir.List(context.Background()); len(recs) != 0 {
		t.Errorf("directory must stay empty, got %+v", recs)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg, _, dir := newTestRegistry()
	agentPeer, agentConn := tcpPair(t)
	port := freePort(t)

	r, err := reg.Register(newAgentSession(agentConn, time.Second), itoa(port))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !reg.Activate(r) {
		t.Fatal("Activate should succeed for the current registration")
	}
	recs, _ := dir.List(context.Background())
	if len(recs) != 1 || recs[0].Port != port || recs[0].Instance != "test" {
		t.Fatalf("directory records = %+v", recs)
	}

	if !reg.Unregister(port) {
		t.Error("first Unregister should retire the registration")
	}
	if reg.Unregister(port) {
		t.Error("second Unregister must be a no-op")
	}
	if reg.Release(r) {
		t.Error("Release after Unregister must be a no-op")
	}
	if reg.Activate(r) {
		t.Error("a retired registration must not be reactivated")
	}
	expectClosed(t, agentPeer)
	if recs, _ := dir.List(context.Background()); len(recs) != 0 {
		t.Errorf("directory not withdrawn: %+v", recs)
	}
	if c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", itoa(port)), time.Second); err == nil {
		_ = c.Close()
		t.Error("listener still accepting after Unregister")
	}
}

func TestReleaseIsOwnerChecked(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, oldConn := tcpPair(t)
	_, newConn := tcpPair(t)
	port := freePort(t)

	old, err := reg.Register(newAgentSession(oldConn, time.Second), itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	cur, err := reg.Register(newAgentSession(newConn, time.Second), itoa(port))
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if reg.Release(old) {
		t.Error("a superseded registration must not release its successor")
	}
	got, ok := reg.Lookup(port)
	if !ok || got != cur {
		t.Fatal("current registration lost")
	}
	if !reg.Release(cur) {
		t.Error("owner release should succeed")
	}
}

func TestRegistryShutdownRefusesNewRegistrations(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, a := tcpPair(t)
	_, b := tcpPair(t)
	if _, err := reg.Register(newAgentSession(a, time.Second), itoa(freePort(t))); err != nil {
		t.Fatal(err)
	}
	if n := reg.Shutdown(); n != 1 {
		t.Errorf("Shutdown retired %d registrations", n)
	}
	if _, err := reg.Register(newAgentSession(b, time.Second), itoa(freePort(t))); !errors.Is(err, ErrRelayClosed) {
		t.Errorf("expected ErrRelayClosed, got %v", err)
	}
}

func TestCorrelatorReleaseIdempotent(t *testing.T) {
	c := NewCorrelator(0)
	ext, inbound := tcpPair(t)
	corr := c.Open(4000, inbound)
	if p, a := c.Counts(); p != 1 || a != 0 {
		t.Fatalf("counts = %d/%d", p, a)
	}
	if !c.Release(corr) {
		t.Error("first Release should tear down")
	}
	if c.Release(corr) {
		t.Error("second Release must be a no-op")
	}
	if _, ok := c.Lookup(corr.ID); ok {
		t.Error("entry not erased")
	}
	if p, a := c.Counts(); p != 0 || a != 0 {
		t.Errorf("counts after release = %d/%d", p, a)
	}
	expectClosed(t, ext)
}

func TestCorrelatorClaimOnce(t *testing.T) {
	c := NewCorrelator(0)
	_, inbound := tcpPair(t)
	corr := c.Open(4000, inbound)
	if _, ok := c.Claim(corr.ID); !ok {
		t.Fatal("first claim should succeed")
	}
	if _, ok := c.Claim(corr.ID); ok {
		t.Error("second claim must fail")
	}
	if p, a := c.Counts(); p != 0 || a != 1 {
		t.Errorf("counts = %d/%d", p, a)
	}
	if n := c.Expire(0); n != 0 {
		t.Errorf("active correlations must not expire, expired %d", n)
	}
	if n := c.ReleasePort(4000); n != 1 {
		t.Errorf("ReleasePort closed %d", n)
	}
}

func TestCorrelatorIDCollisionRegenerates(t *testing.T) {
	c := NewCorrelator(0)
	ids := []string{"1", "1", "2"}
	c.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	_, in1 := tcpPair(t)
	_, in2 := tcpPair(t)
	a := c.Open(1, in1)
	b := c.Open(1, in2)
	if a.ID != "1" || b.ID != "2" {
		t.Errorf("ids = %q, %q", a.ID, b.ID)
	}
}

func TestCorrelatorBufferLimit(t *testing.T) {
	c := NewCorrelator(8)
	ext, inbound := tcpPair(t)
	corr := c.Open(1, inbound)
	if _, err := ext.Write(make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "buffer limit teardown", func() bool {
		_, ok := c.Lookup(corr.ID)
		return !ok
	})
	expectClosed(t, ext)
}

func TestCorrelatorDetachKeepsOrder(t *testing.T) {
	c := NewCorrelator(0)
	ext, inbound := tcpPair(t)
	corr := c.Open(1, inbound)
	for _, s := range []string{"one", "two", "three"} {
		_, _ = ext.Write([]byte(s))
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "buffering", func() bool { return corr.Buffered() == 11 })
	if _, ok := c.Claim(corr.ID); !ok {
		t.Fatal("claim failed")
	}
	chunks, err := corr.detach()
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	var got []byte
	for _, ch := range chunks {
		got = append(got, ch...)
	}
	if string(got) != "onetwothree" {
		t.Errorf("detached %q", got)
	}
	// The inbound socket is readable again by the new owner.
	_, _ = ext.Write([]byte("x"))
	buf := make([]byte, 1)
	_ = inbound.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := inbound.Read(buf); err != nil || buf[0] != 'x' {
		t.Errorf("read after detach: %q %v", buf, err)
	}
}

func TestCorrelatorKeepsHalfClosedInbound(t *testing.T) {
	c := NewCorrelator(0)
	ext, inbound := tcpPair(t)
	corr := c.Open(1, inbound)
	if _, err := ext.Write([]byte("req")); err != nil {
		t.Fatal(err)
	}
	if err := ext.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "half-close", corr.HalfClosed)
	if _, ok := c.Lookup(corr.ID); !ok {
		t.Fatal("a half-closed pending correlation must stay until claimed")
	}
	if _, ok := c.Claim(corr.ID); !ok {
		t.Fatal("claim failed")
	}
	chunks, err := corr.detach()
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	var got []byte
	for _, ch := range chunks {
		got = append(got, ch...)
	}
	if string(got) != "req" {
		t.Errorf("detached %q", got)
	}
}

func TestCorrelatorReleasesOnInboundReset(t *testing.T) {
	c := NewCorrelator(0)
	ext, inbound := tcpPair(t)
	corr := c.Open(1, inbound)
	if _, ok := c.Claim(corr.ID); !ok {
		t.Fatal("claim failed")
	}
	_ = ext.(*net.TCPConn).SetLinger(0)
	_ = ext.Close()
	waitFor(t, "release on inbound reset", func() bool {
		_, ok := c.Lookup(corr.ID)
		return !ok
	})
	if _, err := corr.detach(); err == nil {
		t.Error("detach must fail once the inbound side is gone")
	}
	if corr.attach(ext) {
		t.Error("attach must fail on a released correlation")
	}
}

func TestPruneLimiterForgetsRetiredPorts(t *testing.T) {
	lim := ratelimit.New(0, 0.001, 1)
	reg := NewRegistry("127.0.0.1", time.Second, NewCorrelator(0), lim, NewMemoryDirectory("test"))
	_, agentConn := tcpPair(t)
	live := freePort(t)
	if _, err := reg.Register(newAgentSession(agentConn, time.Second), itoa(live)); err != nil {
		t.Fatal(err)
	}
	defer reg.Shutdown()

	for _, key := range []string{itoa(live), "9"} {
		if !lim.Allow(key) {
			t.Fatalf("first Allow(%s) should pass", key)
		}
		if lim.Allow(key) {
			t.Fatalf("second Allow(%s) should be limited", key)
		}
	}
	reg.pruneLimiter()
	if !lim.Allow("9") {
		t.Error("bucket for an unregistered port should have been dropped")
	}
	if lim.Allow(itoa(live)) {
		t.Error("bucket for a registered port must be kept")
	}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory("node-a")
	_ = d.Announce(ctx, PortRecord{Port: 2, Agent: "x"})
	_ = d.Announce(ctx, PortRecord{Port: 1, Agent: "y"})
	recs, err := d.List(ctx)
	if err != nil || len(recs) != 2 || recs[0].Port != 1 || recs[1].Instance != "node-a" {
		t.Fatalf("List = %+v, %v", recs, err)
	}
	_ = d.Withdraw(ctx, 1)
	_ = d.Withdraw(ctx, 1)
	if recs, _ := d.List(ctx); len(recs) != 1 {
		t.Errorf("after withdraw: %+v", recs)
	}
}

func TestRedisDirectory(t *testing.T) {
	addr := os.Getenv("EASYTUNNEL_TEST_REDIS")
	if addr == "" {
		t.Skip("EASYTUNNEL_TEST_REDIS not set")
	}
	ctx := context.Background()
	a, err := newRedisDirectory(addr, "", 0, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := newRedisDirectory(addr, "", 0, "node-b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	port := 40000 + int(time.Now().UnixNano()%20000)
	defer a.Withdraw(ctx, port)
	if err := a.Announce(ctx, PortRecord{Port: port, Agent: "agent-1", Since: time.Now()}); err != nil {
		t.Fatal(err)
	}
	// Another instance cannot withdraw a record it does not own.
	if err := b.Withdraw(ctx, port); err != nil {
		t.Fatal(err)
	}
	recs, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range recs {
		if r.Port == port && r.Instance == "node-a" && r.Agent == "agent-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("record for port %d not listed: %+v", port, recs)
	}
	if err := a.Withdraw(ctx, port); err != nil {
		t.Fatal(err)
	}
	recs, _ = a.List(ctx)
	for _, r := range recs {
		if r.Port == port {
			t.Errorf("record survived withdraw: %+v", r)
		}
	}
}

func itoa(p int) string { return strconv.Itoa(p) }
