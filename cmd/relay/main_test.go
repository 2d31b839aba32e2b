package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
)

func TestRunRelayLogsShutdownOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	path := filepath.Join(t.TempDir(), "relay.json")
	cfg := `{"port": ` + strconv.Itoa(port) + `, "token": "T", "bindHost": "127.0.0.1"}`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	obs.SetOutput(&buf)
	defer obs.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := runRelay(ctx, path, ""); err != nil {
		t.Fatalf("runRelay: %v", err)
	}
	out := buf.String()
	if n := strings.Count(out, `"relay.shutdown.complete"`); n != 1 {
		t.Errorf("shutdown.complete logged %d times", n)
	}
	if n := strings.Count(out, `"relay.stopped"`); n != 1 {
		t.Errorf("relay.stopped logged %d times", n)
	}
}
