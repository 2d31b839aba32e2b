package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matst80/easytunnel/internal/agent"
	"github.com/matst80/easytunnel/internal/config"
)

func TestAgentState(t *testing.T) {
	a := agent.New(agent.Options{ServerAddr: "127.0.0.1:1", Token: "T"}, []config.PortPair{{Local: 25565, Remote: 25566}})
	ts := httptest.NewServer(newMetricsMux(a))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []pairStatus
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Local != 25565 || got[0].Remote != 25566 || got[0].State != "disconnected" {
		t.Errorf("state = %+v", got)
	}

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp2.StatusCode)
	}
}
