package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAgentCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), AgentFile)
	cfg, created, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if cfg.ServerPort != 65535 || cfg.ServerIP != "127.0.0.1" || cfg.Token != "mySecretToken" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	pairs := cfg.Pairs()
	if len(pairs) != 2 || pairs[0] != (PortPair{Local: 25565, Remote: 25566}) || pairs[1] != (PortPair{Local: 25567, Remote: 25568}) {
		t.Errorf("unexpected pairs: %+v", pairs)
	}
	if cfg.ReconnectDelay != 5*time.Second || cfg.LocalHost != "127.0.0.1" {
		t.Errorf("optional defaults not applied: %+v", cfg)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "reconnectDelay") {
		t.Errorf("bootstrap file should only carry the base record, got %s", raw)
	}
	again, created, err := LoadAgent(path)
	if err != nil || created {
		t.Fatalf("reload: created=%v err=%v", created, err)
	}
	if again.ServerAddr() != "127.0.0.1:65535" {
		t.Errorf("ServerAddr = %s", again.ServerAddr())
	}
}

func TestLoadRelayCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), RelayFile)
	cfg, created, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if !created || cfg.Port != 65535 || cfg.Token != "mySecretToken" {
		t.Errorf("unexpected relay defaults: created=%v %+v", created, cfg)
	}
	if cfg.ReadyTimeout != 2*time.Second || cfg.RetireTimeout != time.Second {
		t.Errorf("timeouts not defaulted: %+v", cfg)
	}
}

func TestParseAgentJSONFormat(t *testing.T) {
	data := []byte(`{
    "serverPort": 7000,
    "serverIp": "relay.example.com",
    "token": "T",
    "ports": [
        [25565, 25566]
    ],
    "reconnectDelay": "250ms"
}`)
	cfg, err := ParseAgent(data)
	if err != nil {
		t.Fatalf("ParseAgent: %v", err)
	}
	if cfg.ServerAddr() != "relay.example.com:7000" {
		t.Errorf("ServerAddr = %s", cfg.ServerAddr())
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("ReconnectDelay = %s", cfg.ReconnectDelay)
	}
}

func TestParseRelayYAMLWithEnv(t *testing.T) {
	t.Setenv("EASYTUNNEL_TEST_TOKEN", "from-env")
	data := []byte("port: 9000\ntoken: ${EASYTUNNEL_TEST_TOKEN}\nbindHost: ${EASYTUNNEL_UNSET_HOST:-127.0.0.1}\n")
	cfg, err := ParseRelay(data)
	if err != nil {
		t.Fatalf("ParseRelay: %v", err)
	}
	if cfg.Token != "from-env" || cfg.BindHost != "127.0.0.1" {
		t.Errorf("env expansion failed: %+v", cfg)
	}
	if cfg.ListenAddr() != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr())
	}
}

func TestParseAgentValidation(t *testing.T) {
	cases := map[string]string{
		"malformed":   `{"serverPort": `,
		"short pair":  `{"serverPort": 1, "serverIp": "h", "token": "t", "ports": [[1]]}`,
		"bad port":    `{"serverPort": 1, "serverIp": "h", "token": "t", "ports": [[1, 70000]]}`,
		"no token":    `{"serverPort": 1, "serverIp": "h", "ports": [[1, 2]]}`,
		"no ports":    `{"serverPort": 1, "serverIp": "h", "token": "t"}`,
		"server port": `{"serverPort": 0, "serverIp": "h", "token": "t", "ports": [[1, 2]]}`,
	}
	for name, data := range cases {
		if _, err := ParseAgent([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseRelayValidation(t *testing.T) {
	if _, err := ParseRelay([]byte(`{"port": 70000, "token": "t"}`)); err == nil {
		t.Error("expected out of range port to fail")
	}
	if _, err := ParseRelay([]byte(`{"port": 9000}`)); err == nil {
		t.Error("expected missing token to fail")
	}
	if _, err := ParseRelay([]byte(`not: [valid`)); err == nil {
		t.Error("expected malformed content to fail")
	}
}
