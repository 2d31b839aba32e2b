// Package config loads the agent and relay configuration records.
//
// Both records are plain JSON files created with defaults on first run. Existing files are
// parsed with a YAML decoder, which accepts the JSON records verbatim as well as YAML, and
// may reference environment variables as ${NAME}.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default file names, relative to the working directory.
const (
	AgentFile = "easytunnel.agent.json"
	RelayFile = "easytunnel.server.json"
)

// Agent is the agent's configuration record.
type Agent struct {
	ServerPort int     `json:"serverPort" yaml:"serverPort"`
	ServerIP   string  `json:"serverIp" yaml:"serverIp"`
	Token      string  `json:"token" yaml:"token"`
	Ports      [][]int `json:"ports" yaml:"ports"`

	LocalHost      string        `json:"localHost,omitempty" yaml:"localHost"`
	ReconnectDelay time.Duration `json:"reconnectDelay,omitempty" yaml:"reconnectDelay"`
	DialTimeout    time.Duration `json:"dialTimeout,omitempty" yaml:"dialTimeout"`
}

// PortPair is one (local, remote) mapping.
type PortPair struct {
	Local  int
	Remote int
}

// Pairs returns the configured mappings in file order. Validate must have passed.
func (a *Agent) Pairs() []PortPair {
	out := make([]PortPair, 0, len(a.Ports))
	for _, p := range a.Ports {
		out = append(out, PortPair{Local: p[0], Remote: p[1]})
	}
	return out
}

// ServerAddr is the relay control address.
func (a *Agent) ServerAddr() string {
	return fmt.Sprintf("%s:%d", a.ServerIP, a.ServerPort)
}

// Relay is the relay's configuration record.
type Relay struct {
	Port  int    `json:"port" yaml:"port"`
	Token string `json:"token" yaml:"token"`

	BindHost         string        `json:"bindHost,omitempty" yaml:"bindHost"`
	HandshakeTimeout time.Duration `json:"handshakeTimeout,omitempty" yaml:"handshakeTimeout"`
	ReadyTimeout     time.Duration `json:"readyTimeout,omitempty" yaml:"readyTimeout"`
	PendingTimeout   time.Duration `json:"pendingTimeout,omitempty" yaml:"pendingTimeout"`
	RetireTimeout    time.Duration `json:"retireTimeout,omitempty" yaml:"retireTimeout"`
	MaxPendingBytes  int           `json:"maxPendingBytes,omitempty" yaml:"maxPendingBytes"`
	ConnRate         float64       `json:"connRate,omitempty" yaml:"connRate"`
	GlobalConnRate   float64       `json:"globalConnRate,omitempty" yaml:"globalConnRate"`
	ConnBurst        int           `json:"connBurst,omitempty" yaml:"connBurst"`
	RedisAddr        string        `json:"redisAddr,omitempty" yaml:"redisAddr"`
	RedisPassword    string        `json:"redisPassword,omitempty" yaml:"redisPassword"`
	RedisDB          int           `json:"redisDb,omitempty" yaml:"redisDb"`
}

// ListenAddr is the control-plane listen address.
func (r *Relay) ListenAddr() string {
	return fmt.Sprintf("%s:%d", r.BindHost, r.Port)
}

// DefaultAgent is written on first run.
func DefaultAgent() *Agent {
	return &Agent{
		ServerPort: 65535,
		ServerIP:   "127.0.0.1",
		Token:      "mySecretToken",
		Ports:      [][]int{{25565, 25566}, {25567, 25568}},
	}
}

// DefaultRelay is written on first run.
func DefaultRelay() *Relay {
	return &Relay{Port: 65535, Token: "mySecretToken"}
}

func (a *Agent) applyDefaults() {
	if a.LocalHost == "" {
		a.LocalHost = "127.0.0.1"
	}
	if a.ReconnectDelay <= 0 {
		a.ReconnectDelay = 5 * time.Second
	}
	if a.DialTimeout <= 0 {
		a.DialTimeout = 10 * time.Second
	}
}

func (r *Relay) applyDefaults() {
	if r.HandshakeTimeout <= 0 {
		r.HandshakeTimeout = 10 * time.Second
	}
	if r.ReadyTimeout <= 0 {
		r.ReadyTimeout = 2 * time.Second
	}
	if r.PendingTimeout <= 0 {
		r.PendingTimeout = 30 * time.Second
	}
	if r.RetireTimeout <= 0 {
		r.RetireTimeout = time.Second
	}
	if r.MaxPendingBytes <= 0 {
		r.MaxPendingBytes = 4 << 20
	}
	if r.ConnBurst <= 0 {
		r.ConnBurst = 16
	}
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Validate checks the agent record.
func (a *Agent) Validate() error {
	var errs []error
	if a.ServerIP == "" {
		errs = append(errs, errors.New("serverIp is required"))
	}
	if !validPort(a.ServerPort) {
		errs = append(errs, fmt.Errorf("serverPort %d out of range", a.ServerPort))
	}
	if a.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if len(a.Ports) == 0 {
		errs = append(errs, errors.New("ports must list at least one [local, remote] pair"))
	}
	for i, p := range a.Ports {
		if len(p) != 2 {
			errs = append(errs, fmt.Errorf("ports[%d]: expected [local, remote], got %d values", i, len(p)))
			continue
		}
		if !validPort(p[0]) || !validPort(p[1]) {
			errs = append(errs, fmt.Errorf("ports[%d]: %v out of range", i, p))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the relay record.
func (r *Relay) Validate() error {
	var errs []error
	if !validPort(r.Port) {
		errs = append(errs, fmt.Errorf("port %d out of range", r.Port))
	}
	if r.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if r.ConnRate < 0 || r.GlobalConnRate < 0 {
		errs = append(errs, errors.New("connection rates must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseAgent decodes, defaults and validates an agent record.
func ParseAgent(data []byte) (*Agent, error) {
	cfg := &Agent{}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseRelay decodes, defaults and validates a relay record.
func ParseRelay(data []byte) (*Relay, error) {
	cfg := &Relay{}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse relay config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads path, creating it with DefaultAgent when absent.
// The returned bool reports whether the file was created.
func LoadAgent(path string) (*Agent, bool, error) {
	data, created, err := readOrCreate(path, DefaultAgent())
	if err != nil {
		return nil, false, err
	}
	cfg, err := ParseAgent(data)
	return cfg, created, err
}

// LoadRelay reads path, creating it with DefaultRelay when absent.
func LoadRelay(path string) (*Relay, bool, error) {
	data, created, err := readOrCreate(path, DefaultRelay())
	if err != nil {
		return nil, false, err
	}
	cfg, err := ParseRelay(data)
	return cfg, created, err
}

func readOrCreate(path string, defaults any) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read config file: %w", err)
	}
	data, err = json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("encode default config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, false, fmt.Errorf("write default config: %w", err)
	}
	return data, true, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${NAME} and ${NAME:-default} references.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(sub[1]); ok {
			return v
		}
		return sub[2]
	})
}
