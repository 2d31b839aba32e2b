package proto

import (
	"crypto/subtle"
	"strings"
)

// Literal replies and notifications exchanged during the handshake.
const (
	VerifiedAgent      = "verifiedAgent"      // relay -> agent: control token accepted
	VerifiedConnection = "verifiedConnection" // relay -> agent: forward token accepted
	RegisteredPorts    = "registeredPorts"    // relay -> agent: remote port bound
	FailedRegister     = "failedRegister"     // relay -> agent: remote port rejected or bind failed
	Connected          = "connected"          // relay -> agent: correlation id found
	Ready              = "ready"              // agent -> relay: local service dialed, flush may start

	// NewClientPrefix precedes the correlation id in relay -> agent notifications.
	NewClientPrefix = "newClient"
	// ForwardSuffix is appended to the token by forward clients.
	ForwardSuffix = "Client"
)

// Role is the classification of a connection from its first message.
type Role int

const (
	RoleUnclassified Role = iota
	RoleAgent
	RoleForward
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleForward:
		return "forward"
	default:
		return "unclassified"
	}
}

// Classify compares the whole first message against the token markers.
func Classify(msg, token string) Role {
	if token == "" {
		return RoleUnclassified
	}
	if equal(msg, token) {
		return RoleAgent
	}
	if equal(msg, ForwardAuth(token)) {
		return RoleForward
	}
	return RoleUnclassified
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ForwardAuth is the first message of a forward client connection.
func ForwardAuth(token string) string { return token + ForwardSuffix }

// NewClient builds the notification for correlation id.
func NewClient(id string) string { return NewClientPrefix + id }

// ParseNewClient extracts the correlation id from a notification.
func ParseNewClient(msg string) (string, bool) {
	if !strings.HasPrefix(msg, NewClientPrefix) {
		return "", false
	}
	id := msg[len(NewClientPrefix):]
	if id == "" {
		return "", false
	}
	return id, true
}
