package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is the part a session plays in the registry.
type Role string

// Session roles.
const (
	RolePendingDevice Role = "pending-device"
	RoleDevice        Role = "device"
	RoleObserver      Role = "observer"
)

// AuthState is the position of a session in the device handshake.
type AuthState int

// Handshake states. Observers stay in StateConnected for their whole life.
const (
	StateConnected AuthState = iota
	StateAwaitingCredentials
	StateAuthenticated
	StateRejected
	StateTimedOut
)

func (s AuthState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the write side of one live connection.
//
// Implementations need not be safe for concurrent use; Session serialises
// every call.
type Transport interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// NewConnectionID returns a unique, time-sortable connection id.
func NewConnectionID() string {
	return ulid.Make().String()
}

// Session is one live connection.
//
// The transport is owned by the session. Registry and Router hold
// references only and write through Send.
type Session struct {
	ID          string
	ClaimedID   string // deviceId supplied at connect time, if any
	RemoteAddr  string
	ConnectedAt time.Time

	mu            sync.Mutex
	role          Role
	identity      string
	state         AuthState
	authDeadline  time.Time
	lastHeartbeat time.Time
	username      string

	writeMu   sync.Mutex
	transport Transport
	closed    bool
}

// NewSession wraps a transport in a session with the given role.
func NewSession(id string, role Role, transport Transport, now time.Time) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: now,
		role:        role,
		state:       StateConnected,
		transport:   transport,
	}
}

// Role returns the session's current role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Identity returns the device name, or "" before promotion.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the handshake state.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthDeadline returns the time after which a pending session is evicted.
func (s *Session) AuthDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authDeadline
}

// LastHeartbeat returns the last time the device proved liveness.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Touch records a heartbeat. Earlier timestamps are ignored so the value
// only moves forward.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastHeartbeat) {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()
}

// DisplayName is the best available name for logs and callbacks: the device
// name once known, else the claimed id, else the username tried, else the
// connection id.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.identity != "":
		return s.identity
	case s.ClaimedID != "":
		return s.ClaimedID
	case s.username != "":
		return s.username
	default:
		return s.ID
	}
}

// key returns the registry key for the session's current role.
func (s *Session) key() (Role, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleDevice {
		return s.role, s.identity
	}
	return s.role, s.ID
}

// assign sets role and identity on admission.
func (s *Session) assign(role Role, identity string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
	if role == RoleDevice {
		s.identity = identity
		s.state = StateAuthenticated
		if now.After(s.lastHeartbeat) {
			s.lastHeartbeat = now
		}
	}
}

// arm moves a connected session into AwaitingCredentials.
func (s *Session) arm(deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.role = RolePendingDevice
	s.state = StateAwaitingCredentials
	s.authDeadline = deadline
	return true
}

// transition moves the session from one state to another and reports
// whether it was in the expected state.
func (s *Session) transition(from, to AuthState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) setUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

// Send marshals v as JSON and writes it as one frame.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	return s.SendRaw(data)
}

// SendRaw writes one pre-encoded frame. Writes are serialised per session.
func (s *Session) SendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.transport.WriteMessage(data)
}

// Close closes the transport with the given code. Only the first call
// reaches the transport.
func (s *Session) Close(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.transport.Close(code, reason)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}
