package gateway

import (
	"context"
	"fmt"
	"time"
)

// Credentials are the username and password a device presents.
type Credentials struct {
	Username string
	Password string
}

// Complete reports whether both fields are present.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// VerdictKind classifies the identity backend's answer.
type VerdictKind int

// Verdict kinds.
const (
	VerdictSuccess VerdictKind = iota
	VerdictRejected
	VerdictUnavailable
)

// Verdict is the identity backend's answer for one set of credentials.
type Verdict struct {
	Kind              VerdictKind
	DeviceName        string
	HardSwitchEnabled bool
	Reason            string
}

// Success builds a successful verdict.
func Success(deviceName string, hardSwitchEnabled bool) Verdict {
	return Verdict{Kind: VerdictSuccess, DeviceName: deviceName, HardSwitchEnabled: hardSwitchEnabled}
}

// Rejected builds a verdict for credentials the backend refused.
func Rejected(reason string) Verdict {
	return Verdict{Kind: VerdictRejected, Reason: reason}
}

// Unavailable builds a verdict for a backend that could not answer.
func Unavailable(reason string) Verdict {
	return Verdict{Kind: VerdictUnavailable, Reason: reason}
}

// Verifier checks device credentials against an identity backend.
type Verifier interface {
	Verify(ctx context.Context, creds Credentials) Verdict
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, creds Credentials) Verdict

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, creds Credentials) Verdict {
	return f(ctx, creds)
}

// AuthGate runs the device handshake: it arms a grace deadline, accepts
// one credential frame, asks the Verifier and then promotes, rejects or
// times out the session.
//
// Every pending session ends in exactly one of those outcomes. Outcomes
// race through Session state transitions, so a timeout and a late verdict
// cannot both win.
type AuthGate struct {
	verifier Verifier
	registry *Registry
	router   *Router
	grace    time.Duration
	logger   Logger
	now      func() time.Time
}

// NewAuthGate creates an AuthGate with the given grace window.
func NewAuthGate(verifier Verifier, reg *Registry, router *Router, grace time.Duration, logger Logger) *AuthGate {
	if logger == nil {
		logger = nopLogger{}
	}
	return &AuthGate{
		verifier: verifier,
		registry: reg,
		router:   router,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
	}
}

// Arm registers sess as a pending device with a deadline one grace window
// from now.
func (g *AuthGate) Arm(sess *Session) error {
	if !sess.arm(g.now().Add(g.grace)) {
		return ErrNotPending
	}
	if _, err := g.registry.Admit(RolePendingDevice, sess.ID, sess); err != nil {
		return fmt.Errorf("admitting pending device: %w", err)
	}
	return nil
}

// HandleFrame consumes the first frame from a pending device. Anything
// other than a complete auth frame rejects the session with
// "missing credentials".
func (g *AuthGate) HandleFrame(ctx context.Context, sess *Session, data []byte) error {
	if sess.State() != StateAwaitingCredentials {
		return ErrNotPending
	}
	if g.CheckDeadline(ctx, sess, g.now()) {
		return ErrAuthTimeout
	}

	frame, ok := parseFrame(data)
	if !ok || frame.Type != FrameAuth {
		return g.reject(ctx, sess, CloseMissingCredentials, "missing credentials", ErrMissingCredentials)
	}
	return g.Authenticate(ctx, sess, Credentials{Username: frame.Username, Password: frame.Password})
}

// Authenticate verifies creds and applies the verdict to sess.
func (g *AuthGate) Authenticate(ctx context.Context, sess *Session, creds Credentials) error {
	if sess.State() != StateAwaitingCredentials {
		return ErrNotPending
	}
	sess.setUsername(creds.Username)
	if !creds.Complete() {
		return g.reject(ctx, sess, CloseMissingCredentials, "missing credentials", ErrMissingCredentials)
	}

	verdict := g.verifier.Verify(ctx, creds)

	switch verdict.Kind {
	case VerdictSuccess:
		return g.admit(ctx, sess, verdict)
	case VerdictRejected:
		reason := verdict.Reason
		if reason == "" {
			reason = "invalid credentials"
		}
		g.logger.Info("device credentials rejected", "username", creds.Username, "reason", reason)
		return g.reject(ctx, sess, CloseAuthRejected, reason, ErrAuthRejected)
	case VerdictUnavailable:
		g.logger.Warn("identity backend unavailable", "username", creds.Username, "reason", verdict.Reason)
		return g.reject(ctx, sess, CloseBackendUnavailable, "authentication service unavailable", ErrAuthBackendUnavailable)
	default:
		return g.reject(ctx, sess, CloseInternalError, "internal error", ErrAuthInternal)
	}
}

func (g *AuthGate) admit(ctx context.Context, sess *Session, verdict Verdict) error {
	if verdict.DeviceName == "" {
		return g.reject(ctx, sess, CloseInternalError, "internal error", ErrAuthInternal)
	}

	evicted, err := g.registry.Promote(sess, verdict.DeviceName)
	if err != nil {
		// The sweep got there first and has already closed the session.
		g.logger.Debug("verdict arrived after session left pending", "connection_id", sess.ID)
		return ErrAuthTimeout
	}

	if evicted != nil {
		g.logger.Info("replacing existing device connection",
			"device", verdict.DeviceName,
			"old_connection_id", evicted.ID,
			"new_connection_id", sess.ID,
		)
		_ = evicted.Close(CloseNormal, "replaced by new connection")
	}

	action := ActionHardOn
	if !verdict.HardSwitchEnabled {
		action = ActionHardOff
	}
	if err := sess.Send(NewCommandFrame(action)); err != nil {
		g.logger.Warn("initial command failed", "device", verdict.DeviceName, "error", err)
		g.registry.Release(sess)
		_ = sess.Close(CloseInternalError, "internal error")
		g.router.Notify(ctx, LifecycleEvent{
			DeviceName: verdict.DeviceName,
			Status:     StatusRejected,
			Payload:    map[string]string{"reason": "internal error"},
		})
		return fmt.Errorf("%w: %v", ErrDeadTarget, err)
	}

	g.logger.Info("device authenticated",
		"device", verdict.DeviceName,
		"connection_id", sess.ID,
		"hard_switch", verdict.HardSwitchEnabled,
	)
	g.router.AnnounceConnected(ctx, sess)
	return nil
}

// CheckDeadline times sess out if it is still pending at now and its grace
// window has passed. It reports whether this call timed it out.
func (g *AuthGate) CheckDeadline(ctx context.Context, sess *Session, now time.Time) bool {
	if sess.State() != StateAwaitingCredentials || !now.After(sess.AuthDeadline()) {
		return false
	}
	if !sess.transition(StateAwaitingCredentials, StateTimedOut) {
		return false
	}
	g.registry.Release(sess)
	_ = sess.Close(CloseAuthTimeout, ReasonTimeout)
	g.logger.Info("pending device timed out", "connection_id", sess.ID, "device", sess.DisplayName())
	g.router.Notify(ctx, LifecycleEvent{
		DeviceName: sess.DisplayName(),
		Status:     StatusRejected,
		Payload:    map[string]string{"reason": ReasonTimeout},
	})
	return true
}

// reject closes a pending session with code and reports REJECTED upstream.
func (g *AuthGate) reject(ctx context.Context, sess *Session, code int, reason string, cause error) error {
	if !sess.transition(StateAwaitingCredentials, StateRejected) {
		return ErrNotPending
	}
	g.registry.Release(sess)
	_ = sess.Close(code, reason)
	g.router.Notify(ctx, LifecycleEvent{
		DeviceName: sess.DisplayName(),
		Status:     StatusRejected,
		Payload:    map[string]string{"reason": reason},
	})
	return fmt.Errorf("%w: %s", cause, reason)
}
