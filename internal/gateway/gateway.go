package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default timings.
const (
	DefaultAuthGraceWindow  = 60 * time.Second
	DefaultHeartbeatTimeout = 180 * time.Second
	DefaultSweepInterval    = 30 * time.Second
)

// Options configures a Gateway.
type Options struct {
	// RequireAuth selects the authenticated device path. When false the
	// deviceId supplied at connect time is trusted as the device identity.
	RequireAuth bool

	AuthGraceWindow  time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	Logger Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Gateway ties the registry, auth gate, router and heartbeat monitor
// together and exposes one method per transport event.
//
// Methods that return an error signal the transport loop to stop reading
// from that connection; the session has already been closed when they do.
type Gateway struct {
	registry *Registry
	router   *Router
	gate     *AuthGate
	monitor  *HeartbeatMonitor
	opts     Options
	logger   Logger
	now      func() time.Time
}

// New builds a Gateway. verifier is required when opts.RequireAuth is set.
func New(verifier Verifier, notifier Notifier, opts Options) (*Gateway, error) {
	if opts.RequireAuth && verifier == nil {
		return nil, errors.New("gateway: verifier is required when authentication is enabled")
	}
	if opts.AuthGraceWindow <= 0 {
		opts.AuthGraceWindow = DefaultAuthGraceWindow
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reg := NewRegistry()
	reg.now = opts.Now

	router := NewRouter(reg, notifier, opts.Logger)
	router.now = opts.Now

	var gate *AuthGate
	if opts.RequireAuth {
		gate = NewAuthGate(verifier, reg, router, opts.AuthGraceWindow, opts.Logger)
		gate.now = opts.Now
	}

	monitor := NewHeartbeatMonitor(reg, router, gate, opts.HeartbeatTimeout, opts.SweepInterval, opts.Logger)
	monitor.now = opts.Now

	return &Gateway{
		registry: reg,
		router:   router,
		gate:     gate,
		monitor:  monitor,
		opts:     opts,
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

// Registry returns the session registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Router returns the message router.
func (g *Gateway) Router() *Router { return g.router }

// Monitor returns the heartbeat monitor.
func (g *Gateway) Monitor() *HeartbeatMonitor { return g.monitor }

// RequireAuth reports whether devices must authenticate.
func (g *Gateway) RequireAuth() bool { return g.opts.RequireAuth }

// Run starts the heartbeat sweep and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.monitor.Run(ctx)
}

// NewSession wraps a freshly accepted transport.
func (g *Gateway) NewSession(role Role, transport Transport, claimedID, remoteAddr string) *Session {
	sess := NewSession(NewConnectionID(), role, transport, g.now())
	sess.ClaimedID = claimedID
	sess.RemoteAddr = remoteAddr
	return sess
}

// OpenDevice starts the device lifecycle for a new session.
//
// With authentication enabled the session is armed as pending. If creds
// carries out-of-band credentials they are verified immediately, before
// the caller starts its read loop.
//
// With authentication disabled the claimed deviceId becomes the identity
// and the session is admitted at once.
func (g *Gateway) OpenDevice(ctx context.Context, sess *Session, creds *Credentials) error {
	if !g.opts.RequireAuth {
		return g.admitUnauthenticated(ctx, sess)
	}

	if err := g.gate.Arm(sess); err != nil {
		_ = sess.Close(CloseInternalError, "internal error")
		return err
	}
	g.logger.Debug("device awaiting credentials",
		"connection_id", sess.ID,
		"claimed_id", sess.ClaimedID,
		"remote_addr", sess.RemoteAddr,
	)

	if creds != nil && (creds.Username != "" || creds.Password != "") {
		return g.gate.Authenticate(ctx, sess, *creds)
	}
	return nil
}

func (g *Gateway) admitUnauthenticated(ctx context.Context, sess *Session) error {
	if sess.ClaimedID == "" {
		_ = sess.Close(CloseMissingCredentials, "deviceId is required")
		return ErrMissingCredentials
	}

	evicted, err := g.registry.Admit(RoleDevice, sess.ClaimedID, sess)
	if err != nil {
		_ = sess.Close(CloseInternalError, "internal error")
		return fmt.Errorf("admitting device: %w", err)
	}
	if evicted != nil {
		g.logger.Info("replacing existing device connection",
			"device", sess.ClaimedID,
			"old_connection_id", evicted.ID,
			"new_connection_id", sess.ID,
		)
		_ = evicted.Close(CloseNormal, "replaced by new connection")
	}

	g.logger.Info("device connected", "device", sess.ClaimedID, "connection_id", sess.ID)
	g.router.AnnounceConnected(ctx, sess)
	return nil
}

// HandleDeviceFrame dispatches one frame read from a device connection.
func (g *Gateway) HandleDeviceFrame(ctx context.Context, sess *Session, data []byte) error {
	switch sess.State() {
	case StateAwaitingCredentials:
		return g.gate.HandleFrame(ctx, sess, data)
	case StateAuthenticated:
	default:
		return ErrSessionClosed
	}

	frame, ok := parseFrame(data)
	if ok {
		switch frame.Type {
		case FramePing:
			sess.Touch(g.now())
			if err := sess.Send(PongFrame{Type: FramePong}); err != nil {
				g.router.Evict(ctx, sess, CloseGoingAway, "send failed")
				return fmt.Errorf("%w: %v", ErrDeadTarget, err)
			}
			return nil
		case FrameAuth:
			g.logger.Debug("ignoring auth frame from authenticated device", "device", sess.Identity())
			return nil
		}
	}

	g.router.RelayStatus(ctx, sess, data)
	return nil
}

// DeviceClosed handles the transport reporting that a device went away.
func (g *Gateway) DeviceClosed(ctx context.Context, sess *Session) {
	wasDevice := sess.Role() == RoleDevice
	if g.registry.Release(sess) && wasDevice {
		_ = sess.Close(CloseNormal, "")
		g.router.announceDisconnected(ctx, sess)
		return
	}
	_ = sess.Close(CloseNormal, "")
}

// OpenObserver registers a new observer session.
func (g *Gateway) OpenObserver(sess *Session) error {
	if _, err := g.registry.Admit(RoleObserver, sess.ID, sess); err != nil {
		_ = sess.Close(CloseInternalError, "internal error")
		return fmt.Errorf("admitting observer: %w", err)
	}
	g.logger.Debug("observer connected", "connection_id", sess.ID, "remote_addr", sess.RemoteAddr)
	return nil
}

// HandleObserverFrame dispatches one frame read from an observer.
func (g *Gateway) HandleObserverFrame(ctx context.Context, sess *Session, data []byte) error {
	frame, ok := parseFrame(data)
	if !ok {
		if err := sess.Send(ErrorFrame{Type: FrameError, Message: "invalid JSON message"}); err != nil {
			g.router.dropObserver(sess)
			return ErrSessionClosed
		}
		return nil
	}

	if frame.Type != FrameCommand {
		return nil
	}

	err := g.router.RouteObserverCommand(ctx, sess, frame.DeviceID, frame.Payload)
	switch {
	case err == nil:
		g.logger.Debug("observer command forwarded", "device", frame.DeviceID, "connection_id", sess.ID)
	case errors.Is(err, ErrUnknownTarget), errors.Is(err, ErrDeadTarget):
		g.logger.Debug("observer command target offline", "device", frame.DeviceID, "connection_id", sess.ID)
	default:
		g.logger.Warn("observer command failed", "device", frame.DeviceID, "error", err)
	}
	if sess.Closed() {
		return ErrSessionClosed
	}
	return nil
}

// ObserverClosed handles the transport reporting that an observer went away.
func (g *Gateway) ObserverClosed(sess *Session) {
	g.registry.Release(sess)
	_ = sess.Close(CloseNormal, "")
}

// Shutdown closes every session with a going-away code.
func (g *Gateway) Shutdown() {
	for _, role := range []Role{RolePendingDevice, RoleDevice, RoleObserver} {
		for _, s := range g.registry.Snapshot(role) {
			g.registry.Release(s)
			_ = s.Close(CloseGoingAway, "server shutting down")
		}
	}
}
