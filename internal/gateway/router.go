package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DeliveryResult is the outcome of writing a command to one target.
type DeliveryResult struct {
	Target string
	Err    error
}

// Delivered reports whether the command reached the device's transport.
func (d DeliveryResult) Delivered() bool { return d.Err == nil }

// Label is the per-target status used in multi-target command replies.
func (d DeliveryResult) Label() string {
	if d.Err == nil {
		return "ok"
	}
	return "not connected"
}

// Router moves frames between controllers, devices and observers.
//
// Every failed write evicts the target it was aimed at. Eviction of an
// authenticated device always produces one DISCONNECTED notification and
// one device_disconnected broadcast.
//
// Observer fan-out runs on the caller's goroutine. A device frame is not
// fully handled until every observer write has returned, so one slow
// observer holds up that device's read loop for at most the write timeout.
type Router struct {
	registry *Registry
	notifier Notifier
	logger   Logger
	now      func() time.Time
}

// NewRouter creates a Router over reg. A nil notifier drops lifecycle events.
func NewRouter(reg *Registry, notifier Notifier, logger Logger) *Router {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Router{
		registry: reg,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// DeliverCommand writes a command frame carrying action to each target
// device. A nil targets slice broadcasts to every authenticated device.
// Targets that are unknown or whose write fails are reported per target;
// dead targets are evicted.
func (r *Router) DeliverCommand(ctx context.Context, targets []string, action string) []DeliveryResult {
	frame, err := json.Marshal(NewCommandFrame(action))
	if err != nil {
		r.logger.Error("marshalling command frame", "error", err)
		return nil
	}

	if targets == nil {
		var (
			results []DeliveryResult
			dead    []*Session
		)
		for _, s := range r.registry.Snapshot(RoleDevice) {
			err := s.SendRaw(frame)
			if err != nil {
				r.logger.Warn("device write failed", "device", s.Identity(), "error", err)
				dead = append(dead, s)
				err = ErrDeadTarget
			}
			results = append(results, DeliveryResult{Target: s.Identity(), Err: err})
		}
		for _, s := range dead {
			r.Evict(ctx, s, CloseGoingAway, "send failed")
		}
		return results
	}

	results := make([]DeliveryResult, 0, len(targets))
	for _, target := range targets {
		results = append(results, DeliveryResult{Target: target, Err: r.sendToDevice(ctx, target, frame)})
	}
	return results
}

// sendToDevice writes a pre-encoded frame to the named device, evicting it
// if the write fails.
func (r *Router) sendToDevice(ctx context.Context, name string, frame []byte) error {
	sess, ok := r.registry.Lookup(RoleDevice, name)
	if !ok {
		return ErrUnknownTarget
	}
	if err := sess.SendRaw(frame); err != nil {
		r.logger.Warn("device write failed", "device", name, "error", err)
		r.Evict(ctx, sess, CloseGoingAway, "send failed")
		return ErrDeadTarget
	}
	return nil
}

// RouteObserverCommand forwards an observer's command payload to a device
// and answers the observer with an ack or a "device offline" error.
func (r *Router) RouteObserverCommand(ctx context.Context, observer *Session, target string, payload json.RawMessage) error {
	var routeErr error
	if target == "" {
		routeErr = ErrUnknownTarget
	} else {
		if len(payload) == 0 || string(payload) == "null" {
			payload = json.RawMessage(`{}`)
		}
		frame, err := json.Marshal(CommandFrame{Type: FrameCommand, Payload: payload})
		if err != nil {
			routeErr = err
		} else {
			routeErr = r.sendToDevice(ctx, target, frame)
		}
	}

	var reply any = AckFrame{Type: FrameAck, DeviceID: target}
	if routeErr != nil {
		reply = ErrorFrame{Type: FrameError, Message: MessageDeviceOffline}
	}
	if err := observer.Send(reply); err != nil {
		r.dropObserver(observer)
	}
	return routeErr
}

// BroadcastToObservers writes event to every observer and returns how many
// received it. Observers whose write fails are pruned after the pass.
func (r *Router) BroadcastToObservers(event any) int {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("marshalling observer event", "error", err)
		return 0
	}

	delivered := 0
	failed := r.registry.ForEach(RoleObserver, func(s *Session) error {
		if err := s.SendRaw(data); err != nil {
			return err
		}
		delivered++
		return nil
	})
	for _, s := range failed {
		r.logger.Debug("pruning unreachable observer", "connection_id", s.ID)
		_ = s.Close(CloseGoingAway, "unreachable")
	}
	return delivered
}

// RelayStatus forwards a device frame to observers as device_status and
// reports it upstream as STATUS.
func (r *Router) RelayStatus(ctx context.Context, sess *Session, data []byte) {
	name := sess.Identity()
	payload := statusPayload(data)
	r.BroadcastToObservers(Event{Type: EventDeviceStatus, DeviceID: name, Payload: payload})
	r.Notify(ctx, LifecycleEvent{DeviceName: name, Status: StatusStatus, Payload: payload})
}

// AnnounceConnected reports a newly admitted device upstream and to observers.
func (r *Router) AnnounceConnected(ctx context.Context, sess *Session) {
	name := sess.Identity()
	r.Notify(ctx, LifecycleEvent{DeviceName: name, Status: StatusConnected})
	r.BroadcastToObservers(Event{Type: EventDeviceConnected, DeviceID: name})
}

// Evict removes sess from the registry, closes its transport and, if it
// was an authenticated device still registered, announces the disconnect.
// It reports whether this call did the removal.
func (r *Router) Evict(ctx context.Context, sess *Session, code int, reason string) bool {
	if !r.registry.Release(sess) {
		_ = sess.Close(code, reason)
		return false
	}
	r.finishEviction(ctx, sess, code, reason)
	return true
}

// finishEviction closes an already released session and announces it.
func (r *Router) finishEviction(ctx context.Context, sess *Session, code int, reason string) {
	if err := sess.Close(code, reason); err != nil {
		r.logger.Debug("closing evicted session", "connection_id", sess.ID, "error", err)
	}
	if sess.Role() == RoleDevice {
		r.announceDisconnected(ctx, sess)
	}
}

func (r *Router) announceDisconnected(ctx context.Context, sess *Session) {
	name := sess.Identity()
	r.logger.Info("device disconnected", "device", name)
	r.Notify(ctx, LifecycleEvent{DeviceName: name, Status: StatusDisconnected})
	r.BroadcastToObservers(Event{Type: EventDeviceDisconnected, DeviceID: name})
}

func (r *Router) dropObserver(sess *Session) {
	if r.registry.Release(sess) {
		r.logger.Debug("pruning unreachable observer", "connection_id", sess.ID)
	}
	_ = sess.Close(CloseGoingAway, "unreachable")
}

// Notify forwards ev to the notifier, logging rather than returning errors.
func (r *Router) Notify(ctx context.Context, ev LifecycleEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	if err := r.notifier.Notify(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("lifecycle notification failed",
			"device", ev.DeviceName,
			"status", string(ev.Status),
			"error", err,
		)
	}
}
