package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuthGate_InBandSuccess(t *testing.T) {
	h := newHarness(t, true)
	_, obs := h.connectObserver(t)

	sess, tr := h.connectDevice(t, "D1", true)

	msgs := tr.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("device received %d frames, want 1", len(msgs))
	}
	if msgs[0]["type"] != "command" {
		t.Errorf("first frame type = %v, want command", msgs[0]["type"])
	}
	payload, _ := msgs[0]["payload"].(map[string]any)
	if payload["action"] != ActionHardOn {
		t.Errorf("first frame action = %v, want HARD_ON", payload["action"])
	}

	if got, ok := h.gw.Registry().Lookup(RoleDevice, "D1"); !ok || got != sess {
		t.Error("device should be registered under D1")
	}
	if h.gw.Registry().Count(RolePendingDevice) != 0 {
		t.Error("pending map should be empty")
	}

	connected := h.notifier.byStatus(StatusConnected)
	if len(connected) != 1 || connected[0].DeviceName != "D1" {
		t.Errorf("CONNECTED events = %+v, want one for D1", connected)
	}

	obsMsgs := obs.messages(t)
	if len(obsMsgs) != 1 || obsMsgs[0]["type"] != EventDeviceConnected || obsMsgs[0]["deviceId"] != "D1" {
		t.Errorf("observer messages = %v, want one device_connected for D1", obsMsgs)
	}
}

func TestAuthGate_HardSwitchDisabled(t *testing.T) {
	h := newHarness(t, true)
	_, tr := h.connectDevice(t, "D2", false)

	msgs := tr.messages(t)
	payload, _ := msgs[0]["payload"].(map[string]any)
	if payload["action"] != ActionHardOff {
		t.Errorf("first frame action = %v, want HARD_OFF", payload["action"])
	}
}

func TestAuthGate_OutOfBandCredentials(t *testing.T) {
	h := newHarness(t, true)
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RolePendingDevice, tr, "D1", "")

	err := h.gw.OpenDevice(context.Background(), sess, &Credentials{Username: "user", Password: "pass"})
	if err != nil {
		t.Fatalf("OpenDevice() error = %v", err)
	}
	if h.verifier.last.Username != "user" || h.verifier.last.Password != "pass" {
		t.Errorf("verifier got %+v, want header credentials", h.verifier.last)
	}
	if sess.State() != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", sess.State())
	}
	if tr.count() != 1 {
		t.Errorf("device received %d frames, want 1", tr.count())
	}
}

func TestAuthGate_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		verdict    Verdict
		frame      string
		wantCode   int
		wantErr    error
		wantReason string
		wantCalls  int
	}{
		{
			name:       "backend rejects",
			verdict:    Rejected("invalid password"),
			frame:      `{"type":"auth","username":"u","password":"bad"}`,
			wantCode:   CloseAuthRejected,
			wantErr:    ErrAuthRejected,
			wantReason: "invalid password",
			wantCalls:  1,
		},
		{
			name:       "backend rejects without message",
			verdict:    Rejected(""),
			frame:      `{"type":"auth","username":"u","password":"bad"}`,
			wantCode:   CloseAuthRejected,
			wantErr:    ErrAuthRejected,
			wantReason: "invalid credentials",
			wantCalls:  1,
		},
		{
			name:       "backend unavailable",
			verdict:    Unavailable("connection refused"),
			frame:      `{"type":"auth","username":"u","password":"p"}`,
			wantCode:   CloseBackendUnavailable,
			wantErr:    ErrAuthBackendUnavailable,
			wantReason: "authentication service unavailable",
			wantCalls:  1,
		},
		{
			name:       "first frame is not auth",
			verdict:    Success("D1", true),
			frame:      `{"type":"ping"}`,
			wantCode:   CloseMissingCredentials,
			wantErr:    ErrMissingCredentials,
			wantReason: "missing credentials",
		},
		{
			name:       "password missing",
			verdict:    Success("D1", true),
			frame:      `{"type":"auth","username":"u"}`,
			wantCode:   CloseMissingCredentials,
			wantErr:    ErrMissingCredentials,
			wantReason: "missing credentials",
		},
		{
			name:       "invalid JSON",
			verdict:    Success("D1", true),
			frame:      `not json`,
			wantCode:   CloseMissingCredentials,
			wantErr:    ErrMissingCredentials,
			wantReason: "missing credentials",
		},
		{
			name:       "success without device name",
			verdict:    Success("", true),
			frame:      `{"type":"auth","username":"u","password":"p"}`,
			wantCode:   CloseInternalError,
			wantErr:    ErrAuthInternal,
			wantReason: "internal error",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.verifier.verdict = tt.verdict
			tr := &fakeTransport{}
			sess := h.gw.NewSession(RolePendingDevice, tr, "D1", "")
			ctx := context.Background()

			if err := h.gw.OpenDevice(ctx, sess, nil); err != nil {
				t.Fatalf("OpenDevice() error = %v", err)
			}
			err := h.gw.HandleDeviceFrame(ctx, sess, []byte(tt.frame))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleDeviceFrame() error = %v, want %v", err, tt.wantErr)
			}

			closed, code, _ := tr.closedWith()
			if !closed || code != tt.wantCode {
				t.Errorf("close = %v/%d, want true/%d", closed, code, tt.wantCode)
			}
			if sess.State() != StateRejected {
				t.Errorf("state = %s, want rejected", sess.State())
			}
			if h.gw.Registry().Count(RolePendingDevice) != 0 || h.gw.Registry().Count(RoleDevice) != 0 {
				t.Errorf("registry = %+v, want empty", h.gw.Registry().Counts())
			}
			if h.verifier.calls != tt.wantCalls {
				t.Errorf("verifier calls = %d, want %d", h.verifier.calls, tt.wantCalls)
			}

			rejected := h.notifier.byStatus(StatusRejected)
			if len(rejected) != 1 {
				t.Fatalf("REJECTED events = %d, want 1", len(rejected))
			}
			payload, _ := rejected[0].Payload.(map[string]string)
			if payload["reason"] != tt.wantReason {
				t.Errorf("reason = %q, want %q", payload["reason"], tt.wantReason)
			}
			if rejected[0].DeviceName != "D1" {
				t.Errorf("DeviceName = %q, want claimed id D1", rejected[0].DeviceName)
			}
			if len(h.notifier.byStatus(StatusConnected)) != 0 {
				t.Error("rejected device must not produce CONNECTED")
			}
		})
	}
}

func TestAuthGate_RejectedUsesUsernameWithoutClaimedID(t *testing.T) {
	h := newHarness(t, true)
	h.verifier.verdict = Rejected("nope")
	sess := h.gw.NewSession(RolePendingDevice, &fakeTransport{}, "", "")
	ctx := context.Background()

	h.gw.OpenDevice(ctx, sess, nil)
	h.gw.HandleDeviceFrame(ctx, sess, []byte(`{"type":"auth","username":"wemos-7","password":"x"}`))

	rejected := h.notifier.byStatus(StatusRejected)
	if len(rejected) != 1 || rejected[0].DeviceName != "wemos-7" {
		t.Errorf("REJECTED events = %+v, want one for wemos-7", rejected)
	}
}

func TestAuthGate_GraceTimeout(t *testing.T) {
	h := newHarness(t, true)
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RolePendingDevice, tr, "D1", "")
	ctx := context.Background()
	h.gw.OpenDevice(ctx, sess, nil)

	h.clock.Advance(59 * time.Second)
	if res := h.gw.Monitor().Sweep(ctx); res.TimedOut != 0 {
		t.Fatalf("TimedOut = %d before deadline, want 0", res.TimedOut)
	}

	h.clock.Advance(2 * time.Second)
	if res := h.gw.Monitor().Sweep(ctx); res.TimedOut != 1 {
		t.Fatalf("TimedOut = %d after deadline, want 1", res.TimedOut)
	}

	closed, code, reason := tr.closedWith()
	if !closed || code != CloseAuthTimeout || reason != "timeout" {
		t.Errorf("close = %v/%d/%q, want true/4003/timeout", closed, code, reason)
	}
	if sess.State() != StateTimedOut {
		t.Errorf("state = %s, want timed_out", sess.State())
	}
	rejected := h.notifier.byStatus(StatusRejected)
	if len(rejected) != 1 {
		t.Fatalf("REJECTED events = %d, want 1", len(rejected))
	}
	if rejected[0].DeviceName != "D1" {
		t.Errorf("REJECTED device = %q, want D1", rejected[0].DeviceName)
	}
	payload, _ := rejected[0].Payload.(map[string]string)
	if payload["reason"] != "timeout" {
		t.Errorf("REJECTED payload = %v, want reason timeout", rejected[0].Payload)
	}

	// A second sweep finds nothing.
	if res := h.gw.Monitor().Sweep(ctx); res.TimedOut != 0 {
		t.Errorf("second sweep TimedOut = %d, want 0", res.TimedOut)
	}
}

func TestAuthGate_FrameAfterDeadline(t *testing.T) {
	h := newHarness(t, true)
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RolePendingDevice, tr, "D1", "")
	ctx := context.Background()
	h.gw.OpenDevice(ctx, sess, nil)

	h.clock.Advance(61 * time.Second)
	err := h.gw.HandleDeviceFrame(ctx, sess, []byte(`{"type":"auth","username":"u","password":"p"}`))
	if !errors.Is(err, ErrAuthTimeout) {
		t.Errorf("error = %v, want ErrAuthTimeout", err)
	}
	if h.verifier.calls != 0 {
		t.Error("verifier must not be called after the deadline")
	}
	if _, code, _ := tr.closedWith(); code != CloseAuthTimeout {
		t.Errorf("close code = %d, want 4003", code)
	}
}

func TestAuthGate_VerdictAfterTimeout(t *testing.T) {
	h := newHarness(t, true)
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RolePendingDevice, tr, "D1", "")
	ctx := context.Background()
	h.gw.OpenDevice(ctx, sess, nil)

	// The sweep fires while the backend call is in flight.
	gate := h.gw.gate
	gate.verifier = VerifierFunc(func(ctx context.Context, _ Credentials) Verdict {
		h.clock.Advance(2 * time.Minute)
		h.gw.Monitor().Sweep(ctx)
		return Success("D1", true)
	})

	err := h.gw.HandleDeviceFrame(ctx, sess, []byte(`{"type":"auth","username":"u","password":"p"}`))
	if !errors.Is(err, ErrAuthTimeout) {
		t.Errorf("error = %v, want ErrAuthTimeout", err)
	}
	if _, ok := h.gw.Registry().Lookup(RoleDevice, "D1"); ok {
		t.Error("late verdict must not admit a timed-out session")
	}
	if len(h.notifier.byStatus(StatusConnected)) != 0 {
		t.Error("late verdict must not report CONNECTED")
	}
	if got := len(h.notifier.byStatus(StatusRejected)); got != 1 {
		t.Errorf("REJECTED events = %d, want exactly 1", got)
	}
	if tr.count() != 0 {
		t.Error("timed-out device must not receive the initial command")
	}
}

func TestAuthGate_InitialCommandWriteFails(t *testing.T) {
	h := newHarness(t, true)
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RolePendingDevice, tr, "D1", "")
	ctx := context.Background()
	h.gw.OpenDevice(ctx, sess, nil)
	tr.breakWrites()

	err := h.gw.HandleDeviceFrame(ctx, sess, []byte(`{"type":"auth","username":"u","password":"p"}`))
	if !errors.Is(err, ErrDeadTarget) {
		t.Errorf("error = %v, want ErrDeadTarget", err)
	}
	if _, code, _ := tr.closedWith(); code != CloseInternalError {
		t.Errorf("close code = %d, want 1011", code)
	}
	if _, ok := h.gw.Registry().Lookup(RoleDevice, "D1"); ok {
		t.Error("device with a dead transport must not stay registered")
	}
	if len(h.notifier.byStatus(StatusConnected)) != 0 {
		t.Error("no CONNECTED expected")
	}
}

func TestAuthGate_ReconnectEvictsPrior(t *testing.T) {
	h := newHarness(t, true)
	_, oldTr := h.connectDevice(t, "D1", true)
	newSess, _ := h.connectDevice(t, "D1", true)

	closed, code, reason := oldTr.closedWith()
	if !closed || code != CloseNormal || reason != "replaced by new connection" {
		t.Errorf("old close = %v/%d/%q, want true/1000/replaced by new connection", closed, code, reason)
	}
	if got, _ := h.gw.Registry().Lookup(RoleDevice, "D1"); got != newSess {
		t.Error("registry should hold the new session")
	}
	if len(h.notifier.byStatus(StatusDisconnected)) != 0 {
		t.Error("collision eviction should not report DISCONNECTED")
	}
}

func TestAuthGate_AuthFrameAfterAuthenticationIgnored(t *testing.T) {
	h := newHarness(t, true)
	_, obs := h.connectObserver(t)
	sess, tr := h.connectDevice(t, "D1", true)
	before := obs.count()

	err := h.gw.HandleDeviceFrame(context.Background(), sess, []byte(`{"type":"auth","username":"u","password":"p"}`))
	if err != nil {
		t.Errorf("error = %v, want nil", err)
	}
	if h.verifier.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", h.verifier.calls)
	}
	if obs.count() != before {
		t.Error("auth frame must not be relayed to observers")
	}
	if tr.count() != 1 {
		t.Errorf("device frames = %d, want only the initial command", tr.count())
	}
}
