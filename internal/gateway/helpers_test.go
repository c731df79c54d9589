package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport records frames and close calls.
type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	failWrites  bool
	closed      bool
	closeCode   int
	closeReason string
	closeCalls  int
	onWrite     func()
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errBrokenPipe
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
	}
	return nil
}

func (f *fakeTransport) setOnWrite(fn func()) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

func (f *fakeTransport) breakWrites() {
	f.mu.Lock()
	f.failWrites = true
	f.mu.Unlock()
}

func (f *fakeTransport) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, raw := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("frame %q is not a JSON object: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) closedWith() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

// recordingNotifier captures lifecycle events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []LifecycleEvent
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) byStatus(status Status) []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LifecycleEvent
	for _, ev := range r.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

// recordingLogger keeps warnings so tests can assert on them.
type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}

func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprint(append([]any{msg}, args...)...))
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

// staticVerifier returns a fixed verdict and counts calls.
type staticVerifier struct {
	mu      sync.Mutex
	verdict Verdict
	calls   int
	last    Credentials
}

func (v *staticVerifier) Verify(_ context.Context, creds Credentials) Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.last = creds
	return v.verdict
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testHarness struct {
	gw       *Gateway
	notifier *recordingNotifier
	verifier *staticVerifier
	clock    *testClock
	logger   *recordingLogger
}

func newHarness(t *testing.T, requireAuth bool) *testHarness {
	t.Helper()
	h := &testHarness{
		notifier: &recordingNotifier{},
		verifier: &staticVerifier{verdict: Success("D1", true)},
		clock:    newTestClock(),
		logger:   &recordingLogger{},
	}
	gw, err := New(h.verifier, h.notifier, Options{
		RequireAuth:      requireAuth,
		AuthGraceWindow:  60 * time.Second,
		HeartbeatTimeout: 180 * time.Second,
		SweepInterval:    30 * time.Second,
		Now:              h.clock.Now,
		Logger:           h.logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.gw = gw
	return h
}

// connectDevice opens a device session and authenticates it with in-band
// credentials for name.
func (h *testHarness) connectDevice(t *testing.T, name string, hardSwitch bool) (*Session, *fakeTransport) {
	t.Helper()
	ctx := context.Background()
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RolePendingDevice, tr, name, "127.0.0.1:5555")

	if !h.gw.RequireAuth() {
		if err := h.gw.OpenDevice(ctx, sess, nil); err != nil {
			t.Fatalf("OpenDevice(%s) error = %v", name, err)
		}
		return sess, tr
	}

	h.verifier.mu.Lock()
	h.verifier.verdict = Success(name, hardSwitch)
	h.verifier.mu.Unlock()

	if err := h.gw.OpenDevice(ctx, sess, nil); err != nil {
		t.Fatalf("OpenDevice(%s) error = %v", name, err)
	}
	if err := h.gw.HandleDeviceFrame(ctx, sess, []byte(`{"type":"auth","username":"u-`+name+`","password":"p"}`)); err != nil {
		t.Fatalf("auth frame for %s error = %v", name, err)
	}
	return sess, tr
}

func (h *testHarness) connectObserver(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	sess := h.gw.NewSession(RoleObserver, tr, "", "127.0.0.1:6666")
	if err := h.gw.OpenObserver(sess); err != nil {
		t.Fatalf("OpenObserver() error = %v", err)
	}
	return sess, tr
}
