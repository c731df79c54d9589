package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/influxdb"
)

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	at          time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *fakeWriter) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{measurement, tags, fields, at})
}

func (w *fakeWriter) snapshot() []point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]point(nil), w.points...)
}

type staticCounts gateway.Counts

func (s staticCounts) Counts() gateway.Counts { return gateway.Counts(s) }

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(w *fakeWriter, counts CountSource) *Recorder {
	r := NewRecorder(w, counts, "relay-1", time.Millisecond)
	r.now = func() time.Time { return fixed }
	return r
}

func TestRecorder_Notify(t *testing.T) {
	w := &fakeWriter{}
	r := newTestRecorder(w, staticCounts{})
	at := fixed.Add(-time.Minute)

	r.Notify(context.Background(), gateway.LifecycleEvent{DeviceName: "kitchen", Status: gateway.StatusConnected, OccurredAt: at})
	r.Notify(context.Background(), gateway.LifecycleEvent{DeviceName: "kitchen", Status: gateway.StatusDisconnected})

	pts := w.snapshot()
	if len(pts) != 2 {
		t.Fatalf("points = %d, want 2", len(pts))
	}
	if pts[0].measurement != MeasurementLifecycle || pts[0].tags["status"] != "CONNECTED" || pts[0].tags["device"] != "kitchen" || pts[0].tags["relay"] != "relay-1" {
		t.Errorf("point[0] = %+v", pts[0])
	}
	if !pts[0].at.Equal(at) {
		t.Errorf("point[0] time = %v, want %v", pts[0].at, at)
	}
	if !pts[1].at.Equal(fixed) {
		t.Errorf("point[1] time = %v, want clock time", pts[1].at)
	}
}

func TestRecorder_RecordCommand(t *testing.T) {
	w := &fakeWriter{}
	r := newTestRecorder(w, staticCounts{})

	r.RecordCommand(gateway.ControllerCommand{Command: "ON", Source: "panel"}, gateway.CommandResult{Status: gateway.ResultOK})
	r.RecordCommand(gateway.ControllerCommand{Command: "OFF", Source: "panel"}, gateway.CommandResult{
		Status:  gateway.ResultMulti,
		Results: map[string]string{"a": "ok", "b": "not connected", "c": "ok"},
	})

	pts := w.snapshot()
	if len(pts) != 2 {
		t.Fatalf("points = %d, want 2", len(pts))
	}
	if pts[0].tags["result"] != "ok" || pts[0].tags["source"] != "panel" {
		t.Errorf("single point tags = %v", pts[0].tags)
	}
	if _, ok := pts[0].fields["targets"]; ok {
		t.Error("single command should not carry a targets field")
	}
	if pts[1].fields["targets"] != 3 || pts[1].fields["delivered"] != 2 {
		t.Errorf("multi point fields = %v", pts[1].fields)
	}
}

func TestRecorder_SampleAndRun(t *testing.T) {
	w := &fakeWriter{}
	r := newTestRecorder(w, staticCounts{Pending: 1, Devices: 3, Observers: 2})

	r.Sample()
	pts := w.snapshot()
	if len(pts) != 1 || pts[0].measurement != MeasurementConnections {
		t.Fatalf("points = %+v", pts)
	}
	if pts[0].fields["devices"] != 3 || pts[0].fields["observers"] != 2 || pts[0].fields["pending"] != 1 {
		t.Errorf("fields = %v", pts[0].fields)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(w.snapshot()) < 3 {
		select {
		case <-deadline:
			t.Fatal("Run did not sample")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRecorder_Interfaces(t *testing.T) {
	var _ gateway.Notifier = (*Recorder)(nil)
	var _ CountSource = (*gateway.Registry)(nil)
	var _ PointWriter = (*influxdb.Client)(nil)
}
