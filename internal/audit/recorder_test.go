package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
)

type memRepo struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *memRepo) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memRepo) List(context.Context, Filter) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Page{Entries: append([]Entry(nil), m.entries...), Total: len(m.entries)}, nil
}

// runAndDrain runs the recorder with an already-cancelled context so it
// writes everything queued and returns.
func runAndDrain(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRecorder_Notify(t *testing.T) {
	repo := &memRepo{}
	r := NewRecorder(repo, 8, nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Notify(ctx, gateway.LifecycleEvent{DeviceName: "D1", Status: gateway.StatusConnected, OccurredAt: at})
	r.Notify(ctx, gateway.LifecycleEvent{DeviceName: "D1", Status: gateway.StatusStatus, Payload: "x"})
	r.Notify(ctx, gateway.LifecycleEvent{DeviceName: "D2", Status: gateway.StatusRejected, Payload: map[string]string{"reason": "timeout"}})
	r.Notify(ctx, gateway.LifecycleEvent{DeviceName: "D1", Status: gateway.StatusDisconnected})
	runAndDrain(t, r)

	if len(repo.entries) != 3 {
		t.Fatalf("entries = %d, want 3 (STATUS is not audited)", len(repo.entries))
	}
	if repo.entries[0].Event != EventConnected || !repo.entries[0].CreatedAt.Equal(at) {
		t.Errorf("entry[0] = %+v", repo.entries[0])
	}
	if repo.entries[1].Details["reason"] != "timeout" {
		t.Errorf("rejected details = %v", repo.entries[1].Details)
	}
	if repo.entries[2].Event != EventDisconnected || repo.entries[2].Source != "gateway" {
		t.Errorf("entry[2] = %+v", repo.entries[2])
	}
}

func TestRecorder_RecordCommand(t *testing.T) {
	repo := &memRepo{}
	r := NewRecorder(repo, 8, nil)

	single, _ := gateway.ParseControllerCommand([]byte(`{"command":"ON","deviceId":"D1","source":"panel"}`))
	r.RecordCommand(single, gateway.CommandResult{Status: "ok", Message: "Command 'ON' sent to D1"})

	multi, _ := gateway.ParseControllerCommand([]byte(`{"command":"OFF","deviceId":["D1","D2"]}`))
	r.RecordCommand(multi, gateway.CommandResult{Status: "multi", Results: map[string]string{"D1": "ok", "D2": "not connected"}})
	runAndDrain(t, r)

	if len(repo.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(repo.entries))
	}
	first := repo.entries[0]
	if first.Event != EventCommand || first.DeviceName != "D1" || first.Source != "panel" {
		t.Errorf("single command entry = %+v", first)
	}
	second := repo.entries[1]
	if second.DeviceName != "" || second.Source != "unknown" {
		t.Errorf("multi command entry = %+v", second)
	}
	if _, ok := second.Details["results"]; !ok {
		t.Errorf("multi command details = %v, want results", second.Details)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &memRepo{}
	r := NewRecorder(repo, 1, nil)
	ctx := context.Background()

	for _i := 0; _i < 3; _i++ {
		r.Notify(ctx, gateway.LifecycleEvent{DeviceName: "D1", Status: gateway.StatusConnected})
	}
	runAndDrain(t, r)

	if len(repo.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(repo.entries))
	}
}

func TestRecorder_WriteErrorsDoNotStop(t *testing.T) {
	repo := &memRepo{err: errors.New("disk full")}
	r := NewRecorder(repo, 4, nil)
	r.Notify(context.Background(), gateway.LifecycleEvent{DeviceName: "D1", Status: gateway.StatusConnected})
	runAndDrain(t, r)
}

func TestRecorder_ImplementsNotifier(t *testing.T) {
	var _ gateway.Notifier = (*Recorder)(nil)
}
