package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRefresher struct {
	calls       atomic.Int32
	clearUnused atomic.Bool
}

func (f *fakeRefresher) Refresh(clearUnused bool) {
	f.clearUnused.Store(clearUnused)
	f.calls.Add(1)
}

func TestDNSRefreshWorker_Refreshes(t *testing.T) {
	t.Parallel()

	res := &fakeRefresher{}
	w := NewDNSRefreshWorker(res, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for res.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("refresh calls = %d, want >= 2", res.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !res.clearUnused.Load() {
		t.Error("refresh should clear unused hosts")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestDNSRefreshWorker_DefaultInterval(t *testing.T) {
	t.Parallel()
	w := NewDNSRefreshWorker(&fakeRefresher{}, -1)
	if w.interval != defaultDNSRefreshInterval {
		t.Errorf("interval = %v, want %v", w.interval, defaultDNSRefreshInterval)
	}
}
