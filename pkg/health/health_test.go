package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tierstore/tierstore/pkg/errors"
)

func TestHealthStateString(t *testing.T) {
	tests := []struct {
		state HealthState
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateReadOnly, "read-only"},
		{StateUnavailable, "unavailable"},
		{HealthState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("HealthState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestTrackerTransitions(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 4})
	tracker.RegisterComponent("remote")

	var changes int32
	tracker.OnStateChange(func(string, HealthState, HealthState, error) {
		atomic.AddInt32(&changes, 1)
	})

	boom := fmt.Errorf("connection reset")
	tracker.RecordError("remote", boom)
	if got := tracker.GetState("remote"); got != StateHealthy {
		t.Errorf("after 1 error state = %s, want healthy", got)
	}

	tracker.RecordError("remote", boom)
	if got := tracker.GetState("remote"); got != StateDegraded {
		t.Errorf("after 2 errors state = %s, want degraded", got)
	}

	tracker.RecordError("remote", boom)
	tracker.RecordError("remote", boom)
	if got := tracker.GetState("remote"); got != StateUnavailable {
		t.Errorf("after 4 errors state = %s, want unavailable", got)
	}
	if tracker.CanWrite("remote") {
		t.Error("unavailable component must not accept writes")
	}

	tracker.RecordSuccess("remote")
	if got := tracker.GetState("remote"); got != StateHealthy {
		t.Errorf("after success state = %s, want healthy", got)
	}
	if n := atomic.LoadInt32(&changes); n != 3 {
		t.Errorf("state changes = %d, want 3", n)
	}
}

func TestTrackerReadOnlyOnWriteErrors(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 5})
	tracker.RegisterComponent("local")

	tracker.RecordError("local", errors.NewError(errors.ErrCodeStorageWrite, "disk full"))
	if got := tracker.GetState("local"); got != StateReadOnly {
		t.Errorf("state = %s, want read-only", got)
	}

	h, err := tracker.GetComponentHealth("local")
	if err != nil {
		t.Fatalf("GetComponentHealth() error = %v", err)
	}
	if h.LastErrorMessage == "" {
		t.Error("expected last error message")
	}
}

func TestTrackerUnknownComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RecordError("missing", fmt.Errorf("x"))
	if got := tracker.GetState("missing"); got != StateUnavailable {
		t.Errorf("unregistered state = %s, want unavailable", got)
	}
	if _, err := tracker.GetComponentHealth("missing"); err == nil {
		t.Error("expected error for unregistered component")
	}
}

func TestOverallHealth(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 3})
	for _, name := range []string{"local", "session", "remote"} {
		tracker.RegisterComponent(name)
	}

	if got := tracker.GetOverallHealth(); got != StateHealthy {
		t.Errorf("overall = %s, want healthy", got)
	}

	tracker.RecordError("remote", fmt.Errorf("timeout"))
	if got := tracker.GetOverallHealth(); got != StateDegraded {
		t.Errorf("overall = %s, want degraded", got)
	}

	all := tracker.GetAllComponents()
	if len(all) != 3 || all[0].Name != "local" || all[2].Name != "session" {
		t.Errorf("unexpected component listing: %+v", all)
	}
}

func TestStartHealthChecks(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, HealthCheckInterval: 5 * time.Millisecond})
	tracker.RegisterComponent("remote")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.StartHealthChecks(ctx, func(context.Context, string) error {
			return fmt.Errorf("unreachable")
		})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for tracker.GetState("remote") == StateHealthy && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := tracker.GetState("remote"); got != StateDegraded {
		t.Errorf("state = %s, want degraded", got)
	}
}
