package drift

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/clockutil"
	"github.com/autopilotd/autopilot/internal/driftstore"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *driftstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return driftstore.NewWithClient(client)
}

type fakePauser struct {
	calls []struct {
		duration time.Duration
		reason   string
	}
}

func (p *fakePauser) Pause(duration time.Duration, reason string) {
	p.calls = append(p.calls, struct {
		duration time.Duration
		reason   string
	}{duration, reason})
}

// A 12% rollback rate over 14 days (threshold 10%) pauses the autopilot.
func TestPollRollbackRateHighPausesAutopilot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// 100 cycles, 12 rollbacks, spread within the 14-day window.
	for i := 0; i < 100; i++ {
		at := now.Add(-time.Duration(i) * time.Hour)
		rolledBack := i < 12
		if err := store.RecordCycle(ctx, fmt.Sprintf("cycle-%d", i), rolledBack, at); err != nil {
			t.Fatalf("record cycle: %v", err)
		}
	}

	bm := bounds.NewManager(bounds.DefaultConfig())
	pauser := &fakePauser{}
	cfg := DefaultConfig()
	cfg.WindowDays = 14

	m := New(store, bm, pauser, nil, nil, nil, nil, clockutil.NewReal(), nil, cfg)
	if err := m.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(pauser.calls) == 0 {
		t.Fatal("expected autopilot pause to be triggered")
	}
	if pauser.calls[0].duration != cfg.PauseDurationHours {
		t.Fatalf("expected default pause duration, got %v", pauser.calls[0].duration)
	}
}

func TestPollBelowThresholdDoesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 100; i++ {
		at := now.Add(-time.Duration(i) * time.Hour)
		if err := store.RecordCycle(ctx, fmt.Sprintf("cycle-ok-%d", i), i < 2, at); err != nil {
			t.Fatalf("record cycle: %v", err)
		}
	}

	bm := bounds.NewManager(bounds.DefaultConfig())
	pauser := &fakePauser{}
	m := New(store, bm, pauser, nil, nil, nil, nil, clockutil.NewReal(), nil, DefaultConfig())
	if err := m.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(pauser.calls) != 0 {
		t.Fatalf("expected no pause below threshold, got %d calls", len(pauser.calls))
	}
}

type fakeTriage struct {
	triggered bool
}

func (f *fakeTriage) TriggerNow(ctx context.Context) error {
	f.triggered = true
	return nil
}

func TestPollConsecutiveFailuresTriggersTriage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		at := now.Add(-time.Duration(4-i) * time.Hour)
		if err := store.RecordCycle(ctx, fmt.Sprintf("cycle-fail-%d", i), true, at); err != nil {
			t.Fatalf("record cycle: %v", err)
		}
	}

	bm := bounds.NewManager(bounds.DefaultConfig())
	pauser := &fakePauser{}
	triage := &fakeTriage{}
	m := New(store, bm, pauser, triage, nil, nil, nil, clockutil.NewReal(), nil, DefaultConfig())
	if err := m.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !triage.triggered {
		t.Fatal("expected triage to be triggered after consecutive failures")
	}
}
