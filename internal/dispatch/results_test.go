package dispatch

import (
	"context"
	"sort"
	"testing"
	"time"

	"completiond/internal/eventbus"
	logx "completiond/pkg/logx"
)

func doneTask(id string, at time.Time) *Task {
	return &Task{ID: id, CompletedAt: &at, Result: map[string]any{}}
}

func TestResultStorePrune(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		ttl        time.Duration
		maxEntries int
		wantGone   []string
		wantLeft   int
	}{
		{"no bounds keeps everything", 0, 0, nil, 4},
		{"ttl drops old records", 90 * time.Second, 0, []string{"a", "b"}, 2},
		{"max entries drops oldest", 0, 1, []string{"a", "b", "c"}, 1},
		{"both bounds", 150 * time.Second, 1, []string{"a", "b", "c"}, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := newResultStore()
			for i, id := range []string{"a", "b", "c", "d"} {
				rs.put(doneTask(id, base.Add(time.Duration(i)*time.Minute)))
			}
			now := base.Add(3 * time.Minute)
			gone := rs.prune(now, tt.ttl, tt.maxEntries)
			sort.Strings(gone)
			if len(gone) != len(tt.wantGone) {
				t.Fatalf("removed = %v, want %v", gone, tt.wantGone)
			}
			for i := range gone {
				if gone[i] != tt.wantGone[i] {
					t.Fatalf("removed = %v, want %v", gone, tt.wantGone)
				}
			}
			if rs.Len() != tt.wantLeft {
				t.Fatalf("Len = %d, want %d", rs.Len(), tt.wantLeft)
			}
			if _, ok := rs.get("d"); !ok {
				t.Fatalf("newest record pruned")
			}
		})
	}
}

func TestServicePruneAndForget(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := fastConfig()
	cfg.ResultTTL = time.Minute
	s := New(cfg, okExecutor(`{"ok":true}`), logx.Nop(), bus)
	a := mustSubmit(t, s, TypeCRMAnalysis, PriorityNormal)
	b := mustSubmit(t, s, TypeCRMAnalysis, PriorityNormal)
	startService(t, s)
	mustResult(t, s, a)
	mustResult(t, s, b)

	if !s.Forget(a) || s.Forget(a) {
		t.Fatalf("Forget should succeed once")
	}
	if n := s.Prune(time.Now()); n != 0 {
		t.Fatalf("Prune(now) removed %d, want 0", n)
	}
	if n := s.Prune(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("Prune(later) removed %d, want 1", n)
	}
	if _, err := s.GetResult(context.Background(), b, 0); !IsTimeout(err) {
		t.Fatalf("pruned record still visible: %v", err)
	}
	if got := s.Analytics().Pruned; got != 1 {
		t.Fatalf("Pruned = %d, want 1", got)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.TaskPruned {
				if te := ev.Data.(TaskEvent); te.ID != b {
					t.Fatalf("pruned id = %s, want %s", te.ID, b)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no task.pruned event")
		}
	}
}

func TestScheduledPrune(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ResultMaxEntries = 1
	cfg.PruneSchedule = "@every 1s"
	s := New(cfg, okExecutor(`{"ok":true}`), logx.Nop(), nil)
	ids := []string{
		mustSubmit(t, s, TypeCRMAnalysis, PriorityNormal),
		mustSubmit(t, s, TypeCRMAnalysis, PriorityNormal),
	}
	startService(t, s)
	for _, id := range ids {
		mustResult(t, s, id)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.Analytics().CompletedCount > 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := s.Analytics().CompletedCount; got != 1 {
		t.Fatalf("CompletedCount = %d, want 1 after scheduled prune", got)
	}
}
