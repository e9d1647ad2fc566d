package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	logx "completiond/pkg/logx"
)

type nopResource struct{}

func (nopResource) Close() error { return nil }

type fakeRemover struct{ removed []string }

func (f *fakeRemover) Remove(identity string) error {
	f.removed = append(f.removed, identity)
	return nil
}

func newTestAcquirer(rm Remover) (*Acquirer, *[]time.Duration) {
	a := NewAcquirer(Config{}, rm, logx.Nop())
	waits := &[]time.Duration{}
	a.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
	return a, waits
}

// scripted returns an OpenFunc that yields errs in order, then succeeds.
func scripted(calls *int, errs ...error) OpenFunc {
	return func(ctx context.Context, identity string) (Resource, error) {
		i := *calls
		*calls++
		if i < len(errs) {
			return nil, errs[i]
		}
		return nopResource{}, nil
	}
}

func TestAcquireBusyBacksOffLinearly(t *testing.T) {
	t.Parallel()

	a, waits := newTestAcquirer(nil)
	calls := 0
	res, err := a.Acquire(context.Background(), "+15550001", scripted(&calls, ErrBusy, ErrBusy))
	if err != nil || res == nil {
		t.Fatalf("Acquire = %v, %v; want success", res, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*waits) != len(want) || (*waits)[0] != want[0] || (*waits)[1] != want[1] {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
}

func TestAcquireBusyExhausts(t *testing.T) {
	t.Parallel()

	a, waits := newTestAcquirer(nil)
	calls := 0
	busy := &TransientResourceError{Identity: "x", Err: errors.New("database is locked")}
	_, err := a.Acquire(context.Background(), "x", scripted(&calls, busy, busy, busy, busy))

	var fe *FatalResourceError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FatalResourceError", err)
	}
	if calls != 3 || fe.Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3/3", calls, fe.Attempts)
	}
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want exhausted wrapping busy", err)
	}
	if len(*waits) != 2 {
		t.Fatalf("waits = %v, want 2 (no wait after last attempt)", *waits)
	}
}

func TestAcquireCorruptRemovesThenRetries(t *testing.T) {
	t.Parallel()

	rm := &fakeRemover{}
	a, waits := newTestAcquirer(rm)
	calls := 0
	_, err := a.Acquire(context.Background(), "alice", scripted(&calls, &CorruptResourceError{Identity: "alice", Err: io.ErrUnexpectedEOF}))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if calls != 2 || len(rm.removed) != 1 || rm.removed[0] != "alice" {
		t.Fatalf("calls = %d removed = %v", calls, rm.removed)
	}
	if len(*waits) != 0 {
		t.Fatalf("corrupt path should not wait: %v", *waits)
	}
}

func TestAcquireCorruptOnLastAttemptIsFatal(t *testing.T) {
	t.Parallel()

	rm := &fakeRemover{}
	a, _ := newTestAcquirer(rm)
	calls := 0
	_, err := a.Acquire(context.Background(), "bob", scripted(&calls, ErrCorrupt, ErrCorrupt, ErrCorrupt))
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want exhausted wrapping corrupt", err)
	}
	if len(rm.removed) != 3 {
		t.Fatalf("removed %d times, want 3", len(rm.removed))
	}
}

func TestAcquireOtherErrorsAreFatalImmediately(t *testing.T) {
	t.Parallel()

	a, waits := newTestAcquirer(nil)
	calls := 0
	boom := errors.New("permission denied")
	_, err := a.Acquire(context.Background(), "x", scripted(&calls, boom))
	var fe *FatalResourceError
	if !errors.As(err, &fe) || fe.Attempts != 1 || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want fatal after 1 attempt", err)
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("immediate fatal should not be marked exhausted")
	}
	if calls != 1 || len(*waits) != 0 {
		t.Fatalf("calls = %d waits = %v", calls, *waits)
	}
}

func TestAcquireCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	a := NewAcquirer(Config{BaseDelay: time.Hour}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	open := func(ctx context.Context, identity string) (Resource, error) {
		calls++
		cancel()
		return nil, ErrBusy
	}
	_, err := a.Acquire(ctx, "x", open)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
