package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"completiond/internal/eventbus"
	logx "completiond/pkg/logx"
)

// loopState is one phase of the dispatch loop. Each step performs exactly one transition.
type loopState int

const (
	stateRateCheck loopState = iota
	stateQueueCheck
	stateCapacityCheck
	stateDispatch
	stateBackpressure
)

func (st loopState) String() string {
	switch st {
	case stateRateCheck:
		return "rate_check"
	case stateQueueCheck:
		return "queue_check"
	case stateCapacityCheck:
		return "capacity_check"
	case stateDispatch:
		return "dispatch"
	case stateBackpressure:
		return "backpressure"
	default:
		return fmt.Sprintf("loopState(%d)", int(st))
	}
}

func (s *Service) loop(ctx context.Context) error {
	st := stateRateCheck
	for {
		if ctx.Err() != nil {
			return nil
		}
		next, pause := s.step(ctx, st)
		if pause > 0 && !sleepCtx(ctx, pause) {
			return nil
		}
		st = next
	}
}

// step performs one transition and returns the next state plus how long to
// sleep before entering it.
func (s *Service) step(ctx context.Context, st loopState) (loopState, time.Duration) {
	s.mu.Lock()
	cfg := s.cfg
	queued := s.queue.Len()
	active := len(s.active)
	s.mu.Unlock()

	switch st {
	case stateRateCheck:
		if s.limiter.Available() {
			return stateQueueCheck, 0
		}
		if now := s.now(); s.shouldWarn(&s.lastRateWarnAt, now) {
			used, limit := s.limiter.Snapshot()
			s.log.Warn("rate budget exhausted", logx.Int("used", used), logx.Int("limit", limit), logx.Int("queued", queued), logx.Any("err", ErrRateLimited))
		}
		return stateRateCheck, cfg.RateRetryInterval

	case stateQueueCheck:
		if queued == 0 {
			return stateQueueCheck, cfg.Backpressure.Delay(active, queued)
		}
		return stateCapacityCheck, 0

	case stateCapacityCheck:
		if active >= cfg.ConcurrencyLimit {
			return stateCapacityCheck, cfg.CapacityRetryInterval
		}
		return stateDispatch, 0

	case stateDispatch:
		return s.dispatchHead(ctx), 0

	default:
		return stateRateCheck, cfg.Backpressure.Delay(active, queued)
	}
}

// dispatchHead moves the queue head into the active set and launches it.
func (s *Service) dispatchHead(ctx context.Context) loopState {
	now := s.now()

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return stateRateCheck
	}
	cfg := s.cfg
	head := s.queue.peek()
	if head == nil {
		s.mu.Unlock()
		return stateQueueCheck
	}

	if open, until := s.circuits.isOpen(now, head.Type, cfg); open {
		s.queue.pop()
		terr := &TaskError{Kind: KindCircuitOpen, Message: "circuit open until " + until.Format(time.RFC3339)}
		done := s.completeLocked(head, nil, terr, now)
		archiver := s.archiver
		s.mu.Unlock()
		s.afterComplete(done, archiver, 0)
		return stateBackpressure
	}

	if !s.limiter.TryConsume() {
		s.mu.Unlock()
		return stateRateCheck
	}
	s.queue.pop()
	started := now
	head.StartedAt = &started
	s.active[head.ID] = head

	execCtx := s.execCtx
	if execCtx == nil {
		execCtx = context.Background()
	}
	req := ExecRequest{
		TaskID:   head.ID,
		Type:     head.Type,
		Payload:  head.Payload,
		Settings: cfg.settingsFor(head.Type, head.Overrides),
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	queueDelay := started.Sub(head.CreatedAt)
	s.log.Debug("task.started", logx.String("id", head.ID), logx.String("type", head.Type), logx.String("priority", head.Priority.String()), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, started, TaskEvent{ID: head.ID, Type: head.Type, Priority: head.Priority.String(), SubmitterID: head.SubmitterID, QueueDelay: queueDelay})

	go s.run(execCtx, head, req, cfg.ExecutionTimeout)
	return stateBackpressure
}

// run executes one task and records its terminal state. It never calls back
// into the loop; it only takes the Service mutex to record completion.
func (s *Service) run(ctx context.Context, t *Task, req ExecRequest, timeout time.Duration) {
	defer s.inflight.Done()

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	raw, err := s.invoke(runCtx, req)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	var (
		result any
		terr   *TaskError
		pe     *panicError
	)
	switch {
	case errors.As(err, &pe):
		terr = &TaskError{Kind: KindPanic, Message: pe.Error()}
	case err != nil && ctx.Err() != nil:
		terr = &TaskError{Kind: KindStopped, Message: (&ExecutionError{TaskID: t.ID, Err: err}).Error()}
	case err != nil && timedOut:
		terr = &TaskError{Kind: KindExecution, Message: (&ExecutionError{TaskID: t.ID, Err: fmt.Errorf("timed out after %s: %w", timeout, err)}).Error()}
	case err != nil:
		terr = &TaskError{Kind: KindExecution, Message: (&ExecutionError{TaskID: t.ID, Err: err}).Error()}
	default:
		result = Sanitize(raw, t.Type)
	}

	now := s.now()
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	// Record before leaving the active set so the next dispatch of this type sees it.
	if terr == nil || terr.Kind != KindStopped {
		s.circuits.record(now, t.Type, cfg, terr != nil)
	}

	s.mu.Lock()
	done := s.completeLocked(t, result, terr, now)
	archiver := s.archiver
	s.mu.Unlock()

	var dur time.Duration
	if t.StartedAt != nil {
		dur = now.Sub(*t.StartedAt)
	}
	s.afterComplete(done, archiver, dur)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// invoke guards against executor panics so one bad task cannot kill the process.
func (s *Service) invoke(ctx context.Context, req ExecRequest) (raw string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.log.Error("task.panic", logx.String("id", req.TaskID), logx.String("type", req.Type), logx.Any("panic", r), logx.String("stack", stack))
			err = &panicError{value: r, stack: stack}
		}
	}()
	if s.exec == nil {
		return "", errors.New("no executor configured")
	}
	return s.exec.Execute(ctx, req)
}

// completeLocked stamps the terminal state and moves t from the active set to
// the result store. Must be called with s.mu held; returns a copy for reporting.
func (s *Service) completeLocked(t *Task, result any, terr *TaskError, now time.Time) Task {
	completed := now
	t.CompletedAt = &completed
	t.Result = result
	t.Error = terr
	delete(s.active, t.ID)
	s.results.put(t)
	return *t
}

func (s *Service) afterComplete(t Task, archiver Archiver, dur time.Duration) {
	ev := TaskEvent{ID: t.ID, Type: t.Type, Priority: t.Priority.String(), SubmitterID: t.SubmitterID, Duration: dur}
	if t.StartedAt != nil {
		ev.QueueDelay = t.StartedAt.Sub(t.CreatedAt)
	}
	at := *t.CompletedAt

	if t.Error != nil {
		ev.ErrorKind = t.Error.Kind
		ev.Error = t.Error.Message
		s.log.Warn("task.failed", logx.String("id", t.ID), logx.String("type", t.Type), logx.String("kind", t.Error.Kind), logx.String("err", t.Error.Message), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, at, ev)
	} else {
		ev.Fallback = IsFallback(t.Result)
		if ev.Fallback {
			s.log.Info("task.completed as text", logx.String("id", t.ID), logx.String("type", t.Type), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("id", t.ID), logx.String("type", t.Type), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskFinished, at, ev)
	}

	if archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := archiver.ArchiveTask(ctx, t); err != nil {
			s.log.Warn("task archive failed", logx.String("id", t.ID), logx.Any("err", err))
		}
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
