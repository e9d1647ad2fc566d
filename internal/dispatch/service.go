package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"completiond/internal/eventbus"
	rtsup "completiond/internal/runtime/supervisor"
	logx "completiond/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the priority dispatcher: one loop goroutine moves tasks from the
// queue into execution under a concurrency cap and a fixed-window rate budget.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	exec     Executor
	archiver Archiver

	queue   taskQueue
	active  map[string]*Task
	results *resultStore
	limiter *RateLimiter

	circuits circuitStore

	sup        *rtsup.Supervisor
	pruner     *cron.Cron
	execCtx    context.Context
	execCancel context.CancelFunc
	inflight   sync.WaitGroup

	now func() time.Time

	idSeq          uint64
	pruned         uint64
	lastRateWarnAt int64
}

// SubmitRequest describes a task to enqueue.
type SubmitRequest struct {
	Type        string
	Priority    Priority
	Payload     any
	SubmitterID string
	Overrides   *Overrides
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "dispatch")),
		bus:     bus,
		exec:    exec,
		active:  make(map[string]*Task),
		results: newResultStore(),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		now:     time.Now,
	}
}

// SetArchiver installs a sink for terminal tasks. Call before Start.
func (s *Service) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.archiver = a
	s.mu.Unlock()
}

// Supervisor returns the loop supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply updates the live configuration. Concurrency, rate budget, intervals,
// retention and type settings take effect on the next loop step.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.PruneSchedule != "" {
		if err := ValidateSchedule(cfg.PruneSchedule); err != nil {
			return err
		}
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.limiter.SetLimit(cfg.RateLimit, cfg.RateWindow)

	if running && prev.PruneSchedule != cfg.PruneSchedule {
		if err := s.restartPruner(cfg.PruneSchedule); err != nil {
			return err
		}
	}
	s.log.Info("dispatcher config applied",
		logx.Int("concurrency", cfg.ConcurrencyLimit),
		logx.Int("rate_limit", cfg.RateLimit),
		logx.Duration("rate_window", cfg.RateWindow),
	)
	return nil
}

// Start launches the dispatch loop and the prune schedule. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	if cfg.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("dispatch: prune_schedule: %w", err)
		}
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	// Executions outlive the loop during Stop so in-flight work can drain.
	s.execCtx, s.execCancel = context.WithCancel(context.WithoutCancel(ctx))
	sup := s.sup
	queued := s.queue.Len()
	s.mu.Unlock()

	sup.GoRestart("dispatch.loop", s.loop, rtsup.WithRestartBackoff(250*time.Millisecond, 10*time.Second))

	if err := s.restartPruner(cfg.PruneSchedule); err != nil {
		s.Stop(context.Background())
		return err
	}

	s.log.Info("dispatcher started",
		logx.Int("concurrency", cfg.ConcurrencyLimit),
		logx.Int("rate_limit", cfg.RateLimit),
		logx.Duration("rate_window", cfg.RateWindow),
		logx.Int("queued", queued),
	)
	return nil
}

// Stop halts the loop, then waits for in-flight executions until ctx is done.
// Executions still running at that point are canceled and recorded as stopped.
// Queued tasks stay queued and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	pruner := s.pruner
	cancelExec := s.execCancel
	s.sup = nil
	s.pruner = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if pruner != nil {
		pruner.Stop()
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("dispatch loop stop", logx.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.active)
		s.mu.Unlock()
		s.log.Warn("dispatcher stop timed out; canceling executions", logx.Int("active", n), logx.Any("err", ctx.Err()))
	}
	if cancelExec != nil {
		cancelExec()
	}
}

// Submit validates and enqueues a task, returning its ID. It never blocks on
// execution. Submissions are accepted whether or not the loop is running.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	taskType := strings.TrimSpace(req.Type)
	if taskType == "" {
		return "", &ValidationError{Field: "type", Reason: "required"}
	}
	if !req.Priority.Valid() {
		return "", &ValidationError{Field: "priority", Value: req.Priority.String(), Reason: "unknown priority"}
	}
	submitter := strings.TrimSpace(req.SubmitterID)
	if submitter == "" {
		return "", &ValidationError{Field: "submitter_id", Reason: "required"}
	}
	if ctx != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	now := s.now()
	s.mu.Lock()
	if !s.cfg.knownType(taskType) {
		s.mu.Unlock()
		return "", &ValidationError{Field: "type", Value: taskType, Reason: "unknown task type"}
	}
	t := &Task{
		ID:          s.newTaskID(taskType, submitter, now),
		Type:        taskType,
		Priority:    req.Priority,
		SubmitterID: submitter,
		Payload:     req.Payload,
		Overrides:   req.Overrides,
		CreatedAt:   now,
	}
	s.queue.push(t)
	depth := s.queue.Len()
	s.mu.Unlock()

	s.log.Debug("task.submitted", logx.String("id", t.ID), logx.String("type", t.Type), logx.String("priority", t.Priority.String()), logx.Int("queue", depth))
	s.publish(eventbus.TaskSubmitted, now, TaskEvent{ID: t.ID, Type: t.Type, Priority: t.Priority.String(), SubmitterID: t.SubmitterID})
	return t.ID, nil
}

// Lookup returns the terminal record for id without waiting.
func (s *Service) Lookup(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.results.get(id)
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// GetResult polls for the terminal record of id until wait elapses.
// It returns *TimeoutError on expiry and never mutates dispatcher state.
func (s *Service) GetResult(ctx context.Context, id string, wait time.Duration) (Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t, ok := s.Lookup(id); ok {
		return t, nil
	}
	if wait <= 0 {
		return Task{}, &TimeoutError{TaskID: id, Waited: 0}
	}

	s.mu.Lock()
	poll := s.cfg.ResultPollInterval
	s.mu.Unlock()

	start := time.Now()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-deadline.C:
			if t, ok := s.Lookup(id); ok {
				return t, nil
			}
			return Task{}, &TimeoutError{TaskID: id, Waited: time.Since(start)}
		case <-tick.C:
			if t, ok := s.Lookup(id); ok {
				return t, nil
			}
		}
	}
}

// Forget removes a terminal record. It reports whether one existed.
func (s *Service) Forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results.remove(id)
}

// Analytics returns a point-in-time snapshot.
func (s *Service) Analytics() Analytics {
	s.mu.Lock()
	cfg := s.cfg
	a := Analytics{
		QueueDepth:       s.queue.Len(),
		ActiveCount:      len(s.active),
		CompletedCount:   s.results.Len(),
		PerType:          make(map[string]int),
		PerPriority:      make(map[string]int),
		ConcurrencyLimit: cfg.ConcurrencyLimit,
	}
	s.queue.each(func(t *Task) {
		a.PerType[t.Type]++
		a.PerPriority[t.Priority.String()]++
	})
	s.mu.Unlock()

	a.RateUsed, a.RateLimit = s.limiter.Snapshot()
	if a.RateLimit > 0 {
		a.RateUtilization = float64(a.RateUsed) / float64(a.RateLimit)
	}
	a.Pruned = atomic.LoadUint64(&s.pruned)
	a.Circuit.Total, a.Circuit.Open = s.circuits.snapshot(s.now(), cfg)
	return a
}

// QueuedIDs returns pending task IDs in dequeue order.
func (s *Service) QueuedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.ids()
}

func (s *Service) newTaskID(taskType, submitter string, now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("%s_%s_%d_%d", taskType, submitter, now.UnixNano(), seq)
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
