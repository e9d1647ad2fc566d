package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"completiond/internal/eventbus"
	logx "completiond/pkg/logx"
)

// Prune drops terminal records older than ResultTTL and the oldest records
// beyond ResultMaxEntries. It returns how many were removed.
func (s *Service) Prune(now time.Time) int {
	s.mu.Lock()
	cfg := s.cfg
	removed := s.results.prune(now, cfg.ResultTTL, cfg.ResultMaxEntries)
	remaining := s.results.Len()
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	atomic.AddUint64(&s.pruned, uint64(len(removed)))
	s.log.Debug("results pruned", logx.Int("removed", len(removed)), logx.Int("remaining", remaining))
	if s.bus != nil {
		for _, id := range removed {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskPruned, Time: now, Data: TaskEvent{ID: id}})
		}
	}
	return len(removed)
}

// ValidateSchedule reports whether spec is a standard cron expression or descriptor.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("dispatch: prune_schedule %q: %w", spec, err)
	}
	return nil
}

// restartPruner replaces the cron schedule that drives Prune. An empty spec
// only stops the current schedule.
func (s *Service) restartPruner(spec string) error {
	var next *cron.Cron
	if spec != "" {
		next = cron.New()
		if _, err := next.AddFunc(spec, func() { s.Prune(s.now()) }); err != nil {
			return fmt.Errorf("dispatch: prune_schedule %q: %w", spec, err)
		}
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return nil
	}
	prev := s.pruner
	s.pruner = next
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if next != nil {
		next.Start()
		s.log.Debug("prune schedule active", logx.String("schedule", spec))
	}
	return nil
}
