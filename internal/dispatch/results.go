package dispatch

import (
	"sort"
	"time"
)

// resultStore holds terminal tasks by ID. Guarded by the Service mutex.
type resultStore struct {
	m map[string]*Task
}

func newResultStore() *resultStore { return &resultStore{m: make(map[string]*Task)} }

func (r *resultStore) put(t *Task)                 { r.m[t.ID] = t }
func (r *resultStore) get(id string) (*Task, bool) { t, ok := r.m[id]; return t, ok }
func (r *resultStore) Len() int                    { return len(r.m) }

func (r *resultStore) remove(id string) bool {
	if _, ok := r.m[id]; !ok {
		return false
	}
	delete(r.m, id)
	return true
}

// prune drops records completed before now-ttl, then the oldest records
// beyond maxEntries. A zero ttl or maxEntries disables that bound.
func (r *resultStore) prune(now time.Time, ttl time.Duration, maxEntries int) []string {
	var removed []string
	if ttl > 0 {
		cutoff := now.Add(-ttl)
		for id, t := range r.m {
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				delete(r.m, id)
				removed = append(removed, id)
			}
		}
	}
	if maxEntries > 0 && len(r.m) > maxEntries {
		all := make([]*Task, 0, len(r.m))
		for _, t := range r.m {
			all = append(all, t)
		}
		sort.Slice(all, func(i, j int) bool { return completedAt(all[i]).Before(completedAt(all[j])) })
		for _, t := range all[:len(all)-maxEntries] {
			delete(r.m, t.ID)
			removed = append(removed, t.ID)
		}
	}
	return removed
}

func completedAt(t *Task) time.Time {
	if t.CompletedAt == nil {
		return time.Time{}
	}
	return *t.CompletedAt
}
