package dispatch

// taskQueue is the single ordered list of pending tasks.
//
// Layout: [REAL_TIME...][CRITICAL...][HIGH/NORMAL/LOW in arrival order].
// REAL_TIME and CRITICAL are LIFO within their tier; the rest share one FIFO lane.
// Not safe for concurrent use; the Service guards it with its mutex.
type taskQueue struct {
	items    []*Task
	realTime int
	critical int
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) push(t *Task) {
	switch t.Priority {
	case PriorityRealTime:
		q.insert(0, t)
		q.realTime++
	case PriorityCritical:
		q.insert(q.realTime, t)
		q.critical++
	default:
		q.items = append(q.items, t)
	}
}

func (q *taskQueue) insert(i int, t *Task) {
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
}

func (q *taskQueue) peek() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *taskQueue) pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	switch t.Priority {
	case PriorityRealTime:
		q.realTime--
	case PriorityCritical:
		q.critical--
	}
	return t
}

// ids returns task IDs in dequeue order.
func (q *taskQueue) ids() []string {
	out := make([]string, len(q.items))
	for i, t := range q.items {
		out[i] = t.ID
	}
	return out
}

func (q *taskQueue) each(fn func(t *Task)) {
	for _, t := range q.items {
		fn(t)
	}
}
