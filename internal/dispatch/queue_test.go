package dispatch

import (
	"reflect"
	"testing"
)

type qs struct {
	id string
	p  Priority
}

func pushAll(q *taskQueue, specs ...qs) {
	for _, s := range specs {
		q.push(&Task{ID: s.id, Priority: s.p})
	}
}

func TestQueueTierOrdering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []qs
		want []string
	}{
		{
			name: "shared lane is fifo regardless of high/normal/low",
			in:   []qs{{"n1", PriorityNormal}, {"h1", PriorityHigh}, {"l1", PriorityLow}, {"n2", PriorityNormal}},
			want: []string{"n1", "h1", "l1", "n2"},
		},
		{
			name: "real time is lifo at the head",
			in:   []qs{{"n1", PriorityNormal}, {"r1", PriorityRealTime}, {"r2", PriorityRealTime}},
			want: []string{"r2", "r1", "n1"},
		},
		{
			name: "critical lands after real time, lifo within tier",
			in:   []qs{{"n1", PriorityNormal}, {"c1", PriorityCritical}, {"r1", PriorityRealTime}, {"c2", PriorityCritical}},
			want: []string{"r1", "c2", "c1", "n1"},
		},
		{
			name: "critical before any real time goes to head",
			in:   []qs{{"c1", PriorityCritical}, {"h1", PriorityHigh}},
			want: []string{"c1", "h1"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var q taskQueue
			pushAll(&q, tt.in...)
			if got := q.ids(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueuePopKeepsTierCounts(t *testing.T) {
	t.Parallel()

	var q taskQueue
	pushAll(&q, qs{"r1", PriorityRealTime}, qs{"c1", PriorityCritical}, qs{"n1", PriorityNormal})

	if got := q.pop(); got.ID != "r1" {
		t.Fatalf("pop = %s, want r1", got.ID)
	}
	// With the real-time tier drained, a new critical task goes to the head.
	q.push(&Task{ID: "c2", Priority: PriorityCritical})
	q.push(&Task{ID: "r2", Priority: PriorityRealTime})

	want := []string{"r2", "c2", "c1", "n1"}
	if got := q.ids(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for range want {
		q.pop()
	}
	if q.pop() != nil || q.peek() != nil {
		t.Fatalf("expected empty queue")
	}
	if q.realTime != 0 || q.critical != 0 {
		t.Fatalf("tier counts = %d/%d, want 0/0", q.realTime, q.critical)
	}
}
