package dispatch

import "time"

// Backpressure maps load to the dispatch loop's sleep. Rules are checked in
// order and the first match wins:
//
//	active > HighActive  -> HighDelay
//	active > MidActive   -> MidDelay
//	queued > DeepQueue   -> QueueDelay
//	otherwise            -> IdleDelay
type Backpressure struct {
	HighActive int
	MidActive  int
	DeepQueue  int

	HighDelay  time.Duration
	MidDelay   time.Duration
	QueueDelay time.Duration
	IdleDelay  time.Duration
}

func DefaultBackpressure() Backpressure {
	return Backpressure{
		HighActive: 5,
		MidActive:  3,
		DeepQueue:  10,
		HighDelay:  2 * time.Second,
		MidDelay:   time.Second,
		QueueDelay: 500 * time.Millisecond,
		IdleDelay:  100 * time.Millisecond,
	}
}

func (b Backpressure) withDefaults() Backpressure {
	d := DefaultBackpressure()
	if b.HighActive <= 0 {
		b.HighActive = d.HighActive
	}
	if b.MidActive <= 0 {
		b.MidActive = d.MidActive
	}
	if b.DeepQueue <= 0 {
		b.DeepQueue = d.DeepQueue
	}
	if b.HighDelay <= 0 {
		b.HighDelay = d.HighDelay
	}
	if b.MidDelay <= 0 {
		b.MidDelay = d.MidDelay
	}
	if b.QueueDelay <= 0 {
		b.QueueDelay = d.QueueDelay
	}
	if b.IdleDelay <= 0 {
		b.IdleDelay = d.IdleDelay
	}
	return b
}

// Delay is a pure function of the current load.
func (b Backpressure) Delay(active, queued int) time.Duration {
	switch {
	case active > b.HighActive:
		return b.HighDelay
	case active > b.MidActive:
		return b.MidDelay
	case queued > b.DeepQueue:
		return b.QueueDelay
	default:
		return b.IdleDelay
	}
}
