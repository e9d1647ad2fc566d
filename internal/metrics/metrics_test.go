package metrics

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"completiond/internal/dispatch"
	"completiond/internal/eventbus"
	logx "completiond/pkg/logx"
)

type staticSource dispatch.Analytics

func (s staticSource) Analytics() dispatch.Analytics { return dispatch.Analytics(s) }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("aggregation %T, want Sum[int64]", data)
	}
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorderCountsEventsAndObservesGauges(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	src := staticSource{QueueDepth: 4, ActiveCount: 2, RateUtilization: 0.5, Circuit: dispatch.CircuitStats{Total: 3, Open: 1}}
	r, err := NewRecorder(mp, src, logx.Nop())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer r.Close()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, ch)
		close(done)
	}()

	ev := dispatch.TaskEvent{ID: "a", Type: "crm_analysis", Priority: "HIGH", QueueDelay: time.Second, Duration: 2 * time.Second}
	bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Data: ev})
	bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Data: ev})
	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: ev})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	ev.ErrorKind = dispatch.KindExecution
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	bus.Publish(eventbus.Event{Type: eventbus.TaskPruned, Data: dispatch.TaskEvent{ID: "a"}})
	bus.Publish(eventbus.Event{Type: "other", Data: "ignored"})

	// Closing the subscription ends Run after the buffered events drain.
	unsub()
	<-done
	cancel()

	got := collect(t, reader)
	for name, want := range map[string]int64{
		"completiond.tasks.submitted": 2,
		"completiond.tasks.finished":  1,
		"completiond.tasks.failed":    1,
		"completiond.results.pruned":  1,
	} {
		if v := sumInt(t, got[name]); v != want {
			t.Fatalf("%s = %d, want %d", name, v, want)
		}
	}

	h, ok := got["completiond.task.duration"].(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) == 0 || h.DataPoints[0].Count == 0 {
		t.Fatalf("duration histogram = %+v", got["completiond.task.duration"])
	}

	g, ok := got["completiond.queue.depth"].(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) != 1 || g.DataPoints[0].Value != 4 {
		t.Fatalf("queue depth gauge = %+v", got["completiond.queue.depth"])
	}
	u, ok := got["completiond.rate.utilization"].(metricdata.Gauge[float64])
	if !ok || len(u.DataPoints) != 1 || u.DataPoints[0].Value != 0.5 {
		t.Fatalf("rate utilization gauge = %+v", got["completiond.rate.utilization"])
	}
}

func TestStdoutProviderWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mp, err := NewStdoutProvider(&buf, time.Hour)
	if err != nil {
		t.Fatalf("NewStdoutProvider: %v", err)
	}
	r, err := NewRecorder(mp, staticSource{QueueDepth: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	r.Record(context.Background(), eventbus.Event{Type: eventbus.TaskSubmitted, Data: dispatch.TaskEvent{Type: "crm_analysis"}})

	// Shutdown flushes the periodic reader.
	if err := mp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "completiond.tasks.submitted") {
		t.Fatalf("stdout export missing counter: %s", buf.String())
	}
}
