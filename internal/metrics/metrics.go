// Package metrics exports dispatcher activity as OpenTelemetry instruments.
//
// Counters and histograms are fed from task.* bus events; gauges are read from
// the dispatcher's Analytics snapshot at collection time.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"completiond/internal/dispatch"
	"completiond/internal/eventbus"
	logx "completiond/pkg/logx"
)

const instrumentationName = "completiond/dispatch"

// Source is the part of the dispatcher gauges read from.
type Source interface {
	Analytics() dispatch.Analytics
}

// NewStdoutProvider builds a MeterProvider that writes JSON snapshots to w every interval.
func NewStdoutProvider(w io.Writer, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdoutmetric: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil
}

// Recorder owns the instruments.
type Recorder struct {
	log logx.Logger

	submitted metric.Int64Counter
	finished  metric.Int64Counter
	failed    metric.Int64Counter
	pruned    metric.Int64Counter

	queueDelay metric.Float64Histogram
	duration   metric.Float64Histogram

	reg metric.Registration
}

// NewRecorder creates the instruments on mp and registers the gauge callback against src.
func NewRecorder(mp metric.MeterProvider, src Source, log logx.Logger) (*Recorder, error) {
	m := mp.Meter(instrumentationName)
	r := &Recorder{log: log.With(logx.String("comp", "metrics"))}

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{task}"))
		errs = append(errs, err)
		return c
	}
	r.submitted = counter("completiond.tasks.submitted", "Tasks accepted by Submit.")
	r.finished = counter("completiond.tasks.finished", "Tasks that completed without error.")
	r.failed = counter("completiond.tasks.failed", "Tasks that completed with an error.")
	r.pruned = counter("completiond.results.pruned", "Results evicted from the result store.")

	hist := func(name, desc string) metric.Float64Histogram {
		h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}
	r.queueDelay = hist("completiond.task.queue_delay", "Time from submission to dispatch.")
	r.duration = hist("completiond.task.duration", "Executor run time.")

	queueDepth, err := m.Int64ObservableGauge("completiond.queue.depth", metric.WithDescription("Queued tasks."))
	errs = append(errs, err)
	active, err := m.Int64ObservableGauge("completiond.tasks.active", metric.WithDescription("Executing tasks."))
	errs = append(errs, err)
	rateUtil, err := m.Float64ObservableGauge("completiond.rate.utilization", metric.WithDescription("Fraction of the rate window used."))
	errs = append(errs, err)
	circuitsOpen, err := m.Int64ObservableGauge("completiond.circuits.open", metric.WithDescription("Task types failing fast."))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	r.reg, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		a := src.Analytics()
		o.ObserveInt64(queueDepth, int64(a.QueueDepth))
		o.ObserveInt64(active, int64(a.ActiveCount))
		o.ObserveFloat64(rateUtil, a.RateUtilization)
		o.ObserveInt64(circuitsOpen, int64(a.Circuit.Open))
		return nil
	}, queueDepth, active, rateUtil, circuitsOpen)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Run consumes bus events until ctx ends or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Record(ctx, ev)
		}
	}
}

// Record applies one bus event. Events without a dispatch.TaskEvent payload are ignored.
func (r *Recorder) Record(ctx context.Context, ev eventbus.Event) {
	te, ok := ev.Data.(dispatch.TaskEvent)
	if !ok {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", te.Type), attribute.String("priority", te.Priority))

	switch ev.Type {
	case eventbus.TaskSubmitted:
		r.submitted.Add(ctx, 1, attrs)
	case eventbus.TaskStarted:
		r.queueDelay.Record(ctx, te.QueueDelay.Seconds(), attrs)
	case eventbus.TaskFinished:
		r.finished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", te.Type),
			attribute.String("priority", te.Priority),
			attribute.Bool("fallback", te.Fallback),
		))
		r.duration.Record(ctx, te.Duration.Seconds(), attrs)
	case eventbus.TaskFailed:
		r.failed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", te.Type),
			attribute.String("priority", te.Priority),
			attribute.String("error_kind", te.ErrorKind),
		))
		r.duration.Record(ctx, te.Duration.Seconds(), attrs)
	case eventbus.TaskPruned:
		r.pruned.Add(ctx, 1)
	}
}

// Close unregisters the gauge callback.
func (r *Recorder) Close() error {
	if r == nil || r.reg == nil {
		return nil
	}
	return r.reg.Unregister()
}
