// Package dispatch runs fire-and-forget side effects on a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrSaturated is returned when the pool has no free worker.
var ErrSaturated = errors.New("dispatch: pool saturated")

// Pool submits tasks without blocking the caller. Tasks run with a detached
// context bounded by the configured timeout.
type Pool struct {
	pool    *ants.Pool
	timeout time.Duration
	wg      sync.WaitGroup
	metrics *poolMetrics
}

// New builds a pool with the supplied number of workers.
func New(workers int, taskTimeout time.Duration) (*Pool, error) {
	if workers <= 0 {
		workers = 8
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			slog.Error("fundround/dispatch: task panicked", "panic", fmt.Sprint(v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create pool: %w", err)
	}
	return &Pool{pool: pool, timeout: taskTimeout, metrics: sharedMetrics()}, nil
}

// Go schedules fn. A saturated pool drops the task and reports ErrSaturated.
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		fn(ctx)
	})
	if err != nil {
		p.wg.Done()
		p.metrics.recordDropped(name)
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrSaturated
		}
		return fmt.Errorf("dispatch: submit %s: %w", name, err)
	}
	return nil
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close waits for running tasks up to the timeout and releases the workers.
func (p *Pool) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return p.pool.ReleaseTimeout(timeout)
}

var (
	metricsOnce sync.Once
	shared      *poolMetrics
)

type poolMetrics struct {
	dropped metric.Int64Counter
}

func sharedMetrics() *poolMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("fundround/dispatch")
		counter, err := meter.Int64Counter("fundround.dispatch.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("fundround/dispatch")
			counter, _ = fallback.Int64Counter("fundround.dispatch.dropped")
		}
		shared = &poolMetrics{dropped: counter}
	})
	return shared
}

func (m *poolMetrics) recordDropped(task string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task", task)))
}
