package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tutortoise/face-recognition-service/service"
)

const DefaultAcquireTimeout = 5 * time.Second

var (
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	ErrAcquireTimeout   = errors.New("timeout waiting for the service")
)

// Dispatcher hands the single service instance to one caller at a time.
type Dispatcher struct {
	slot    chan *service.Service
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
	metrics *DispatchMetrics
}

type DispatchMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// MetricsSnapshot is a point-in-time copy of the dispatcher counters.
type MetricsSnapshot struct {
	InUse           int   `json:"in_use"`
	TotalAcquired   int64 `json:"total_acquired"`
	TotalReleased   int64 `json:"total_released"`
	AcquireFailures int64 `json:"acquire_failures"`
	WaitTimeMillis  int64 `json:"wait_time_ms"`
}

func NewDispatcher(svc *service.Service, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	d := &Dispatcher{
		slot:    make(chan *service.Service, 1),
		timeout: timeout,
		metrics: &DispatchMetrics{},
	}
	d.slot <- svc
	return d
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Acquire waits until no other caller holds the service. Every successful
// Acquire must be paired with Release.
func (d *Dispatcher) Acquire(ctx context.Context) (*service.Service, error) {
	if d.isClosed() {
		return nil, ErrDispatcherClosed
	}

	start := time.Now()
	defer func() {
		d.metrics.mu.Lock()
		d.metrics.waitTime += time.Since(start)
		d.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case svc := <-d.slot:
		d.metrics.mu.Lock()
		d.metrics.inUse++
		d.metrics.totalAcquired++
		d.metrics.mu.Unlock()
		return svc, nil
	case <-timer.C:
		d.metrics.mu.Lock()
		d.metrics.acquireFailures++
		d.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) Release(svc *service.Service) {
	d.metrics.mu.Lock()
	d.metrics.inUse--
	d.metrics.totalReleased++
	d.metrics.mu.Unlock()

	d.slot <- svc
}

// Do runs fn with exclusive access to the service.
func (d *Dispatcher) Do(ctx context.Context, fn func(*service.Service)) error {
	svc, err := d.Acquire(ctx)
	if err != nil {
		return err
	}
	defer d.Release(svc)
	fn(svc)
	return nil
}

// Shutdown stops new acquisitions, waits for the current holder and hands
// the service to the caller for good.
func (d *Dispatcher) Shutdown(ctx context.Context) (*service.Service, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case svc := <-d.slot:
		return svc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) Metrics() MetricsSnapshot {
	d.metrics.mu.RLock()
	defer d.metrics.mu.RUnlock()
	return MetricsSnapshot{
		InUse:           d.metrics.inUse,
		TotalAcquired:   d.metrics.totalAcquired,
		TotalReleased:   d.metrics.totalReleased,
		AcquireFailures: d.metrics.acquireFailures,
		WaitTimeMillis:  d.metrics.waitTime.Milliseconds(),
	}
}
