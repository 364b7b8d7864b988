/*Package relay is the steady-state subscribe-transform-forward loop.

One dispatcher consumes the source reading stream and shards readings
across a fixed pool of workers by sensor id, so readings of a single
sensor are always forwarded in the order they arrived while distinct
sensors proceed concurrently. Each worker owns a bounded queue; when a
queue is full the reading is dropped and counted, which bounds memory
under a sustained ingestion-side outage.

Transient forward failures are retried with exponential backoff inside a
maximum retry window, permanent failures are reported once and never
retried. No per-reading error ever stops the loop.
*/
package relay

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/relabs-tech/pump/core/logger"
	"github.com/relabs-tech/pump/pump"
	"github.com/relabs-tech/pump/pump/ingest"
	"github.com/relabs-tech/pump/pump/mapping"
	"github.com/relabs-tech/pump/pump/transform"
)

// Builder is a builder helper for the Engine
type Builder struct {
	// Store is the mapping store, already loaded. Mandatory.
	Store *mapping.Store
	// Transformer converts readings into the ingestion shape. Mandatory.
	Transformer *transform.Transformer
	// Forwarder submits readings to the ingestion side. Mandatory.
	Forwarder pump.Forwarder
	// Workers is the size of the forwarding pool. Defaults to 16.
	Workers int
	// QueueSize is the per-worker queue capacity. Defaults to 64.
	QueueSize int
	// RetryInitial is the first retry delay. Defaults to 250ms.
	RetryInitial time.Duration
	// RetryMax is the retry delay ceiling. Defaults to 8s.
	RetryMax time.Duration
	// RetryWindow bounds the total time spent retrying one reading.
	// Defaults to 30s.
	RetryWindow time.Duration
}

// Engine dispatches readings from the source stream to the ingestion API
type Engine struct {
	store       *mapping.Store
	transformer *transform.Transformer
	forwarder   pump.Forwarder

	workers      int
	queueSize    int
	retryInitial time.Duration
	retryMax     time.Duration
	retryWindow  time.Duration

	stats stats
}

// NewEngine creates an Engine
func NewEngine(b *Builder) *Engine {
	if b.Store == nil {
		panic("mapping store is missing")
	}
	if b.Transformer == nil {
		panic("transformer is missing")
	}
	if b.Forwarder == nil {
		panic("forwarder is missing")
	}
	e := &Engine{
		store:        b.Store,
		transformer:  b.Transformer,
		forwarder:    b.Forwarder,
		workers:      b.Workers,
		queueSize:    b.QueueSize,
		retryInitial: b.RetryInitial,
		retryMax:     b.RetryMax,
		retryWindow:  b.RetryWindow,
	}
	if e.workers <= 0 {
		e.workers = 16
	}
	if e.queueSize <= 0 {
		e.queueSize = 64
	}
	if e.retryInitial == 0 {
		e.retryInitial = 250 * time.Millisecond
	}
	if e.retryMax == 0 {
		e.retryMax = 8 * time.Second
	}
	if e.retryWindow == 0 {
		e.retryWindow = 30 * time.Second
	}
	return e
}

// Run consumes the readings channel until it is closed or the context is
// cancelled, then drains the worker queues and returns. In-flight
// forwards are allowed to complete or time out on their own; only the
// backoff sleeps react to cancellation.
func (e *Engine) Run(ctx context.Context, readings <-chan pump.Reading) {
	queues := make([]chan pump.Reading, e.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan pump.Reading, e.queueSize)
		wg.Add(1)
		go func(queue <-chan pump.Reading) {
			defer wg.Done()
			for reading := range queue {
				e.process(ctx, reading)
			}
		}(queues[i])
	}

dispatch:
	for {
		select {
		case <-ctx.Done():
			break dispatch
		case reading, ok := <-readings:
			if !ok {
				break dispatch
			}
			queue := queues[shard(reading.SensorID, e.workers)]
			select {
			case queue <- reading:
			default:
				e.stats.dropped.Add(1)
				logger.Default().WithField("sensor", reading.SensorID).Warn("worker queue full, reading dropped")
			}
		}
	}

	for _, queue := range queues {
		close(queue)
	}
	wg.Wait()
}

// shard maps a sensor id to a worker index. The mapping is stable, which
// preserves per-sensor ordering.
func shard(sensorID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(sensorID))
	return int(h.Sum32() % uint32(workers))
}

func (e *Engine) process(ctx context.Context, reading pump.Reading) {
	rlog := logger.Default().WithField("sensor", reading.SensorID)

	entry, deviceType, ok := e.store.Resolve(reading.SensorID)
	if !ok {
		e.stats.unmapped.Add(1)
		rlog.Warn("reading from unmapped sensor dropped")
		return
	}

	deviceReading, err := e.transformer.Transform(reading, entry.DeviceID, deviceType)
	if err != nil {
		if errors.Is(err, transform.ErrSchemaMismatch) {
			e.stats.schemaMismatch.Add(1)
			rlog.WithError(err).Warn("reading dropped")
			return
		}
		e.stats.dropped.Add(1)
		rlog.WithError(err).Error("transform failed, reading dropped")
		return
	}

	instance := pump.DeviceInstance{
		ID:          entry.DeviceID,
		TypeID:      entry.DeviceTypeID,
		Credentials: entry.Credentials,
	}
	e.forwardWithRetry(ctx, instance, deviceReading)
}

// forwardWithRetry forwards one reading, retrying transient failures with
// exponential backoff until the retry window closes
func (e *Engine) forwardWithRetry(ctx context.Context, instance pump.DeviceInstance, reading pump.DeviceReading) {
	rlog := logger.Default().WithField("device", instance.ID)
	deadline := time.Now().Add(e.retryWindow)
	backoff := e.retryInitial

	for {
		// the forward call itself is not cancelled on shutdown, it
		// completes or times out on its own
		err := e.forwarder.ForwardReading(context.WithoutCancel(ctx), instance, reading)
		if err == nil {
			e.stats.forwarded.Add(1)
			return
		}

		var ingestErr *ingest.Error
		if errors.As(err, &ingestErr) && !ingestErr.IsRetryable() {
			e.stats.permanentFailures.Add(1)
			rlog.WithError(err).Error("permanent forward failure, reading dropped")
			return
		}

		if time.Now().Add(backoff).After(deadline) {
			e.stats.dropped.Add(1)
			rlog.WithError(err).Warn("retry window exceeded, reading dropped")
			return
		}

		e.stats.retried.Add(1)
		if !sleepContext(ctx, backoff) {
			e.stats.dropped.Add(1)
			return
		}
		backoff *= 2
		if backoff > e.retryMax {
			backoff = e.retryMax
		}
	}
}

// sleepContext sleeps for d, returning false if the context was cancelled
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
