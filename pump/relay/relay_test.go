package relay_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pump/pump"
	"github.com/relabs-tech/pump/pump/ingest"
	"github.com/relabs-tech/pump/pump/mapping"
	"github.com/relabs-tech/pump/pump/relay"
	"github.com/relabs-tech/pump/pump/transform"
)

// recordingForwarder records forward calls and can fail on demand
type recordingForwarder struct {
	mu sync.Mutex
	// failures maps a device id to a queue of errors returned before
	// forwarding starts to succeed
	failures map[string][]error
	calls    []pump.DeviceReading
}

func newRecordingForwarder() *recordingForwarder {
	return &recordingForwarder{failures: map[string][]error{}}
}

func (f *recordingForwarder) ForwardReading(ctx context.Context, instance pump.DeviceInstance, reading pump.DeviceReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue := f.failures[instance.ID]; len(queue) > 0 {
		err := queue[0]
		f.failures[instance.ID] = queue[1:]
		return err
	}
	f.calls = append(f.calls, reading)
	return nil
}

func (f *recordingForwarder) recorded() []pump.DeviceReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]pump.DeviceReading, len(f.calls))
	copy(calls, f.calls)
	return calls
}

func (f *recordingForwarder) attempts(deviceID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[deviceID] = errs
}

func testStore(t *testing.T) *mapping.Store {
	t.Helper()
	store := mapping.New(filepath.Join(t.TempDir(), "mapping.json"))
	store.PutDeviceType(pump.DeviceType{ID: "type-temp", Kind: "temperature", Unit: "C", Schema: ingest.ReadingSchema()})
	require.NoError(t, store.Put(mapping.Entry{
		SensorID:     "temp-001",
		DeviceID:     "dev-abc",
		DeviceTypeID: "type-temp",
	}))
	require.NoError(t, store.Put(mapping.Entry{
		SensorID:     "temp-002",
		DeviceID:     "dev-def",
		DeviceTypeID: "type-temp",
	}))
	return store
}

func newTestEngine(store *mapping.Store, forwarder pump.Forwarder) *relay.Engine {
	return relay.NewEngine(&relay.Builder{
		Store:        store,
		Transformer:  transform.New(),
		Forwarder:    forwarder,
		Workers:      4,
		QueueSize:    16,
		RetryInitial: time.Millisecond,
		RetryMax:     4 * time.Millisecond,
		RetryWindow:  time.Second,
	})
}

// run feeds the readings to the engine and waits for the drain
func run(engine *relay.Engine, readings ...pump.Reading) {
	ch := make(chan pump.Reading, len(readings))
	for _, reading := range readings {
		ch <- reading
	}
	close(ch)
	engine.Run(context.Background(), ch)
}

func TestForwardInOrder(t *testing.T) {
	forwarder := newRecordingForwarder()
	engine := newTestEngine(testStore(t), forwarder)

	var readings []pump.Reading
	base := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		readings = append(readings, pump.Reading{
			SensorID:  "temp-001",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Value:     float64(i),
			Unit:      "C",
		})
	}
	run(engine, readings...)

	calls := forwarder.recorded()
	require.Len(t, calls, 20)
	for i, call := range calls {
		assert.Equal(t, "dev-abc", call.DeviceID)
		assert.Equal(t, float64(i), call.Value, "reading %d out of order", i)
	}
	assert.Equal(t, uint64(20), engine.Statistics().Forwarded)
}

func TestTransformedShape(t *testing.T) {
	forwarder := newRecordingForwarder()
	engine := newTestEngine(testStore(t), forwarder)

	timestamp := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	run(engine, pump.Reading{SensorID: "temp-001", Timestamp: timestamp, Value: 21.5, Unit: "C"})

	calls := forwarder.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "dev-abc", calls[0].DeviceID)
	assert.True(t, calls[0].Timestamp.Equal(timestamp))
	assert.Equal(t, 21.5, calls[0].Value)
}

func TestUnmappedSensorDropped(t *testing.T) {
	forwarder := newRecordingForwarder()
	engine := newTestEngine(testStore(t), forwarder)

	run(engine,
		pump.Reading{SensorID: "unknown-001", Value: 1, Unit: "C"},
		pump.Reading{SensorID: "temp-001", Value: 2, Unit: "C"},
	)

	calls := forwarder.recorded()
	require.Len(t, calls, 1, "unmapped sensor must never cause a forward call")
	assert.Equal(t, "dev-abc", calls[0].DeviceID)
	assert.Equal(t, uint64(1), engine.Statistics().Unmapped)
}

func TestSchemaMismatchDropped(t *testing.T) {
	forwarder := newRecordingForwarder()
	engine := newTestEngine(testStore(t), forwarder)

	run(engine,
		pump.Reading{SensorID: "temp-001", Value: 1, Unit: "F"},
		pump.Reading{SensorID: "temp-001", Value: 2, Unit: "C"},
	)

	calls := forwarder.recorded()
	require.Len(t, calls, 1, "mismatched reading must be dropped, the loop continues")
	assert.Equal(t, 2.0, calls[0].Value)
	assert.Equal(t, uint64(1), engine.Statistics().SchemaMismatch)
}

func TestTransientFailureRetried(t *testing.T) {
	forwarder := newRecordingForwarder()
	forwarder.attempts("dev-abc",
		&ingest.Error{Kind: ingest.KindNetwork, Status: 503},
		&ingest.Error{Kind: ingest.KindRateLimited, Status: 429},
	)
	engine := newTestEngine(testStore(t), forwarder)

	run(engine, pump.Reading{SensorID: "temp-001", Value: 21.5, Unit: "C"})

	calls := forwarder.recorded()
	require.Len(t, calls, 1, "reading must eventually be forwarded")
	stats := engine.Statistics()
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	forwarder := newRecordingForwarder()
	forwarder.attempts("dev-abc",
		&ingest.Error{Kind: ingest.KindAuth, Status: 401},
	)
	engine := newTestEngine(testStore(t), forwarder)

	run(engine,
		pump.Reading{SensorID: "temp-001", Value: 1, Unit: "C"},
		pump.Reading{SensorID: "temp-002", Value: 2, Unit: "C"},
	)

	// dev-abc's auth failure consumed the single queued error without a
	// retry; dev-def's reading went through
	calls := forwarder.recorded()
	require.Len(t, calls, 1, "one device's credential failure must not halt other devices")
	assert.Equal(t, "dev-def", calls[0].DeviceID)
	stats := engine.Statistics()
	assert.Equal(t, uint64(1), stats.PermanentFailures)
	assert.Equal(t, uint64(0), stats.Retried)
}

func TestRetryWindowExceeded(t *testing.T) {
	forwarder := newRecordingForwarder()
	var failures []error
	for i := 0; i < 100; i++ {
		failures = append(failures, &ingest.Error{Kind: ingest.KindNetwork, Status: 503})
	}
	forwarder.attempts("dev-abc", failures...)

	engine := relay.NewEngine(&relay.Builder{
		Store:        testStore(t),
		Transformer:  transform.New(),
		Forwarder:    forwarder,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		RetryWindow:  10 * time.Millisecond,
	})
	run(engine, pump.Reading{SensorID: "temp-001", Value: 21.5, Unit: "C"})

	stats := engine.Statistics()
	assert.Equal(t, uint64(0), stats.Forwarded)
	assert.Equal(t, uint64(1), stats.Dropped, "reading must be dropped once the window closes")
}

func TestShutdownStopsDispatch(t *testing.T) {
	forwarder := newRecordingForwarder()
	engine := newTestEngine(testStore(t), forwarder)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan pump.Reading)
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, ch)
		close(done)
	}()

	ch <- pump.Reading{SensorID: "temp-001", Value: 21.5, Unit: "C"}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}

func TestConcurrentSensorsAllForwarded(t *testing.T) {
	forwarder := newRecordingForwarder()
	store := mapping.New(filepath.Join(t.TempDir(), "mapping.json"))
	store.PutDeviceType(pump.DeviceType{ID: "type-temp", Kind: "temperature", Unit: "C"})
	var readings []pump.Reading
	for i := 0; i < 50; i++ {
		sensorID := fmt.Sprintf("temp-%03d", i)
		require.NoError(t, store.Put(mapping.Entry{
			SensorID:     sensorID,
			DeviceID:     fmt.Sprintf("dev-%03d", i),
			DeviceTypeID: "type-temp",
		}))
		readings = append(readings, pump.Reading{SensorID: sensorID, Value: float64(i), Unit: "C"})
	}
	engine := newTestEngine(store, forwarder)
	run(engine, readings...)

	assert.Len(t, forwarder.recorded(), 50)
	assert.Equal(t, uint64(50), engine.Statistics().Forwarded)
}
