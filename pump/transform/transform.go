// Package transform converts broker readings into the ingestion shape.
package transform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/relabs-tech/pump/core/schema"
	"github.com/relabs-tech/pump/pump"
)

// ErrSchemaMismatch is returned when a reading does not fit the device
// type it is bound to. The reading is dropped and reported, never fatal.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Transformer is the pure reading converter. It caches one compiled JSON
// schema per device type and is safe for concurrent use.
type Transformer struct {
	mu        sync.Mutex
	validator *schema.Validator
}

// New creates a Transformer
func New() *Transformer {
	return &Transformer{validator: schema.NewValidator()}
}

// Transform converts a broker reading into the ingestion shape for the
// given device. It validates that the reading's unit matches the bound
// device type and that the resulting payload satisfies the device type's
// declared schema.
func (t *Transformer) Transform(reading pump.Reading, deviceID string, deviceType pump.DeviceType) (pump.DeviceReading, error) {
	if reading.Unit != deviceType.Unit {
		return pump.DeviceReading{}, fmt.Errorf("%w: sensor %s reports unit %q, device type %s expects %q",
			ErrSchemaMismatch, reading.SensorID, reading.Unit, deviceType.ID, deviceType.Unit)
	}

	if deviceType.Schema != "" {
		if err := t.validatePayload(reading, deviceType); err != nil {
			return pump.DeviceReading{}, err
		}
	}

	return pump.DeviceReading{
		DeviceID:  deviceID,
		Timestamp: reading.Timestamp,
		Value:     reading.Value,
	}, nil
}

func (t *Transformer) validatePayload(reading pump.Reading, deviceType pump.DeviceType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validator.HasSchema(deviceType.ID) {
		if err := t.validator.AddSchema(deviceType.ID, deviceType.Schema); err != nil {
			return fmt.Errorf("%w: device type %s: %v", ErrSchemaMismatch, deviceType.ID, err)
		}
	}
	payload := map[string]interface{}{"value": reading.Value}
	if err := t.validator.ValidateStruct(payload, deviceType.ID); err != nil {
		return fmt.Errorf("%w: sensor %s: %v", ErrSchemaMismatch, reading.SensorID, err)
	}
	return nil
}
