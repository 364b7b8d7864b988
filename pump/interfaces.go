package pump

import (
	"context"
	"time"
)

// Sensor is a telemetry producing entity on the source side
type Sensor struct {
	ID   string `json:"sensor_id"`
	Name string `json:"name"`
	// Kind is the measurement kind, e.g. "temperature"
	Kind string `json:"kind"`
	Unit string `json:"unit"`
}

// DeviceType is an ingestion-side schema describing one class of measurement
type DeviceType struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Unit string `json:"unit"`
	// Schema is the JSON schema the ingestion side declared for the
	// reading payload of this type
	Schema string `json:"schema"`
}

// DeviceCredentials is the PEM encoded certificate/key pair of one
// device instance
type DeviceCredentials struct {
	Certificate string `json:"cert"`
	Key         string `json:"key"`
}

// DeviceInstance is an ingestion-side provisioned endpoint, bound to
// exactly one device type and carrying its own client certificate
type DeviceInstance struct {
	ID          string            `json:"id"`
	TypeID      string            `json:"device_type_id"`
	Credentials DeviceCredentials `json:"credentials"`
}

// Reading is one timestamped measurement value as emitted by the source
// broker
type Reading struct {
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// DeviceReading is one timestamped measurement value in the shape the
// ingestion API accepts
type DeviceReading struct {
	DeviceID  string    `json:"device_instance_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Forwarder submits one transformed reading to the ingestion side on
// behalf of a device instance
type Forwarder interface {
	ForwardReading(ctx context.Context, instance DeviceInstance, reading DeviceReading) error
}
