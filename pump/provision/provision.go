/*Package provision is the one-time setup workflow.

The planner compares the sensors visible on the source side with the
current mapping, creates the missing ingestion-side resources (one device
type per measurement kind, one device instance with its own certificate
per sensor) and extends the mapping. A failure during one sensor's
provisioning skips only that sensor; it stays absent from the mapping and
is picked up by the next run.
*/
package provision

import (
	"context"
	"fmt"

	"github.com/relabs-tech/pump/core/logger"
	"github.com/relabs-tech/pump/pump"
	"github.com/relabs-tech/pump/pump/ingest"
	"github.com/relabs-tech/pump/pump/mapping"
	"github.com/relabs-tech/pump/pump/source"
)

// Builder is a builder helper for the Planner
type Builder struct {
	// Source lists the organization's sensors. Mandatory.
	Source *source.API
	// Ingest creates device types and instances. Mandatory.
	Ingest *ingest.Client
	// Store is the mapping store, already loaded. Mandatory.
	Store *mapping.Store
}

// Planner computes and executes the provisioning plan
type Planner struct {
	source *source.API
	ingest *ingest.Client
	store  *mapping.Store
}

// NewPlanner creates a Planner
func NewPlanner(b *Builder) *Planner {
	if b.Source == nil {
		panic("source API is missing")
	}
	if b.Ingest == nil {
		panic("ingestion client is missing")
	}
	if b.Store == nil {
		panic("mapping store is missing")
	}
	return &Planner{
		source: b.Source,
		ingest: b.Ingest,
		store:  b.Store,
	}
}

// Run provisions every unmapped sensor and persists the extended mapping.
// It returns the number of sensors that could not be provisioned in this
// run; those remain absent from the mapping and are retried on the next
// invocation. The error return is reserved for failures that abort the
// whole run (listing the sensors, saving the store).
func (p *Planner) Run(ctx context.Context) (incomplete int, err error) {
	rlog := logger.FromContext(ctx)

	sensors, err := p.source.ListSensors(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sensors: %w", err)
	}
	rlog.Infof("provisioning: %d sensors visible, %d already mapped", len(sensors), p.store.Len())

	added, createdTypes := 0, 0
	for _, sensor := range sensors {
		if _, ok := p.store.Lookup(sensor.ID); ok {
			continue
		}
		createdType, err := p.provisionSensor(ctx, sensor)
		if createdType {
			createdTypes++
		}
		if err != nil {
			rlog.WithError(err).Errorf("provisioning sensor %s failed", sensor.ID)
			incomplete++
			continue
		}
		added++
	}

	// a created device type must be persisted even if every instance
	// creation for it failed, otherwise the next run would create a
	// second type for the same kind
	if added > 0 || createdTypes > 0 {
		if err := p.store.Save(); err != nil {
			return incomplete, err
		}
	}
	rlog.Infof("provisioning: %d devices created, %d sensors incomplete", added, incomplete)
	return incomplete, nil
}

// provisionSensor creates the sensor's device instance and mapping entry.
// It reports whether a new device type was created along the way, so the
// caller can persist it even when the instance creation failed.
func (p *Planner) provisionSensor(ctx context.Context, sensor pump.Sensor) (createdType bool, err error) {
	deviceType, createdType, err := p.deviceTypeForKind(ctx, sensor.Kind, sensor.Unit)
	if err != nil {
		return createdType, fmt.Errorf("device type for kind %s: %w", sensor.Kind, err)
	}

	name := fmt.Sprintf("pump - %s - %s", sensor.Name, sensor.ID)
	credentials, err := deviceCertificate(name)
	if err != nil {
		return createdType, fmt.Errorf("generate certificate: %w", err)
	}

	instance, err := p.ingest.CreateDeviceInstance(ctx, name, deviceType.ID, credentials)
	if err != nil {
		return createdType, fmt.Errorf("create device instance: %w", err)
	}
	logger.FromContext(ctx).Infof("created device %s for sensor %s", instance.ID, sensor.ID)

	return createdType, p.store.Put(mapping.Entry{
		SensorID:     sensor.ID,
		DeviceID:     instance.ID,
		DeviceTypeID: deviceType.ID,
		Credentials:  credentials,
	})
}

// deviceTypeForKind returns the device type for a measurement kind,
// creating it on first encounter. The store doubles as the in-run cache,
// so a kind can never get two device types within one run.
func (p *Planner) deviceTypeForKind(ctx context.Context, kind, unit string) (pump.DeviceType, bool, error) {
	if deviceType, ok := p.store.DeviceTypeForKind(kind); ok {
		return deviceType, false, nil
	}
	deviceType, err := p.ingest.CreateDeviceType(ctx, kind, unit)
	if err != nil {
		return pump.DeviceType{}, false, err
	}
	p.store.PutDeviceType(deviceType)
	return deviceType, true, nil
}
