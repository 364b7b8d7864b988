/*Package source talks to the sensor-telemetry side.

The source exposes two surfaces: a REST API for listing the sensors of an
organization together with a sensor-type catalogue, and an MQTT broker
publishing the live reading stream. Both are authenticated with the same
API key.
*/
package source

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/pump/core/client"
	"github.com/relabs-tech/pump/pump"
)

// infrastructure sensor types that never carry measurements
var bannedSensorTypes = map[string]bool{
	"gateway_info":  true,
	"zensie_router": true,
}

// Builder is a builder helper for the API
type Builder struct {
	// URL is the base URL of the source REST API. Mandatory unless Router is set.
	URL string
	// APIKey authenticates all calls. Mandatory.
	APIKey string
	// Organization is the source organization identifier. Mandatory.
	Organization string
	// Router makes the client talk directly to a mux router instead of a
	// live URL. For unit tests.
	Router *mux.Router
}

// API lists sensors and sensor types
type API struct {
	organization string
	client       client.Client
}

// NewAPI creates the source REST client
func NewAPI(b *Builder) *API {
	if len(b.APIKey) == 0 {
		panic("source api key is missing")
	}
	if len(b.Organization) == 0 {
		panic("source organization is missing")
	}
	if len(b.URL) == 0 && b.Router == nil {
		panic("source URL is missing")
	}

	var c client.Client
	if b.Router != nil {
		c = client.NewWithRouter(b.Router).WithHeader("Authorization", b.APIKey)
	} else {
		c = client.NewWithURL(b.URL).WithHeader("Authorization", b.APIKey)
	}
	return &API{
		organization: b.Organization,
		client:       c,
	}
}

type wireSensor struct {
	CheckID    string `json:"checkId"`
	Name       string `json:"name"`
	SensorType string `json:"sensorType"`
}

type wireSensorType struct {
	TypeID string `json:"typeId"`
	Kind   string `json:"kind"`
	Unit   string `json:"unit"`
}

// ListSensors returns the organization's sensors with their measurement
// kind and unit resolved through the sensor-type catalogue. Sensors of
// infrastructure types are skipped, as are sensors whose type is not in
// the catalogue.
func (a *API) ListSensors(ctx context.Context) ([]pump.Sensor, error) {
	var wireSensors []wireSensor
	if _, err := a.client.WithContext(ctx).RawGet("/api/check/organization/"+a.organization, &wireSensors); err != nil {
		return nil, err
	}

	var wireTypes []wireSensorType
	if _, err := a.client.WithContext(ctx).RawGet("/api/sensor-type", &wireTypes); err != nil {
		return nil, err
	}
	catalogue := map[string]wireSensorType{}
	for _, t := range wireTypes {
		catalogue[t.TypeID] = t
	}

	var sensors []pump.Sensor
	for _, s := range wireSensors {
		if bannedSensorTypes[s.SensorType] {
			continue
		}
		t, ok := catalogue[s.SensorType]
		if !ok {
			continue
		}
		sensors = append(sensors, pump.Sensor{
			ID:   s.CheckID,
			Name: s.Name,
			Kind: t.Kind,
			Unit: t.Unit,
		})
	}
	return sensors, nil
}
