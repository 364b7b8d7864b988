/*Package ingest is the client for the device-telemetry ingestion API.

Creation calls (device types, device instances, certificates) are
authenticated with the tenant token. Forwarding a reading is authenticated
with the device instance's own client certificate over mutual TLS; the
client keeps one TLS client per device instance. The ingestion server
certificate is validated against a trust-anchor certificate supplied as a
file.
*/
package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/pump/core/client"
	"github.com/relabs-tech/pump/pump"
)

// readingSchema is the JSON schema the created device types declare for a
// reading payload. The transformer validates outgoing payloads against it.
const readingSchema = `{"type":"object","required":["value"],"properties":{"value":{"type":"number"}}}`

// Builder is a builder helper for the Client
type Builder struct {
	// URL is the base URL of the ingestion API. Mandatory unless Router is set.
	URL string
	// TenantToken authenticates creation calls. Mandatory.
	TenantToken string
	// CACertFile is the file path to the trust-anchor certificate used to
	// validate the ingestion API's server certificate. Mandatory unless
	// Router is set.
	CACertFile string
	// ForwardTimeout bounds a single forward call. Defaults to 10s.
	ForwardTimeout time.Duration
	// Router makes the client talk directly to a mux router instead of a
	// live URL. For unit tests.
	Router *mux.Router
}

// Client is the thin wrapper around the ingestion API
type Client struct {
	url            string
	tenant         client.Client
	caPool         *x509.CertPool
	forwardTimeout time.Duration
	router         *mux.Router

	mu            sync.Mutex
	deviceClients map[string]client.Client
}

// NewClient creates an ingestion client. It reads the trust-anchor
// certificate file right away so a bad path fails fast.
func NewClient(b *Builder) (*Client, error) {
	if len(b.TenantToken) == 0 {
		panic("tenant token is missing")
	}
	if len(b.URL) == 0 && b.Router == nil {
		panic("ingestion URL is missing")
	}

	c := &Client{
		url:            b.URL,
		forwardTimeout: b.ForwardTimeout,
		router:         b.Router,
		deviceClients:  map[string]client.Client{},
	}
	if c.forwardTimeout == 0 {
		c.forwardTimeout = 10 * time.Second
	}

	if b.Router != nil {
		c.tenant = client.NewWithRouter(b.Router)
		return c, nil
	}

	if len(b.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	caCert, err := os.ReadFile(b.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor %s: %w", b.CACertFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("trust anchor %s contains no certificate", b.CACertFile)
	}
	c.caPool = caPool
	c.tenant = client.NewWithURL(b.URL).WithToken(b.TenantToken).WithTLSConfig(
		&tls.Config{RootCAs: caPool}, 20*time.Second)
	return c, nil
}

// CreateDeviceType creates a device type for the given measurement kind.
// The call is idempotent only within the caller's own bookkeeping; the
// ingestion API happily creates duplicates.
func (c *Client) CreateDeviceType(ctx context.Context, kind, unit string) (pump.DeviceType, error) {
	body := map[string]interface{}{
		"name":         fmt.Sprintf("Sensor %s", kind),
		"manufacturer": "pump",
		"model":        "V0",
		"description":  fmt.Sprintf("relayed %s readings (%s)", kind, unit),
		"schema": map[string]interface{}{
			"attributes": map[string]interface{}{
				"value": map[string]string{"type": "number"},
			},
		},
		"reportingRules": []map[string]interface{}{
			{"path": "$.attributes.value", "reportTo": []string{"timeseries"}},
		},
	}
	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	status, err := c.tenant.WithContext(ctx).RawPost("/v1/device-types", body, &result)
	if err != nil {
		return pump.DeviceType{}, classify(status, err)
	}
	return pump.DeviceType{
		ID:     result.Data.ID,
		Kind:   kind,
		Unit:   unit,
		Schema: readingSchema,
	}, nil
}

// CreateDeviceInstance creates a device instance bound to the given type
// and registers the device's client certificate with it.
func (c *Client) CreateDeviceInstance(ctx context.Context, name, typeID string, credentials pump.DeviceCredentials) (pump.DeviceInstance, error) {
	body := map[string]interface{}{
		"info": map[string]interface{}{
			"name":                  name,
			"deviceTypeId":          typeID,
			"description":           name,
			"installationTimestamp": time.Now().UTC().Format(time.RFC3339),
			"tags":                  []string{"sensor", "pump"},
		},
	}
	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	status, err := c.tenant.WithContext(ctx).RawPost("/v1/devices", body, &result)
	if err != nil {
		return pump.DeviceInstance{}, classify(status, err)
	}
	deviceID := result.Data.ID

	certBody := map[string]string{
		"cert":   credentials.Certificate,
		"status": "valid",
	}
	status, err = c.tenant.WithContext(ctx).RawPost("/v1/devices/"+deviceID+"/certificates", certBody, nil)
	if err != nil {
		return pump.DeviceInstance{}, classify(status, err)
	}

	return pump.DeviceInstance{
		ID:          deviceID,
		TypeID:      typeID,
		Credentials: credentials,
	}, nil
}

// ForwardReading submits one reading for a device instance, authenticated
// with the instance's client certificate.
func (c *Client) ForwardReading(ctx context.Context, instance pump.DeviceInstance, reading pump.DeviceReading) error {
	deviceClient, err := c.deviceClient(instance)
	if err != nil {
		return &Error{Kind: KindAuth, cause: err}
	}
	status, err := deviceClient.WithContext(ctx).RawPost("/v1/data-ingest", reading, nil)
	if err != nil {
		return classify(status, err)
	}
	return nil
}

// deviceClient returns the mutual-TLS client for the given device
// instance, creating and caching it on first use
func (c *Client) deviceClient(instance pump.DeviceInstance) (client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deviceClient, ok := c.deviceClients[instance.ID]; ok {
		return deviceClient, nil
	}
	var deviceClient client.Client
	if c.router != nil {
		deviceClient = client.NewWithRouter(c.router).WithHeader("Pump-Device-Id", instance.ID)
	} else {
		cert, err := tls.X509KeyPair([]byte(instance.Credentials.Certificate), []byte(instance.Credentials.Key))
		if err != nil {
			return client.Client{}, fmt.Errorf("device %s certificate: %w", instance.ID, err)
		}
		deviceClient = client.NewWithURL(c.url).WithTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      c.caPool,
		}, c.forwardTimeout)
	}
	c.deviceClients[instance.ID] = deviceClient
	return deviceClient, nil
}

// ReadingSchema returns the JSON schema declared for reading payloads
func ReadingSchema() string { return readingSchema }

var _ pump.Forwarder = (*Client)(nil)
