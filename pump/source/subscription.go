package source

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/pump/core/logger"
	"github.com/relabs-tech/pump/pump"
)

// State is the connection state of a Subscription
type State int32

const (
	// StateDisconnected means there is no broker connection
	StateDisconnected State = iota
	// StateConnecting means a connection attempt is in flight
	StateConnecting
	// StateSubscribed means readings are being delivered
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	}
	return "UNKNOWN"
}

// SubscriptionBuilder is a builder helper for the Subscription
type SubscriptionBuilder struct {
	// BrokerURL is the MQTT URL of the source broker, e.g. tcp://host:1883
	// or ssl://host:8883. Mandatory.
	BrokerURL string
	// APIKey authenticates the connection. Mandatory.
	APIKey string
	// Organization is the source organization identifier. Mandatory.
	Organization string
	// InitialBackoff is the first reconnect delay. Defaults to 1s.
	InitialBackoff time.Duration
	// MaxBackoff is the reconnect delay ceiling. Defaults to 60s.
	MaxBackoff time.Duration
	// Buffer is the capacity of the readings channel. Defaults to 256.
	Buffer int
}

// Subscription is the live reading stream of one organization. It covers
// all of the organization's sensors with a single broker subscription and
// reconnects with exponential backoff when the connection drops.
type Subscription struct {
	brokerURL      string
	apiKey         string
	organization   string
	initialBackoff time.Duration
	maxBackoff     time.Duration

	readings chan pump.Reading
	state    int32

	// mu orders deliveries against the close of the readings channel;
	// paho may still fire message handlers after Disconnect returns
	mu     sync.Mutex
	closed bool
}

// NewSubscription creates a subscription. It does not connect until Run
// is called.
func NewSubscription(b *SubscriptionBuilder) *Subscription {
	if len(b.BrokerURL) == 0 {
		panic("broker URL is missing")
	}
	if len(b.APIKey) == 0 {
		panic("source api key is missing")
	}
	if len(b.Organization) == 0 {
		panic("source organization is missing")
	}
	initialBackoff := b.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = time.Second
	}
	maxBackoff := b.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 60 * time.Second
	}
	buffer := b.Buffer
	if buffer == 0 {
		buffer = 256
	}
	return &Subscription{
		brokerURL:      b.BrokerURL,
		apiKey:         b.APIKey,
		organization:   b.Organization,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		readings:       make(chan pump.Reading, buffer),
	}
}

// Readings returns the channel of decoded readings. The channel is closed
// when Run returns.
func (s *Subscription) Readings() <-chan pump.Reading {
	return s.readings
}

// State returns the current connection state
func (s *Subscription) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Subscription) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

func (s *Subscription) topic() string {
	return "organization/" + s.organization + "/sensor/+/reading"
}

// Run connects, subscribes and delivers readings until the context is
// cancelled. Connect failures and lost connections are retried with
// exponential backoff; the backoff resets after a successful subscribe.
func (s *Subscription) Run(ctx context.Context) {
	rlog := logger.Default().WithField("broker", s.brokerURL)
	defer func() {
		s.mu.Lock()
		s.closed = true
		close(s.readings)
		s.mu.Unlock()
	}()
	defer s.setState(StateDisconnected)

	backoff := s.initialBackoff
	for {
		s.setState(StateConnecting)
		mqttClient, lost, err := s.connect(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			rlog.WithError(err).Warnf("broker connect failed, retrying in %v", backoff)
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.maxBackoff)
			continue
		}

		s.setState(StateSubscribed)
		rlog.Info("subscribed to reading stream")
		backoff = s.initialBackoff

		select {
		case <-ctx.Done():
			mqttClient.Disconnect(250)
			return
		case err := <-lost:
			s.setState(StateDisconnected)
			rlog.WithError(err).Warn("broker connection lost")
		}
	}
}

func (s *Subscription) connect(ctx context.Context) (mqtt.Client, chan error, error) {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.brokerURL)
	opts.SetClientID("pump-" + uuid.New().String())
	opts.SetUsername(s.apiKey)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	// the reconnect loop in Run owns the backoff policy
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	mqttClient := mqtt.NewClient(opts)
	token := mqttClient.Connect()
	for !token.WaitTimeout(100 * time.Millisecond) {
		if ctx.Err() != nil {
			mqttClient.Disconnect(0)
			return nil, nil, ctx.Err()
		}
	}
	if err := token.Error(); err != nil {
		return nil, nil, err
	}

	token = mqttClient.Subscribe(s.topic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.deliver(ctx, msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		mqttClient.Disconnect(250)
		return nil, nil, err
	}

	return mqttClient, lost, nil
}

type wireReading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// deliver decodes one broker message and hands it to the readings
// channel. Undecodable messages are dropped with a report.
func (s *Subscription) deliver(ctx context.Context, topic string, payload []byte) {
	sensorID := sensorFromTopic(topic)
	if sensorID == "" {
		logger.Default().WithField("topic", topic).Warn("message on unexpected topic")
		return
	}
	var w wireReading
	if err := json.Unmarshal(payload, &w); err != nil {
		logger.Default().WithField("sensor", sensorID).WithError(err).Warn("undecodable reading")
		return
	}
	reading := pump.Reading{
		SensorID:  sensorID,
		Timestamp: w.Timestamp,
		Value:     w.Value,
		Unit:      w.Unit,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.readings <- reading:
	case <-ctx.Done():
	}
}

// sensorFromTopic extracts the sensor id from
// organization/{org}/sensor/{id}/reading
func sensorFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[2] != "sensor" || parts[4] != "reading" {
		return ""
	}
	return parts[3]
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

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
