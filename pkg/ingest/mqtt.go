package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/ttn"
)

// MQTT defaults.
const (
	DefaultMQTTQoS     = 1
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesceMillis  = 250
)

// SubscriberConfig configures the TTN MQTT integration.
type SubscriberConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topics are TTN v3 topic filters such as "v3/+/devices/+/up".
	Topics []string
	QoS    byte
	// Timeout bounds processing of a single message.
	Timeout time.Duration
}

// Subscriber feeds TTN MQTT integration messages through a Processor.
type Subscriber struct {
	cfg       SubscriberConfig
	processor *Processor
	logger    *zap.Logger
	client    mqtt.Client
	ctx       context.Context
}

// NewSubscriber creates a subscriber. It does not connect until Start.
func NewSubscriber(cfg SubscriberConfig, p *Processor, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QoS == 0 {
		cfg.QoS = DefaultMQTTQoS
	}
	return &Subscriber{cfg: cfg, processor: p, logger: logger, ctx: context.Background()}
}

// Start connects to the broker. Subscriptions are (re)made on every
// connect so they survive reconnects. Messages are processed until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	if len(s.cfg.Topics) == 0 {
		return errors.New("mqtt: no topics configured")
	}
	s.ctx = ctx

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(s.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.String("broker", s.cfg.Broker), zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) {
	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, t := range s.cfg.Topics {
		filters[t] = s.cfg.QoS
	}

	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		s.HandleMessage(s.ctx, msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		s.logger.Error("mqtt subscribe failed", zap.Strings("topics", s.cfg.Topics), zap.Error(token.Error()))
		return
	}
	s.logger.Info("mqtt subscribed", zap.String("broker", s.cfg.Broker), zap.Strings("topics", s.cfg.Topics))
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(mqttQuiesceMillis)
	}
}

// HandleMessage processes one integration message. The device in the topic
// must match the envelope's device id.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) Result {
	logger := s.logger.With(zap.String("topic", topic))

	env, err := ttn.Parse(payload)
	if err != nil {
		logger.Warn("invalid mqtt payload", zap.Error(err))
		return Result{Status: http.StatusBadRequest, Kind: ttn.KindUnknown, Outcome: OutcomeRejected, Err: err}
	}
	if device, ok := TopicDevice(topic); ok && env.DeviceID() != "" && device != env.DeviceID() {
		err := fmt.Errorf("topic device %q does not match payload device %q", device, env.DeviceID())
		logger.Warn("rejected mqtt message", zap.Error(err))
		return Result{Status: http.StatusBadRequest, Kind: ttn.KindUnknown, DeviceID: env.DeviceID(), Outcome: OutcomeRejected, Err: err}
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	res := s.processor.Process(ctx, env)
	if res.Retryable() {
		// MQTT has no redelivery once acknowledged; reconcile repairs
		// aggregates, but status and history stay as written.
		logger.Error("mqtt message processing failed", zap.String("device_id", res.DeviceID), zap.Error(res.Err))
	}
	return res
}

// TopicDevice extracts the device id from a TTN v3 topic of the form
// v3/{application id}/devices/{device id}/{event}.
func TopicDevice(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != "v3" || parts[2] != "devices" || parts[3] == "" {
		return "", false
	}
	return parts[3], true
}
