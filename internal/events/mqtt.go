package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix is prepended to every published topic.
const DefaultTopicPrefix = "loaddriver"

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string // host:port or a full URL such as tcp://host:1883
	ClientID    string
	TopicPrefix string
	Timeout     time.Duration
}

// MQTTPublisher sends events as JSON at QoS 0 to
// <prefix>/<experiment id>/<event type>.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
}

func mqttOpts(cfg MQTTConfig) *mqtt.ClientOptions {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(cfg.Timeout)
	return opts
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("loaddriver-%d", time.Now().UnixNano())
	}
	c := mqtt.NewClient(mqttOpts(cfg))
	token := c.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return NewMQTTPublisher(c, cfg.TopicPrefix, cfg.Timeout), nil
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(c mqtt.Client, prefix string, timeout time.Duration) *MQTTPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{client: c, prefix: prefix, timeout: timeout}
}

// Topic returns the topic ev is published on.
func (p *MQTTPublisher) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, ev.ExperimentID, ev.Type)
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(ev), 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(p.timeout):
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
