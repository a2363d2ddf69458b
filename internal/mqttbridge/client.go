package mqttbridge

import (
	"fmt"
	"net/url"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher is the broker surface the bridge needs. It allows testing the
// bridge without a live broker.
type Publisher interface {
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	PublishWith(topic string, payload []byte, retain bool) error
}

// Message is re-exported for handlers
type Message = mqtt.Message

// Handler is the message handler signature
type Handler = mqtt.MessageHandler

// Client is a Publisher backed by a paho connection
type Client struct {
	cli    mqtt.Client
	logger *zap.Logger
}

// Will is published by the broker when the connection is lost
type Will struct {
	Topic   string
	Payload string
}

// Connect dials brokerURL (tcp://, ssl:// or ws://) and blocks until the
// first connection attempt completes. Lost connections are retried.
func Connect(brokerURL, clientID string, will *Will, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	opts := mqtt.NewClientOptions()
	server := u.Scheme + "://" + u.Host
	if u.Scheme == "mqtt" {
		server = "tcp://" + u.Host
	}
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if will != nil {
		opts.SetWill(will.Topic, will.Payload, 1, true)
	}
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", server))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", t.Error())
	}
	return &Client{cli: cli, logger: logger}, nil
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	t := c.cli.Subscribe(topic, 1, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	c.logger.Info("MQTT subscribed", zap.String("topic", topic))
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	c.logger.Info("MQTT unsubscribed", zap.String("topic", topic))
	return nil
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 1, retain, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

// Disconnect waits up to quiesce milliseconds for pending work
func (c *Client) Disconnect(quiesce uint) {
	c.cli.Disconnect(quiesce)
}
