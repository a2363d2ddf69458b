// Package mqttbridge mirrors PSU switches onto MQTT. Each switch gets
// retained state and availability topics and a set topic for commands.
package mqttbridge

import (
	"context"
	"strings"
	"time"

	"octoprintpsu/internal/entity"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	PayloadOn      = "ON"
	PayloadOff     = "OFF"
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	commandTimeout = 10 * time.Second
)

// Switch is what a command on the set topic drives
type Switch interface {
	TurnOn(ctx context.Context)
	TurnOff(ctx context.Context)
}

// SwitchLookup finds the switch of an entry
type SwitchLookup func(entryID string) (Switch, bool)

// Bridge publishes switch state and routes set commands
type Bridge struct {
	pub    Publisher
	prefix string
	lookup SwitchLookup
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a bridge publishing below prefix
func NewBridge(pub Publisher, prefix string, lookup SwitchLookup, logger *zap.Logger) *Bridge {
	return &Bridge{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		lookup: lookup,
		logger: logger,
	}
}

// StatusTopic carries the bridge's own availability below prefix and
// doubles as the connection's will topic
func StatusTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/bridge/availability"
}

func (b *Bridge) StatusTopic() string {
	return StatusTopic(b.prefix)
}

func (b *Bridge) StateTopic(entryID string) string {
	return b.prefix + "/" + entryID + "/state"
}

func (b *Bridge) AvailabilityTopic(entryID string) string {
	return b.prefix + "/" + entryID + "/availability"
}

func (b *Bridge) CommandTopic(entryID string) string {
	return b.prefix + "/" + entryID + "/set"
}

// Start announces the bridge and subscribes to every set topic. Commands
// run under ctx until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.pub.PublishWith(b.StatusTopic(), []byte(PayloadOnline), true); err != nil {
		return err
	}
	return b.pub.Subscribe(b.CommandTopic("+"), b.handleCommand)
}

// Stop unsubscribes and marks the bridge offline
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if err := b.pub.Unsubscribe(b.CommandTopic("+")); err != nil {
		b.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	if err := b.pub.PublishWith(b.StatusTopic(), []byte(PayloadOffline), true); err != nil {
		b.logger.Warn("Failed to publish bridge status", zap.Error(err))
	}
}

// WriteState publishes the retained state and availability of a switch
func (b *Bridge) WriteState(state entity.State) {
	payload := PayloadOff
	if state.IsOn {
		payload = PayloadOn
	}
	availability := PayloadOffline
	if state.Available {
		availability = PayloadOnline
	}

	b.publish(b.StateTopic(state.UniqueID), payload)
	b.publish(b.AvailabilityTopic(state.UniqueID), availability)
}

// MarkOffline publishes an unloaded entry as unavailable
func (b *Bridge) MarkOffline(entryID string) {
	b.publish(b.AvailabilityTopic(entryID), PayloadOffline)
}

// Forget clears the retained topics of a removed entry
func (b *Bridge) Forget(entryID string) {
	b.publish(b.StateTopic(entryID), "")
	b.publish(b.AvailabilityTopic(entryID), "")
}

func (b *Bridge) publish(topic, payload string) {
	if err := b.pub.PublishWith(topic, []byte(payload), true); err != nil {
		b.logger.Warn("Failed to publish",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg Message) {
	entryID, ok := b.entryFromCommandTopic(msg.Topic())
	if !ok {
		return
	}

	sw, ok := b.lookup(entryID)
	if !ok {
		b.logger.Warn("Command for unknown entry", zap.String("entry_id", entryID))
		return
	}

	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	command := strings.ToUpper(strings.TrimSpace(string(msg.Payload())))
	b.logger.Debug("Command received",
		zap.String("entry_id", entryID),
		zap.String("command", command))

	switch command {
	case PayloadOn:
		sw.TurnOn(ctx)
	case PayloadOff:
		sw.TurnOff(ctx)
	default:
		b.logger.Warn("Unknown command",
			zap.String("entry_id", entryID),
			zap.String("payload", command))
	}
}

func (b *Bridge) entryFromCommandTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	entryID, ok := strings.CutSuffix(rest, "/set")
	if !ok || entryID == "" || strings.Contains(entryID, "/") {
		return "", false
	}
	return entryID, true
}
