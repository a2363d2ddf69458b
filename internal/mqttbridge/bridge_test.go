package mqttbridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"octoprintpsu/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakePublisher struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]Handler
	unsubscribed []string
	publishErr   error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]Handler)}
}

func (f *fakePublisher) Subscribe(topic string, cb Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	return nil
}

func (f *fakePublisher) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakePublisher) PublishWith(topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func (f *fakePublisher) deliver(subscription, topic, payload string) {
	f.mu.Lock()
	h := f.handlers[subscription]
	f.mu.Unlock()
	if h != nil {
		h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeSwitch struct {
	commands []string
}

func (s *fakeSwitch) TurnOn(ctx context.Context)  { s.commands = append(s.commands, "on") }
func (s *fakeSwitch) TurnOff(ctx context.Context) { s.commands = append(s.commands, "off") }

func TestBridge_WriteState(t *testing.T) {
	pub := newFakePublisher()
	bridge := NewBridge(pub, "octoprint_psu/", nil, zap.NewNop())

	bridge.WriteState(entity.State{UniqueID: "prusa", Available: true, IsOn: true})
	bridge.WriteState(entity.State{UniqueID: "prusa", Available: false, IsOn: false})

	assert.Equal(t, []published{
		{"octoprint_psu/prusa/state", "ON", true},
		{"octoprint_psu/prusa/availability", "online", true},
		{"octoprint_psu/prusa/state", "OFF", true},
		{"octoprint_psu/prusa/availability", "offline", true},
	}, pub.published)
}

func TestBridge_PublishErrorsAreLogged(t *testing.T) {
	pub := newFakePublisher()
	pub.publishErr = errors.New("not connected")
	bridge := NewBridge(pub, "octoprint_psu", nil, zap.NewNop())

	assert.NotPanics(t, func() {
		bridge.WriteState(entity.State{UniqueID: "prusa", IsOn: true})
	})
}

func TestBridge_Commands(t *testing.T) {
	pub := newFakePublisher()
	sw := &fakeSwitch{}
	lookup := func(id string) (Switch, bool) {
		if id == "prusa" {
			return sw, true
		}
		return nil, false
	}

	bridge := NewBridge(pub, "octoprint_psu", lookup, zap.NewNop())
	require.NoError(t, bridge.Start(context.Background()))

	require.NotEmpty(t, pub.published)
	assert.Equal(t, published{"octoprint_psu/bridge/availability", "online", true}, pub.published[0])

	sub := "octoprint_psu/+/set"
	pub.deliver(sub, "octoprint_psu/prusa/set", "ON")
	pub.deliver(sub, "octoprint_psu/prusa/set", " off\n")
	pub.deliver(sub, "octoprint_psu/prusa/set", "TOGGLE")
	pub.deliver(sub, "octoprint_psu/ender/set", "ON")
	pub.deliver(sub, "other/prusa/set", "ON")

	assert.Equal(t, []string{"on", "off"}, sw.commands)

	bridge.Stop()
	assert.Equal(t, []string{sub}, pub.unsubscribed)
	last := pub.published[len(pub.published)-1]
	assert.Equal(t, published{"octoprint_psu/bridge/availability", "offline", true}, last)
}

func TestBridge_ForgetAndMarkOffline(t *testing.T) {
	pub := newFakePublisher()
	bridge := NewBridge(pub, "octoprint_psu", nil, zap.NewNop())
	assert.Equal(t, "octoprint_psu/bridge/availability", StatusTopic("octoprint_psu/"))

	bridge.MarkOffline("prusa")
	bridge.Forget("prusa")
	assert.Equal(t, []published{
		{"octoprint_psu/prusa/availability", "offline", true},
		{"octoprint_psu/prusa/state", "", true},
		{"octoprint_psu/prusa/availability", "", true},
	}, pub.published)
}

func TestBridge_EntryFromCommandTopic(t *testing.T) {
	bridge := NewBridge(newFakePublisher(), "octoprint_psu", nil, zap.NewNop())

	tests := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"octoprint_psu/prusa/set", "prusa", true},
		{"octoprint_psu/prusa/state", "", false},
		{"octoprint_psu//set", "", false},
		{"octoprint_psu/a/b/set", "", false},
		{"elsewhere/prusa/set", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := bridge.entryFromCommandTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}
