package octoprint

import (
	"encoding/json"
	"errors"
)

var (
	// ErrRequestFailed wraps every REST failure: transport errors, non-2xx
	// responses and malformed JSON are not distinguished.
	ErrRequestFailed = errors.New("octoprint request failed")

	// ErrKeyLoad is returned when an installed API key cannot be verified.
	ErrKeyLoad = errors.New("failed to load api key")

	// ErrNotConnected is returned when sending on a socket that is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyOpen is returned when opening a client twice.
	ErrAlreadyOpen = errors.New("already open")
)

// EventType identifies a transport event
type EventType string

const (
	EventOpen    EventType = "open"
	EventClose   EventType = "close"
	EventMessage EventType = "message"
)

// Event is delivered to every listener for each transport callback.
// Message is only set for EventMessage and holds one decoded SockJS frame.
type Event struct {
	Type    EventType
	Message json.RawMessage
}

// PluginMessage is the payload of a {"plugin": {...}} push frame
type PluginMessage struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type pluginFrame struct {
	Plugin *PluginMessage `json:"plugin"`
}

// Plugin returns the plugin payload carried by a message event, if any.
func (e Event) Plugin() (*PluginMessage, bool) {
	if e.Type != EventMessage || len(e.Message) == 0 {
		return nil, false
	}
	var frame pluginFrame
	if err := json.Unmarshal(e.Message, &frame); err != nil || frame.Plugin == nil {
		return nil, false
	}
	return frame.Plugin, true
}

// PSUState extracts isPSUOn from a psucontrol plugin message event.
// ok is false for any other event.
func (e Event) PSUState() (on bool, ok bool) {
	plugin, found := e.Plugin()
	if !found || plugin.Plugin != PSUControlPlugin {
		return false, false
	}
	var state PSUState
	if err := json.Unmarshal(plugin.Data, &state); err != nil || state.IsPSUOn == nil {
		return false, false
	}
	return *state.IsPSUOn, true
}

// PSUState is the psucontrol state document
type PSUState struct {
	IsPSUOn *bool `json:"isPSUOn"`
}

// PSUCommand is the body posted to the psucontrol plugin endpoint
type PSUCommand struct {
	Command string `json:"command"`
}

const (
	PSUControlPlugin = "psucontrol"

	CommandTurnPSUOn   = "turnPSUOn"
	CommandTurnPSUOff  = "turnPSUOff"
	CommandGetPSUState = "getPSUState"
)

// Version is the response of GET /api/version
type Version struct {
	API    string `json:"api"`
	Server string `json:"server"`
	Text   string `json:"text"`
}

// Settings is the subset of GET /api/settings this integration reads.
// Everything else is preserved in Raw.
type Settings struct {
	Appearance AppearanceSettings         `json:"appearance"`
	Raw        map[string]json.RawMessage `json:"-"`
}

// AppearanceSettings holds the printer's display settings
type AppearanceSettings struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// UnmarshalJSON keeps unknown sections available through Raw
func (s *Settings) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if appearance, ok := raw["appearance"]; ok {
		if err := json.Unmarshal(appearance, &s.Appearance); err != nil {
			return err
		}
	}
	s.Raw = raw
	return nil
}

// PollingResult is the outcome of a single App-Keys decision poll
type PollingResult int

const (
	PollPending PollingResult = iota
	PollGranted
	PollNope
)

func (r PollingResult) String() string {
	switch r {
	case PollPending:
		return "PENDING"
	case PollGranted:
		return "GRANTED"
	case PollNope:
		return "NOPE"
	default:
		return "UNKNOWN"
	}
}

// WorkflowResult is the outcome of TryGetAPIKey
type WorkflowResult int

const (
	WorkflowGranted WorkflowResult = iota + 1
	WorkflowNope
	WorkflowTimedOut
	WorkflowUnsupported
)

func (r WorkflowResult) String() string {
	switch r {
	case WorkflowGranted:
		return "GRANTED"
	case WorkflowNope:
		return "NOPE"
	case WorkflowTimedOut:
		return "TIMED_OUT"
	case WorkflowUnsupported:
		return "WORKFLOW_UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Recorder receives client telemetry. Implemented by internal/metrics.
type Recorder interface {
	ObserveRequest(endpoint string, err error)
	ObserveEvent(eventType string)
	SetConnected(connected bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, error) {}
func (nopRecorder) ObserveEvent(string)          {}
func (nopRecorder) SetConnected(bool)            {}
