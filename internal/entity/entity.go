// Package entity provides the host-facing entities of the integration.
// Entities never poll; they keep a cache of the last state reported by the
// printer and notify a StateWriter whenever that cache or availability moves.
package entity

import (
	"context"
	"sync"

	"octoprintpsu/internal/octoprint"

	"go.uber.org/zap"
)

// Client is the part of the API facade entities depend on
type Client interface {
	Connected() bool
	AddListener(l octoprint.Listener) *octoprint.Subscription
	TurnPSUOn(ctx context.Context) error
	TurnPSUOff(ctx context.Context) error
	GetPSUState(ctx context.Context) (bool, error)
}

// State is the snapshot handed to a StateWriter
type State struct {
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	IsOn      bool   `json:"is_on"`
}

// StateWriter is the host's write-state notification primitive
type StateWriter interface {
	WriteState(state State)
}

// StateWriterFunc adapts a function to StateWriter
type StateWriterFunc func(State)

func (f StateWriterFunc) WriteState(state State) {
	f(state)
}

// MultiWriter fans a state out to several writers in order
type MultiWriter []StateWriter

func (m MultiWriter) WriteState(state State) {
	for _, w := range m {
		w.WriteState(state)
	}
}

// LogWriter logs every state write
type LogWriter struct {
	Logger *zap.Logger
}

func (l LogWriter) WriteState(state State) {
	l.Logger.Info("Entity state written",
		zap.String("unique_id", state.UniqueID),
		zap.String("name", state.Name),
		zap.Bool("available", state.Available),
		zap.Bool("is_on", state.IsOn))
}

// Entity holds what every OctoPrint PSU entity shares
type Entity struct {
	entryID string
	name    string
	client  Client
	logger  *zap.Logger

	sub   *octoprint.Subscription
	subMu sync.Mutex
}

func newEntity(entryID, name string, client Client, logger *zap.Logger) Entity {
	return Entity{
		entryID: entryID,
		name:    name,
		client:  client,
		logger:  logger,
	}
}

// UniqueID is the config entry id
func (e *Entity) UniqueID() string {
	return e.entryID
}

func (e *Entity) Name() string {
	return e.name
}

// Available mirrors the socket connection
func (e *Entity) Available() bool {
	return e.client.Connected()
}

// ShouldPoll is always false; state arrives over the socket
func (e *Entity) ShouldPoll() bool {
	return false
}

// attach subscribes handler to the client's events until detach
func (e *Entity) attach(handler octoprint.Listener) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.sub != nil {
		return
	}
	e.sub = e.client.AddListener(handler)
}

// Remove detaches the entity from the client's events
func (e *Entity) Remove() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.sub.Unsubscribe()
	e.sub = nil
}
