package entity

import (
	"context"
	"fmt"
	"sync"

	"octoprintpsu/internal/octoprint"

	"go.uber.org/zap"
)

// PSUSwitch exposes the printer power supply as an on/off switch
type PSUSwitch struct {
	Entity

	writer StateWriter
	isOn   bool
	mu     sync.RWMutex
}

// NewPSUSwitch creates a switch with a known initial state. It does not
// receive events until Add is called.
func NewPSUSwitch(entryID, name string, client Client, initial bool, writer StateWriter, logger *zap.Logger) *PSUSwitch {
	return &PSUSwitch{
		Entity: newEntity(entryID, name, client, logger),
		writer: writer,
		isOn:   initial,
	}
}

// SetupSwitch queries the current power state and adds a switch for it
func SetupSwitch(ctx context.Context, entryID, name string, client Client, writer StateWriter, logger *zap.Logger) (*PSUSwitch, error) {
	on, err := client.GetPSUState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get PSU state: %w", err)
	}

	sw := NewPSUSwitch(entryID, name, client, on, writer, logger)
	sw.Add()
	return sw, nil
}

// Add subscribes the switch to socket events and writes its initial state
func (s *PSUSwitch) Add() {
	s.attach(s.HandleEvent)
	s.writeState()
}

// IsOn returns the cached power state
func (s *PSUSwitch) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOn
}

// State returns a snapshot of the switch
func (s *PSUSwitch) State() State {
	return State{
		UniqueID:  s.UniqueID(),
		Name:      s.Name(),
		Available: s.Available(),
		IsOn:      s.IsOn(),
	}
}

// HandleEvent updates the cache from psucontrol frames. Open and close
// events only change availability; other messages are ignored.
func (s *PSUSwitch) HandleEvent(event octoprint.Event) {
	switch event.Type {
	case octoprint.EventOpen, octoprint.EventClose:
		s.logger.Debug("Socket event received",
			zap.String("unique_id", s.UniqueID()),
			zap.String("event", string(event.Type)))
		s.writeState()

	case octoprint.EventMessage:
		on, ok := event.PSUState()
		if !ok {
			return
		}

		s.mu.Lock()
		s.isOn = on
		s.mu.Unlock()

		s.logger.Debug("Updated PSU state",
			zap.String("unique_id", s.UniqueID()),
			zap.Bool("is_on", on))
		s.writeState()
	}
}

// TurnOn asks the printer to power on. Failures are logged and the cached
// state is left untouched; the socket reports the real change.
func (s *PSUSwitch) TurnOn(ctx context.Context) {
	if err := s.client.TurnPSUOn(ctx); err != nil {
		s.logger.Error("Failed to turn PSU on",
			zap.String("unique_id", s.UniqueID()),
			zap.Error(err))
	}
}

// TurnOff asks the printer to power off. Failures are logged.
func (s *PSUSwitch) TurnOff(ctx context.Context) {
	if err := s.client.TurnPSUOff(ctx); err != nil {
		s.logger.Error("Failed to turn PSU off",
			zap.String("unique_id", s.UniqueID()),
			zap.Error(err))
	}
}

func (s *PSUSwitch) writeState() {
	if s.writer == nil {
		return
	}
	s.writer.WriteState(s.State())
}
