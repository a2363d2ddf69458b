// Package integration owns the per-entry lifecycle: one API client and one
// PSU switch for every loaded config entry.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"octoprintpsu/internal/config"
	"octoprintpsu/internal/entity"
	"octoprintpsu/internal/octoprint"

	"go.uber.org/zap"
)

var (
	// ErrEntryLoaded is returned when setting up an entry twice
	ErrEntryLoaded = errors.New("entry already loaded")

	// ErrEntryNotLoaded is returned when unloading an unknown entry
	ErrEntryNotLoaded = errors.New("entry not loaded")
)

// RecorderFactory builds the request recorder of one entry
type RecorderFactory func(entryID string) octoprint.Recorder

// Options configures an Integration
type Options struct {
	// Writer receives every entity state write
	Writer entity.StateWriter

	// Recorders is optional; entries get no recorder when nil
	Recorders RecorderFactory

	// ClientOptions are passed to every API client
	ClientOptions []octoprint.Option

	// OnUnload runs after an entry's client is closed
	OnUnload func(entryID string)
}

type loadedEntry struct {
	entry  config.Entry
	client *octoprint.APIClient
	sw     *entity.PSUSwitch
}

// Integration holds the loaded entries keyed by entry id
type Integration struct {
	logger *zap.Logger
	opts   Options

	entries map[string]*loadedEntry
	mu      sync.RWMutex
}

// New creates an Integration with no loaded entries
func New(logger *zap.Logger, opts Options) *Integration {
	return &Integration{
		logger:  logger,
		opts:    opts,
		entries: make(map[string]*loadedEntry),
	}
}

// SetupEntry opens a client for entry and adds its PSU switch. When the
// initial state cannot be fetched the client is closed again.
func (i *Integration) SetupEntry(ctx context.Context, entry config.Entry) (*entity.PSUSwitch, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.entries[entry.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryLoaded, entry.ID)
	}

	logger := i.logger.With(zap.String("entry_id", entry.ID))

	opts := append([]octoprint.Option{}, i.opts.ClientOptions...)
	if i.opts.Recorders != nil {
		opts = append(opts, octoprint.WithRecorder(i.opts.Recorders(entry.ID)))
	}

	client, err := octoprint.NewAPIClient(entry.ClientConfig(), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Open(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open client: %w", err)
	}

	sw, err := entity.SetupSwitch(ctx, entry.ID, entry.Name, client, i.opts.Writer, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	i.entries[entry.ID] = &loadedEntry{entry: entry, client: client, sw: sw}

	logger.Info("Entry set up",
		zap.String("name", entry.Name),
		zap.String("url", entry.URL),
		zap.Bool("is_on", sw.IsOn()))
	return sw, nil
}

// UnloadEntry removes the switch of entry id and closes its client. With
// revoke set the entry's API key is revoked on the printer first.
func (i *Integration) UnloadEntry(ctx context.Context, id string, revoke bool) error {
	i.mu.Lock()
	loaded, ok := i.entries[id]
	delete(i.entries, id)
	i.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotLoaded, id)
	}

	loaded.sw.Remove()

	var revokeErr error
	if revoke && loaded.entry.APIKey != "" {
		if err := loaded.client.Rest().RevokeKey(ctx, loaded.entry.APIKey); err != nil {
			revokeErr = fmt.Errorf("failed to revoke API key: %w", err)
		}
	}

	if err := loaded.client.Close(); err != nil {
		i.logger.Debug("Client close failed", zap.String("entry_id", id), zap.Error(err))
	}

	if i.opts.OnUnload != nil {
		i.opts.OnUnload(id)
	}

	i.logger.Info("Entry unloaded", zap.String("entry_id", id), zap.Bool("revoked", revoke && revokeErr == nil))
	return revokeErr
}

// RemoveEntry unloads entry id for good, revoking its key when the entry
// asks for it
func (i *Integration) RemoveEntry(ctx context.Context, id string) error {
	i.mu.RLock()
	loaded, ok := i.entries[id]
	i.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotLoaded, id)
	}
	return i.UnloadEntry(ctx, id, loaded.entry.RevokeAPIKey)
}

// Shutdown unloads every entry without revoking keys
func (i *Integration) Shutdown(ctx context.Context) {
	i.mu.RLock()
	ids := make([]string, 0, len(i.entries))
	for id := range i.entries {
		ids = append(ids, id)
	}
	i.mu.RUnlock()

	for _, id := range ids {
		if err := i.UnloadEntry(ctx, id, false); err != nil {
			i.logger.Warn("Failed to unload entry", zap.String("entry_id", id), zap.Error(err))
		}
	}
}

// Switch returns the switch of entry id
func (i *Integration) Switch(id string) (*entity.PSUSwitch, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	loaded, ok := i.entries[id]
	if !ok {
		return nil, false
	}
	return loaded.sw, true
}

// Switches returns all loaded switches ordered by entry id
func (i *Integration) Switches() []*entity.PSUSwitch {
	i.mu.RLock()
	defer i.mu.RUnlock()

	switches := make([]*entity.PSUSwitch, 0, len(i.entries))
	for _, loaded := range i.entries {
		switches = append(switches, loaded.sw)
	}
	sort.Slice(switches, func(a, b int) bool {
		return switches[a].UniqueID() < switches[b].UniqueID()
	})
	return switches
}
