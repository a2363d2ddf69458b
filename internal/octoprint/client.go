package octoprint

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Config holds the connection settings of one OctoPrint instance
type Config struct {
	URL      string
	Username string
	APIKey   string
}

// APIClient bundles the REST client and the stream client of one connection
type APIClient struct {
	config    Config
	rest      *RestClient
	stream    *StreamClient
	scheduler *QueueScheduler
	logger    *zap.Logger

	opened bool
	mu     sync.Mutex
}

// NewAPIClient creates the facade for cfg. Nothing is contacted until Open.
func NewAPIClient(cfg Config, logger *zap.Logger, opts ...Option) (*APIClient, error) {
	o := applyOptions(opts)
	cfg.URL = NormalizeURL(cfg.URL)

	rest, err := newRestClient(cfg.URL, logger, o)
	if err != nil {
		return nil, err
	}

	var owned *QueueScheduler
	if o.scheduler == nil {
		owned = NewQueueScheduler(0, logger)
		o.scheduler = owned
	}

	if o.transport == nil {
		transport, err := NewSockJSTransport(cfg.URL, logger)
		if err != nil {
			if owned != nil {
				owned.Stop()
			}
			return nil, err
		}
		o.transport = transport
	}

	return &APIClient{
		config:    cfg,
		rest:      rest,
		stream:    newStreamClient(o.transport, cfg.Username, cfg.APIKey, logger, o),
		scheduler: owned,
		logger:    logger,
	}, nil
}

// Rest returns the REST client
func (c *APIClient) Rest() *RestClient {
	return c.rest
}

// Stream returns the stream client
func (c *APIClient) Stream() *StreamClient {
	return c.stream
}

// Open loads the configured API key and starts the stream in the background.
// A key-load failure is logged and the stream is opened anyway.
func (c *APIClient) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return ErrAlreadyOpen
	}

	if c.config.APIKey != "" {
		if err := c.rest.LoadAPIKey(ctx, c.config.APIKey); err != nil {
			c.logger.Warn("Failed to load API key, opening socket anyway",
				zap.String("url", c.config.URL),
				zap.Error(err))
		}
	}

	if err := c.stream.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	c.opened = true
	return nil
}

// Close shuts the stream down and waits for its run loop to exit.
// An APIClient cannot be reopened after Close.
func (c *APIClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.stream.Close()
	if waitErr := c.stream.Wait(); waitErr != nil {
		c.logger.Debug("Stream exited with error", zap.Error(waitErr))
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	return err
}

// Connected mirrors the stream's latest open/close state
func (c *APIClient) Connected() bool {
	return c.stream.Connected()
}

// AddListener registers l with the stream
func (c *APIClient) AddListener(l Listener) *Subscription {
	return c.stream.AddListener(l)
}

// RemoveListener removes a registration from the stream
func (c *APIClient) RemoveListener(sub *Subscription) {
	c.stream.RemoveListener(sub)
}

// TurnPSUOn switches the power supply on
func (c *APIClient) TurnPSUOn(ctx context.Context) error {
	return c.rest.TurnPSUOn(ctx)
}

// TurnPSUOff switches the power supply off
func (c *APIClient) TurnPSUOff(ctx context.Context) error {
	return c.rest.TurnPSUOff(ctx)
}

// GetPSUState queries the power supply state
func (c *APIClient) GetPSUState(ctx context.Context) (bool, error) {
	return c.rest.GetPSUState(ctx)
}
