package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type authPayload struct {
	Auth string `json:"auth"`
}

type throttlePayload struct {
	Throttle int `json:"throttle"`
}

// StreamClient owns the live-event socket. It authenticates once the
// transport reports open and fans every frame out to its listeners.
type StreamClient struct {
	transport Transport
	username  string
	apiKey    string
	logger    *zap.Logger
	recorder  Recorder
	listeners *Registry

	connected bool
	connMu    sync.RWMutex

	started bool
	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewStreamClient creates a stream client over transport. Authentication is
// only attempted when both username and apiKey are set.
func NewStreamClient(transport Transport, username, apiKey string, logger *zap.Logger, opts ...Option) *StreamClient {
	o := applyOptions(opts)
	return newStreamClient(transport, username, apiKey, logger, o)
}

func newStreamClient(transport Transport, username, apiKey string, logger *zap.Logger, o options) *StreamClient {
	return &StreamClient{
		transport: transport,
		username:  username,
		apiKey:    apiKey,
		logger:    logger,
		recorder:  o.recorder,
		listeners: NewRegistry(o.scheduler, logger),
		done:      make(chan struct{}),
	}
}

// Run connects and blocks until the socket terminates
func (s *StreamClient) Run(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	return s.run(ctx)
}

// Start runs the client on a background goroutine
func (s *StreamClient) Start(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

func (s *StreamClient) begin(ctx context.Context) (context.Context, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		return nil, ErrAlreadyOpen
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (s *StreamClient) run(ctx context.Context) error {
	defer close(s.done)

	err := s.transport.Run(ctx, s)
	if err != nil {
		s.logger.Error("Stream terminated", zap.Error(err))
	}

	s.startMu.Lock()
	s.runErr = err
	s.startMu.Unlock()
	return err
}

// Close requests shutdown of the socket; Wait blocks until Run has exited
func (s *StreamClient) Close() error {
	s.startMu.Lock()
	cancel := s.cancel
	s.startMu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s.transport.Close()
}

// Wait blocks until the run loop has exited and returns its error.
// It returns immediately if the client was never started.
func (s *StreamClient) Wait() error {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if !started {
		return nil
	}

	<-s.done

	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.runErr
}

// Connected returns the latest open/close state of the transport
func (s *StreamClient) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.connected
}

// Send writes payload wrapped in the SockJS envelope
func (s *StreamClient) Send(payload interface{}) error {
	data, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	s.logger.Debug("Sending SockJS frame", zap.ByteString("frame", data))
	return s.transport.Send(data)
}

// Auth authenticates the socket as username with apiKey
func (s *StreamClient) Auth(username, apiKey string) error {
	return s.Send(authPayload{Auth: fmt.Sprintf("%s:%s", username, apiKey)})
}

// Throttle asks the server to push every multiplier*500ms
func (s *StreamClient) Throttle(multiplier int) error {
	return s.Send(throttlePayload{Throttle: multiplier})
}

// AddListener registers l for every future event
func (s *StreamClient) AddListener(l Listener) *Subscription {
	return s.listeners.Add(l)
}

// RemoveListener removes a registration; unknown subscriptions are ignored
func (s *StreamClient) RemoveListener(sub *Subscription) {
	sub.Unsubscribe()
}

// OnOpen marks the client connected and authenticates before any listener
// sees the open event.
func (s *StreamClient) OnOpen() {
	s.setConnected(true)
	s.logger.Info("Connected to OctoPrint socket")

	if s.username != "" && s.apiKey != "" {
		if err := s.Auth(s.username, s.apiKey); err != nil {
			s.logger.Error("Failed to authenticate socket", zap.Error(err))
		}
	}

	s.dispatch(Event{Type: EventOpen})
}

// OnClose marks the client disconnected. There is no reconnection.
func (s *StreamClient) OnClose() {
	s.setConnected(false)
	s.logger.Info("Disconnected from OctoPrint socket")
	s.dispatch(Event{Type: EventClose})
}

// OnMessage forwards one decoded frame as a message event
func (s *StreamClient) OnMessage(payload json.RawMessage) {
	s.logger.Debug("SockJS message received", zap.ByteString("message", payload))
	s.dispatch(Event{Type: EventMessage, Message: payload})
}

func (s *StreamClient) setConnected(connected bool) {
	s.connMu.Lock()
	s.connected = connected
	s.connMu.Unlock()
	s.recorder.SetConnected(connected)
}

func (s *StreamClient) dispatch(event Event) {
	s.recorder.ObserveEvent(string(event.Type))
	s.listeners.Dispatch(event)
}
