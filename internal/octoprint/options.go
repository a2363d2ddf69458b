package octoprint

import (
	"net/http"
	"time"

	"octoprintpsu/internal/clock"
)

const (
	// DefaultWorkflowTimeout bounds TryGetAPIKey when no timeout is given
	DefaultWorkflowTimeout = 60 * time.Second

	// DefaultPollInterval is the fixed App-Keys decision poll cadence
	DefaultPollInterval = time.Second

	defaultHTTPTimeout = 10 * time.Second
)

type options struct {
	httpClient   *http.Client
	clock        clock.Clock
	pollInterval time.Duration
	recorder     Recorder
	scheduler    Scheduler
	transport    Transport
}

func defaultOptions() options {
	return options{
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		clock:        clock.NewRealClock(),
		pollInterval: DefaultPollInterval,
		recorder:     nopRecorder{},
	}
}

// Option configures the REST, stream and facade constructors
type Option func(*options)

// WithHTTPClient replaces the HTTP client used for REST calls
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithClock replaces the clock driving the App-Keys poll loop
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPollInterval overrides the App-Keys poll interval
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRecorder attaches a telemetry recorder
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithScheduler sets the scheduler used to invoke listeners.
// The facade falls back to a QueueScheduler it owns.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		o.scheduler = s
	}
}

// WithTransport replaces the socket transport of the stream client.
// A reconnecting transport can be layered here without touching dispatch.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
