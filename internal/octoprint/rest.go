package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"octoprintpsu/internal/clock"

	"go.uber.org/zap"
)

const apiKeyHeader = "X-Api-Key"

// RestClient is an authenticated client for the OctoPrint REST API
type RestClient struct {
	baseURL      *url.URL
	httpClient   *http.Client
	logger       *zap.Logger
	recorder     Recorder
	clock        clock.Clock
	pollInterval time.Duration

	apiKey string
	keyMu  sync.RWMutex
}

// NormalizeURL makes sure the base url ends with a slash
func NormalizeURL(rawURL string) string {
	if strings.HasSuffix(rawURL, "/") {
		return rawURL
	}
	return rawURL + "/"
}

// NewRestClient creates a REST client for the OctoPrint instance at rawURL
func NewRestClient(rawURL string, logger *zap.Logger, opts ...Option) (*RestClient, error) {
	o := applyOptions(opts)
	return newRestClient(rawURL, logger, o)
}

func newRestClient(rawURL string, logger *zap.Logger, o options) (*RestClient, error) {
	base, err := parseBaseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &RestClient{
		baseURL:      base,
		httpClient:   o.httpClient,
		logger:       logger,
		recorder:     o.recorder,
		clock:        o.clock,
		pollInterval: o.pollInterval,
	}, nil
}

func parseBaseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	base, err := url.Parse(NormalizeURL(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", rawURL)
	}
	return base, nil
}

// BaseURL returns the normalized base url
func (c *RestClient) BaseURL() string {
	return c.baseURL.String()
}

// APIKey returns the currently loaded key
func (c *RestClient) APIKey() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

// LoadAPIKey installs key for all subsequent calls and verifies it against
// the version endpoint. The key stays installed even when verification fails.
func (c *RestClient) LoadAPIKey(ctx context.Context, key string) error {
	c.keyMu.Lock()
	c.apiKey = key
	c.keyMu.Unlock()

	version, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyLoad, err)
	}
	c.logger.Debug("API key loaded",
		zap.String("url", c.BaseURL()),
		zap.String("server", version.Server))
	return nil
}

// Version returns the server and API version
func (c *RestClient) Version(ctx context.Context) (*Version, error) {
	var version Version
	if err := c.call(ctx, "version", http.MethodGet, "api/version", nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Settings fetches the device settings. A non-nil query is posted as a
// settings update and the resulting settings are returned.
func (c *RestClient) Settings(ctx context.Context, query map[string]interface{}) (*Settings, error) {
	method := http.MethodGet
	var payload interface{}
	if query != nil {
		method = http.MethodPost
		payload = query
	}

	var settings Settings
	if err := c.call(ctx, "settings", method, "api/settings", payload, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// TurnPSUOn switches the printer power supply on
func (c *RestClient) TurnPSUOn(ctx context.Context) error {
	return c.psuCommand(ctx, CommandTurnPSUOn, nil)
}

// TurnPSUOff switches the printer power supply off
func (c *RestClient) TurnPSUOff(ctx context.Context) error {
	return c.psuCommand(ctx, CommandTurnPSUOff, nil)
}

// GetPSUState queries the power supply state
func (c *RestClient) GetPSUState(ctx context.Context) (bool, error) {
	var state PSUState
	if err := c.psuCommand(ctx, CommandGetPSUState, &state); err != nil {
		return false, err
	}
	if state.IsPSUOn == nil {
		return false, fmt.Errorf("%w: response has no isPSUOn field", ErrRequestFailed)
	}
	return *state.IsPSUOn, nil
}

func (c *RestClient) psuCommand(ctx context.Context, command string, out interface{}) error {
	return c.call(ctx, PSUControlPlugin, http.MethodPost, "api/plugin/"+PSUControlPlugin, PSUCommand{Command: command}, out)
}

// call performs a request that must succeed with a 2xx status. The body is
// decoded into out when out is non-nil.
func (c *RestClient) call(ctx context.Context, endpoint, method, ref string, payload, out interface{}) error {
	resp, err := c.request(ctx, endpoint, method, ref, payload)
	if err != nil {
		return err
	}

	if resp.status < 200 || resp.status > 299 {
		err := fmt.Errorf("%w: %s %s: unexpected status %d", ErrRequestFailed, method, ref, resp.status)
		c.recorder.ObserveRequest(endpoint, err)
		return err
	}

	if out != nil {
		if err := json.Unmarshal(resp.body, out); err != nil {
			err = fmt.Errorf("%w: %s %s: invalid response: %v", ErrRequestFailed, method, ref, err)
			c.recorder.ObserveRequest(endpoint, err)
			return err
		}
	}

	c.recorder.ObserveRequest(endpoint, nil)
	return nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// request performs a request and only fails on transport errors. ref may be
// relative to the base url or absolute.
func (c *RestClient) request(ctx context.Context, endpoint, method, ref string, payload interface{}) (*response, error) {
	target, err := c.baseURL.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reference %q: %v", ErrRequestFailed, ref, err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode request: %v", ErrRequestFailed, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	c.logger.Debug("OctoPrint request",
		zap.String("method", method),
		zap.String("url", target.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, ref, err)
		c.recorder.ObserveRequest(endpoint, err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: %s %s: failed to read response: %v", ErrRequestFailed, method, ref, err)
		c.recorder.ObserveRequest(endpoint, err)
		return nil, err
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}
