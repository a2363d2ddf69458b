package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Application Keys plugin endpoints
const (
	appKeysProbePath   = "plugin/appkeys/probe"
	appKeysRequestPath = "plugin/appkeys/request"
	appKeysAPIPath     = "api/plugin/appkeys"
)

type authRequest struct {
	App  string `json:"app"`
	User string `json:"user,omitempty"`
}

type authDecision struct {
	APIKey string `json:"api_key"`
}

type revokeCommand struct {
	Command string `json:"command"`
	Key     string `json:"key"`
}

// ProbeAppKeysWorkflowSupport reports whether the server runs the Application
// Keys plugin. An unsupported server yields false, not an error.
func (c *RestClient) ProbeAppKeysWorkflowSupport(ctx context.Context) (bool, error) {
	resp, err := c.request(ctx, "appkeys_probe", http.MethodGet, appKeysProbePath, nil)
	if err != nil {
		return false, err
	}
	c.recorder.ObserveRequest("appkeys_probe", nil)
	return resp.status == http.StatusNoContent, nil
}

// StartAuthorizationProcess registers an authorization request for appName
// and returns the url to poll for the decision.
func (c *RestClient) StartAuthorizationProcess(ctx context.Context, appName, user string) (string, error) {
	resp, err := c.request(ctx, "appkeys_request", http.MethodPost, appKeysRequestPath, authRequest{App: appName, User: user})
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusCreated {
		err := fmt.Errorf("%w: authorization request: unexpected status %d", ErrRequestFailed, resp.status)
		c.recorder.ObserveRequest("appkeys_request", err)
		return "", err
	}
	location := resp.header.Get("Location")
	if location == "" {
		err := fmt.Errorf("%w: authorization request: missing Location header", ErrRequestFailed)
		c.recorder.ObserveRequest("appkeys_request", err)
		return "", err
	}
	c.recorder.ObserveRequest("appkeys_request", nil)
	return location, nil
}

// PollAuthRequestDecision polls pollingURL once. The key is only returned
// with PollGranted.
func (c *RestClient) PollAuthRequestDecision(ctx context.Context, pollingURL string) (PollingResult, string, error) {
	resp, err := c.request(ctx, "appkeys_poll", http.MethodGet, pollingURL, nil)
	if err != nil {
		return PollPending, "", err
	}

	switch resp.status {
	case http.StatusAccepted:
		c.recorder.ObserveRequest("appkeys_poll", nil)
		return PollPending, "", nil
	case http.StatusOK:
		var decision authDecision
		if err := json.Unmarshal(resp.body, &decision); err != nil || decision.APIKey == "" {
			err := fmt.Errorf("%w: authorization decision has no api_key", ErrRequestFailed)
			c.recorder.ObserveRequest("appkeys_poll", err)
			return PollPending, "", err
		}
		c.recorder.ObserveRequest("appkeys_poll", nil)
		return PollGranted, decision.APIKey, nil
	case http.StatusNotFound:
		c.recorder.ObserveRequest("appkeys_poll", nil)
		return PollNope, "", nil
	default:
		err := fmt.Errorf("%w: authorization decision: unexpected status %d", ErrRequestFailed, resp.status)
		c.recorder.ObserveRequest("appkeys_poll", err)
		return PollPending, "", err
	}
}

// TryGetAPIKey runs the App-Keys workflow: probe, start, then poll at a fixed
// interval until the request is granted, denied or timeout elapses. A zero
// timeout means DefaultWorkflowTimeout. WorkflowUnsupported is only returned
// when the probe fails or says no; any later failure comes back as
// WorkflowTimedOut with the error.
func (c *RestClient) TryGetAPIKey(ctx context.Context, appName, user string, timeout time.Duration) (WorkflowResult, string, error) {
	if timeout <= 0 {
		timeout = DefaultWorkflowTimeout
	}

	supported, err := c.ProbeAppKeysWorkflowSupport(ctx)
	if err != nil {
		return WorkflowUnsupported, "", err
	}
	if !supported {
		return WorkflowUnsupported, "", nil
	}

	pollingURL, err := c.StartAuthorizationProcess(ctx, appName, user)
	if err != nil {
		return WorkflowTimedOut, "", err
	}

	c.logger.Info("Waiting for app key authorization",
		zap.String("app", appName),
		zap.String("user", user),
		zap.Duration("timeout", timeout))

	var elapsed time.Duration
	for elapsed < timeout {
		result, key, err := c.PollAuthRequestDecision(ctx, pollingURL)
		if err != nil {
			return WorkflowTimedOut, "", err
		}

		switch result {
		case PollGranted:
			c.logger.Info("App key granted", zap.String("app", appName))
			return WorkflowGranted, key, nil
		case PollNope:
			c.logger.Info("App key denied", zap.String("app", appName))
			return WorkflowNope, "", nil
		}

		select {
		case <-ctx.Done():
			return WorkflowTimedOut, "", ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
		elapsed += c.pollInterval
	}

	c.logger.Info("App key authorization timed out", zap.String("app", appName))
	return WorkflowTimedOut, "", nil
}

// RevokeKey invalidates a previously issued key
func (c *RestClient) RevokeKey(ctx context.Context, key string) error {
	return c.call(ctx, "appkeys_revoke", http.MethodPost, appKeysAPIPath, revokeCommand{Command: "revoke", Key: key}, nil)
}
