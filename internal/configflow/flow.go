// Package configflow pairs a new OctoPrint instance step by step: the user
// gives a url and username, the App-Keys workflow or a manual key supplies
// the API key, and the finish step turns the gathered data into an entry.
package configflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"octoprintpsu/internal/config"
	"octoprintpsu/internal/discovery"
	"octoprintpsu/internal/octoprint"

	"go.uber.org/zap"
)

// StepID names a flow step
type StepID string

const (
	StepUser            StepID = "user"
	StepAppKeysWorkflow StepID = "app_keys_workflow"
	StepManual          StepID = "manual"
	StepFinish          StepID = "finish"
)

// ResultType tells the caller what to do next
type ResultType string

const (
	// ResultForm asks for the step's input
	ResultForm ResultType = "form"
	// ResultExternal means the user must act elsewhere; call AppKeysWorkflow
	ResultExternal ResultType = "external"
	ResultAbort    ResultType = "abort"
	ResultCreate   ResultType = "create_entry"
)

// Abort reasons and form errors
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonAuthDenied        = "auth_denied"
	ReasonTimedOut          = "timed_out"
	ReasonUnknown           = "unknown"

	ErrorUnknown = "unknown"
)

// Result is the outcome of one step
type Result struct {
	Type   ResultType
	StepID StepID

	// Defaults pre-fills form fields
	Defaults map[string]string
	// Errors maps a field, or "base", to an error code
	Errors map[string]string
	// URL is where an external step takes place
	URL    string
	Reason string
	Entry  *config.Entry
}

// UserInput is the input of the user step
type UserInput struct {
	URL      string
	Username string
}

// ManualInput is the input of the manual step
type ManualInput struct {
	APIKey string
}

// FinishInput is the input of the finish step
type FinishInput struct {
	Name string
}

// ConfiguredFunc reports whether url already has an entry
type ConfiguredFunc func(url string) (bool, error)

// Option configures a Flow
type Option func(*Flow)

// WithClientOptions passes opts to the flow's REST client
func WithClientOptions(opts ...octoprint.Option) Option {
	return func(f *Flow) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithWorkflowTimeout bounds the wait for the App-Keys decision
func WithWorkflowTimeout(d time.Duration) Option {
	return func(f *Flow) {
		f.workflowTimeout = d
	}
}

// WithConfigured sets the duplicate check used by discovery
func WithConfigured(fn ConfiguredFunc) Option {
	return func(f *Flow) {
		f.configured = fn
	}
}

// Flow holds the data gathered while pairing one instance. A Flow is driven
// by a single caller and is not safe for concurrent use.
type Flow struct {
	id     string
	logger *zap.Logger

	clientOpts      []octoprint.Option
	workflowTimeout time.Duration
	configured      ConfiguredFunc

	url      string
	username string
	apiKey   string
	name     string
	client   *octoprint.RestClient
}

// New creates a flow identified by id
func New(id string, logger *zap.Logger, opts ...Option) *Flow {
	f := &Flow{
		id:              id,
		logger:          logger.With(zap.String("flow_id", id)),
		workflowTimeout: octoprint.DefaultWorkflowTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID returns the flow id
func (f *Flow) ID() string {
	return f.id
}

// AppName is the application name shown in the App-Keys request
func (f *Flow) AppName() string {
	return fmt.Sprintf("Home Assistant (%s)", f.id)
}

// Discovered starts the flow from an mDNS or SSDP announcement
func (f *Flow) Discovered(info discovery.Info) Result {
	f.url = URLFromDiscovery(info)
	f.logger.Debug("Discovered instance", zap.String("url", f.url))

	if f.configured != nil {
		configured, err := f.configured(f.url)
		if err != nil {
			f.logger.Error("Failed to check configured entries", zap.Error(err))
			return f.abort(ReasonUnknown)
		}
		if configured {
			return f.abort(ReasonAlreadyConfigured)
		}
	}
	return f.userForm(nil)
}

// User handles the user step. A nil input shows the form.
func (f *Flow) User(ctx context.Context, input *UserInput) Result {
	if input == nil {
		return f.userForm(nil)
	}

	f.url = octoprint.NormalizeURL(strings.TrimSpace(input.URL))
	f.username = input.Username

	client, err := octoprint.NewRestClient(f.url, f.logger, f.clientOpts...)
	if err != nil {
		f.logger.Error("Invalid url", zap.String("url", f.url), zap.Error(err))
		return f.userForm(map[string]string{"base": ErrorUnknown})
	}
	f.client = client

	supported, err := client.ProbeAppKeysWorkflowSupport(ctx)
	if err != nil {
		f.logger.Error("Failed to probe App-Keys support", zap.Error(err))
		return f.userForm(map[string]string{"base": ErrorUnknown})
	}
	f.logger.Debug("Workflow supported", zap.Bool("supported", supported))

	if !supported {
		return f.Manual(ctx, nil)
	}
	return Result{Type: ResultExternal, StepID: StepAppKeysWorkflow, URL: f.url}
}

// AppKeysWorkflow requests a key and blocks until the user decides on the
// printer or the workflow times out.
func (f *Flow) AppKeysWorkflow(ctx context.Context) Result {
	if f.client == nil {
		return f.abort(ReasonUnknown)
	}

	result, key, err := f.client.TryGetAPIKey(ctx, f.AppName(), f.username, f.workflowTimeout)
	if err != nil {
		f.logger.Error("App-Keys workflow failed", zap.Error(err))
		return f.abort(ReasonUnknown)
	}

	if result == octoprint.WorkflowGranted {
		if err := f.setAPIKey(ctx, key); err != nil {
			f.logger.Error("Failed to use granted key", zap.Error(err))
			return f.abort(ReasonUnknown)
		}
	}
	return f.workflowResult(ctx, result)
}

func (f *Flow) workflowResult(ctx context.Context, result octoprint.WorkflowResult) Result {
	f.logger.Debug("Workflow result", zap.String("result", result.String()))

	switch result {
	case octoprint.WorkflowUnsupported:
		return f.Manual(ctx, nil)
	case octoprint.WorkflowGranted:
		return f.Finish(nil)
	case octoprint.WorkflowNope:
		return f.abort(ReasonAuthDenied)
	case octoprint.WorkflowTimedOut:
		return f.abort(ReasonTimedOut)
	default:
		return f.abort(ReasonUnknown)
	}
}

// Manual handles the manual key step. A failure shows the form again.
func (f *Flow) Manual(ctx context.Context, input *ManualInput) Result {
	form := Result{Type: ResultForm, StepID: StepManual}
	if input == nil || input.APIKey == "" {
		return form
	}

	if f.client == nil {
		return f.abort(ReasonUnknown)
	}

	if err := f.setAPIKey(ctx, input.APIKey); err != nil {
		f.logger.Error("Failed to use manual key", zap.Error(err))
		form.Errors = map[string]string{"base": ErrorUnknown}
		return form
	}
	return f.Finish(nil)
}

// Finish handles the last step. A nil input shows the name form pre-filled
// with the printer name.
func (f *Flow) Finish(input *FinishInput) Result {
	if input == nil {
		name := f.name
		if name == "" {
			name = config.DefaultName
		}
		return Result{Type: ResultForm, StepID: StepFinish, Defaults: map[string]string{"name": name}}
	}

	if input.Name != "" {
		f.name = input.Name
	}
	if f.name == "" {
		f.name = config.DefaultName
	}

	entry := &config.Entry{
		Name:     f.name,
		URL:      f.url,
		Username: f.username,
		APIKey:   f.apiKey,
	}
	f.logger.Info("Creating entry", zap.String("name", entry.Name), zap.String("url", entry.URL))
	return Result{Type: ResultCreate, StepID: StepFinish, Entry: entry}
}

// setAPIKey verifies key and reads the printer name with it
func (f *Flow) setAPIKey(ctx context.Context, key string) error {
	f.apiKey = key
	if err := f.client.LoadAPIKey(ctx, key); err != nil {
		return err
	}

	settings, err := f.client.Settings(ctx, nil)
	if err != nil {
		return err
	}
	f.name = settings.Appearance.Name
	return nil
}

func (f *Flow) userForm(errors map[string]string) Result {
	return Result{
		Type:     ResultForm,
		StepID:   StepUser,
		Defaults: map[string]string{"url": f.url, "username": f.username},
		Errors:   errors,
	}
}

func (f *Flow) abort(reason string) Result {
	f.logger.Info("Flow aborted", zap.String("reason", reason))
	return Result{Type: ResultAbort, Reason: reason}
}

// URLFromDiscovery builds the instance url from an mDNS announcement. The
// scheme is https only on port 443 and default ports are left out.
func URLFromDiscovery(info discovery.Info) string {
	hostname := strings.TrimSuffix(info.Hostname, ".")

	proto := "http"
	if info.Port == 443 {
		proto = "https"
	}

	host := hostname
	if !(proto == "https" && info.Port == 443) && !(proto == "http" && info.Port == 80) {
		host = hostname + ":" + strconv.Itoa(info.Port)
	}

	path, ok := info.Properties["path"]
	if !ok || path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return octoprint.NormalizeURL(proto + "://" + host + path)
}
