package octoprint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"octoprintpsu/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRestClient(t *testing.T, url string, opts ...Option) *RestClient {
	t.Helper()
	client, err := NewRestClient(url, zap.NewNop(), opts...)
	require.NoError(t, err)
	return client
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://octopi.local", "http://octopi.local/"},
		{"http://octopi.local/", "http://octopi.local/"},
		{"https://example.com/octoprint", "https://example.com/octoprint/"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestNewRestClient_InvalidURL(t *testing.T) {
	_, err := NewRestClient("", zap.NewNop())
	assert.Error(t, err)

	_, err = NewRestClient("ftp://octopi.local", zap.NewNop())
	assert.Error(t, err)
}

func TestRestClient_LoadAPIKey(t *testing.T) {
	server := testutil.NewMockOctoPrint("good-key")
	defer server.Close()

	t.Run("valid key", func(t *testing.T) {
		client := newTestRestClient(t, server.URL())

		require.NoError(t, client.LoadAPIKey(context.Background(), "good-key"))
		assert.Equal(t, "good-key", client.APIKey())

		_, err := client.GetPSUState(context.Background())
		require.NoError(t, err)

		requests := server.RequestsTo("/api/plugin/psucontrol")
		require.NotEmpty(t, requests)
		assert.Equal(t, "good-key", requests[len(requests)-1].APIKey)
	})

	t.Run("invalid key", func(t *testing.T) {
		client := newTestRestClient(t, server.URL())

		err := client.LoadAPIKey(context.Background(), "bad-key")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrKeyLoad))
		assert.True(t, errors.Is(err, ErrRequestFailed))
		assert.Equal(t, "bad-key", client.APIKey(), "last write wins even when verification fails")
	})

	t.Run("last write wins", func(t *testing.T) {
		client := newTestRestClient(t, server.URL())

		require.Error(t, client.LoadAPIKey(context.Background(), "bad-key"))
		require.NoError(t, client.LoadAPIKey(context.Background(), "good-key"))
		assert.Equal(t, "good-key", client.APIKey())
	})
}

func TestRestClient_PSUCommands(t *testing.T) {
	server := testutil.NewMockOctoPrint()
	defer server.Close()

	client := newTestRestClient(t, server.URL())
	ctx := context.Background()

	require.NoError(t, client.TurnPSUOn(ctx))
	assert.True(t, server.PSU())

	on, err := client.GetPSUState(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, client.TurnPSUOff(ctx))
	assert.False(t, server.PSU())

	on, err = client.GetPSUState(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	var commands []interface{}
	for _, req := range server.RequestsTo("/api/plugin/psucontrol") {
		assert.Equal(t, http.MethodPost, req.Method)
		commands = append(commands, req.Body["command"])
	}
	assert.Equal(t, []interface{}{"turnPSUOn", "getPSUState", "turnPSUOff", "getPSUState"}, commands)
}

func TestRestClient_RequestFailures(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		server := testutil.NewMockOctoPrint()
		defer server.Close()
		server.SetFailPSU(true)

		client := newTestRestClient(t, server.URL())
		err := client.TurnPSUOn(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRequestFailed))
	})

	t.Run("malformed json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("{not json"))
		}))
		defer server.Close()

		client := newTestRestClient(t, server.URL)
		_, err := client.GetPSUState(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRequestFailed))
	})

	t.Run("missing isPSUOn", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"other": true}`))
		}))
		defer server.Close()

		client := newTestRestClient(t, server.URL)
		_, err := client.GetPSUState(context.Background())
		assert.True(t, errors.Is(err, ErrRequestFailed))
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		client := newTestRestClient(t, url)
		err := client.TurnPSUOff(context.Background())
		assert.True(t, errors.Is(err, ErrRequestFailed))
	})
}

func TestRestClient_BasePath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"isPSUOn": true}`))
	}))
	defer server.Close()

	client := newTestRestClient(t, server.URL+"/octoprint")
	assert.Equal(t, server.URL+"/octoprint/", client.BaseURL())

	on, err := client.GetPSUState(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, "/octoprint/api/plugin/psucontrol", gotPath)
}

func TestRestClient_Settings(t *testing.T) {
	server := testutil.NewMockOctoPrint()
	defer server.Close()
	server.SetPrinterName("Voron")

	client := newTestRestClient(t, server.URL())
	require.NoError(t, client.LoadAPIKey(context.Background(), "any-key"))

	settings, err := client.Settings(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Voron", settings.Appearance.Name)
	assert.Contains(t, settings.Raw, "api")

	settings, err = client.Settings(context.Background(), map[string]interface{}{
		"appearance": map[string]interface{}{"name": "Ender"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ender", settings.Appearance.Name)

	requests := server.RequestsTo("/api/settings")
	require.Len(t, requests, 2)
	assert.Equal(t, http.MethodGet, requests[0].Method)
	assert.Equal(t, http.MethodPost, requests[1].Method)
}

func TestRestClient_RevokeKey(t *testing.T) {
	server := testutil.NewMockOctoPrint()
	defer server.Close()

	client := newTestRestClient(t, server.URL())
	require.NoError(t, client.RevokeKey(context.Background(), "old-key"))
	assert.Equal(t, []string{"old-key"}, server.Revoked())

	requests := server.RequestsTo("/api/plugin/appkeys")
	require.Len(t, requests, 1)
	assert.Equal(t, "revoke", requests[0].Body["command"])
	assert.Equal(t, "old-key", requests[0].Body["key"])
}

type recordingRecorder struct {
	requests  map[string]int
	failures  map[string]int
	events    []string
	connected []bool
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		requests: make(map[string]int),
		failures: make(map[string]int),
	}
}

func (r *recordingRecorder) ObserveRequest(endpoint string, err error) {
	r.requests[endpoint]++
	if err != nil {
		r.failures[endpoint]++
	}
}

func (r *recordingRecorder) ObserveEvent(eventType string) {
	r.events = append(r.events, eventType)
}

func (r *recordingRecorder) SetConnected(connected bool) {
	r.connected = append(r.connected, connected)
}

func TestRestClient_Recorder(t *testing.T) {
	server := testutil.NewMockOctoPrint()
	defer server.Close()

	recorder := newRecordingRecorder()
	client := newTestRestClient(t, server.URL(), WithRecorder(recorder))

	require.NoError(t, client.TurnPSUOn(context.Background()))
	server.SetFailPSU(true)
	require.Error(t, client.TurnPSUOff(context.Background()))

	assert.Equal(t, 2, recorder.requests["psucontrol"])
	assert.Equal(t, 1, recorder.failures["psucontrol"])
}
