package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"octoprintpsu/internal/config"
	"octoprintpsu/internal/entity"
	"octoprintpsu/internal/integration"
	"octoprintpsu/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSwitch struct {
	state    entity.State
	commands []string
}

func (f *fakeSwitch) State() entity.State { return f.state }

func (f *fakeSwitch) TurnOn(ctx context.Context) { f.commands = append(f.commands, "on") }

func (f *fakeSwitch) TurnOff(ctx context.Context) { f.commands = append(f.commands, "off") }

type fakeSwitches map[string]*fakeSwitch

func (f fakeSwitches) List() []Switch {
	var out []Switch
	for _, id := range []string{"ender", "prusa"} {
		if sw, ok := f[id]; ok {
			out = append(out, sw)
		}
	}
	return out
}

func (f fakeSwitches) Get(id string) (Switch, bool) {
	sw, ok := f[id]
	if !ok {
		return nil, false
	}
	return sw, true
}

func newTestServer(opts Options) (*Server, fakeSwitches) {
	switches := fakeSwitches{
		"prusa": {state: entity.State{UniqueID: "prusa", Name: "Prusa", Available: true, IsOn: true}},
		"ender": {state: entity.State{UniqueID: "ender", Name: "Ender", Available: false}},
	}
	logger, _ := zap.NewDevelopment()
	return NewServer(switches, logger, 8099, opts), switches
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(Options{})

	w := serve(server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])

	w = serve(server, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleListSwitches(t *testing.T) {
	server, _ := newTestServer(Options{})

	w := serve(server, http.MethodGet, "/api/switches")
	require.Equal(t, http.StatusOK, w.Code)

	var response SwitchesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response.Switches, 2)
	assert.Equal(t, "ender", response.Switches[0].UniqueID)
	assert.False(t, response.Switches[0].Available)
	assert.Equal(t, "prusa", response.Switches[1].UniqueID)
	assert.True(t, response.Switches[1].IsOn)
}

func TestHandleListSwitches_Empty(t *testing.T) {
	server := NewServer(fakeSwitches{}, zap.NewNop(), 8099, Options{})

	w := serve(server, http.MethodGet, "/api/switches")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"switches":[]}`, w.Body.String())
}

func TestHandleGetSwitch(t *testing.T) {
	server, _ := newTestServer(Options{})

	w := serve(server, http.MethodGet, "/api/switches/prusa")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unique_id":"prusa","name":"Prusa","available":true,"is_on":true}`, w.Body.String())

	w = serve(server, http.MethodGet, "/api/switches/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleTurn(t *testing.T) {
	server, switches := newTestServer(Options{})

	w := serve(server, http.MethodPost, "/api/switches/prusa/off")
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = serve(server, http.MethodPost, "/api/switches/prusa/on")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"off", "on"}, switches["prusa"].commands)

	w = serve(server, http.MethodPost, "/api/switches/missing/on")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(server, http.MethodGet, "/api/switches/prusa/on")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleRemoveEntry(t *testing.T) {
	var removed []string
	remove := func(ctx context.Context, id string) error {
		switch id {
		case "prusa":
			removed = append(removed, id)
			return nil
		case "broken":
			return errors.New("disk full")
		default:
			return fmt.Errorf("%w: %s", integration.ErrEntryNotLoaded, id)
		}
	}
	server, _ := newTestServer(Options{Remove: remove})

	assert.Equal(t, http.StatusNoContent, serve(server, http.MethodDelete, "/api/entries/prusa").Code)
	assert.Equal(t, http.StatusNotFound, serve(server, http.MethodDelete, "/api/entries/absent").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(server, http.MethodDelete, "/api/entries/broken").Code)
	assert.Equal(t, []string{"prusa"}, removed)

	withoutRemove, _ := newTestServer(Options{})
	assert.NotEqual(t, http.StatusNoContent, serve(withoutRemove, http.MethodDelete, "/api/entries/prusa").Code)
}

func TestHandleMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "octoprint_psu_psu_on 1\n")
	})
	server, _ := newTestServer(Options{Metrics: metrics})

	w := serve(server, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "octoprint_psu_psu_on")

	withoutMetrics, _ := newTestServer(Options{})
	assert.Equal(t, http.StatusNotFound, serve(withoutMetrics, http.MethodGet, "/metrics").Code)
}

func TestHandleSitemap(t *testing.T) {
	server, _ := newTestServer(Options{Metrics: http.NotFoundHandler()})

	w := serve(server, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "/api/switches")
	assert.Contains(t, w.Body.String(), "/metrics")
	assert.NotContains(t, w.Body.String(), "/api/entries/{id}")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var endpoints []Endpoint
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&endpoints))
	assert.Len(t, endpoints, 7)
}

func TestIntegrationSwitches(t *testing.T) {
	mock := testutil.NewMockOctoPrint()
	defer mock.Close()

	integ := integration.New(zap.NewNop(), integration.Options{})
	defer integ.Shutdown(context.Background())

	_, err := integ.SetupEntry(context.Background(), config.Entry{ID: "prusa", Name: "Prusa", URL: mock.URL(), APIKey: "k"})
	require.NoError(t, err)

	server := NewServer(IntegrationSwitches{Integration: integ}, zap.NewNop(), 8099, Options{})

	w := serve(server, http.MethodPost, "/api/switches/prusa/on")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, mock.PSU())

	require.Eventually(t, func() bool {
		w := serve(server, http.MethodGet, "/api/switches/prusa")
		var state entity.State
		_ = json.NewDecoder(w.Body).Decode(&state)
		return state.Available
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := IntegrationSwitches{Integration: integ}.Get("missing")
	assert.False(t, ok)
}
