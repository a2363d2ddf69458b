// Package testutil provides testing utilities for the OctoPrint PSU integration.
// This package contains a mock OctoPrint server speaking the REST endpoints
// and the SockJS websocket used by the integration.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Decision is the scripted answer of the App-Keys workflow
type Decision int

const (
	DecisionPending Decision = iota
	DecisionGrant
	DecisionDeny
)

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Request records one REST call received by the mock
type Request struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]interface{}
}

// MockOctoPrint simulates an OctoPrint server with the psucontrol and
// appkeys plugins installed.
type MockOctoPrint struct {
	Server *httptest.Server

	mu              sync.Mutex
	psuOn           bool
	validKeys       map[string]bool
	printerName     string
	workflowEnabled bool
	decision        Decision
	pendingPolls    int
	grantedKey      string
	polls           int
	revoked         []string
	requests        []Request
	failPSU         bool

	connsMu     sync.Mutex
	connections []*connWrapper
	sendOpen    bool
	frames      []string
	framesCh    chan string
}

// NewMockOctoPrint starts a mock server. Keys in validKeys are accepted by
// the version endpoint; an empty list accepts any key.
func NewMockOctoPrint(validKeys ...string) *MockOctoPrint {
	m := &MockOctoPrint{
		validKeys:       make(map[string]bool),
		printerName:     "Prusa",
		workflowEnabled: true,
		decision:        DecisionGrant,
		grantedKey:      "granted-key",
		sendOpen:        true,
		framesCh:        make(chan string, 64),
	}
	for _, key := range validKeys {
		m.validKeys[key] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", m.handleVersion)
	mux.HandleFunc("/api/settings", m.handleSettings)
	mux.HandleFunc("/api/plugin/psucontrol", m.handlePSUControl)
	mux.HandleFunc("/api/plugin/appkeys", m.handleAppKeysAPI)
	mux.HandleFunc("/plugin/appkeys/probe", m.handleProbe)
	mux.HandleFunc("/plugin/appkeys/request", m.handleAuthRequest)
	mux.HandleFunc("/plugin/appkeys/request/", m.handleAuthDecision)
	mux.HandleFunc("/sockjs/", m.handleSockJS)

	m.Server = httptest.NewServer(mux)
	return m
}

// URL returns the base url of the mock with a trailing slash
func (m *MockOctoPrint) URL() string {
	return m.Server.URL + "/"
}

// Close stops the server and drops all sockets
func (m *MockOctoPrint) Close() {
	m.DropConnections()
	m.Server.Close()
}

// SetPSU sets the power state reported by getPSUState
func (m *MockOctoPrint) SetPSU(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.psuOn = on
}

// PSU returns the current power state
func (m *MockOctoPrint) PSU() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.psuOn
}

// SetFailPSU makes the psucontrol endpoint answer with 500
func (m *MockOctoPrint) SetFailPSU(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPSU = fail
}

// SetPrinterName sets appearance.name in the settings document
func (m *MockOctoPrint) SetPrinterName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.printerName = name
}

// SetWorkflow configures the App-Keys plugin. pendingPolls polls answer
// pending before decision applies.
func (m *MockOctoPrint) SetWorkflow(enabled bool, decision Decision, pendingPolls int, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflowEnabled = enabled
	m.decision = decision
	m.pendingPolls = pendingPolls
	m.grantedKey = key
}

// SetSendOpen controls whether new sockets receive the SockJS open frame
func (m *MockOctoPrint) SetSendOpen(send bool) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	m.sendOpen = send
}

// Polls returns how many decision polls were received
func (m *MockOctoPrint) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// Revoked returns the keys revoked so far
func (m *MockOctoPrint) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revoked...)
}

// Requests returns all recorded REST calls
func (m *MockOctoPrint) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// RequestsTo returns the recorded REST calls for path
func (m *MockOctoPrint) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range m.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Frames returns every frame received from clients, decoded from the
// SockJS envelope.
func (m *MockOctoPrint) Frames() []string {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return append([]string(nil), m.frames...)
}

// NextFrame returns a channel delivering received frames as they arrive
func (m *MockOctoPrint) NextFrame() <-chan string {
	return m.framesCh
}

// Connections returns the number of open sockets
func (m *MockOctoPrint) Connections() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.connections)
}

// Open sends the SockJS open frame to every socket
func (m *MockOctoPrint) Open() {
	m.writeAll([]byte("o"))
}

// Push sends payload to every socket as a SockJS array frame
func (m *MockOctoPrint) Push(payload interface{}) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	outer, err := json.Marshal([]string{string(inner)})
	if err != nil {
		return err
	}
	m.writeAll(append([]byte("a"), outer...))
	return nil
}

// PushPSU broadcasts a psucontrol plugin frame
func (m *MockOctoPrint) PushPSU(on bool) error {
	return m.Push(map[string]interface{}{
		"plugin": map[string]interface{}{
			"plugin": "psucontrol",
			"data":   map[string]interface{}{"isPSUOn": on},
		},
	})
}

// CloseSession sends the SockJS close frame
func (m *MockOctoPrint) CloseSession() {
	m.writeAll([]byte(`c[3000,"Go away!"]`))
}

// DropConnections closes every socket without a close frame
func (m *MockOctoPrint) DropConnections() {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	for _, wrapper := range m.connections {
		wrapper.conn.Close()
	}
	m.connections = nil
}

func (m *MockOctoPrint) writeAll(data []byte) {
	m.connsMu.Lock()
	conns := append([]*connWrapper(nil), m.connections...)
	m.connsMu.Unlock()

	for _, wrapper := range conns {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteMessage(websocket.TextMessage, data)
		wrapper.writeMu.Unlock()
	}
}

func (m *MockOctoPrint) record(r *http.Request) Request {
	req := Request{
		Method: r.Method,
		Path:   r.URL.Path,
		APIKey: r.Header.Get("X-Api-Key"),
	}
	if r.Body != nil {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			req.Body = body
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return req
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (m *MockOctoPrint) authorized(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		return false
	}
	return len(m.validKeys) == 0 || m.validKeys[key] || key == m.grantedKey
}

func (m *MockOctoPrint) handleVersion(w http.ResponseWriter, r *http.Request) {
	req := m.record(r)
	if !m.authorized(req.APIKey) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid api key"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"api":    "0.1",
		"server": "1.9.3",
		"text":   "OctoPrint 1.9.3",
	})
}

func (m *MockOctoPrint) handleSettings(w http.ResponseWriter, r *http.Request) {
	req := m.record(r)
	if !m.authorized(req.APIKey) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid api key"})
		return
	}

	m.mu.Lock()
	if r.Method == http.MethodPost {
		if appearance, ok := req.Body["appearance"].(map[string]interface{}); ok {
			if name, ok := appearance["name"].(string); ok {
				m.printerName = name
			}
		}
	}
	name := m.printerName
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"appearance": map[string]interface{}{"name": name, "color": "default"},
		"api":        map[string]interface{}{"allowCrossOrigin": false},
	})
}

func (m *MockOctoPrint) handlePSUControl(w http.ResponseWriter, r *http.Request) {
	req := m.record(r)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPSU {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	switch req.Body["command"] {
	case "turnPSUOn":
		m.psuOn = true
		w.WriteHeader(http.StatusNoContent)
	case "turnPSUOff":
		m.psuOn = false
		w.WriteHeader(http.StatusNoContent)
	case "getPSUState":
		writeJSON(w, http.StatusOK, map[string]bool{"isPSUOn": m.psuOn})
	default:
		http.Error(w, "Unknown command", http.StatusBadRequest)
	}
}

func (m *MockOctoPrint) handleAppKeysAPI(w http.ResponseWriter, r *http.Request) {
	req := m.record(r)
	if req.Body["command"] != "revoke" {
		http.Error(w, "Unknown command", http.StatusBadRequest)
		return
	}
	key, _ := req.Body["key"].(string)

	m.mu.Lock()
	m.revoked = append(m.revoked, key)
	delete(m.validKeys, key)
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (m *MockOctoPrint) handleProbe(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	m.mu.Lock()
	enabled := m.workflowEnabled
	m.mu.Unlock()

	if !enabled {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockOctoPrint) handleAuthRequest(w http.ResponseWriter, r *http.Request) {
	req := m.record(r)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := req.Body["app"].(string); !ok {
		http.Error(w, "app is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Location", m.Server.URL+"/plugin/appkeys/request/token123")
	writeJSON(w, http.StatusCreated, map[string]string{"app_token": "token123"})
}

func (m *MockOctoPrint) handleAuthDecision(w http.ResponseWriter, r *http.Request) {
	m.record(r)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++

	if m.polls <= m.pendingPolls || m.decision == DecisionPending {
		writeJSON(w, http.StatusAccepted, map[string]string{})
		return
	}
	if m.decision == DecisionDeny {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": m.grantedKey})
}

func (m *MockOctoPrint) handleSockJS(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/websocket") {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wrapper := &connWrapper{conn: conn}

	m.connsMu.Lock()
	m.connections = append(m.connections, wrapper)
	sendOpen := m.sendOpen
	m.connsMu.Unlock()

	defer func() {
		m.connsMu.Lock()
		for i, c := range m.connections {
			if c == wrapper {
				m.connections = append(m.connections[:i], m.connections[i+1:]...)
				break
			}
		}
		m.connsMu.Unlock()
		conn.Close()
	}()

	if sendOpen {
		wrapper.writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, []byte("o"))
		wrapper.writeMu.Unlock()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope []string
		if err := json.Unmarshal(data, &envelope); err != nil {
			envelope = []string{fmt.Sprintf("invalid envelope: %s", data)}
		}

		m.connsMu.Lock()
		m.frames = append(m.frames, envelope...)
		m.connsMu.Unlock()

		for _, f := range envelope {
			select {
			case m.framesCh <- f:
			default:
			}
		}
	}
}
