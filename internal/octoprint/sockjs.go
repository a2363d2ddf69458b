package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TransportHandler receives the callbacks of a Transport
type TransportHandler interface {
	OnOpen()
	OnClose()
	OnMessage(payload json.RawMessage)
}

// Transport is a duplex connection driving a TransportHandler
type Transport interface {
	// Run connects and blocks until the connection terminates. OnClose is
	// called once if OnOpen was called.
	Run(ctx context.Context, h TransportHandler) error
	Send(data []byte) error
	Close() error
}

// EncodeFrame wraps payload in the SockJS envelope: a JSON array holding
// one JSON-encoded string.
func EncodeFrame(payload interface{}) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return json.Marshal([]string{string(inner)})
}

type frameKind byte

const (
	frameOpen      frameKind = 'o'
	frameHeartbeat frameKind = 'h'
	frameArray     frameKind = 'a'
	frameMessage   frameKind = 'm'
	frameClose     frameKind = 'c'
)

type frame struct {
	kind     frameKind
	messages []json.RawMessage
}

// decodeFrame parses one inbound SockJS frame
func decodeFrame(data []byte) (*frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	f := &frame{kind: frameKind(data[0])}
	body := data[1:]

	switch f.kind {
	case frameOpen, frameHeartbeat, frameClose:
		return f, nil
	case frameArray:
		var encoded []string
		if err := json.Unmarshal(body, &encoded); err != nil {
			return nil, fmt.Errorf("invalid array frame: %w", err)
		}
		for _, msg := range encoded {
			if !json.Valid([]byte(msg)) {
				return nil, fmt.Errorf("invalid message in array frame")
			}
			f.messages = append(f.messages, json.RawMessage(msg))
		}
		return f, nil
	case frameMessage:
		var encoded string
		if err := json.Unmarshal(body, &encoded); err != nil {
			return nil, fmt.Errorf("invalid message frame: %w", err)
		}
		if !json.Valid([]byte(encoded)) {
			return nil, fmt.Errorf("invalid message frame payload")
		}
		f.messages = append(f.messages, json.RawMessage(encoded))
		return f, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", data[0])
	}
}

// SockJSURL returns the websocket url of the SockJS endpoint below baseURL
func SockJSURL(baseURL string) (string, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return "", err
	}

	u := *base
	switch base.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	serverID := fmt.Sprintf("%03d", rand.Intn(1000))
	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	ref, err := url.Parse(fmt.Sprintf("sockjs/%s/%s/websocket", serverID, sessionID))
	if err != nil {
		return "", err
	}
	return u.ResolveReference(ref).String(), nil
}

// SockJSTransport speaks the SockJS websocket framing over gorilla/websocket
type SockJSTransport struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex // Protects websocket writes
	closed  bool
}

// NewSockJSTransport creates a transport for the OctoPrint instance at baseURL
func NewSockJSTransport(baseURL string, logger *zap.Logger) (*SockJSTransport, error) {
	wsURL, err := SockJSURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &SockJSTransport{
		url:    wsURL,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

// URL returns the websocket url the transport dials
func (t *SockJSTransport) URL() string {
	return t.url
}

// Run dials the socket and reads frames until the connection ends
func (t *SockJSTransport) Run(ctx context.Context, h TransportHandler) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to SockJS: %w", err)
	}

	t.connMu.Lock()
	if t.closed {
		t.connMu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.connMu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-stop:
		}
	}()

	opened := false
	defer func() {
		t.connMu.Lock()
		t.conn = nil
		t.connMu.Unlock()
		conn.Close()
		if opened {
			h.OnClose()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil && !t.isClosed() {
				t.logger.Warn("SockJS connection lost", zap.Error(err))
			}
			return nil
		}

		f, err := decodeFrame(data)
		if err != nil {
			t.logger.Debug("Ignoring malformed SockJS frame", zap.Error(err))
			continue
		}

		switch f.kind {
		case frameOpen:
			if !opened {
				opened = true
				h.OnOpen()
			}
		case frameHeartbeat:
		case frameClose:
			t.logger.Info("SockJS session closed by server", zap.ByteString("frame", data))
			return nil
		default:
			for _, msg := range f.messages {
				h.OnMessage(msg)
			}
		}
	}
}

// Send writes one already encoded frame to the socket
func (t *SockJSTransport) Send(data []byte) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close requests a graceful shutdown. Run returns once the socket is gone.
// Only the first call closes the connection; a closed transport cannot be rerun.
func (t *SockJSTransport) Close() error {
	t.connMu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	conn.Close()
	return nil
}

func (t *SockJSTransport) isClosed() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.closed
}
