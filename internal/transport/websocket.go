package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

var log = logging.Logger("callkit/transport")

const (
	maxReconnectAttempts = 5
	reconnectDelay       = 3 * time.Second
)

// wsFrame is one line of a server push. A frame may carry a clientId
// assignment, a chat message, or both.
type wsFrame struct {
	RequestType string          `json:"request_type,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// WSOptions configures a chat-server transport.
type WSOptions struct {
	// WSURL is the websocket endpoint, e.g. "wss://host/ws". The user_id
	// query parameter is appended on dial.
	WSURL string

	// SendURL is the HTTP endpoint envelopes are POSTed to. The server
	// fans them out to websocket subscribers.
	SendURL string

	UserID string

	// HTTPClient is used for Send. Defaults to a client with a short timeout.
	HTTPClient *http.Client
}

// WSTransport talks to a chat server: inbound envelopes arrive over a
// websocket as newline-delimited JSON frames, outbound envelopes are POSTed
// to the server's send endpoint. A dropped socket is redialed up to
// maxReconnectAttempts times with a fixed delay between attempts.
type WSTransport struct {
	opts      WSOptions
	http      *http.Client
	listeners *listeners

	mu       sync.Mutex
	conn     *websocket.Conn
	clientID string
	closed   bool
	cancel   context.CancelFunc
}

// DialWS connects to the chat server and starts the read loop.
func DialWS(ctx context.Context, opts WSOptions) (*WSTransport, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("dial websocket: user id is empty")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: util.DefaultFetchTimeout}
	}
	t := &WSTransport{
		opts:      opts,
		http:      hc,
		listeners: newListeners(),
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()
	go t.readLoop(runCtx, conn)
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.opts.WSURL)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	q := u.Query()
	q.Set("user_id", t.opts.UserID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	log.Infow("websocket connected", "url", u.Host, "user", t.opts.UserID)
	return conn, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			log.Warnw("websocket read failed, reconnecting", "err", err)
			if !t.reconnect(ctx) {
				return
			}
			return
		}
		t.handleFrame(data)
	}
}

// reconnect redials with a fixed delay. On success it installs the new
// connection and starts a fresh read loop. Returns false when attempts are
// exhausted or the transport was closed.
func (t *WSTransport) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reconnectDelay):
		}
		log.Infow("websocket reconnecting", "attempt", attempt, "max", maxReconnectAttempts)
		conn, err := t.dial(ctx)
		if err != nil {
			continue
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return false
		}
		t.conn = conn
		t.mu.Unlock()
		go t.readLoop(ctx, conn)
		return true
	}
	log.Errorw("websocket gave up reconnecting", "attempts", maxReconnectAttempts)
	return false
}

// handleFrame parses a server push. One websocket message may carry several
// newline-delimited JSON frames; a bad line is skipped, not fatal.
func (t *WSTransport) handleFrame(data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			log.Debugw("skipping unparseable frame", "err", err)
			continue
		}
		if frame.ClientID != "" {
			t.mu.Lock()
			t.clientID = frame.ClientID
			t.mu.Unlock()
		}
		if frame.RequestType != "receive_message" || len(frame.Data) == 0 {
			continue
		}
		var msg proto.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			log.Debugw("skipping unparseable message", "err", err)
			continue
		}
		t.listeners.dispatch(msg)
	}
}

// ClientID returns the connection id assigned by the server, or "" before
// the server has sent one.
func (t *WSTransport) ClientID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientID
}

// Send POSTs an envelope to the chat server. The server delivers it to the
// receiver's websocket (and echoes it to the sender's other devices).
func (t *WSTransport) Send(ctx context.Context, msg proto.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if msg.SenderClientID == "" {
		msg.SenderClientID = t.clientID
	}
	t.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.SendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send signal: server returned %s", resp.Status)
	}
	return nil
}

func (t *WSTransport) Subscribe(fn func(proto.Message)) (cancel func()) {
	return t.listeners.add(fn)
}

// Recent returns recently received envelopes for diagnostics.
func (t *WSTransport) Recent() []proto.Message {
	return t.listeners.Recent()
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}
