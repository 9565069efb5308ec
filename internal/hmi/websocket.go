package hmi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"firestige.xyz/carlink/internal/smartobject"
)

// wireMessage is the JSON envelope exchanged with the HMI broker.
type wireMessage struct {
	Type          string          `json:"type"`
	Method        string          `json:"method"`
	CorrelationID uint32          `json:"correlation_id,omitempty"`
	AppID         uint32          `json:"app_id,omitempty"`
	ResultCode    string          `json:"result_code,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// WebsocketAdapter connects to an HMI broker over a websocket and speaks
// the JSON envelope. The read loop reconnects with a fixed delay until
// Stop is called.
type WebsocketAdapter struct {
	url            string
	origin         string
	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	stopped bool
	done    chan struct{}
}

// NewWebsocketAdapter creates an adapter for the broker at url.
func NewWebsocketAdapter(url, origin string, reconnectDelay time.Duration) *WebsocketAdapter {
	if origin == "" {
		origin = "http://localhost/"
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &WebsocketAdapter{
		url:            url,
		origin:         origin,
		reconnectDelay: reconnectDelay,
		done:           make(chan struct{}),
	}
}

// Start implements Adapter. The connection is established in the
// background so a slow broker does not block startup.
func (a *WebsocketAdapter) Start(handler Handler) error {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
	go a.readLoop()
	slog.Info("websocket hmi adapter starting", "url", a.url)
	return nil
}

func (a *WebsocketAdapter) readLoop() {
	for {
		select {
		case <-a.done:
			return
		default:
		}

		conn, err := websocket.Dial(a.url, "", a.origin)
		if err != nil {
			slog.Warn("hmi broker dial failed, retrying",
				"url", a.url, "error", err, "delay", a.reconnectDelay)
			select {
			case <-a.done:
				return
			case <-time.After(a.reconnectDelay):
				continue
			}
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		slog.Info("hmi broker connected", "url", a.url)

		a.consume(conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}
}

func (a *WebsocketAdapter) consume(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var wire wireMessage
		if err := websocket.JSON.Receive(conn, &wire); err != nil {
			slog.Warn("hmi broker receive failed", "error", err)
			return
		}
		msg, err := fromWire(&wire)
		if err != nil {
			slog.Warn("dropping undecodable hmi message", "method", wire.Method, "error", err)
			continue
		}
		a.mu.Lock()
		handler := a.handler
		a.mu.Unlock()
		if handler != nil {
			handler.OnHMIMessage(msg)
		}
	}
}

// Send implements Sender.
func (a *WebsocketAdapter) Send(msg *Message) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("carlink: hmi broker not connected")
	}

	wire := wireMessage{
		Type:          string(msg.Type),
		Method:        msg.Method,
		CorrelationID: msg.CorrelationID,
		AppID:         msg.AppID,
		ResultCode:    msg.ResultCode,
	}
	if msg.Params != nil {
		raw, err := json.Marshal(msg.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal hmi params: %w", err)
		}
		wire.Params = raw
	}
	return websocket.JSON.Send(conn, &wire)
}

// Stop implements Adapter.
func (a *WebsocketAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	close(a.done)
	if a.conn != nil {
		a.conn.Close()
	}
}

func fromWire(wire *wireMessage) (*Message, error) {
	msg := &Message{
		Type:          MessageType(wire.Type),
		Method:        wire.Method,
		CorrelationID: wire.CorrelationID,
		AppID:         wire.AppID,
		ResultCode:    wire.ResultCode,
	}
	if len(wire.Params) > 0 {
		params, err := smartobject.FromJSON(wire.Params)
		if err != nil {
			return nil, err
		}
		msg.Params = params
	}
	return msg, nil
}
