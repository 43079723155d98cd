package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"

	"github.com/crossgate/crossgate/pkg/engine"
)

// Connection is one established event-bus subscription. Receive blocks
// until a frame arrives, the context is cancelled or the connection dies.
type Connection interface {
	Receive(ctx context.Context) (*engine.Event, error)
	Close() error
}

// Dialer establishes event-bus connections. The production implementation
// speaks STOMP over WebSocket; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, sub engine.EventSubscription) (Connection, error)
}

// StompDialer connects to the control-plane event bus: a WebSocket carries
// STOMP frames, one destination per subscription.
type StompDialer struct {
	// URL is the WebSocket endpoint of the event bus.
	URL string

	// Token authenticates the agent.
	Token string

	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration

	// HeartBeat is the STOMP heart-beat interval negotiated with the bus.
	HeartBeat time.Duration
}

// Dial upgrades a WebSocket to the event bus and opens a STOMP
// subscription for the destination derived from the control-plane
// subscription record.
func (d *StompDialer) Dial(ctx context.Context, sub engine.EventSubscription) (Connection, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{"v12.stomp"},
	}

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Token "+d.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, engine.NewTransientError(
				fmt.Sprintf("event bus handshake failed with status %d", resp.StatusCode), err).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewTransientError("failed to dial event bus", err)
	}

	heartBeat := d.HeartBeat
	if heartBeat == 0 {
		heartBeat = 30 * time.Second
	}

	stream := &wsStream{ws: ws}
	conn, err := stomp.Connect(stream,
		stomp.ConnOpt.HeartBeat(heartBeat, heartBeat),
	)
	if err != nil {
		_ = ws.Close()
		return nil, engine.NewTransientError("stomp handshake failed", err)
	}

	destination := fmt.Sprintf("/subscriptions/%s/%s", sub.ID, sub.ObjectType)
	subscription, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		_ = conn.Disconnect()
		_ = ws.Close()
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to subscribe to %s", destination), err)
	}

	return &stompConnection{
		ws:           ws,
		conn:         conn,
		subscription: subscription,
		messages:     subscription.C,
	}, nil
}

// stompConnection adapts a live STOMP subscription to Connection.
type stompConnection struct {
	ws           *websocket.Conn
	conn         *stomp.Conn
	subscription *stomp.Subscription
	messages     <-chan *stomp.Message
}

func (c *stompConnection) Receive(ctx context.Context) (*engine.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-c.messages:
			if !ok {
				return nil, engine.NewTransientError("subscription channel closed", nil)
			}
			if msg.Err != nil {
				return nil, engine.NewTransientError("event frame error", msg.Err)
			}
			event, err := decodeEvent(msg.Body)
			if err != nil {
				// A poison frame is dropped, not returned: a returned error
				// tears the connection down and costs a reconnect per frame.
				continue
			}
			return event, nil
		}
	}
}

// decodeEvent parses one frame body into an event.
func decodeEvent(body []byte) (*engine.Event, error) {
	var event engine.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, engine.NewBackendError("malformed event payload", err)
	}
	event.ReceivedAt = time.Now().UTC()
	return &event, nil
}

func (c *stompConnection) Close() error {
	// Unsubscribe and disconnect best effort; the WebSocket close is what
	// actually tears the transport down.
	_ = c.subscription.Unsubscribe()
	_ = c.conn.Disconnect()
	return c.ws.Close()
}

// wsStream presents the message-oriented WebSocket as the byte stream the
// STOMP codec expects. Each Write becomes one binary message; Read drains
// inbound messages in order.
type wsStream struct {
	ws     *websocket.Conn
	buffer []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.buffer) == 0 {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return 0, io.EOF
		}
		s.buffer = data
	}
	n := copy(p, s.buffer)
	s.buffer = s.buffer[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}
