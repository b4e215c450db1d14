package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/protocol"
	"github.com/skein-dev/skein/internal/server"
)

// streamWriter serializes concurrent JSON writes to one yamux stream
type streamWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *streamWriter) Send(msg interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}

// Client tunnels the workflow engine to a remote relay. A websocket
// connection carries a yamux session; each accepted stream is one remote
// RPC conversation handled by the shared handler, and the event stream is
// pushed over a dedicated outbound stream.
type Client struct {
	relayURL  string
	sessionID string
	handler   *server.Handler
	emitter   *events.Emitter

	session     *yamux.Session
	unsubscribe func()
}

func NewClient(relayURL, sessionID string, handler *server.Handler, emitter *events.Emitter) *Client {
	return &Client{
		relayURL:  relayURL,
		sessionID: sessionID,
		handler:   handler,
		emitter:   emitter,
	}
}

// Start connects and begins serving remote streams
func (c *Client) Start(ctx context.Context) error {
	log.Printf("[Bridge] Connecting to relay at %s...", c.relayURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.relayURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	session, err := yamux.Client(newWSConn(conn), nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("yamux client: %w", err)
	}
	c.session = session

	if err := c.handshake(); err != nil {
		session.Close()
		return err
	}

	log.Printf("[Bridge] Connected, session %s", c.sessionID)

	eventStream, err := session.Open()
	if err != nil {
		session.Close()
		return fmt.Errorf("open event stream: %w", err)
	}
	c.startEventForwarding(eventStream)

	go c.acceptLoop()
	return nil
}

// handshake identifies this engine to the relay on a dedicated stream
func (c *Client) handshake() error {
	stream, err := c.session.Open()
	if err != nil {
		return fmt.Errorf("open handshake stream: %w", err)
	}
	defer stream.Close()

	enc := json.NewEncoder(stream)
	if err := enc.Encode(protocol.RPCMessage{
		Type: "handshake",
		Payload: protocol.EncodeRPC(map[string]string{
			"session_id": c.sessionID,
			"version":    "1.0.0",
			"secret":     os.Getenv("SKEIN_BRIDGE_SECRET"),
		}),
	}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	var ack protocol.RPCMessage
	if err := json.NewDecoder(stream).Decode(&ack); err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("handshake rejected: %s", ack.Error)
	}
	return nil
}

func (c *Client) startEventForwarding(stream net.Conn) {
	writer := &streamWriter{enc: json.NewEncoder(stream)}
	c.unsubscribe = c.emitter.Subscribe(func(ev events.Event) {
		if err := writer.Send(protocol.RPCMessage{
			Type:    "event",
			Payload: protocol.EncodeRPC(ev),
		}); err != nil {
			log.Printf("[Bridge] Event forward failed: %v", err)
		}
	})
}

func (c *Client) acceptLoop() {
	for {
		stream, err := c.session.Accept()
		if err != nil {
			log.Printf("[Bridge] Session closed: %v", err)
			return
		}
		go c.serveStream(stream)
	}
}

// serveStream handles one remote RPC conversation
func (c *Client) serveStream(stream net.Conn) {
	defer stream.Close()

	writer := &streamWriter{enc: json.NewEncoder(stream)}
	dec := json.NewDecoder(stream)

	for {
		var msg protocol.RPCMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		c.handler.HandleMessage(msg, writer)
	}
}

// Close tears down the tunnel
func (c *Client) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.session != nil {
		c.session.Close()
	}
}
