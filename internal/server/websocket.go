package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local control plane, the UI connects from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes concurrent writes to one websocket connection
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Send(msg interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// Server exposes the handler over websocket
type Server struct {
	handler *Handler
	emitter *events.Emitter
}

func NewServer(handler *Handler, emitter *events.Emitter) *Server {
	return &Server{
		handler: handler,
		emitter: emitter,
	}
}

// Listen blocks serving websocket connections on addr
func (s *Server) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)

	log.Printf("[Server] Listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	writer := &wsWriter{conn: conn}

	// Forward the full event stream to this connection as notifications
	unsubscribe := s.emitter.Subscribe(func(ev events.Event) {
		if err := writer.Send(protocol.RPCMessage{
			Type:    "event",
			Payload: protocol.EncodeRPC(ev),
		}); err != nil {
			log.Printf("[Server] Event forward failed: %v", err)
		}
	})
	defer unsubscribe()

	log.Printf("[Server] Client connected: %s", conn.RemoteAddr())

	for {
		var msg protocol.RPCMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Server] Read error: %v", err)
			}
			return
		}
		s.handler.HandleMessage(msg, writer)
	}
}
