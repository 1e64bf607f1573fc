package signal

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/easelhq/easel/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// envelope is what endpoints write to the relay: peer traffic addressed to
// another endpoint by key. The data travels through untouched.
type envelope struct {
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

// Endpoint is one connected peer's transport handle.
type Endpoint struct {
	relay       *Relay
	conn        *websocket.Conn
	send        chan []byte
	key         string
	sessionName string
	username    string
	rateLimiter *ratelimit.Limiter
	instanceID  string
}

// ServeWs upgrades an HTTP request into a relay endpoint. The peer key is
// built from the session and username query parameters.
func ServeWs(relay *Relay, w http.ResponseWriter, r *http.Request) {
	sessionName := r.URL.Query().Get("session")
	username := r.URL.Query().Get("username")
	if sessionName == "" || username == "" {
		http.Error(w, "session and username are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	ep := &Endpoint{
		relay:       relay,
		conn:        conn,
		send:        make(chan []byte, 512),
		key:         PeerKey(sessionName, username),
		sessionName: sessionName,
		username:    username,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		instanceID:  uuid.NewString(),
	}

	relay.register <- ep

	go ep.writePump()
	go ep.readPump()
}

func (ep *Endpoint) readPump() {
	defer func() {
		ep.relay.unregister <- ep
		ep.conn.Close()
	}()

	ep.conn.SetReadLimit(maxMessageSize)
	ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	ep.conn.SetPongHandler(func(string) error {
		ep.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := ep.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error from %s: %v", ep.key, err)
			}
			break
		}

		if !ep.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("Rate limit exceeded for peer %s (warning #%d)", ep.key, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("Disconnecting peer %s for excessive rate limit violations", ep.key)
				return
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil || env.To == "" {
			log.Printf("Invalid envelope from peer %s", ep.key)
			continue
		}

		// Peers may only address endpoints within their own session.
		targetSession, _ := SplitPeerKey(env.To)
		if targetSession != ep.sessionName {
			log.Printf("Peer %s addressed foreign session endpoint %s", ep.key, env.To)
			continue
		}

		ep.relay.Forward(env.To, env.Data)
	}
}

func (ep *Endpoint) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ep.conn.Close()
	}()

	for {
		select {
		case message, ok := <-ep.send:
			ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ep.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := ep.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ep.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
