package signal

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/easelhq/easel/internal/session"
)

// Relay-originated message types, sent alongside forwarded peer traffic on
// the same socket. The type names are part of the wire contract.
const (
	MsgConnectToPeer           = "CONNECT_TO_PEER"
	MsgDisconnectPeer          = "DISCONNECT_PEER"
	MsgBannedFromSession       = "BANNED_FROM_SESSION"
	MsgBootedFromSession       = "BOOTED_FROM_SESSION"
	MsgDisconnectedFromSession = "DISCONNECTED_FROM_SESSION"
)

type controlMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peerID,omitempty"`
}

// PeerKey builds the composite endpoint key peers address each other by.
func PeerKey(sessionName, username string) string {
	return sessionName + "_" + username
}

// SplitPeerKey recovers the session name from a peer key.
func SplitPeerKey(key string) (sessionName, username string) {
	i := strings.Index(key, "_")
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// Relay keeps the registry of reachable peer endpoints and moves messages
// between them. It notifies co-members when peers appear or vanish and
// delivers forced disconnects on behalf of the session registry. Endpoint
// entries are removed, never reused, once retired.
type Relay struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	register   chan *Endpoint
	unregister chan *Endpoint
}

func NewRelay() *Relay {
	return &Relay{
		endpoints:  make(map[string]*Endpoint),
		register:   make(chan *Endpoint),
		unregister: make(chan *Endpoint),
	}
}

// Run owns endpoint lifecycle. Connect and disconnect notifications fan out
// to every other endpoint of the same session so each existing peer can
// open a direct channel to the newcomer.
func (r *Relay) Run() {
	for {
		select {
		case ep := <-r.register:
			r.mu.Lock()
			if old, ok := r.endpoints[ep.key]; ok {
				close(old.send)
			}
			r.endpoints[ep.key] = ep
			r.mu.Unlock()

			log.Printf("Peer %s connected (endpoint %s)", ep.key, ep.instanceID)
			r.broadcastControl(ep.sessionName, ep.key, controlMessage{
				Type:   MsgConnectToPeer,
				PeerID: ep.key,
			})

		case ep := <-r.unregister:
			r.mu.Lock()
			current, ok := r.endpoints[ep.key]
			if ok && current == ep {
				delete(r.endpoints, ep.key)
				close(ep.send)
			}
			r.mu.Unlock()

			if ok && current == ep {
				log.Printf("Peer %s disconnected", ep.key)
				r.broadcastControl(ep.sessionName, ep.key, controlMessage{
					Type:   MsgDisconnectPeer,
					PeerID: ep.key,
				})
			}
		}
	}
}

// broadcastControl sends a control message to every endpoint of a session
// except the one named by excludeKey.
func (r *Relay) broadcastControl(sessionName, excludeKey string, msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Relay: marshal control message: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ep := range r.endpoints {
		if ep.sessionName != sessionName || key == excludeKey {
			continue
		}
		select {
		case ep.send <- data:
		default:
			delete(r.endpoints, key)
			close(ep.send)
		}
	}
}

// Forward delivers raw peer traffic to the endpoint named by key. It
// reports whether the endpoint was reachable.
func (r *Relay) Forward(key string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[key]
	if !ok {
		return false
	}
	select {
	case ep.send <- data:
		return true
	default:
		delete(r.endpoints, key)
		close(ep.send)
		return false
	}
}

// DisconnectPeer delivers a one-shot forced disconnect to a single endpoint
// and retires it. Retirement is idempotent: a second invocation for the
// same endpoint finds nothing and sends nothing, so the notice is delivered
// at most once.
func (r *Relay) DisconnectPeer(sessionName, username string, reason session.DisconnectReason) {
	msgType := MsgDisconnectedFromSession
	switch reason {
	case session.ReasonBan:
		msgType = MsgBannedFromSession
	case session.ReasonBoot:
		msgType = MsgBootedFromSession
	}

	key := PeerKey(sessionName, username)
	data, _ := json.Marshal(controlMessage{Type: msgType})

	r.mu.Lock()
	ep, ok := r.endpoints[key]
	if ok {
		delete(r.endpoints, key)
		select {
		case ep.send <- data:
		default:
		}
		close(ep.send)
	}
	r.mu.Unlock()

	if ok {
		log.Printf("Peer %s force-disconnected (%s)", key, reason)
	}
}

// CloseSession fans the session-closed disconnect out to every endpoint
// still attached to the session and retires them all.
func (r *Relay) CloseSession(sessionName string) {
	data, _ := json.Marshal(controlMessage{Type: MsgDisconnectedFromSession})

	r.mu.Lock()
	closed := 0
	for key, ep := range r.endpoints {
		if ep.sessionName == sessionName {
			delete(r.endpoints, key)
			select {
			case ep.send <- data:
			default:
			}
			close(ep.send)
			closed++
		}
	}
	r.mu.Unlock()

	if closed > 0 {
		log.Printf("Session %q: %d peers disconnected (session closed)", sessionName, closed)
	}
}

// EndpointCount reports the number of registered endpoints.
func (r *Relay) EndpointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// SessionEndpoints reports how many endpoints each session currently has.
func (r *Relay) SessionEndpoints() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, ep := range r.endpoints {
		counts[ep.sessionName]++
	}
	return counts
}
