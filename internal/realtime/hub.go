// Package realtime pushes recomputed document views to connected
// clients over websockets. Every upgrade is authenticated and every
// payload is the subscriber's own filtered view, so a client can only
// ever receive blocks its subject's evaluation already passed.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vellum/core/internal/abac"
	"vellum/core/internal/filter"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 8
)

// SubjectFunc authenticates an upgrade request and returns the subject
// the connection is bound to. An error rejects the upgrade.
type SubjectFunc func(r *http.Request) (*abac.Subject, error)

// ViewSource computes the filtered view one subject is allowed to see.
type ViewSource interface {
	DocumentView(docID string, subject *abac.Subject) (filter.View, error)
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	subject *abac.Subject
}

// Hub tracks websocket subscribers per document and pushes each one its
// own view whenever the document changes. A slow client is dropped
// rather than allowed to stall the fan-out.
type Hub struct {
	upgrader     websocket.Upgrader
	views        ViewSource
	authenticate SubjectFunc

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
}

func NewHub(views ViewSource, authenticate SubjectFunc, checkOrigin func(*http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		views:        views,
		authenticate: authenticate,
		clients:      make(map[string]map[*client]struct{}),
	}
}

// Subscribe authenticates the request, upgrades it, and registers the
// connection for the document's view stream. The subscriber's current
// view is queued immediately so it never starts blind. It blocks until
// the connection closes.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, docID string) {
	subject, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed for %s: %v", docID, err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), subject: subject}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if h.clients[docID] == nil {
		h.clients[docID] = make(map[*client]struct{})
	}
	h.clients[docID][c] = struct{}{}
	h.pushLocked(docID, c)
	h.mu.Unlock()

	go h.writePump(docID, c)
	h.readPump(docID, c)
}

// Notify recomputes and sends every subscriber of the document its own
// view. Each payload is evaluated against the subscriber's subject;
// nothing shared ever crosses a connection.
func (h *Hub) Notify(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[docID] {
		h.pushLocked(docID, c)
	}
}

// pushLocked evaluates and queues the client's view. A view error sends
// nothing: an undecidable evaluation must not leak a stale or broader
// view. Sends happen under the lock so a concurrent drop cannot close
// the channel between selection and send; the channels are buffered and
// a full buffer falls through immediately, so nothing blocks here.
func (h *Hub) pushLocked(docID string, c *client) {
	view, err := h.views.DocumentView(docID, c.subject)
	if err != nil {
		log.Printf("realtime: view for %s: %v", docID, err)
		return
	}
	payload, err := json.Marshal(view)
	if err != nil {
		log.Printf("realtime: marshal view for %s: %v", docID, err)
		return
	}
	select {
	case c.send <- payload:
	default:
		// Send buffer full, the client is too slow to keep up.
		h.dropLocked(docID, c)
	}
}

// SubscriberCount reports how many connections follow the document.
func (h *Hub) SubscriberCount(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[docID])
}

// Close drops every connection and rejects new subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.clients
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for c := range conns {
			close(c.send)
		}
	}
}

func (h *Hub) drop(docID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(docID, c)
}

// dropLocked unregisters and closes the client. The send channel is
// open exactly while the client is registered, and both transitions
// happen under h.mu.
func (h *Hub) dropLocked(docID string, c *client) {
	conns, ok := h.clients[docID]
	if !ok {
		return
	}
	if _, registered := conns[c]; !registered {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, docID)
	}
	close(c.send)
}

func (h *Hub) writePump(docID string, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(docID, c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(docID, c)
				return
			}
		}
	}
}

// readPump drains inbound frames so pings and close handshakes are
// processed. Subscribers are read-only; any content is ignored.
func (h *Hub) readPump(docID string, c *client) {
	defer h.drop(docID, c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
