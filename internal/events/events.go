// Package events streams admission activity to connected admin dashboards
// over websockets. The hub is broadcast-only: clients never send application
// data, and every frame carries identifiers rather than applicant details.
package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/tkivisto/gatehouse/internal/admin"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/notify"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	clients    map[*Client]struct{}
	adminToken string
	count      atomic.Int64
}

func NewHub(adminToken string) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*Client]struct{}),
		adminToken: adminToken,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.count.Add(-1)
			c.close(websocket.StatusNormalClosure, "bye")
		case data := <-h.broadcast:
			for c := range h.clients {
				// Slow clients are dropped rather than stalling the hub.
				if !c.send(data) {
					delete(h.clients, c)
					h.count.Add(-1)
					c.close(websocket.StatusPolicyViolation, "client too slow")
				}
			}
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// HandleWS upgrades an authenticated admin connection and attaches it to the
// hub. The admin token is accepted from a bearer header or a token query
// parameter, matching how dashboards open websocket URLs.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, sendBuffer),
	}

	h.register <- client

	go client.writeLoop()
	go client.readLoop()
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		parts := strings.Fields(r.Header.Get("Authorization"))
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

// StreamEvent is one frame on the admin event stream.
type StreamEvent struct {
	Type          string `json:"type"`
	Action        string `json:"action,omitempty"`
	Actor         string `json:"actor,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	ApplicantID   string `json:"applicant_id,omitempty"`
	At            string `json:"at"`
}

func (h *Hub) publish(event StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// Audit implements admin.Auditor.
func (h *Hub) Audit(_ context.Context, e admin.Entry) {
	h.publish(StreamEvent{
		Type:          "admin.action",
		Action:        e.Action,
		Actor:         e.Actor,
		ApplicationID: string(e.ApplicationID),
		At:            e.At.UTC().Format(time.RFC3339Nano),
	})
}

// Notify implements notify.Notifier, mirroring applicant notifications onto
// the stream.
func (h *Hub) Notify(_ context.Context, id applicant.ID, event notify.Event) {
	h.publish(StreamEvent{
		Type:        "notify." + string(event),
		ApplicantID: string(id),
		At:          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	out       chan []byte
	closeOnce sync.Once
}

func (c *Client) send(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
	}()

	// The stream is one-way; reads only detect the peer closing.
	for {
		if _, _, err := c.conn.Read(c.ctx); err != nil {
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.out:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.hub.unregister <- c
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.out)
		_ = c.conn.Close(status, reason)
	})
}
