package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// ViewFunc renders the dashboard payload for one filter selection.
type ViewFunc func(ctx context.Context, snap *Snapshot, f Filter) ([]byte, error)

// ClientMessage is what the page sends: its current sidebar selection.
type ClientMessage struct {
	Type        string `json:"type"` // "filter"
	VehicleType string `json:"vehicle_type"`
	Direction   string `json:"direction"`
}

// ServerMessage wraps every pushed view
type ServerMessage struct {
	Type string         `json:"type"` // "dashboard"
	Data *DashboardData `json:"data"`
}

// Client is one connected dashboard page.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter Filter // owned by the hub goroutine
}

type filterChange struct {
	client *Client
	filter Filter
}

// Hub keeps the connected pages and pushes each one the view for its own filter.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	filters    chan filterChange
	updates    chan *Snapshot
	done       chan struct{}

	store    *SnapshotStore
	render   ViewFunc
	metrics  *Collector
	upgrader websocket.Upgrader

	lastPushed string // status|hash|error of the last broadcast snapshot
}

// NewHub initializes a new WebSocket Hub.
func NewHub(store *SnapshotStore, render ViewFunc, metrics *Collector) *Hub {
	if metrics == nil {
		metrics = NewCollector()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		filters:    make(chan filterChange, 16),
		updates:    make(chan *Snapshot, 1),
		done:       make(chan struct{}),
		store:      store,
		render:     render,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Run starts the Hub's main loop to handle client connections and broadcasts.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			log.Println("[WS] hub shutting down")
			return
		case c := <-h.register:
			h.clients[c] = true
			h.metrics.RecordWSConnection(1)
			log.Printf("[WS] client %s connected (%d active)", c.id, len(h.clients))
			h.push(ctx, c, h.store.Latest())
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.metrics.RecordWSConnection(-1)
				log.Printf("[WS] client %s disconnected", c.id)
			}
		case fc := <-h.filters:
			if _, ok := h.clients[fc.client]; ok {
				fc.client.filter = fc.filter
				h.push(ctx, fc.client, h.store.Latest())
			}
		case snap := <-h.updates:
			for c := range h.clients {
				h.push(ctx, c, snap)
			}
		}
	}
}

// Handle queues a snapshot for broadcast when something visible changed.
// It never blocks the poll loop: a pending snapshot is replaced by the newer one.
func (h *Hub) Handle(ctx context.Context, snap *Snapshot) {
	key := string(snap.Status) + "|" + snap.Hash + "|" + snap.Err
	if key == h.lastPushed {
		return
	}
	h.lastPushed = key
	for {
		select {
		case h.updates <- snap:
			return
		default:
		}
		select {
		case <-h.updates:
		default:
		}
	}
}

func (h *Hub) push(ctx context.Context, c *Client, snap *Snapshot) {
	payload, err := h.render(ctx, snap, c.filter)
	if err != nil {
		log.Printf("[WS] failed to render view for %s: %v", c.id, err)
		return
	}
	select {
	case c.send <- payload:
		h.metrics.RecordWSMessage(false)
	default:
		// slow client: drop it rather than stall every other page
		close(c.send)
		delete(h.clients, c)
		h.metrics.RecordWSConnection(-1)
		log.Printf("[WS] client %s dropped (send buffer full)", c.id)
	}
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	c := &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 16),
		filter: ParseFilter(r.URL.Query()),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump pumps filter selections from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] read error: %v", err)
			}
			return
		}
		c.hub.metrics.RecordWSMessage(true)

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[WS] bad message from %s: %v", c.id, err)
			continue
		}
		if msg.Type != "filter" {
			continue
		}
		fc := filterChange{client: c, filter: Filter{
			VehicleType: normalizeFacet(msg.VehicleType),
			Direction:   normalizeFacet(msg.Direction),
		}}
		select {
		case c.hub.filters <- fc:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps views from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
