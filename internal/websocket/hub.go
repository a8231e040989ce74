package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"classpulse-backend/internal/middleware"
	"classpulse-backend/internal/models"
	"classpulse-backend/internal/presence"
	"classpulse-backend/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	ident   middleware.Identity
	scopeID string
	joined  bool
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub owns all realtime connections. Producers push activity frames in;
// observers in the same scope receive enriched broadcasts and periodic
// presence snapshots. Cross-instance fanout goes through per-scope Redis
// pub/sub channels.
type Hub struct {
	mu          sync.RWMutex
	scopes      map[string]map[*client]struct{}
	cancelFuncs map[string]context.CancelFunc

	agg          *presence.Aggregator
	pubsubClient *redis.Client
	queueClient  *redis.Client
	jwtAuth      *middleware.JWTAuth

	snapshotInterval time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once
}

func NewHub(agg *presence.Aggregator, pubsubClient, queueClient *redis.Client, jwtAuth *middleware.JWTAuth, snapshotInterval time.Duration) *Hub {
	if snapshotInterval <= 0 {
		snapshotInterval = 30 * time.Second
	}
	return &Hub{
		scopes:           make(map[string]map[*client]struct{}),
		cancelFuncs:      make(map[string]context.CancelFunc),
		agg:              agg,
		pubsubClient:     pubsubClient,
		queueClient:      queueClient,
		jwtAuth:          jwtAuth,
		snapshotInterval: snapshotInterval,
		stopChan:         make(chan struct{}),
	}
}

// Start launches the periodic snapshot publisher: observers get a full state
// sync even if no events flow, so late joins and missed frames reconcile.
func (h *Hub) Start() {
	go func() {
		ticker := time.NewTicker(h.snapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopChan:
				return
			case <-ticker.C:
				h.publishSnapshots()
			}
		}
	}()
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token query param
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ident, err := h.jwtAuth.ParseIdentity(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, ident: ident}
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg models.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case models.MsgPresenceJoin:
			h.handleJoin(c, msg.Payload)
		case models.MsgActivityEvent:
			var ev models.ActivityEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			h.HandleEvents(c.scopeID, c.ident, []models.ActivityEvent{ev})
		case models.MsgActivityBatch:
			var events []models.ActivityEvent
			if err := json.Unmarshal(msg.Payload, &events); err != nil {
				continue
			}
			h.HandleEvents(c.scopeID, c.ident, events)
		case models.MsgHeartbeat:
			h.agg.Touch(c.ident.UserID)
		}
	}
}

func (h *Hub) handleJoin(c *client, payload json.RawMessage) {
	var join models.PresenceJoin
	if err := json.Unmarshal(payload, &join); err != nil || join.ScopeID == "" {
		return
	}

	// The token is authoritative for identity; the payload only names the
	// scope being joined.
	h.register(c, join.ScopeID)
	h.agg.SetOnline(c.ident.UserID, c.ident.DisplayName, c.ident.Role, join.ScopeID, true)

	// Observers get an immediate full state sync on subscribe.
	if c.ident.Role == models.RoleTeacher {
		snapshot := h.agg.ScopeSnapshot(join.ScopeID)
		data, err := json.Marshal(models.NewWSMessage(models.MsgPresenceSnapshot, snapshot))
		if err == nil {
			c.write(data)
		}
	}
}

// HandleEvents validates, enriches, aggregates, persists, and broadcasts a
// group of incoming events. Shared by the websocket path and the REST
// fallback handler.
func (h *Hub) HandleEvents(scopeID string, ident middleware.Identity, events []models.ActivityEvent) {
	accepted := make([]models.ActivityEvent, 0, len(events))
	for _, ev := range events {
		if ev.ProducerID != ident.UserID {
			// Producers may only report their own activity.
			continue
		}
		// Enrich with the display name observers will render.
		ev.ProducerName = ident.DisplayName
		if ev.Role == "" {
			ev.Role = ident.Role
		}
		h.agg.ApplyEvent(ev, scopeID)
		accepted = append(accepted, ev)
	}
	if len(accepted) == 0 {
		return
	}

	ctx := context.Background()

	// Queue for durable persistence; a worker drains this into Postgres.
	if h.queueClient != nil {
		if err := queue.PushActivityBatch(ctx, h.queueClient, scopeID, accepted); err != nil {
			log.Printf("hub: failed to enqueue %d events for persistence: %v", len(accepted), err)
		}
	}

	if scopeID == "" {
		return
	}
	for _, ev := range accepted {
		data, err := json.Marshal(models.NewWSMessage(models.MsgActivityBroadcast, ev))
		if err != nil {
			continue
		}
		h.publish(ctx, scopeID, data)
	}
}

func (h *Hub) register(c *client, scopeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Re-join with a different scope moves the connection.
	if c.joined && c.scopeID != scopeID {
		h.removeLocked(c)
	}
	c.scopeID = scopeID
	c.joined = true

	if h.scopes[scopeID] == nil {
		h.scopes[scopeID] = make(map[*client]struct{})
	}
	h.scopes[scopeID][c] = struct{}{}

	// First connection in the scope starts its pub/sub subscription.
	if len(h.scopes[scopeID]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[scopeID] = cancel
		go h.subscribeToPubSub(ctx, scopeID)
	}

	log.Printf("WebSocket joined: user %s scope %s (total: %d)", c.ident.UserID, scopeID, len(h.scopes[scopeID]))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()

	c.conn.Close()
	if c.joined {
		h.agg.SetOnline(c.ident.UserID, c.ident.DisplayName, c.ident.Role, c.scopeID, false)
	}
	log.Printf("WebSocket disconnected: user %s", c.ident.UserID)
}

func (h *Hub) removeLocked(c *client) {
	conns, ok := h.scopes[c.scopeID]
	if !ok {
		return
	}
	delete(conns, c)

	// Last connection in the scope cancels its pub/sub subscription.
	if len(conns) == 0 {
		delete(h.scopes, c.scopeID)
		if cancel, ok := h.cancelFuncs[c.scopeID]; ok {
			cancel()
			delete(h.cancelFuncs, c.scopeID)
		}
	}
}

func scopeChannel(scopeID string) string {
	return "scope_updates:" + scopeID
}

func (h *Hub) publish(ctx context.Context, scopeID string, data []byte) {
	if h.pubsubClient == nil {
		// Single-instance fallback: deliver directly.
		h.broadcast(scopeID, data)
		return
	}
	if err := h.pubsubClient.Publish(ctx, scopeChannel(scopeID), data).Err(); err != nil {
		log.Printf("hub: publish to %s failed: %v", scopeChannel(scopeID), err)
	}
}

func (h *Hub) subscribeToPubSub(ctx context.Context, scopeID string) {
	if h.pubsubClient == nil {
		return
	}
	pubsub := h.pubsubClient.Subscribe(ctx, scopeChannel(scopeID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(scopeID, []byte(msg.Payload))
		}
	}
}

// broadcast delivers a frame to every observer connection in the scope.
func (h *Hub) broadcast(scopeID string, data []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.scopes[scopeID]))
	for c := range h.scopes[scopeID] {
		if c.ident.Role == models.RoleTeacher {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.write(data)
	}
}

func (h *Hub) publishSnapshots() {
	h.mu.RLock()
	scopeIDs := make([]string, 0, len(h.scopes))
	for scopeID := range h.scopes {
		scopeIDs = append(scopeIDs, scopeID)
	}
	h.mu.RUnlock()

	ctx := context.Background()
	for _, scopeID := range scopeIDs {
		snapshot := h.agg.ScopeSnapshot(scopeID)
		data, err := json.Marshal(models.NewWSMessage(models.MsgPresenceSnapshot, snapshot))
		if err != nil {
			continue
		}
		h.publish(ctx, scopeID, data)
	}
}
