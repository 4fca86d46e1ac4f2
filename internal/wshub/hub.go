// Package wshub implements the WebSocket Hub (spec.md §4.11): session
// establishment from a signed cookie, per-action capability gating, the
// batch-mutation handler pattern, and the per-connection broadcast
// transform that turns one assembled item list into N tailored payloads.
package wshub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/auth"
	"github.com/got3nks/amule-web-controller-sub002/internal/category"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/move"
	"github.com/got3nks/amule-web-controller-sub002/internal/pipeline"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
	"github.com/got3nks/amule-web-controller-sub002/internal/store"
	"github.com/got3nks/amule-web-controller-sub002/internal/user"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionValidator is the narrow slice of auth.Gate the hub depends on.
type SessionValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// EventFirer is the narrow slice of events.Hook the hub depends on, kept
// separate so wshub never imports events' transport details.
type EventFirer interface {
	Fire(name string, payload map[string]any)
}

// Claims is the per-connection identity the capability gate and
// broadcast transform consult.
type Claims = auth.Claims

type Hub struct {
	registry    *registry.Registry
	categories  *category.Manager
	moves       *move.Manager
	users       *user.Store
	history     *store.History
	cache       *pipeline.Cache
	sessions    SessionValidator
	events      EventFirer
	secret      []byte
	authEnabled bool
	log         *logging.Logger

	mu    sync.RWMutex
	conns map[*Connection]struct{}

	searchLockMu sync.Mutex
	searchLocked bool
}

func New(reg *registry.Registry, categories *category.Manager, moves *move.Manager, users *user.Store, history *store.History, cache *pipeline.Cache, sessions SessionValidator, events EventFirer, sessionSecret []byte, authEnabled bool) *Hub {
	return &Hub{
		registry:    reg,
		categories:  categories,
		moves:       moves,
		users:       users,
		history:     history,
		cache:       cache,
		sessions:    sessions,
		events:      events,
		secret:      sessionSecret,
		authEnabled: authEnabled,
		log:         logging.New("wshub"),
		conns:       map[*Connection]struct{}{},
	}
}

// Connection is one upgraded WebSocket client, carrying the session
// claims the broadcast transform and capability gate consult.
type Connection struct {
	ws     *websocket.Conn
	claims Claims
	token  string // empty in auth-disabled mode; used by the invalidation sweep
	hub    *Hub
	mu     sync.Mutex // guards concurrent WriteJSON calls
}

func (c *Connection) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.hub.log.Debugf("write to %s: %v", c.claims.Username, err)
	}
}

// ServeHTTP upgrades the request, authenticates it from the session
// cookie, and starts the read pump. Auth-disabled mode treats every
// connection as admin (spec.md §4.11).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, token, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("upgrade failed: %v", err)
		return
	}
	conn := &Connection{ws: ws, claims: claims, token: token, hub: h}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	conn.send(map[string]any{"type": "connected"})
	conn.send(map[string]any{"type": "search-lock", "locked": h.isSearchLocked()})
	h.sendFilteredBatch(conn)

	h.readPump(conn)
}

func (h *Hub) authenticate(r *http.Request) (Claims, string, bool) {
	if !h.authEnabled {
		return Claims{IsAdmin: true}, "", true
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Claims{}, "", false
	}
	token, ok := parseSignedCookie(h.secret, cookie.Value)
	if !ok {
		return Claims{}, "", false
	}
	c, err := h.sessions.Validate(token)
	if err != nil {
		return Claims{}, "", false
	}
	return *c, token, true
}

// sweepInterval bounds the session-invalidation heartbeat of spec.md §5's
// cancellation guarantee (S6: "within one validation heartbeat (≤ 5
// minutes)").
const sweepInterval = time.Minute

// RunInvalidationSweep periodically re-validates every open connection's
// session token and force-closes (WebSocket code 4001) any that the Auth
// Gate no longer considers valid — the mechanism behind a disabled,
// renamed, or deleted user's live connections being cut loose. Blocks
// until ctx is cancelled; run it in its own goroutine.
func (h *Hub) RunInvalidationSweep(ctx context.Context) {
	if !h.authEnabled {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

const closeInvalidSession = 4001

func (h *Hub) sweepOnce() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.token == "" {
			continue
		}
		if _, err := h.sessions.Validate(c.token); err != nil {
			h.closeInvalid(c)
		}
	}
}

func (h *Hub) closeInvalid(c *Connection) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeInvalidSession, "session invalidated"),
		time.Now().Add(time.Second))
	c.ws.Close()
	c.mu.Unlock()
	h.disconnect(c)
}

func (h *Hub) readPump(conn *Connection) {
	defer h.disconnect(conn)
	for {
		var msg struct {
			Action string         `json:"action"`
			Params map[string]any `json:"-"`
		}
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var envelope map[string]any
		if err := json.Unmarshal(raw, &envelope); err != nil {
			conn.send(errorReply("invalid message"))
			continue
		}
		action, _ := envelope["action"].(string)
		msg.Action = action
		h.dispatch(conn, action, envelope)
	}
}

func (h *Hub) disconnect(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.ws.Close()
}

func errorReply(msg string) map[string]any {
	return map[string]any{"type": "error", "message": msg}
}

// dispatch runs the three-step pipeline spec.md §4.11 requires for every
// inbound message: reconnect sweep, capability check, handler.
func (h *Hub) dispatch(conn *Connection, action string, params map[string]any) {
	h.reconnectDisconnected()

	required := requiredCapabilities[action]
	if len(required) > 0 {
		u := &model.User{IsAdmin: conn.claims.IsAdmin, Capabilities: conn.claims.Caps}
		if !u.HasAllCapabilities(required) {
			conn.send(errorReply("Insufficient permissions"))
			return
		}
	}

	handler, ok := handlers[action]
	if !ok {
		conn.send(errorReply("unknown action " + action))
		return
	}
	handler(h, conn, params)
}

// reconnectDisconnected auto-reconnects any enabled-but-disconnected
// instance before handling the message (spec.md §4.11 step a). This is a
// best-effort, non-blocking kick; the scheduler's own reconnect loop is
// the durable mechanism.
func (h *Hub) reconnectDisconnected() {
	for _, a := range h.registry.GetEnabled() {
		if a.IsConnected() {
			continue
		}
		a := a
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = a.InitClient(ctx)
		}()
	}
}

func (h *Hub) isSearchLocked() bool {
	h.searchLockMu.Lock()
	defer h.searchLockMu.Unlock()
	return h.searchLocked
}

func (h *Hub) setSearchLocked(v bool) {
	h.searchLockMu.Lock()
	h.searchLocked = v
	h.searchLockMu.Unlock()
}

// BroadcastBatch pushes the latest pipeline batch to every connection,
// each filtered through transformForUser.
func (h *Hub) BroadcastBatch() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.sendFilteredBatch(c)
	}
}

func (h *Hub) sendFilteredBatch(conn *Connection) {
	batch := h.cache.Latest()
	items := h.transformItems(batch.Items, conn.claims)
	conn.send(map[string]any{"type": "batch-update", "items": items, "timestamp": batch.Timestamp})
}

// transformItems implements the per-connection broadcast transform of
// spec.md §4.5/§4.11: without view_all_downloads, a connection sees only
// items it owns, each annotated ownedByMe:true.
func (h *Hub) transformItems(items []model.UnifiedItem, claims Claims) []model.UnifiedItem {
	u := &model.User{IsAdmin: claims.IsAdmin, Capabilities: claims.Caps, ID: claims.UserID}
	if u.HasCapability(model.CapViewAllDownloads) {
		out := make([]model.UnifiedItem, len(items))
		copy(out, items)
		for i := range out {
			key := model.CompoundKey(out[i].InstanceID, out[i].Hash)
			if owner, ok := h.users.OwnerOf(context.Background(), key); ok && owner == u.ID {
				out[i].OwnedByMe = true
			}
		}
		return out
	}
	out := make([]model.UnifiedItem, 0, len(items))
	for _, it := range items {
		key := model.CompoundKey(it.InstanceID, it.Hash)
		owner, ok := h.users.OwnerOf(context.Background(), key)
		if ok && owner == u.ID {
			it.OwnedByMe = true
			out = append(out, it)
		}
	}
	return out
}

// BatchItemRef identifies one item within a batch mutation request.
type BatchItemRef struct {
	FileHash   string `json:"fileHash"`
	InstanceID string `json:"instanceId"`
	FileName   string `json:"fileName,omitempty"`
}

// BatchItemResult is the per-item outcome spec.md §4.11 requires every
// batch mutation handler to collect.
type BatchItemResult struct {
	FileHash string `json:"fileHash"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Denied   bool   `json:"denied,omitempty"`
}

const maxBatchItems = 1000

// resolveAdapter looks up the adapter for an item ref, reporting a
// NotFound-style per-item failure the caller can fold straight into
// BatchItemResult.
func (h *Hub) resolveAdapter(ref BatchItemRef) (adapter.Adapter, error) {
	a, ok := h.registry.Get(ref.InstanceID)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown instance %q", ref.InstanceID)
	}
	return a, nil
}

// checkOwnership enforces per-item ownership unless the caller holds
// edit_all_downloads.
func (h *Hub) checkOwnership(claims Claims, ref BatchItemRef) bool {
	u := &model.User{IsAdmin: claims.IsAdmin, Capabilities: claims.Caps, ID: claims.UserID}
	if u.HasCapability(model.CapEditAllDownloads) {
		return true
	}
	key := model.CompoundKey(ref.InstanceID, ref.FileHash)
	owner, ok := h.users.OwnerOf(context.Background(), key)
	return ok && owner == u.ID
}

func parseItemRefs(params map[string]any) []BatchItemRef {
	raw, ok := params["items"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var refs []BatchItemRef
	_ = json.Unmarshal(buf, &refs)
	if len(refs) > maxBatchItems {
		refs = refs[:maxBatchItems]
	}
	return refs
}
