// Package notifications owns the realtime side of chat: websocket clients,
// the room router, presence and outbound event publishing.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"officechat/internal/middleware"
	"officechat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

var (
	ErrUserConnLimit   = errors.New("user connection limit reached")
	ErrServerConnLimit = errors.New("server connection limit reached")
	ErrHubClosed       = errors.New("chat hub is shutting down")
)

// ChatHub routes frames between connections. Every connection sits in its
// user's personal room; chat rooms are joined per connection on demand and
// are independent of persisted chat membership.
type ChatHub struct {
	mu sync.RWMutex

	// userID -> connections (personal room)
	userConns map[uint]map[*Client]struct{}

	// chatID -> subscribed connections
	rooms map[uint]map[*Client]struct{}

	// connection -> chat rooms it joined
	clientRooms map[*Client]map[uint]struct{}

	totalConns int
	closed     bool

	// turnMu orders presence transitions with their broadcasts, so observers
	// see user_online and user_offline in the order the set changed.
	turnMu   sync.Mutex
	presence *Presence
	log      *observability.WSLogger
}

// Name returns a human-readable identifier for this hub.
func (h *ChatHub) Name() string { return "chat hub" }

// NewChatHub creates a hub announcing presence transitions from presence.
// A nil presence gets a default ref-counted tracker.
func NewChatHub(presence *Presence) *ChatHub {
	if presence == nil {
		presence = NewPresence(PresenceOptions{})
	}
	h := &ChatHub{
		userConns:   make(map[uint]map[*Client]struct{}),
		rooms:       make(map[uint]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[uint]struct{}),
		presence:    presence,
		log:         observability.NewWSLogger("chat", func() *slog.Logger { return middleware.Logger }),
	}
	presence.SetOfflineHandler(h.announceOffline)
	presence.SetTransitionLock(&h.turnMu)
	return h
}

// Register adds a connection to its user's personal room, announces the user
// online when this is a presence transition and sends the online snapshot to
// the new connection only.
func (h *ChatHub) Register(userID uint, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, ErrServerConnLimit
	}
	conns := h.userConns[userID]
	if len(conns) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, ErrUserConnLimit
	}
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.userConns[userID] = conns
	}

	client := NewClient(h, conn, userID)
	conns[client] = struct{}{}
	h.totalConns++
	count := len(conns)
	h.mu.Unlock()

	middleware.ActiveWebSockets.Inc()
	h.log.LogConnect(client.Context(), userID, count)

	h.turnMu.Lock()
	if h.presence.Connect(userID) {
		h.BroadcastAll(EventUserOnline, userID)
	}
	if frame, err := Encode(EventOnlineUsers, h.presence.Snapshot()); err == nil {
		client.TrySend(frame)
	}
	h.turnMu.Unlock()
	return client, nil
}

// UnregisterClient removes the connection from every room it was in and
// announces the user offline when presence says so. Safe to call twice.
func (h *ChatHub) UnregisterClient(client *Client) {
	h.mu.Lock()
	conns, ok := h.userConns[client.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := conns[client]; !exists {
		h.mu.Unlock()
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.userConns, client.UserID)
	}
	h.totalConns--
	h.leaveAllLocked(client)
	h.mu.Unlock()

	middleware.ActiveWebSockets.Dec()
	h.log.LogDisconnect(client.Context(), client.UserID, "closed")
	client.close()

	h.turnMu.Lock()
	if h.presence.Disconnect(client.UserID) {
		h.announceOffline(client.UserID)
	}
	h.turnMu.Unlock()
}

// announceOffline runs with turnMu held.
func (h *ChatHub) announceOffline(userID uint) {
	h.BroadcastAll(EventUserOffline, userID)
}

// leaveAllLocked must be called with h.mu held.
func (h *ChatHub) leaveAllLocked(client *Client) {
	for chatID := range h.clientRooms[client] {
		if room, ok := h.rooms[chatID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	delete(h.clientRooms, client)
}

// JoinChat subscribes one connection to a chat room. Callers check
// persisted membership first.
func (h *ChatHub) JoinChat(client *Client, chatID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.userConns[client.UserID][client]; !ok {
		return
	}
	room := h.rooms[chatID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[chatID] = room
	}
	room[client] = struct{}{}

	joined := h.clientRooms[client]
	if joined == nil {
		joined = make(map[uint]struct{})
		h.clientRooms[client] = joined
	}
	joined[chatID] = struct{}{}
}

// LeaveChat unsubscribes one connection from a chat room.
func (h *ChatHub) LeaveChat(client *Client, chatID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[chatID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
	if joined, ok := h.clientRooms[client]; ok {
		delete(joined, chatID)
		if len(joined) == 0 {
			delete(h.clientRooms, client)
		}
	}
}

// LeaveChatUser unsubscribes every connection of userID from a chat room,
// used when the user stops being a member.
func (h *ChatHub) LeaveChatUser(userID, chatID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[chatID]
	if !ok {
		return
	}
	for client := range room {
		if client.UserID != userID {
			continue
		}
		delete(room, client)
		if joined, ok := h.clientRooms[client]; ok {
			delete(joined, chatID)
		}
	}
	if len(room) == 0 {
		delete(h.rooms, chatID)
	}
}

// RoomOccupants returns the distinct users with a connection in the chat
// room, in ascending order.
func (h *ChatHub) RoomOccupants(chatID uint) []uint {
	h.mu.RLock()
	seen := make(map[uint]struct{}, len(h.rooms[chatID]))
	for client := range h.rooms[chatID] {
		seen[client.UserID] = struct{}{}
	}
	h.mu.RUnlock()

	ids := make([]uint, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsOnline reports whether userID is in the presence set.
func (h *ChatHub) IsOnline(userID uint) bool {
	return h.presence.IsOnline(userID)
}

// OnlineUsers returns the presence snapshot.
func (h *ChatHub) OnlineUsers() []uint {
	return h.presence.Snapshot()
}

// BroadcastToChat sends an event to every connection in the chat room except
// those belonging to excludeUserID (0 excludes nobody).
func (h *ChatHub) BroadcastToChat(chatID uint, eventType string, payload any, excludeUserID uint) {
	frame, ok := h.encode(eventType, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[chatID]))
	for client := range h.rooms[chatID] {
		if excludeUserID != 0 && client.UserID == excludeUserID {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.TrySend(frame)
	}
}

// SendToUser sends an event to every connection in userID's personal room
// and returns how many connections accepted it.
func (h *ChatHub) SendToUser(userID uint, eventType string, payload any) int {
	frame, ok := h.encode(eventType, payload)
	if !ok {
		return 0
	}
	return h.sendFrame(h.snapshotUsers([]uint{userID}), frame)
}

// SendToUsers sends the same event to the personal rooms of userIDs.
func (h *ChatHub) SendToUsers(userIDs []uint, eventType string, payload any) {
	frame, ok := h.encode(eventType, payload)
	if !ok {
		return
	}
	h.sendFrame(h.snapshotUsers(userIDs), frame)
}

// BroadcastAll sends an event to every connection.
func (h *ChatHub) BroadcastAll(eventType string, payload any) {
	frame, ok := h.encode(eventType, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, h.totalConns)
	for _, conns := range h.userConns {
		for client := range conns {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	h.sendFrame(targets, frame)
}

func (h *ChatHub) snapshotUsers(userIDs []uint) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[uint]struct{}, len(userIDs))
	var targets []*Client
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for client := range h.userConns[id] {
			targets = append(targets, client)
		}
	}
	return targets
}

func (h *ChatHub) sendFrame(targets []*Client, frame []byte) int {
	sent := 0
	for _, client := range targets {
		if client.TrySend(frame) {
			sent++
		}
	}
	return sent
}

func (h *ChatHub) encode(eventType string, payload any) ([]byte, bool) {
	frame, err := Encode(eventType, payload)
	if err != nil {
		middleware.Logger.Error("failed to encode realtime event",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return frame, true
}

// Shutdown closes every connection and stops presence timers. Registrations
// after Shutdown fail with ErrHubClosed.
func (h *ChatHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, h.totalConns)
	for _, conns := range h.userConns {
		for client := range conns {
			clients = append(clients, client)
		}
	}
	h.userConns = make(map[uint]map[*Client]struct{})
	h.rooms = make(map[uint]map[*Client]struct{})
	h.clientRooms = make(map[*Client]map[uint]struct{})
	h.totalConns = 0
	h.mu.Unlock()

	h.presence.Stop()

	for _, client := range clients {
		middleware.ActiveWebSockets.Dec()
		// Closing Send makes WritePump send a close frame and drop the socket.
		client.close()
	}
	return nil
}
