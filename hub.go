package main

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errJoinSuperseded   = errors.New("join superseded by eviction")
)

// Hub owns the shared realtime state: the room Registry, the
// PresenceTracker and the table of live clients. A single mutex guards all
// three; it is never held across I/O.
type Hub struct {
	mu       sync.Mutex
	registry *Registry
	presence *PresenceTracker
	clients  map[string]*Client

	// generations counts evictions per connection so an authorization
	// decision taken before an eviction is not applied after it.
	generations map[string]uint64

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		registry:    NewRegistry(),
		presence:    NewPresenceTracker(),
		clients:     map[string]*Client{},
		generations: map[string]uint64{},
		log:         log,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.registry.RegisterConnection(c.userID, c.id)
}

// Unregister runs the disconnect sequence for connID: the connection leaves
// every room, stops viewing every page, and the remaining viewers of those
// pages are told. It returns the per page updates that were broadcast.
func (h *Hub) Unregister(connID string) []PageViewers {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		close(c.send)
	}
	delete(h.generations, connID)
	h.registry.UnregisterConnection(connID)
	updates := h.presence.RemoveSocket(connID)
	for _, u := range updates {
		h.broadcastViewersLocked(u, "")
	}
	return updates
}

// Join adds connID to room unconditionally. Used for rooms that are scoped
// to the connection's own identity.
func (h *Hub) Join(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.JoinRoom(connID, room)
}

func (h *Hub) Leave(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.LeaveRoom(connID, room)
}

// Generation returns the eviction generation of connID. Read it before an
// authorization check and hand it to JoinIfCurrent afterwards.
func (h *Hub) Generation(connID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generations[connID]
}

// JoinIfCurrent joins room only if no eviction touched connID since gen was
// read.
func (h *Hub) JoinIfCurrent(connID, room string, gen uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[connID]; !ok {
		return errConnectionClosed
	}
	if h.generations[connID] != gen {
		return errJoinSuperseded
	}
	h.registry.JoinRoom(connID, room)
	return nil
}

func (h *Hub) IsMember(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.IsMember(connID, room)
}

// EmitTo queues frame for a single connection.
func (h *Hub) EmitTo(connID string, frame []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	h.deliverLocked(c, frame)
	return true
}

// EmitToRoom queues frame for every member of room and returns how many
// connections it was queued for.
func (h *Hub) EmitToRoom(room string, frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, connID := range h.registry.MembersOf(room) {
		if c, ok := h.clients[connID]; ok {
			h.deliverLocked(c, frame)
			n++
		}
	}
	return n
}

// AddViewerIfCurrent records viewer on pageID and broadcasts the new viewer
// list to the page room, the drive room and the viewer itself. Like
// JoinIfCurrent it refuses when an eviction touched the viewer's connection
// since gen was read.
func (h *Hub) AddViewerIfCurrent(pageID, driveID string, viewer Viewer, gen uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[viewer.ConnID]; !ok {
		return errConnectionClosed
	}
	if h.generations[viewer.ConnID] != gen {
		return errJoinSuperseded
	}
	viewers := h.presence.AddViewer(pageID, driveID, viewer)
	h.broadcastViewersLocked(PageViewers{PageID: pageID, DriveID: driveID, Viewers: viewers}, viewer.ConnID)
	return nil
}

// RemoveViewer is the inverse of AddViewer. It is a no-op for a connection
// that was not viewing pageID.
func (h *Hub) RemoveViewer(connID, pageID string) []Viewer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.presence.IsViewing(connID, pageID) {
		return h.presence.GetViewers(pageID)
	}
	driveID, _ := h.presence.GetDriveID(pageID)
	viewers := h.presence.RemoveViewer(connID, pageID)
	h.broadcastViewersLocked(PageViewers{PageID: pageID, DriveID: driveID, Viewers: viewers}, connID)
	return viewers
}

func (h *Hub) UniqueViewers(pageID string) []Viewer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence.GetUniqueViewers(pageID)
}

// KickResult is the outcome of an eviction.
type KickResult struct {
	KickedCount int      `json:"kickedCount"`
	Rooms       []string `json:"rooms"`
}

// Evict removes every connection of userID from the rooms matching pattern
// and sends each of them an access_revoked event per room. Presence on any
// page matching pattern ends too, whether or not the connection joined the
// page room. Evict commits before it returns.
func (h *Hub) Evict(userID, pattern string, reason KickReason, metadata *KickMetadata) KickResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := KickResult{Rooms: []string{}}
	var presenceUpdates []PageViewers
	for _, connID := range h.registry.ConnectionsOf(userID) {
		h.generations[connID]++
		c := h.clients[connID]
		for _, room := range h.registry.RoomsOf(connID) {
			if !roomMatchesPattern(room, pattern) {
				continue
			}
			h.registry.LeaveRoom(connID, room)
			result.KickedCount++
			result.Rooms = append(result.Rooms, room)
			if c != nil {
				h.deliverLocked(c, encodeFrame(outAccessRevoked, accessRevokedPayload{
					Room:     room,
					Reason:   reason,
					Metadata: metadata,
				}))
			}
		}
		for _, pageID := range h.presence.GetPagesForSocket(connID) {
			if !roomMatchesPattern(pageID, pattern) {
				continue
			}
			driveID, _ := h.presence.GetDriveID(pageID)
			presenceUpdates = append(presenceUpdates, PageViewers{
				PageID:  pageID,
				DriveID: driveID,
				Viewers: h.presence.RemoveViewer(connID, pageID),
			})
		}
	}
	for _, u := range presenceUpdates {
		h.broadcastViewersLocked(u, "")
	}
	result.Rooms = lo.Uniq(result.Rooms)

	if result.KickedCount > 0 {
		h.log.Info("evicted user from rooms",
			"user_id", userID, "pattern", pattern, "reason", reason,
			"kicked", result.KickedCount, "rooms", result.Rooms)
	}
	return result
}

// HubStats is reported by the health endpoint.
type HubStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
	Pages       int `json:"pages"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, users, rooms := h.registry.Counts()
	return HubStats{Connections: conns, Users: users, Rooms: rooms, Pages: len(h.presence.pages)}
}

// CloseAll disconnects every live client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := lo.Values(h.clients)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// broadcastViewersLocked sends the deduplicated viewer list of u.PageID to
// the page room, the drive room and extra, each connection at most once.
func (h *Hub) broadcastViewersLocked(u PageViewers, extra string) {
	frame := encodeFrame(outPageViewers, pageViewersPayload{
		PageID:  u.PageID,
		Viewers: uniqueByUser(u.Viewers),
	})
	targets := set{}
	for _, connID := range h.registry.MembersOf(u.PageID) {
		targets[connID] = struct{}{}
	}
	if u.DriveID != "" {
		for _, connID := range h.registry.MembersOf(driveRoom(u.DriveID)) {
			targets[connID] = struct{}{}
		}
	}
	if extra != "" {
		targets[extra] = struct{}{}
	}
	for connID := range targets {
		if c, ok := h.clients[connID]; ok {
			h.deliverLocked(c, frame)
		}
	}
}

// deliverLocked queues frame without blocking. A client that cannot keep up
// is disconnected; its read pump then unregisters it.
func (h *Hub) deliverLocked(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.Warn("send buffer full, dropping client", "conn_id", c.id, "user_id", c.userID)
		go c.close()
	}
}
