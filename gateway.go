package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
)

// Authenticator resolves a connect-time credential to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// Permissions is the external authorization oracle consulted before every
// resource scoped join.
type Permissions interface {
	CanViewPage(ctx context.Context, userID, pageID string) (bool, error)
	CanAccessDrive(ctx context.Context, userID, driveID string) (bool, error)
	// IsConversationParticipant looks the conversation up with the
	// participant filter applied in the same query.
	IsConversationParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	PageDriveID(ctx context.Context, pageID string) (string, error)
	Profile(ctx context.Context, userID string) (Profile, error)
}

// Profile is the identity shown next to a page viewer.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

const globalDrivesRoom = "global:drives"

func driveRoom(id string) string         { return "drive:" + id }
func dmRoom(id string) string            { return "dm:" + id }
func activityDriveRoom(id string) string { return "activity:drive:" + id }
func activityPageRoom(id string) string  { return "activity:page:" + id }
func notificationsRoom(u string) string  { return "notifications:" + u }
func userTasksRoom(u string) string      { return "user:" + u + ":tasks" }

// maxJoinAttempts bounds how often a join is re-authorized after losing a
// race against an eviction.
const maxJoinAttempts = 3

type GatewayConfig struct {
	AuthTimeout       time.Duration
	PermissionTimeout time.Duration
	CheckOrigin       func(r *http.Request) bool
	// CookieAuth accepts the session cookie as a credential. Only set it when
	// CheckOrigin restricts origins, or any site can ride a user's cookie.
	CookieAuth bool
}

// Gateway accepts realtime connections and turns their events into hub
// mutations.
type Gateway struct {
	hub      *Hub
	auth     Authenticator
	perms    Permissions
	log      *slog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, auth Authenticator, perms Permissions, log *slog.Logger, cfg GatewayConfig) *Gateway {
	return &Gateway{
		hub:   hub,
		auth:  auth,
		perms: perms,
		log:   log,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ServeWS authenticates the request and upgrades it. Requests without a
// valid credential never reach the hub.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	credential, source := extractCredential(r)
	if credential == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if source == fromCookie && !g.cfg.CookieAuth {
		g.log.Warn("cookie credential refused", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.AuthTimeout)
	userID, err := g.auth.Authenticate(ctx, credential)
	cancel()
	if err != nil {
		g.log.Info("connection refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		g.log.Error("connection id", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", "error", err)
		return
	}

	client := newClient(conn, id.String(), userID)
	g.connect(client)

	go client.writePump(g.log)
	go client.readPump(g)
}

// connect registers an authenticated client and joins the rooms scoped to
// its own identity.
func (g *Gateway) connect(c *Client) {
	g.hub.Register(c)
	g.hub.Join(c.id, notificationsRoom(c.userID))
	g.hub.Join(c.id, userTasksRoom(c.userID))
	g.log.Info("client connected", "conn_id", c.id, "user_id", c.userID)
}

func (g *Gateway) disconnect(c *Client) {
	updates := g.hub.Unregister(c.id)
	g.log.Info("client disconnected", "conn_id", c.id, "user_id", c.userID, "pages", len(updates))
}

// dispatch handles one validated event. Every kind must have a case.
func (g *Gateway) dispatch(ctx context.Context, c *Client, ev Event) {
	switch ev.Kind {
	case EventJoinChannel:
		g.joinChannel(ctx, c, ev.ID)
	case EventJoinDrive:
		g.joinChecked(ctx, c, ev, driveRoom(ev.ID), g.driveCheck(c, ev.ID))
	case EventLeaveDrive:
		g.hub.Leave(c.id, driveRoom(ev.ID))
	case EventJoinDMConversation:
		g.joinChecked(ctx, c, ev, dmRoom(ev.ID), func(ctx context.Context) (bool, error) {
			return g.perms.IsConversationParticipant(ctx, c.userID, ev.ID)
		})
	case EventLeaveDMConversation:
		g.hub.Leave(c.id, dmRoom(ev.ID))
	case EventJoinGlobalDrives:
		g.hub.Join(c.id, globalDrivesRoom)
	case EventLeaveGlobalDrives:
		g.hub.Leave(c.id, globalDrivesRoom)
	case EventJoinActivityDrive:
		g.joinChecked(ctx, c, ev, activityDriveRoom(ev.ID), g.driveCheck(c, ev.ID))
	case EventLeaveActivityDrive:
		g.hub.Leave(c.id, activityDriveRoom(ev.ID))
	case EventJoinActivityPage:
		g.joinChecked(ctx, c, ev, activityPageRoom(ev.ID), g.pageCheck(c, ev.ID))
	case EventLeaveActivityPage:
		g.hub.Leave(c.id, activityPageRoom(ev.ID))
	case EventPresenceJoinPage:
		g.presenceJoin(ctx, c, ev.ID)
	case EventPresenceLeavePage:
		g.hub.RemoveViewer(c.id, ev.ID)
	default:
		g.log.Error("unhandled event kind", "event", ev.Kind.String(), "conn_id", c.id)
	}
}

type accessCheck func(ctx context.Context) (bool, error)

func (g *Gateway) pageCheck(c *Client, pageID string) accessCheck {
	return func(ctx context.Context) (bool, error) {
		return g.perms.CanViewPage(ctx, c.userID, pageID)
	}
}

func (g *Gateway) driveCheck(c *Client, driveID string) accessCheck {
	return func(ctx context.Context) (bool, error) {
		return g.perms.CanAccessDrive(ctx, c.userID, driveID)
	}
}

// authorizeJoin runs check and applies the join if it passes. The hub lock
// is not held during check; if an eviction hits the connection meanwhile the
// decision is discarded and check runs again.
func (g *Gateway) authorizeJoin(ctx context.Context, c *Client, room string, check accessCheck) (bool, error) {
	for range maxJoinAttempts {
		gen := g.hub.Generation(c.id)
		ctx, cancel := context.WithTimeout(ctx, g.cfg.PermissionTimeout)
		ok, err := check(ctx)
		cancel()
		if err != nil || !ok {
			return false, err
		}
		err = g.hub.JoinIfCurrent(c.id, room, gen)
		if errors.Is(err, errJoinSuperseded) {
			continue
		}
		return err == nil, err
	}
	return false, errJoinSuperseded
}

// joinChecked is the lenient policy used for secondary rooms: a denial or a
// failed lookup is logged and the join skipped.
func (g *Gateway) joinChecked(ctx context.Context, c *Client, ev Event, room string, check accessCheck) {
	ok, err := g.authorizeJoin(ctx, c, room, check)
	switch {
	case err != nil:
		g.log.Warn("join skipped", "event", ev.Kind.String(), "room", room, "conn_id", c.id, "user_id", c.userID, "error", err)
	case !ok:
		g.log.Info("join denied", "event", ev.Kind.String(), "room", room, "conn_id", c.id, "user_id", c.userID)
	}
}

// joinChannel is strict: the page channel exposes content, so a denial or a
// failed lookup disconnects the client.
func (g *Gateway) joinChannel(ctx context.Context, c *Client, pageID string) {
	ok, err := g.authorizeJoin(ctx, c, pageID, g.pageCheck(c, pageID))
	if ok {
		return
	}
	if errors.Is(err, errConnectionClosed) {
		return
	}
	g.log.Warn("page channel denied, disconnecting",
		"page_id", pageID, "conn_id", c.id, "user_id", c.userID, "error", err)
	c.closeWith(closeAccessDenied, "access denied")
}

// presenceJoin marks the client as viewing pageID. Failures are logged and
// leave the connection alone. An eviction that lands during the lookups
// discards them and they run again, as for room joins.
func (g *Gateway) presenceJoin(ctx context.Context, c *Client, pageID string) {
	for range maxJoinAttempts {
		gen := g.hub.Generation(c.id)
		viewer, driveID, ok := g.lookupViewer(ctx, c, pageID)
		if !ok {
			return
		}
		err := g.hub.AddViewerIfCurrent(pageID, driveID, viewer, gen)
		if !errors.Is(err, errJoinSuperseded) {
			return
		}
	}
	g.log.Info("presence join superseded", "page_id", pageID, "conn_id", c.id, "user_id", c.userID)
}

// lookupViewer checks that c may view pageID and resolves the page's drive
// and the viewer's profile.
func (g *Gateway) lookupViewer(ctx context.Context, c *Client, pageID string) (Viewer, string, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PermissionTimeout)
	defer cancel()

	ok, err := g.perms.CanViewPage(ctx, c.userID, pageID)
	if err != nil || !ok {
		g.log.Info("presence join denied", "page_id", pageID, "conn_id", c.id, "user_id", c.userID, "error", err)
		return Viewer{}, "", false
	}
	driveID, err := g.perms.PageDriveID(ctx, pageID)
	if err != nil {
		g.log.Warn("presence join: page drive lookup failed", "page_id", pageID, "error", err)
		return Viewer{}, "", false
	}
	profile, err := g.perms.Profile(ctx, c.userID)
	if err != nil {
		g.log.Warn("presence join: profile lookup failed", "user_id", c.userID, "error", err)
		profile = Profile{DisplayName: c.userID}
	}
	return Viewer{
		UserID:      c.userID,
		ConnID:      c.id,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}, driveID, true
}
