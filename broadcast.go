package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type BroadcastRequest struct {
	ChannelID string          `json:"channelId" validate:"required"`
	Event     string          `json:"event" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
}

// BroadcastHandler serves POST /api/broadcast: other services push an event
// to every member of a room.
type BroadcastHandler struct {
	internalEndpoint
	hub *Hub
}

func NewBroadcastHandler(hub *Hub, secret []byte, maxSkew time.Duration, log *slog.Logger) *BroadcastHandler {
	return &BroadcastHandler{
		internalEndpoint: internalEndpoint{secret: secret, maxSkew: maxSkew, log: log, now: time.Now},
		hub:              hub,
	}
}

func (h *BroadcastHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r)
	if !ok {
		return
	}
	var req BroadcastRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed json")
		return
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.Event = strings.TrimSpace(req.Event)
	if err := validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}

	delivered := h.hub.EmitToRoom(req.ChannelID, encodeFrame(req.Event, req.Payload))
	h.log.Debug("broadcast", "room", req.ChannelID, "event", req.Event, "delivered", delivered)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": delivered})
}
