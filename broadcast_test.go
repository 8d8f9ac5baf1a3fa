package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBroadcastHandler(h *Hub) *BroadcastHandler {
	return NewBroadcastHandler(h, testSecret, 5*time.Minute, slog.New(slog.DiscardHandler))
}

func TestBroadcast_Emits_To_Room(t *testing.T) {
	req := require.New(t)
	h := testHub()
	member := registered(h, "c1", "u1")
	other := registered(h, "c2", "u2")
	h.Join(member.id, "drive:1")
	w := httptest.NewRecorder()

	body := `{"channelId":"drive:1","event":"page:created","payload":{"pageId":"p1"}}`
	newTestBroadcastHandler(h).ServeHTTP(w, signedRequest(t, "/api/broadcast", body))

	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"success":true,"delivered":1}`, w.Body.String())
	frames := drain(t, member)
	req.Len(frames, 1)
	req.Equal("page:created", frames[0].Event)
	req.Equal(map[string]any{"pageId": "p1"}, frames[0].Data)
	req.Empty(drain(t, other))
}

func TestBroadcast_Rejects(t *testing.T) {
	h := testHub()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/broadcast", bytes.NewBufferString(`{"channelId":"drive:1","event":"x"}`))
	newTestBroadcastHandler(h).ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	newTestBroadcastHandler(h).ServeHTTP(w, signedRequest(t, "/api/broadcast", `{"channelId":"","event":"x"}`))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	newTestBroadcastHandler(h).ServeHTTP(w, signedRequest(t, "/api/broadcast", `[]`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
