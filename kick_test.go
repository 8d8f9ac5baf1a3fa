package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, path, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	r.Header.Set(signatureHeader, signBody(testSecret, []byte(body), time.Now()))
	return r
}

func newTestKickHandler(h *Hub) *KickHandler {
	return NewKickHandler(h, testSecret, 5*time.Minute, slog.New(slog.DiscardHandler))
}

func TestRoomMatchesPattern(t *testing.T) {
	req := require.New(t)
	req.True(roomMatchesPattern("drive:abc", "drive:*"))
	req.False(roomMatchesPattern("page-123", "drive:*"))
	req.True(roomMatchesPattern("dm:1", "dm:1"))
	req.False(roomMatchesPattern("dm:12", "dm:1"))
	req.True(roomMatchesPattern("activity:drive:1", "activity:*"))
	req.True(roomMatchesPattern("anything", "*"))
}

func TestKick_Unsigned_Is_Rejected_Before_Parsing(t *testing.T) {
	req := require.New(t)
	h := testHub()
	c := registered(h, "c1", "u1")
	h.Join(c.id, "drive:1")
	handler := newTestKickHandler(h)

	for _, header := range []string{"", "t=1,v1=deadbeef"} {
		r := httptest.NewRequest(http.MethodPost, "/api/kick", bytes.NewBufferString("{not json"))
		if header != "" {
			r.Header.Set(signatureHeader, header)
		}
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		req.Equal(http.StatusUnauthorized, w.Code)
	}
	req.True(h.IsMember(c.id, "drive:1"))
}

func TestKick_Oversized_Unsigned_Body_Is_Unauthorized(t *testing.T) {
	req := require.New(t)
	body := bytes.Repeat([]byte("x"), 2*maxInternalBody)
	r := httptest.NewRequest(http.MethodPost, "/api/kick", bytes.NewReader(body))
	r.Header.Set(signatureHeader, "t=1,v1=deadbeef")
	w := httptest.NewRecorder()

	newTestKickHandler(testHub()).ServeHTTP(w, r)

	req.Equal(http.StatusUnauthorized, w.Code)
	req.JSONEq(`{"error":"invalid signature"}`, w.Body.String())
}

func TestKick_Bad_Requests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"userId":`},
		{"missing user", `{"roomPattern":"drive:*","reason":"member_removed"}`},
		{"blank user", `{"userId":"   ","roomPattern":"drive:*","reason":"member_removed"}`},
		{"blank pattern", `{"userId":"u1","roomPattern":" ","reason":"member_removed"}`},
		{"unknown reason", `{"userId":"u1","roomPattern":"drive:*","reason":"because"}`},
		{"missing reason", `{"userId":"u1","roomPattern":"drive:*"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			h := testHub()
			c := registered(h, "c1", "u1")
			h.Join(c.id, "drive:1")
			w := httptest.NewRecorder()

			newTestKickHandler(h).ServeHTTP(w, signedRequest(t, "/api/kick", tc.body))

			req.Equal(http.StatusBadRequest, w.Code)
			req.True(h.IsMember(c.id, "drive:1"))
		})
	}
}

func TestKick_Evicts_Matching_Rooms(t *testing.T) {
	req := require.New(t)
	h := testHub()
	c1 := registered(h, "c1", "u1")
	c2 := registered(h, "c2", "u1")
	h.Join(c1.id, "drive:1")
	h.Join(c2.id, "drive:2")
	w := httptest.NewRecorder()

	body := `{"userId":" u1 ","roomPattern":"drive:*","reason":"member_removed","metadata":{"driveId":"1","driveName":"Team"}}`
	newTestKickHandler(h).ServeHTTP(w, signedRequest(t, "/api/kick", body))

	req.Equal(http.StatusOK, w.Code)
	var resp struct {
		Success     bool     `json:"success"`
		KickedCount int      `json:"kickedCount"`
		Rooms       []string `json:"rooms"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.True(resp.Success)
	req.Equal(2, resp.KickedCount)
	req.ElementsMatch([]string{"drive:1", "drive:2"}, resp.Rooms)

	frames := drain(t, c1)
	req.Len(frames, 1)
	data := frames[0].Data.(map[string]any)
	req.Equal("Team", data["metadata"].(map[string]any)["driveName"])
}

func TestKick_Offline_User_Succeeds(t *testing.T) {
	req := require.New(t)
	w := httptest.NewRecorder()

	body := `{"userId":"ghost","roomPattern":"drive:*","reason":"session_revoked"}`
	newTestKickHandler(testHub()).ServeHTTP(w, signedRequest(t, "/api/kick", body))

	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"success":true,"kickedCount":0,"rooms":[]}`, w.Body.String())
}

func TestRouter_Kick_Requires_Post(t *testing.T) {
	h := testHub()
	router := newRouter(
		NewGateway(h, nil, nil, slog.New(slog.DiscardHandler), GatewayConfig{}),
		newTestKickHandler(h),
		NewBroadcastHandler(h, testSecret, 5*time.Minute, slog.New(slog.DiscardHandler)),
		&healthHandler{hub: h},
	)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/kick", nil))

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
