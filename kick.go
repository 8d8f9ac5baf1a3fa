package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// KickReason says why a user lost access.
type KickReason string

const (
	ReasonMemberRemoved     KickReason = "member_removed"
	ReasonRoleChanged       KickReason = "role_changed"
	ReasonPermissionRevoked KickReason = "permission_revoked"
	ReasonSessionRevoked    KickReason = "session_revoked"
)

type KickMetadata struct {
	DriveID   string `json:"driveId,omitempty"`
	PageID    string `json:"pageId,omitempty"`
	DriveName string `json:"driveName,omitempty"`
}

// KickRequest is the body of POST /api/kick and of revocation notifications.
type KickRequest struct {
	UserID      string        `json:"userId" validate:"required"`
	RoomPattern string        `json:"roomPattern" validate:"required"`
	Reason      KickReason    `json:"reason" validate:"required,oneof=member_removed role_changed permission_revoked session_revoked"`
	Metadata    *KickMetadata `json:"metadata,omitempty"`
}

var validate = validator.New()

// normalize trims identifiers and validates the request.
func (k *KickRequest) normalize() error {
	k.UserID = strings.TrimSpace(k.UserID)
	k.RoomPattern = strings.TrimSpace(k.RoomPattern)
	return validate.Struct(k)
}

// roomMatchesPattern matches room against an exact name or, when pattern
// ends in '*', against the prefix before it.
func roomMatchesPattern(room, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(room, prefix)
	}
	return room == pattern
}

const maxInternalBody = 1 << 20

// internalEndpoint authenticates requests from other services in the
// deployment by an HMAC over the raw body.
type internalEndpoint struct {
	secret  []byte
	maxSkew time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// verifiedBody reads the body and checks its signature before anything
// looks at its content. On failure the response has been written.
func (e *internalEndpoint) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	header := r.Header.Get(signatureHeader)
	if header == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing signature")
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInternalBody))
	if err != nil {
		// A body that cannot be read cannot be verified.
		e.log.Warn("rejected internal request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
		writeJSONError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	if err := verifySignature(e.secret, header, body, e.now(), e.maxSkew); err != nil {
		e.log.Warn("rejected internal request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
		writeJSONError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

// KickHandler serves POST /api/kick.
type KickHandler struct {
	internalEndpoint
	hub *Hub
}

func NewKickHandler(hub *Hub, secret []byte, maxSkew time.Duration, log *slog.Logger) *KickHandler {
	return &KickHandler{
		internalEndpoint: internalEndpoint{secret: secret, maxSkew: maxSkew, log: log, now: time.Now},
		hub:              hub,
	}
}

type kickResponse struct {
	Success bool `json:"success"`
	KickResult
}

func (h *KickHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r)
	if !ok {
		return
	}
	var req KickRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed json")
		return
	}
	if err := req.normalize(); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	result := h.hub.Evict(req.UserID, req.RoomPattern, req.Reason, req.Metadata)
	writeJSON(w, http.StatusOK, kickResponse{Success: true, KickResult: result})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid field: " + verrs[0].Field()
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
