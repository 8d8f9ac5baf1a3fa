package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// EventKind enumerates the inbound events a client may send.
type EventKind int

const (
	EventJoinChannel EventKind = iota
	EventJoinDrive
	EventLeaveDrive
	EventJoinDMConversation
	EventLeaveDMConversation
	EventJoinGlobalDrives
	EventLeaveGlobalDrives
	EventJoinActivityDrive
	EventLeaveActivityDrive
	EventJoinActivityPage
	EventLeaveActivityPage
	EventPresenceJoinPage
	EventPresenceLeavePage
)

var eventNames = map[EventKind]string{
	EventJoinChannel:         "join_channel",
	EventJoinDrive:           "join_drive",
	EventLeaveDrive:          "leave_drive",
	EventJoinDMConversation:  "join_dm_conversation",
	EventLeaveDMConversation: "leave_dm_conversation",
	EventJoinGlobalDrives:    "join_global_drives",
	EventLeaveGlobalDrives:   "leave_global_drives",
	EventJoinActivityDrive:   "join_activity_drive",
	EventLeaveActivityDrive:  "leave_activity_drive",
	EventJoinActivityPage:    "join_activity_page",
	EventLeaveActivityPage:   "leave_activity_page",
	EventPresenceJoinPage:    "presence:join_page",
	EventPresenceLeavePage:   "presence:leave_page",
}

var eventKinds = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventNames))
	for kind, name := range eventNames {
		m[name] = kind
	}
	return m
}()

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// TakesID reports whether the event carries a resource id payload.
func (k EventKind) TakesID() bool {
	return k != EventJoinGlobalDrives && k != EventLeaveGlobalDrives
}

// Event is a parsed inbound event. ID is canonical and only set when the kind
// takes one.
type Event struct {
	Kind EventKind
	ID   string
}

var (
	ErrInvalidID    = errors.New("invalid id")
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed message")
)

// ValidationError is reported back to the client as a validation_error frame.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// parseEvent turns a raw client frame into a typed Event. Nothing that fails
// here may reach an authorization check.
func parseEvent(raw []byte) (Event, error) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return Event{}, &ValidationError{Event: "", Err: ErrMalformed}
	}
	kind, ok := eventKinds[in.Event]
	if !ok {
		return Event{}, &ValidationError{Event: in.Event, Err: ErrUnknownEvent}
	}
	ev := Event{Kind: kind}
	if !kind.TakesID() {
		return ev, nil
	}
	var id string
	if err := json.Unmarshal(in.Data, &id); err != nil {
		return Event{}, &ValidationError{Event: in.Event, Err: ErrInvalidID}
	}
	canonical, err := parseID(id)
	if err != nil {
		return Event{}, &ValidationError{Event: in.Event, Err: err}
	}
	ev.ID = canonical
	return ev, nil
}

// parseID accepts only the 36 character hyphenated form and returns it in
// lower case.
func parseID(s string) (string, error) {
	if len(s) != 36 {
		return "", ErrInvalidID
	}
	id, err := uuid.FromString(s)
	if err != nil {
		return "", ErrInvalidID
	}
	return id.String(), nil
}

// Outbound event names.
const (
	outAccessRevoked   = "access_revoked"
	outPageViewers     = "presence:page_viewers"
	outValidationError = "validation_error"
)

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeFrame(event string, data any) []byte {
	b, err := json.Marshal(outboundFrame{Event: event, Data: data})
	if err != nil {
		// Only a malformed json.RawMessage payload can fail.
		b, _ = json.Marshal(outboundFrame{Event: event})
	}
	return b
}

type accessRevokedPayload struct {
	Room     string        `json:"room"`
	Reason   KickReason    `json:"reason"`
	Metadata *KickMetadata `json:"metadata,omitempty"`
}

type pageViewersPayload struct {
	PageID  string   `json:"pageId"`
	Viewers []Viewer `json:"viewers"`
}

type validationErrorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}
