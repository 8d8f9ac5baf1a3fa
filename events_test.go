package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const validID = "d1ed0b21-a6d9-4aa6-8f0c-b375207c303e"

func TestParseEvent_Valid_ID(t *testing.T) {
	req := require.New(t)

	ev, err := parseEvent([]byte(`{"event":"join_drive","data":"D1ED0B21-A6D9-4AA6-8F0C-B375207C303E"}`))

	req.NoError(err)
	req.Equal(EventJoinDrive, ev.Kind)
	req.Equal(validID, ev.ID)
}

func TestParseEvent_Without_Payload(t *testing.T) {
	req := require.New(t)

	ev, err := parseEvent([]byte(`{"event":"join_global_drives"}`))

	req.NoError(err)
	req.Equal(EventJoinGlobalDrives, ev.Kind)
	req.Empty(ev.ID)
}

func TestParseEvent_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		event string
		err   error
	}{
		{"not json", `hello`, "", ErrMalformed},
		{"unknown event", `{"event":"drop_tables","data":"x"}`, "drop_tables", ErrUnknownEvent},
		{"missing id", `{"event":"join_channel"}`, "join_channel", ErrInvalidID},
		{"number id", `{"event":"join_channel","data":42}`, "join_channel", ErrInvalidID},
		{"object id", `{"event":"presence:join_page","data":{"pageId":"` + validID + `"}}`, "presence:join_page", ErrInvalidID},
		{"short id", `{"event":"join_drive","data":"d1ed0b21"}`, "join_drive", ErrInvalidID},
		{"no hyphens", `{"event":"join_drive","data":"d1ed0b21a6d94aa68f0cb375207c303e"}`, "join_drive", ErrInvalidID},
		{"braced", `{"event":"join_drive","data":"{d1ed0b21-a6d9-4aa6-8f0c-b375207c303e}"}`, "join_drive", ErrInvalidID},
		{"not hex", `{"event":"join_dm_conversation","data":"z1ed0b21-a6d9-4aa6-8f0c-b375207c303e"}`, "join_dm_conversation", ErrInvalidID},
		{"injection", `{"event":"join_channel","data":"' OR 1=1 --                         "}`, "join_channel", ErrInvalidID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			_, err := parseEvent([]byte(tc.raw))

			var verr *ValidationError
			req.True(errors.As(err, &verr))
			req.Equal(tc.event, verr.Event)
			req.ErrorIs(err, tc.err)
		})
	}
}

func TestEventKinds_Are_All_Named(t *testing.T) {
	req := require.New(t)
	for kind := EventJoinChannel; kind <= EventPresenceLeavePage; kind++ {
		name, ok := eventNames[kind]
		req.True(ok, "kind %d has no wire name", int(kind))
		req.Equal(kind, eventKinds[name])
	}
	req.Len(eventKinds, len(eventNames))
}
