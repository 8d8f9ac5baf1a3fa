package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RevocationListener applies revocations the authorization service publishes
// with pg_notify. The payload is a KickRequest; it is handled exactly like a
// POST /api/kick, without the signature since the database is trusted.
type RevocationListener struct {
	db      *pgxpool.Pool
	channel string
	hub     *Hub
	log     *slog.Logger
}

func NewRevocationListener(db *pgxpool.Pool, channel string, hub *Hub, log *slog.Logger) *RevocationListener {
	return &RevocationListener{db: db, channel: channel, hub: hub, log: log}
}

// Run listens until ctx is cancelled, reconnecting after failures.
func (l *RevocationListener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("revocation listener stopped, retrying in 1s", "channel", l.channel, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (l *RevocationListener) listen(ctx context.Context) error {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.log.Info("listening for revocations", "channel", l.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.apply([]byte(notification.Payload))
	}
}

// apply evicts according to one notification payload. Bad payloads are
// logged and dropped.
func (l *RevocationListener) apply(payload []byte) (KickResult, bool) {
	var req KickRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		l.log.Warn("malformed revocation", "error", err)
		return KickResult{}, false
	}
	if err := req.normalize(); err != nil {
		l.log.Warn("invalid revocation", "error", validationMessage(err))
		return KickResult{}, false
	}
	return l.hub.Evict(req.UserID, req.RoomPattern, req.Reason, req.Metadata), true
}
