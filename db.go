package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	pgxuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var ErrNotFound = errors.New("not found")

// ------------ pool ------------

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	dbconf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	dbconf.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxuuid.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, dbconf)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PgPermissions answers access questions from the workspace database. It is
// read-only; the rows are owned by the main application.
type PgPermissions struct {
	db *pgxpool.Pool
}

func NewPgPermissions(db *pgxpool.Pool) *PgPermissions {
	return &PgPermissions{db: db}
}

// ------------ pages ------------

func (p *PgPermissions) CanViewPage(ctx context.Context, userID, pageID string) (bool, error) {
	uid, pid, err := parseIDs(userID, pageID)
	if err != nil {
		return false, nil
	}
	var ok bool
	err = p.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM pages p
		     JOIN drives d ON d.id = p.drive_id
		    WHERE p.id = $1 AND p.is_trashed = false
		      AND (d.owner_id = $2
		        OR EXISTS (SELECT 1 FROM drive_members m
		                    WHERE m.drive_id = d.id AND m.user_id = $2
		                      AND m.role IN ('OWNER', 'ADMIN'))
		        OR EXISTS (SELECT 1 FROM page_permissions pp
		                    WHERE pp.page_id = p.id AND pp.user_id = $2
		                      AND pp.can_view
		                      AND (pp.expires_at IS NULL OR pp.expires_at > now()))))`,
		pid, uid).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("page access: %w", err)
	}
	return ok, nil
}

func (p *PgPermissions) PageDriveID(ctx context.Context, pageID string) (string, error) {
	pid, err := uuid.FromString(pageID)
	if err != nil {
		return "", ErrNotFound
	}
	var driveID uuid.UUID
	err = p.db.QueryRow(ctx,
		`SELECT drive_id FROM pages WHERE id = $1`, pid).Scan(&driveID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("page drive: %w", err)
	}
	return driveID.String(), nil
}

// ------------ drives ------------

func (p *PgPermissions) CanAccessDrive(ctx context.Context, userID, driveID string) (bool, error) {
	uid, did, err := parseIDs(userID, driveID)
	if err != nil {
		return false, nil
	}
	var ok bool
	err = p.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM drives d
		    WHERE d.id = $1 AND d.is_trashed = false
		      AND (d.owner_id = $2
		        OR EXISTS (SELECT 1 FROM drive_members m
		                    WHERE m.drive_id = d.id AND m.user_id = $2)))`,
		did, uid).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("drive access: %w", err)
	}
	return ok, nil
}

// ------------ conversations ------------

// IsConversationParticipant fetches the conversation only if userID is one of
// its two participants, so an outsider cannot tell a missing conversation
// from a forbidden one.
func (p *PgPermissions) IsConversationParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	uid, cid, err := parseIDs(userID, conversationID)
	if err != nil {
		return false, nil
	}
	var id uuid.UUID
	err = p.db.QueryRow(ctx,
		`SELECT id FROM dm_conversations
		  WHERE id = $1 AND (participant1_id = $2 OR participant2_id = $2)`,
		cid, uid).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation lookup: %w", err)
	}
	return true, nil
}

// ------------ users ------------

func (p *PgPermissions) Profile(ctx context.Context, userID string) (Profile, error) {
	uid, err := uuid.FromString(userID)
	if err != nil {
		return Profile{}, ErrNotFound
	}
	var prof Profile
	err = p.db.QueryRow(ctx,
		`SELECT COALESCE(NULLIF(name, ''), email), COALESCE(image, '')
		   FROM users WHERE id = $1`, uid).Scan(&prof.DisplayName, &prof.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: %w", err)
	}
	return prof, nil
}

// ------------ socket tokens ------------

// ConsumeSocketToken redeems a one-time socket token. The row is deleted in
// the same statement that reads it, so a token can be used at most once.
func (p *PgPermissions) ConsumeSocketToken(ctx context.Context, token string) (string, error) {
	id, secret, err := splitSocketToken(token)
	if err != nil {
		return "", err
	}
	tid, err := uuid.FromString(id)
	if err != nil {
		return "", ErrInvalidToken
	}

	var userID uuid.UUID
	var hashed string
	err = p.db.QueryRow(ctx,
		`DELETE FROM socket_tokens
		  WHERE id = $1 AND expires_at > now()
		  RETURNING user_id, secret_hash`, tid).Scan(&userID, &hashed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("consume socket token: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(secret)) != nil {
		return "", ErrInvalidToken
	}
	return userID.String(), nil
}

func parseIDs(a, b string) (uuid.UUID, uuid.UUID, error) {
	ua, err := uuid.FromString(a)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	ub, err := uuid.FromString(b)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return ua, ub, nil
}
