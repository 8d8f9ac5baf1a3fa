package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("expired token")
	ErrSessionRevoked    = errors.New("session revoked")
)

// socketTokenPrefix marks short lived one-time tokens minted for a single
// websocket handshake. Anything else is treated as a session token.
const socketTokenPrefix = "ps_sock_"

const sessionCookie = "session"

// credentialSource says where a connect-time credential was found.
type credentialSource int

const (
	fromHeader credentialSource = iota + 1
	fromQuery
	fromCookie
)

// extractCredential looks for a credential in the Authorization header, the
// token query parameter and the session cookie, in that order.
func extractCredential(r *http.Request) (string, credentialSource) {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok), fromHeader
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, fromQuery
	}
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, fromCookie
	}
	return "", 0
}

// SessionClaims are carried by session tokens. The registered ID claim names
// the session so it can be revoked.
type SessionClaims struct {
	jwt.RegisteredClaims
}

func parseSessionToken(secret []byte, tok string) (SessionClaims, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return SessionClaims{}, ErrExpiredToken
	}
	if err != nil {
		return SessionClaims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return SessionClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// SocketTokens consumes one-time socket tokens.
type SocketTokens interface {
	ConsumeSocketToken(ctx context.Context, token string) (string, error)
}

// SessionChecker reports whether a session id is still live.
type SessionChecker interface {
	SessionActive(ctx context.Context, sessionID string) (bool, error)
}

// TokenAuthenticator accepts one-time socket tokens and session tokens.
// Sessions is optional; without it any well signed, unexpired session token
// is accepted.
type TokenAuthenticator struct {
	Secret   []byte
	Sockets  SocketTokens
	Sessions SessionChecker
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredential
	}
	if strings.HasPrefix(credential, socketTokenPrefix) {
		if a.Sockets == nil {
			return "", ErrInvalidToken
		}
		return a.Sockets.ConsumeSocketToken(ctx, credential)
	}

	claims, err := parseSessionToken(a.Secret, credential)
	if err != nil {
		return "", err
	}
	if a.Sessions != nil {
		active, err := a.Sessions.SessionActive(ctx, claims.ID)
		if err != nil {
			return "", fmt.Errorf("check session: %w", err)
		}
		if !active {
			return "", ErrSessionRevoked
		}
	}
	return claims.Subject, nil
}

// splitSocketToken splits "ps_sock_<id>.<secret>".
func splitSocketToken(tok string) (id, secret string, err error) {
	rest, ok := strings.CutPrefix(tok, socketTokenPrefix)
	if !ok {
		return "", "", ErrInvalidToken
	}
	id, secret, ok = strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidToken
	}
	return id, secret, nil
}
