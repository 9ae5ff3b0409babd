package ws

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator resolves a connection to a requester identity. A valid
// token yields its subject; anything else yields a deterministic
// anonymous identity, never an empty one.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Identify(r *http.Request) string {
	if tok := bearerToken(r); tok != "" && len(a.secret) > 0 {
		if sub, err := a.parse(tok); err == nil && sub != "" {
			return sub
		}
	}
	return anonymousIdentity(r.RemoteAddr)
}

func bearerToken(r *http.Request) string {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			return strings.TrimSpace(hdr[7:])
		}
	}
	// Browsers cannot set headers on WebSocket upgrades.
	return r.URL.Query().Get("token")
}

func (a *Authenticator) parse(tok string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tkn.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// anonymousIdentity derives a stable pseudo-identity from the client
// address so an unauthenticated reconnect maps to the same requester.
func anonymousIdentity(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	sum := sha1.Sum([]byte(host))
	return "anon-" + hex.EncodeToString(sum[:])[:12]
}

// MintToken issues a short-lived HS256 token for the given requester.
// Used by tests and tooling; token issuance is otherwise external.
func (a *Authenticator) MintToken(requesterID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   requesterID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
