// Package identity resolves the anonymous voter identity carried by the
// signed session cookie. It never mints identities: only the vote coordinator
// knows when a vote succeeded and a new identity must be issued.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvdashuaibi/livevote/config"
)

var (
	ErrMalformedCookie  = errors.New("malformed session cookie")
	ErrInvalidSignature = errors.New("invalid session cookie signature")
)

type Resolver struct {
	cookieName string
	secret     []byte
	maxAge     time.Duration
	secure     bool
}

func NewResolver(cfg config.SessionConfig) *Resolver {
	name := cfg.CookieName
	if name == "" {
		name = "sessionId"
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &Resolver{
		cookieName: name,
		secret:     []byte(cfg.Secret),
		maxAge:     maxAge,
		secure:     cfg.Secure,
	}
}

// Resolve returns the voter identity of the request when its cookie is present,
// correctly signed and holds a UUID.
func (r *Resolver) Resolve(req *http.Request) (string, bool) {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil {
		return "", false
	}
	voterID, err := r.Unsign(cookie.Value)
	if err != nil {
		return "", false
	}
	return voterID, true
}

// Issue stores the identity in a signed, HTTP-only cookie.
func (r *Resolver) Issue(w http.ResponseWriter, voterID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    r.Sign(voterID),
		Path:     "/",
		MaxAge:   int(r.maxAge / time.Second),
		Expires:  time.Now().Add(r.maxAge),
		HttpOnly: true,
		Secure:   r.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Sign appends an HMAC-SHA256 of the value as "value.signature".
func (r *Resolver) Sign(value string) string {
	return value + "." + r.signature(value)
}

// Unsign verifies a signed value and returns the identity it carries.
func (r *Resolver) Unsign(signed string) (string, error) {
	idx := strings.LastIndexByte(signed, '.')
	if idx <= 0 || idx == len(signed)-1 {
		return "", ErrMalformedCookie
	}
	value, sig := signed[:idx], signed[idx+1:]

	if !hmac.Equal([]byte(sig), []byte(r.signature(value))) {
		return "", ErrInvalidSignature
	}
	if _, err := uuid.Parse(value); err != nil {
		return "", ErrMalformedCookie
	}
	return value, nil
}

func (r *Resolver) signature(value string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
}
