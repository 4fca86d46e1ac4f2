package wshub

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// sessionCookieName is hard-coded per spec.md §5's open-question
// resolution: changing it requires a code change, not a config flag.
const sessionCookieName = "amule.sid"

// SessionCookieName exposes sessionCookieName to callers outside this
// package (the login/logout HTTP routes) that need to read or clear the
// same cookie the Hub's authenticate method consults.
const SessionCookieName = sessionCookieName

// SetSessionCookie signs token and sets it as the amule.sid cookie,
// called by the login route immediately after a successful
// auth.Gate.Login.
func SetSessionCookie(w http.ResponseWriter, secret []byte, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signCookie(secret, token),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearSessionCookie expires the amule.sid cookie, for the logout route.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
}

// ParseSessionToken verifies raw (a cookie value) and returns the
// session token it carries, for the logout route to revoke.
func ParseSessionToken(secret []byte, raw string) (string, bool) {
	return parseSignedCookie(secret, raw)
}

// signCookie and parseSignedCookie implement a "value.hexHMAC"
// signed-cookie scheme: an HMAC-SHA256 of the value keyed with the
// configured session secret (config.Server.Auth.SessionSecret) and a
// constant-time signature compare. The signed value is the auth
// package's JWT session token.
func signCookie(secret []byte, value string) string {
	return value + "." + hex.EncodeToString(mac(secret, value))
}

func parseSignedCookie(secret []byte, raw string) (string, bool) {
	idx := strings.LastIndex(raw, ".")
	if idx < 0 {
		return "", false
	}
	value, sigHex := raw[:idx], raw[idx+1:]
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", false
	}
	expected := mac(secret, value)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return "", false
	}
	return value, true
}

func mac(secret []byte, value string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(value))
	return h.Sum(nil)
}
