package auth

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrBadToken     = errors.New("malformed token")
	ErrTokenExpired = errors.New("token expired")
)

// IssueToken mints a session token "<wallet>.<expiry unix>.<hmac>" for a
// player wallet. Wallet addresses never contain dots.
func IssueToken(secret []byte, wallet string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	return wallet + "." + exp + "." + Sign(secret, "session\n"+wallet+"\n"+exp)
}

// VerifyToken returns the wallet a valid, unexpired token was issued to.
func VerifyToken(secret []byte, token string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", ErrBadToken
	}
	wallet, exp, sig := parts[0], parts[1], strings.ToLower(parts[2])
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", ErrBadToken
	}
	want := Sign(secret, "session\n"+wallet+"\n"+exp)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrBadToken
	}
	if now.Unix() >= expUnix {
		return "", ErrTokenExpired
	}
	return wallet, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", ErrNoToken
	}
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", ErrBadToken
	}
	return strings.TrimSpace(h[len(prefix):]), nil
}
