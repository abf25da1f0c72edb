// Package auth authenticates the two kinds of callers: the trusted scheduler
// (HMAC-signed requests) and players (bearer session tokens).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderCallerID  = "x-caller-id"
	HeaderTS        = "x-ts"
	HeaderSignature = "x-signature"
	HeaderNonce     = "x-nonce"
)

// MaxSkew is how far x-ts may drift from the server clock.
const MaxSkew = 5 * time.Minute

var (
	ErrMissingHeader = errors.New("missing auth header")
	ErrStale         = errors.New("x-ts outside window")
	ErrBadSignature  = errors.New("bad signature")
	ErrReplay        = errors.New("replayed request")
)

// Canonical is the string a scheduler signs.
func Canonical(ts, method, path, callerID, nonce string, body []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + path + "\n" +
		strings.TrimSpace(callerID) + "\n" + strings.TrimSpace(nonce) + "\n" + string(body)
}

func Sign(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// SignRequest sets the auth headers on r for body, signed at now.
func SignRequest(r *http.Request, secret []byte, callerID string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := uuid.NewString()
	r.Header.Set(HeaderCallerID, callerID)
	r.Header.Set(HeaderTS, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, Sign(secret, Canonical(ts, r.Method, r.URL.Path, callerID, nonce, body)))
}

// Verifier checks signed scheduler requests. Each (caller, nonce) pair is
// accepted once; it is remembered until its x-ts leaves the skew window, after
// which the request is rejected as stale anyway.
type Verifier struct {
	secret []byte

	mu        sync.Mutex
	nonces    map[string]int64 // caller|nonce -> unix ms it stops mattering
	lastSweep int64
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, nonces: map[string]int64{}}
}

// Verify returns the caller id of a correctly signed, fresh, first-seen
// request.
func (v *Verifier) Verify(r *http.Request, body []byte, now time.Time) (string, error) {
	callerID := strings.TrimSpace(r.Header.Get(HeaderCallerID))
	tsStr := strings.TrimSpace(r.Header.Get(HeaderTS))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	switch {
	case callerID == "":
		return "", missing(HeaderCallerID)
	case tsStr == "":
		return "", missing(HeaderTS)
	case nonce == "":
		return "", missing(HeaderNonce)
	case sig == "":
		return "", missing(HeaderSignature)
	}

	tsMS, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", ErrStale
	}
	nowMS := now.UnixMilli()
	if d := nowMS - tsMS; d > MaxSkew.Milliseconds() || d < -MaxSkew.Milliseconds() {
		return "", ErrStale
	}

	want := Sign(v.secret, Canonical(tsStr, r.Method, r.URL.Path, callerID, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrBadSignature
	}
	if !v.useNonce(callerID+"|"+nonce, tsMS+MaxSkew.Milliseconds(), nowMS) {
		return "", ErrReplay
	}
	return callerID, nil
}

func (v *Verifier) useNonce(key string, expiresMS, nowMS int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if nowMS-v.lastSweep > MaxSkew.Milliseconds() {
		for k, exp := range v.nonces {
			if exp < nowMS {
				delete(v.nonces, k)
			}
		}
		v.lastSweep = nowMS
	}
	if _, seen := v.nonces[key]; seen {
		return false
	}
	v.nonces[key] = expiresMS
	return true
}

func missing(h string) error {
	return &headerError{h}
}

type headerError struct{ header string }

func (e *headerError) Error() string { return "missing " + e.header }
func (e *headerError) Unwrap() error { return ErrMissingHeader }
