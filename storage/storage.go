// Package storage defines a Provider interface for persistent session storage.
// Each session record is stored under a caller supplied ID, carries an absolute
// expiration time, and can be deleted. Expired records are removed by the
// underlying store and are never returned to callers.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// MaxIDLength is the maximum allowed length of a session ID.
	MaxIDLength = 255

	// DefaultTTL is the lifetime of a session when neither an explicit
	// TTL nor a cookie max-age is supplied.
	DefaultTTL = 24 * time.Hour
)

// Session is a single session record. Values must be serializable by the
// provider that stores them.
//
// The optional "cookie" entry is a nested map whose "maxAge" entry holds the
// cookie lifetime in milliseconds.
type Session map[string]interface{}

// Clone returns a shallow copy of the session.
func (s Session) Clone() Session {
	if s == nil {
		return Session{}
	}
	cpy := make(Session, len(s)+2)
	for k, v := range s {
		cpy[k] = v
	}
	return cpy
}

// CookieMaxAge returns the max-age of the session cookie, if one is present.
func (s Session) CookieMaxAge() (time.Duration, bool) {
	var maxAge interface{}
	switch cookie := s["cookie"].(type) {
	case map[string]interface{}:
		maxAge = cookie["maxAge"]
	case Session:
		maxAge = cookie["maxAge"]
	default:
		return 0, false
	}
	ms, ok := toInt64(maxAge)
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Provider is the interface used for persisting session information to a database.
type Provider interface {
	// EnsureTable creates the storage table if it does not already exist. It returns
	// true once the table exists. Calling EnsureTable when the table already exists
	// does not attempt to create it again.
	EnsureTable(ctx context.Context) (bool, error)

	// Get returns the session stored under id, including the key and expiration
	// attributes. If there is no session, or the session has expired, Get returns
	// a nil session and a nil error.
	Get(ctx context.Context, id string) (Session, error)

	// Set stores the session under id, completely replacing any existing session.
	// The session passed in is not modified. If ttl is zero, the expiration is
	// derived from the cookie max-age, falling back to DefaultTTL.
	Set(ctx context.Context, id string, sess Session, ttl time.Duration) error

	// Touch extends the expiration of an existing session without rewriting it.
	// It is not an error if the session does not exist.
	Touch(ctx context.Context, id string, sess Session, ttl time.Duration) error

	// Destroy deletes the session given its ID. It is not an error if the session
	// does not exist.
	Destroy(ctx context.Context, id string) error
}

// Expiration returns the absolute time at which a session expires: now plus ttl
// when positive, otherwise now plus the cookie max-age, otherwise now plus DefaultTTL.
//
// The result is rounded up to a whole second, which is the precision of the
// stored expiration attribute. A session never expires before its lifetime is up.
func Expiration(now time.Time, sess Session, ttl time.Duration) time.Time {
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	} else if maxAge, ok := sess.CookieMaxAge(); ok {
		expires = now.Add(maxAge)
	} else {
		expires = now.Add(DefaultTTL)
	}
	if rounded := expires.Truncate(time.Second); rounded.Before(expires) {
		return rounded.Add(time.Second)
	}
	return expires
}

// ExpiresAt decodes the expiration attribute of a stored session. The attribute
// holds the expiration as Unix time in seconds.
func ExpiresAt(sess Session, ttlKey string) (time.Time, bool) {
	secs, ok := toInt64(sess[ttlKey])
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}
