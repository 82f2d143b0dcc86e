// Package memory has a memory-backed storage provider for testing purposes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/storage"
)

// Default attribute names, matching the DynamoDB provider.
const (
	DefaultKey    = "Id"
	DefaultTTLKey = "Ttl"
)

var errEmptySessionID = errors.New("empty session id")

// Provider implements the storage.Provider using memory. It is intended for testing.
type Provider struct {
	// TimeNow is used to obtain the current time.
	TimeNow func() time.Time

	key    string
	ttlKey string

	mutex sync.RWMutex
	m     map[string]storage.Session
}

var (
	// ensure Provider implements storage.Provider
	_ storage.Provider = (*Provider)(nil)
)

// New creates a new memory-backed Provider. Stored sessions carry the
// partition key and expiration under key and ttlKey; blank names select
// the defaults.
func New(key, ttlKey string) *Provider {
	if key == "" {
		key = DefaultKey
	}
	if ttlKey == "" {
		ttlKey = DefaultTTLKey
	}
	return &Provider{
		TimeNow: time.Now,
		key:     key,
		ttlKey:  ttlKey,
	}
}

// WithTimeNow sets the TimeNow function. It returns db.
func (db *Provider) WithTimeNow(timeNow func() time.Time) *Provider {
	if timeNow == nil {
		timeNow = time.Now
	}
	db.TimeNow = timeNow
	return db
}

// Len returns the number of sessions held, including expired sessions
// that have not been read since they expired.
func (db *Provider) Len() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.m)
}

// EnsureTable implements the storage.Provider interface. There is no
// table to create, so it always succeeds.
func (db *Provider) EnsureTable(ctx context.Context) (bool, error) {
	return true, nil
}

// Get implements the storage.Provider interface. An expired session is removed.
func (db *Provider) Get(ctx context.Context, id string) (storage.Session, error) {
	if err := checkID(id); err != nil {
		return nil, storage.NewError(storage.KindRead, err)
	}
	now := db.TimeNow()

	db.mutex.Lock()
	defer db.mutex.Unlock()
	sess := db.m[id]
	if sess == nil {
		return nil, nil
	}
	if db.expired(sess, now) {
		delete(db.m, id)
		return nil, nil
	}
	return sess.Clone(), nil
}

// Set implements the storage.Provider interface.
func (db *Provider) Set(ctx context.Context, id string, sess storage.Session, ttl time.Duration) error {
	if err := checkID(id); err != nil {
		return storage.NewError(storage.KindWrite, err)
	}
	item := sess.Clone()
	item[db.key] = id
	item[db.ttlKey] = storage.Expiration(db.TimeNow(), sess, ttl).Unix()

	db.mutex.Lock()
	defer db.mutex.Unlock()
	if db.m == nil {
		db.m = make(map[string]storage.Session)
	}
	db.m[id] = item
	return nil
}

// Touch implements the storage.Provider interface.
func (db *Provider) Touch(ctx context.Context, id string, sess storage.Session, ttl time.Duration) error {
	if err := checkID(id); err != nil {
		return storage.NewError(storage.KindWrite, err)
	}
	now := db.TimeNow()
	expires := storage.Expiration(now, sess, ttl).Unix()

	db.mutex.Lock()
	defer db.mutex.Unlock()
	existing := db.m[id]
	if existing == nil || db.expired(existing, now) {
		return nil
	}
	item := existing.Clone()
	item[db.ttlKey] = expires
	db.m[id] = item
	return nil
}

// Destroy implements the storage.Provider interface.
func (db *Provider) Destroy(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return storage.NewError(storage.KindDelete, err)
	}
	db.mutex.Lock()
	delete(db.m, id)
	db.mutex.Unlock()
	return nil
}

func checkID(id string) error {
	if id == "" {
		return errEmptySessionID
	}
	if len(id) > storage.MaxIDLength {
		return errors.New("session id too long").With("length", len(id))
	}
	return nil
}

// expired reports whether sess has expired at time now.
func (db *Provider) expired(sess storage.Session, now time.Time) bool {
	expires, ok := storage.ExpiresAt(sess, db.ttlKey)
	return ok && !expires.After(now)
}
