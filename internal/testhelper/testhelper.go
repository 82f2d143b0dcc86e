// Package testhelper has a conformance test suite for storage.Provider implementations.
package testhelper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jjeffery/ddbsessions/storage"
)

// tolerance allows for the expiration being stored in whole seconds, and for
// slow test machines.
const tolerance = 5 * time.Second

// Names are the attribute names a provider injects into stored sessions.
type Names struct {
	Key    string
	TTLKey string

	// SetClock, if not nil, replaces the clock used by the provider. The tests
	// that need a controlled clock are skipped without it.
	SetClock func(now func() time.Time)
}

// TestStorageProvider runs a set of common tests on a storage.Provider implementation.
// The provider's table must be provisioned, or be provisionable by EnsureTable.
func TestStorageProvider(t *testing.T, db storage.Provider, names Names) {
	ensureTableTest(t, db)
	lifecycleTest(t, db, names)
	expirationTest(t, db, names)
	replaceTest(t, db, names)
	callerSessionTest(t, db, names)
	destroyTest(t, db)
	touchTest(t, db, names)
	touchExpiredTest(t, db, names)
	emptyStringTest(t, db)
	invalidIDTest(t, db)
	raceTest(t, db, names)
	subSecondTest(t, db, names)
}

func ensureTableTest(t *testing.T, db storage.Provider) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := db.EnsureTable(ctx)
		if err != nil {
			t.Fatalf("%d: got=%v, want=nil", i, err)
		}
		if !ok {
			t.Fatalf("%d: got=false, want=true", i)
		}
	}
}

func lifecycleTest(t *testing.T, db storage.Provider, names Names) {
	ctx := context.Background()
	const id = "abc"
	defer db.Destroy(ctx, id)

	sess := storage.Session{
		"cookie": map[string]interface{}{"maxAge": 5000},
	}
	if err := db.Set(ctx, id, sess, 0); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}

	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got == nil {
		t.Fatal("got=nil, want=session")
	}
	if got, want := got[names.Key], id; got != want {
		t.Fatalf("got=%v, want=%v", got, want)
	}
	wantExpiresNear(t, got, names.TTLKey, 5*time.Second)

	if err := db.Destroy(ctx, id); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err = db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got != nil {
		t.Fatalf("got=%v, want=nil", got)
	}
}

func expirationTest(t *testing.T, db storage.Provider, names Names) {
	ctx := context.Background()
	tests := []struct {
		id   string
		sess storage.Session
		ttl  time.Duration
		want time.Duration
	}{
		{
			id:   "expiration-default",
			sess: storage.Session{"user": "alice"},
			want: storage.DefaultTTL,
		},
		{
			id:   "expiration-explicit",
			sess: storage.Session{"cookie": map[string]interface{}{"maxAge": 5000}},
			ttl:  time.Hour,
			want: time.Hour,
		},
		{
			id:   "expiration-cookie",
			sess: storage.Session{"cookie": map[string]interface{}{"maxAge": 90000}},
			want: 90 * time.Second,
		},
		{
			id:   "expiration-no-max-age",
			sess: storage.Session{"cookie": map[string]interface{}{"path": "/"}},
			want: storage.DefaultTTL,
		},
	}
	for _, tt := range tests {
		if err := db.Set(ctx, tt.id, tt.sess, tt.ttl); err != nil {
			t.Fatalf("%s: got=%v, want=nil", tt.id, err)
		}
		got, err := db.Get(ctx, tt.id)
		if err != nil {
			t.Fatalf("%s: got=%v, want=nil", tt.id, err)
		}
		if got == nil {
			t.Fatalf("%s: got=nil, want=session", tt.id)
		}
		wantExpiresNear(t, got, names.TTLKey, tt.want)
		if err := db.Destroy(ctx, tt.id); err != nil {
			t.Fatalf("%s: got=%v, want=nil", tt.id, err)
		}
	}
}

func replaceTest(t *testing.T, db storage.Provider, names Names) {
	ctx := context.Background()
	const id = "replace-test-id"
	defer db.Destroy(ctx, id)

	if err := db.Set(ctx, id, storage.Session{"a": "1", "b": "2"}, 0); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if err := db.Set(ctx, id, storage.Session{"a": "3"}, 0); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got, want := fmt.Sprint(got["a"]), "3"; got != want {
		t.Fatalf("got=%v, want=%v", got, want)
	}
	if v, ok := got["b"]; ok {
		t.Fatalf("got=%v, want=no value", v)
	}
	if got, want := len(got), 3; got != want {
		t.Fatalf("got=%v, want=%v", got, want)
	}
}

func callerSessionTest(t *testing.T, db storage.Provider, names Names) {
	ctx := context.Background()
	const id = "caller-session-id"
	defer db.Destroy(ctx, id)

	sess := storage.Session{"user": "bob"}
	if err := db.Set(ctx, id, sess, 0); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got, want := len(sess), 1; got != want {
		t.Fatalf("got=%v, want=%v", got, want)
	}
	for _, k := range []string{names.Key, names.TTLKey} {
		if v, ok := sess[k]; ok {
			t.Fatalf("%s: got=%v, want=no value", k, v)
		}
	}
}

func destroyTest(t *testing.T, db storage.Provider) {
	ctx := context.Background()
	const id = "never-stored-id"

	// deleting a session that does not exist is not an error, twice
	for i := 0; i < 2; i++ {
		if err := db.Destroy(ctx, id); err != nil {
			t.Fatalf("%d: got=%v, want=nil", i, err)
		}
	}
	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got != nil {
		t.Fatalf("got=%v, want=nil", got)
	}
}

func touchTest(t *testing.T, db storage.Provider, names Names) {
	ctx := context.Background()
	const id = "touch-test-id"
	defer db.Destroy(ctx, id)

	if err := db.Set(ctx, id, storage.Session{"user": "carol"}, time.Hour); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if err := db.Touch(ctx, id, nil, 2*time.Hour); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got == nil {
		t.Fatal("got=nil, want=session")
	}
	if got, want := got["user"], "carol"; got != want {
		t.Fatalf("got=%v, want=%v", got, want)
	}
	wantExpiresNear(t, got, names.TTLKey, 2*time.Hour)

	// touching a missing session does not create it
	const missing = "touch-missing-id"
	if err := db.Touch(ctx, missing, nil, time.Hour); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err = db.Get(ctx, missing)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got != nil {
		t.Fatalf("got=%v, want=nil", got)
	}
}

// touchExpiredTest checks that touching a session that has expired, but
// has not yet been removed, does not bring it back.
func touchExpiredTest(t *testing.T, db storage.Provider, names Names) {
	if names.SetClock == nil {
		return
	}
	ctx := context.Background()
	const id = "touch-expired-id"
	defer db.Destroy(ctx, id)

	now := time.Now()
	names.SetClock(func() time.Time { return now })
	defer names.SetClock(time.Now)

	if err := db.Set(ctx, id, storage.Session{"user": "dave"}, time.Minute); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	now = now.Add(time.Hour)
	if err := db.Touch(ctx, id, nil, time.Hour); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got != nil {
		t.Fatalf("got=%v, want=nil", got)
	}
}

// subSecondTest checks that a session with a lifetime shorter than a second
// can be read back straight away, even when the clock is not on a whole second.
func subSecondTest(t *testing.T, db storage.Provider, names Names) {
	if names.SetClock == nil {
		return
	}
	ctx := context.Background()
	const id = "sub-second-id"
	defer db.Destroy(ctx, id)

	now := time.Now().Truncate(time.Second).Add(200 * time.Millisecond)
	names.SetClock(func() time.Time { return now })
	defer names.SetClock(time.Now)

	sess := storage.Session{
		"cookie": map[string]interface{}{"maxAge": 500},
	}
	if err := db.Set(ctx, id, sess, 0); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got == nil {
		t.Fatal("got=nil, want=session")
	}
	expires, ok := storage.ExpiresAt(got, names.TTLKey)
	if !ok {
		t.Fatalf("%s: got=%v, want=expiration", names.TTLKey, got[names.TTLKey])
	}
	if want := now.Add(500 * time.Millisecond); expires.Before(want) {
		t.Fatalf("got=%v, want>=%v", expires, want)
	}
}

// emptyStringTest checks that empty strings are stored as empty strings.
func emptyStringTest(t *testing.T, db storage.Provider) {
	ctx := context.Background()
	const id = "empty-string-id"
	defer db.Destroy(ctx, id)

	sess := storage.Session{
		"name":   "",
		"nested": map[string]interface{}{"value": ""},
	}
	if err := db.Set(ctx, id, sess, 0); err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("got=%v, want=nil", err)
	}
	if got == nil {
		t.Fatal("got=nil, want=session")
	}
	if v, ok := got["name"].(string); !ok || v != "" {
		t.Fatalf("got=%#v, want=%#v", got["name"], "")
	}
	nested, ok := got["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("got=%T, want=map", got["nested"])
	}
	if v, ok := nested["value"].(string); !ok || v != "" {
		t.Fatalf("got=%#v, want=%#v", nested["value"], "")
	}
}

func invalidIDTest(t *testing.T, db storage.Provider) {
	ctx := context.Background()
	if _, err := db.Get(ctx, ""); !errors.Is(err, storage.ErrRead) {
		t.Fatalf("got=%v, want=%v", err, storage.ErrRead)
	}
	if err := db.Set(ctx, "", storage.Session{}, 0); !errors.Is(err, storage.ErrWrite) {
		t.Fatalf("got=%v, want=%v", err, storage.ErrWrite)
	}
	if err := db.Destroy(ctx, ""); !errors.Is(err, storage.ErrDelete) {
		t.Fatalf("got=%v, want=%v", err, storage.ErrDelete)
	}
	long := make([]byte, storage.MaxIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := db.Get(ctx, string(long)); !errors.Is(err, storage.ErrRead) {
		t.Fatalf("got=%v, want=%v", err, storage.ErrRead)
	}
}

func raceTest(t *testing.T, db storage.Provider, names Names) {
	const loopCount = 10
	var wg sync.WaitGroup
	for i := 0; i < loopCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raceTest1(t, db, names, i)
		}(i)
	}
	wg.Wait()
}

func raceTest1(t *testing.T, db storage.Provider, names Names, instance int) {
	const loopCount = 10
	ctx := context.Background()
	for i := 0; i < loopCount; i++ {
		id := fmt.Sprintf("record-%d-%d", instance, i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Set(ctx, id, storage.Session{"value": value}, time.Hour); err != nil {
			t.Errorf("%d: %d: %v", instance, i, err)
			return
		}
		sess, err := db.Get(ctx, id)
		if err != nil {
			t.Errorf("%d: %d: %v", instance, i, err)
			return
		}
		if sess == nil {
			t.Errorf("%d: %d: got=nil, want=session", instance, i)
			return
		}
		if got, want := sess["value"], value; got != want {
			t.Errorf("%d: %d: got=%v, want=%v", instance, i, got, want)
		}
		if got, want := sess[names.Key], id; got != want {
			t.Errorf("%d: %d: got=%v, want=%v", instance, i, got, want)
		}
		if err := db.Destroy(ctx, id); err != nil {
			t.Errorf("%d: %d: %v", instance, i, err)
			return
		}
		sess, err = db.Get(ctx, id)
		if err != nil {
			t.Errorf("%d: %d: %v", instance, i, err)
			return
		}
		if sess != nil {
			t.Errorf("%d: %d: got=%v, want=nil", instance, i, sess)
		}
	}
}

// wantExpiresNear checks that the session expires ttl from now.
func wantExpiresNear(t *testing.T, sess storage.Session, ttlKey string, ttl time.Duration) {
	t.Helper()
	expires, ok := storage.ExpiresAt(sess, ttlKey)
	if !ok {
		t.Fatalf("%s: got=%v, want=expiration", ttlKey, sess[ttlKey])
	}
	want := time.Now().Add(ttl)
	if diff := want.Sub(expires); diff < -tolerance || diff > tolerance {
		t.Fatalf("got=%v, want=%v (±%v)", expires, want, tolerance)
	}
}
