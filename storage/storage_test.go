package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExpiration(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		sess Session
		ttl  time.Duration
		want time.Time
	}{
		{
			name: "default",
			sess: Session{},
			want: now.Add(24 * time.Hour),
		},
		{
			name: "nil session",
			want: now.Add(24 * time.Hour),
		},
		{
			name: "explicit ttl",
			sess: Session{"cookie": map[string]interface{}{"maxAge": 5000}},
			ttl:  time.Hour,
			want: now.Add(time.Hour),
		},
		{
			name: "cookie max age",
			sess: Session{"cookie": map[string]interface{}{"maxAge": 5000}},
			want: now.Add(5 * time.Second),
		},
		{
			name: "cookie max age decoded from json",
			sess: Session{"cookie": map[string]interface{}{"maxAge": float64(60000)}},
			want: now.Add(time.Minute),
		},
		{
			name: "cookie without max age",
			sess: Session{"cookie": map[string]interface{}{"path": "/"}},
			want: now.Add(24 * time.Hour),
		},
		{
			name: "zero max age",
			sess: Session{"cookie": map[string]interface{}{"maxAge": 0}},
			want: now.Add(24 * time.Hour),
		},
		{
			name: "cookie is not a map",
			sess: Session{"cookie": "abc"},
			want: now.Add(24 * time.Hour),
		},
		{
			name: "cookie is a session",
			sess: Session{"cookie": Session{"maxAge": 5000}},
			want: now.Add(5 * time.Second),
		},
		{
			name: "negative ttl",
			sess: Session{},
			ttl:  -time.Hour,
			want: now.Add(24 * time.Hour),
		},
	}
	for _, tt := range tests {
		if got := Expiration(now, tt.sess, tt.ttl); !got.Equal(tt.want) {
			t.Errorf("%s: got=%v, want=%v", tt.name, got, tt.want)
		}
	}
}

func TestExpirationRoundsUp(t *testing.T) {
	now := time.Date(2099, 1, 1, 0, 0, 0, 200*int(time.Millisecond), time.UTC)
	tests := []struct {
		name string
		sess Session
		ttl  time.Duration
		want time.Time
	}{
		{
			name: "sub-second max age",
			sess: Session{"cookie": map[string]interface{}{"maxAge": 500}},
			want: time.Date(2099, 1, 1, 0, 0, 1, 0, time.UTC),
		},
		{
			name: "whole seconds",
			ttl:  time.Minute,
			want: time.Date(2099, 1, 1, 0, 1, 1, 0, time.UTC),
		},
		{
			name: "already on a second",
			ttl:  800 * time.Millisecond,
			want: time.Date(2099, 1, 1, 0, 0, 1, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		got := Expiration(now, tt.sess, tt.ttl)
		if !got.Equal(tt.want) {
			t.Errorf("%s: got=%v, want=%v", tt.name, got, tt.want)
		}
		if !got.After(now) {
			t.Errorf("%s: got=%v, want after %v", tt.name, got, now)
		}
	}
}

func TestExpiresAt(t *testing.T) {
	want := time.Unix(1700000000, 0)
	for _, v := range []interface{}{
		int64(1700000000),
		int(1700000000),
		float64(1700000000),
		json.Number("1700000000"),
		json.Number("1700000000.0"),
	} {
		got, ok := ExpiresAt(Session{"Ttl": v}, "Ttl")
		if !ok {
			t.Errorf("%T(%v): got=false, want=true", v, v)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%T(%v): got=%v, want=%v", v, v, got, want)
		}
	}

	for _, sess := range []Session{nil, {}, {"Ttl": "tomorrow"}} {
		if _, ok := ExpiresAt(sess, "Ttl"); ok {
			t.Errorf("%v: got=true, want=false", sess)
		}
	}
}

func TestClone(t *testing.T) {
	sess := Session{"a": 1}
	cpy := sess.Clone()
	cpy["b"] = 2
	if got, want := len(sess), 1; got != want {
		t.Errorf("got=%v, want=%v", got, want)
	}
	if cpy := Session(nil).Clone(); cpy == nil {
		t.Error("got=nil, want=empty session")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindExistenceCheck, "error checking for session table"},
		{KindTableCreation, "error creating session table"},
		{KindTTLConfiguration, "error setting TTL"},
		{KindRead, "unable to get session"},
		{KindWrite, "unable to set session"},
		{KindDelete, "unable to delete session"},
	}
	cause := errors.New("connection reset")
	for _, tt := range tests {
		if got := NewError(tt.kind, nil).Error(); got != tt.want {
			t.Errorf("got=%q, want=%q", got, tt.want)
		}
		if got, want := NewError(tt.kind, cause).Error(), tt.want+": connection reset"; got != want {
			t.Errorf("got=%q, want=%q", got, want)
		}
	}
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("throttled")
	err := fmt.Errorf("saving session: %w", NewError(KindWrite, cause))

	if !errors.Is(err, ErrWrite) {
		t.Errorf("got=false, want=true")
	}
	if errors.Is(err, ErrRead) {
		t.Errorf("got=true, want=false")
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not reachable: %v", err)
	}
	if got, want := KindOf(err), KindWrite; got != want {
		t.Errorf("got=%v, want=%v", got, want)
	}
	if got, want := KindOf(cause), KindUnknown; got != want {
		t.Errorf("got=%v, want=%v", got, want)
	}
	if got, want := KindOf(nil), KindUnknown; got != want {
		t.Errorf("got=%v, want=%v", got, want)
	}

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatal("got=false, want=true")
	}
	if serr.Err != cause {
		t.Errorf("got=%v, want=%v", serr.Err, cause)
	}
}
