package storage

// Kind identifies the operation that failed.
type Kind int

// Error kinds. Each kind has a fixed message that does not depend on the cause.
const (
	KindUnknown Kind = iota
	KindExistenceCheck
	KindTableCreation
	KindTTLConfiguration
	KindRead
	KindWrite
	KindDelete
)

var kindMessages = map[Kind]string{
	KindExistenceCheck:   "error checking for session table",
	KindTableCreation:    "error creating session table",
	KindTTLConfiguration: "error setting TTL",
	KindRead:             "unable to get session",
	KindWrite:            "unable to set session",
	KindDelete:           "unable to delete session",
}

// String returns the fixed message for the kind.
func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return "session storage error"
}

// Error is returned by all Provider operations. Kind is stable and suitable for
// matching; Err holds the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

var (
	// ErrExistenceCheck matches errors that occur while listing tables.
	ErrExistenceCheck = &Error{Kind: KindExistenceCheck}
	// ErrTableCreation matches errors that occur while creating the table.
	ErrTableCreation = &Error{Kind: KindTableCreation}
	// ErrTTLConfiguration matches errors that occur while enabling expiration.
	ErrTTLConfiguration = &Error{Kind: KindTTLConfiguration}
	// ErrRead matches errors returned by Get.
	ErrRead = &Error{Kind: KindRead}
	// ErrWrite matches errors returned by Set and Touch.
	ErrWrite = &Error{Kind: KindWrite}
	// ErrDelete matches errors returned by Destroy.
	ErrDelete = &Error{Kind: KindDelete}
)

// NewError returns an error of the given kind wrapping err.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, storage.ErrRead) works regardless of the cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindUnknown
}
