package tm

import "errors"

// ErrorKind classifies failures so callers can branch without parsing messages.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindConcurrency ErrorKind = "concurrency"
	KindIO          ErrorKind = "io"
	KindCancelled   ErrorKind = "cancelled"
)

// Error is the structured error returned by engine operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels such as ErrValidation, so that
// errors.Is(err, tm.ErrIO) holds for every IO-kind error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrConcurrency = &Error{Kind: KindConcurrency}
	ErrIO          = &Error{Kind: KindIO}
	ErrCancelled   = &Error{Kind: KindCancelled}
)

// Specific failures. Each is wrapped in an *Error of the matching kind.
var (
	ErrAlreadyRunning  = errors.New("a backup run is already in progress")
	ErrNotRunning      = errors.New("no backup run is in progress")
	ErrSnapshotExists  = errors.New("snapshot already exists")
	ErrDestinationBusy = errors.New("destination is locked by another run")
	ErrNoSources       = errors.New("no source paths configured")
	ErrNoDestination   = errors.New("no destination path configured")
	ErrWaitTimeout     = errors.New("timed out waiting for backup run")
	ErrSnapshotMissing = errors.New("snapshot not found")
	ErrRootCollision   = errors.New("source roots map a file and a directory onto the same path")
)

func newError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func validationError(op, path string, err error) error {
	return newError(KindValidation, op, path, err)
}

func concurrencyError(op string, err error) error {
	return newError(KindConcurrency, op, "", err)
}

func ioError(op, path string, err error) error {
	// Keep the innermost classification when an IO failure is re-wrapped.
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return newError(KindIO, op, path, err)
}

func cancelledError(op string, cause error) error {
	return newError(KindCancelled, op, "", cause)
}

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsCancelled reports whether err describes a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
