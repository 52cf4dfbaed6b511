package driver

import "errors"

// Sentinels classifying engine failures. Adapters wrap native errors with
// Wrap so callers can use errors.Is regardless of the engine.
var (
	ErrNoSuchElement    = errors.New("no such element")
	ErrStaleElement     = errors.New("stale element reference")
	ErrNotInteractable  = errors.New("element not interactable")
	ErrClickIntercepted = errors.New("element click intercepted")
	ErrNotVisible       = errors.New("element not visible")
	ErrTimeout          = errors.New("timeout")
	ErrSessionClosed    = errors.New("session closed")
	ErrUnsupported      = errors.New("unsupported by engine")
)

var transient = []error{
	ErrNoSuchElement,
	ErrStaleElement,
	ErrNotInteractable,
	ErrClickIntercepted,
	ErrNotVisible,
	ErrTimeout,
}

// IsTransient reports whether err may clear on its own if the operation is
// retried, e.g. an element that has not rendered yet.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range transient {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Error is a classified engine failure.
type Error struct {
	Kind error  // one of the sentinels
	Op   string // e.g. "click css=#submit"
	Err  error  // native error, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies native as kind. A nil native still produces an error.
func Wrap(kind error, op string, native error) error {
	return &Error{Kind: kind, Op: op, Err: native}
}
