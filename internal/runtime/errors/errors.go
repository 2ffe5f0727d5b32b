package errors

import sterrors "errors"

var (
	ErrTooFewChannels    = sterrors.New("robohub: synchronizer needs at least two channels")
	ErrNoDevices         = sterrors.New("robohub: no devices configured and discovery of all devices disabled")
	ErrStuckChannel      = sterrors.New("robohub: channel stopped producing")
	ErrSessionRequired   = sterrors.New("robohub: device session is required")
	ErrProviderRequired  = sterrors.New("robohub: device provider is required")
	ErrUnknownQueue      = sterrors.New("robohub: delivery for unknown queue")
	ErrInputNotSupported = sterrors.New("robohub: device session does not accept input")
	ErrNotInput          = sterrors.New("robohub: channel is not an input channel")
	ErrChannelClosed     = sterrors.New("robohub: channel owner is closed")
	ErrDeviceMissing     = sterrors.New("robohub: required device not found")
	ErrPublisherRequired = sterrors.New("robohub: publisher is required")
	ErrTopicRequired     = sterrors.New("robohub: topic is required")
	ErrConfigRequired    = sterrors.New("robohub: configuration is required")
	ErrAlreadyRunning    = sterrors.New("robohub: supervisor is already running")
	ErrStopTimeout       = sterrors.New("robohub: supervisor did not stop in time")
)

// FatalError marks a failure that must stop the app without a retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal error"
	}
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so IsFatal reports true for it. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err, or anything it wraps, is a FatalError or
// ErrNoDevices.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if sterrors.As(err, &fatal) {
		return true
	}
	return sterrors.Is(err, ErrNoDevices)
}

// HookPanicError carries a value recovered from a panicking application hook.
type HookPanicError struct {
	Hook  string
	Value any
}

func (e *HookPanicError) Error() string {
	return "robohub: hook " + e.Hook + " panicked: " + formatPanic(e.Value)
}

func formatPanic(v any) string {
	switch val := v.(type) {
	case error:
		return val.Error()
	case string:
		return val
	default:
		return "non-error value"
	}
}
