package errors

import (
	"context"
	sterrors "errors"
)

// Category groups supervisor failures for reporting and metrics labels.
type Category string

const (
	CategoryNone      Category = "none"
	CategoryFatal     Category = "fatal"
	CategoryStuck     Category = "stuck"
	CategoryHook      Category = "hook"
	CategoryDevice    Category = "device"
	CategoryCancelled Category = "cancelled"
)

// Classifier maps an error onto a Category.
type Classifier func(error) Category

// Classify is the default Classifier. Anything that is not fatal, stuck,
// a hook failure or a cancellation counts as a device failure.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if IsFatal(err) {
		return CategoryFatal
	}
	if sterrors.Is(err, ErrStuckChannel) {
		return CategoryStuck
	}
	var hookErr *HookError
	if sterrors.As(err, &hookErr) {
		return CategoryHook
	}
	var panicErr *HookPanicError
	if sterrors.As(err, &panicErr) {
		return CategoryHook
	}
	if sterrors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	return CategoryDevice
}

// HookError wraps an error returned by an application hook.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string {
	return "robohub: hook " + e.Hook + ": " + e.Err.Error()
}

func (e *HookError) Unwrap() error { return e.Err }
