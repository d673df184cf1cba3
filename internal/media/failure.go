package media

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// FailureKind classifies why a capture attempt failed.
type FailureKind string

const (
	PermissionDenied       FailureKind = "permission-denied"
	DeviceNotFound         FailureKind = "device-not-found"
	DeviceBusy             FailureKind = "device-busy"
	ConstraintsUnsupported FailureKind = "constraints-unsupported"
	Other                  FailureKind = "other"
)

// ErrNoDevices is returned by capturers that have no device of a kind.
var ErrNoDevices = errors.New("no capture device available")

// Failure is the error returned once every capture tier has failed.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return "media " + string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Message is a user-facing description of the failure.
func (f *Failure) Message() string {
	switch f.Kind {
	case PermissionDenied:
		return "Camera/microphone access denied. Please allow access."
	case DeviceNotFound:
		return "No camera or microphone found."
	case DeviceBusy:
		return "Camera or microphone is already in use by another application."
	case ConstraintsUnsupported:
		return "Camera does not support the requested settings."
	default:
		return "Could not access camera or microphone."
	}
}

// Classify maps a capture error to a Failure. Errors that already are a
// Failure are returned unchanged.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: kindOf(err), Err: err}
}

func kindOf(err error) FailureKind {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return PermissionDenied
	case errors.Is(err, ErrNoDevices), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return DeviceNotFound
	case errors.Is(err, syscall.EBUSY):
		return DeviceBusy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Other
	}

	// Driver errors are often plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return PermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return DeviceBusy
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "unsupported"), strings.Contains(msg, "not supported"):
		return ConstraintsUnsupported
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"), strings.Contains(msg, "no device"):
		return DeviceNotFound
	}
	return Other
}
