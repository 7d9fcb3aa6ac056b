package interview

import (
	"context"
	"fmt"
	"strings"
)

// DeviceFailure classifies why camera/mic acquisition failed. The class picks
// the guidance shown to the candidate; none of them abort the session.
type DeviceFailure int

const (
	FailureUnknown DeviceFailure = iota
	FailurePermissionDenied
	FailureNoDevice
	FailureDeviceBusy
)

// DeviceError wraps an acquisition failure with its classification.
type DeviceError struct {
	Failure DeviceFailure
	Cause   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media: %s: %v", e.Failure.Message(), e.Cause)
}

func (e *DeviceError) Unwrap() error { return e.Cause }

// Message returns the candidate-facing guidance for this failure class.
func (f DeviceFailure) Message() string {
	switch f {
	case FailurePermissionDenied:
		return "Camera and microphone access was denied. Please allow access and try again."
	case FailureNoDevice:
		return "No camera or microphone was found. Please connect a device and try again."
	case FailureDeviceBusy:
		return "Your camera or microphone is in use by another application."
	default:
		return "Could not access your camera or microphone."
	}
}

// ClassifyDeviceError maps a raw acquisition error onto a DeviceFailure by
// the error names the platforms report.
func ClassifyDeviceError(err error) DeviceFailure {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "notallowed") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "permissiondenied"):
		return FailurePermissionDenied
	case strings.Contains(msg, "notfound") || strings.Contains(msg, "no device") || strings.Contains(msg, "devicesnotfound"):
		return FailureNoDevice
	case strings.Contains(msg, "notreadable") || strings.Contains(msg, "in use") || strings.Contains(msg, "busy") || strings.Contains(msg, "trackstart"):
		return FailureDeviceBusy
	default:
		return FailureUnknown
	}
}

// MediaDevices acquires the candidate's camera and microphone.
type MediaDevices interface {
	Acquire(ctx context.Context) (MediaSession, error)
}

// MediaSession is a live camera+mic capture. Release is idempotent.
type MediaSession interface {
	Release()
}

// Recorder captures one question's video segment. Stop finalizes the segment
// and returns its bytes.
type Recorder interface {
	Stop() ([]byte, error)
}

// RecorderFactory starts question-scoped recorders against the live media
// session.
type RecorderFactory interface {
	Start(questionIndex int) (Recorder, error)
}

// Fullscreen is a best-effort capability. Enter failing means the session
// runs degraded, never that it aborts.
type Fullscreen interface {
	Enter() error
	Exit()
}

// Notifier surfaces short, non-blocking messages to the candidate. Warnings
// self-dismiss on the transport side.
type Notifier interface {
	Notify(text string)
}

// RecordingUploader persists a finalized video segment and returns its URL.
type RecordingUploader interface {
	UploadRecording(ctx context.Context, name string, data []byte) (string, error)
}
