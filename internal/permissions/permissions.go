// Package permissions checks the OS-level consent needed to open capture
// devices. Only macOS gates microphone access; elsewhere every check passes.
package permissions

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrMicrophoneDenied is returned when the user has not granted microphone
// access.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// Status is a microphone authorization state.
type Status int

func (s Status) String() string {
	switch s {
	case PermissionNotDetermined:
		return "not determined"
	case PermissionRestricted:
		return "restricted"
	case PermissionDenied:
		return "denied"
	case PermissionAuthorized:
		return "authorized"
	}
	return "unknown"
}

// EnsureMicrophone returns nil if capture is allowed. Otherwise it asks the
// OS to show the consent dialog and returns ErrMicrophoneDenied.
func EnsureMicrophone(log zerolog.Logger) error {
	return ensure(log, CheckMicrophone, RequestMicrophone)
}

func ensure(log zerolog.Logger, check func() Status, request func()) error {
	status := check()
	if status == PermissionAuthorized {
		return nil
	}
	log.Warn().Stringer("status", status).
		Msg("Microphone permission required: System Settings → Privacy & Security → Microphone")
	if status == PermissionNotDetermined {
		request()
	}
	return ErrMicrophoneDenied
}
