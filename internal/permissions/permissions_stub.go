//go:build !darwin

package permissions

const (
	PermissionNotDetermined Status = 0
	PermissionRestricted    Status = 1
	PermissionDenied        Status = 2
	PermissionAuthorized    Status = 3
)

// CheckMicrophone always reports authorized outside macOS.
func CheckMicrophone() Status {
	return PermissionAuthorized
}

// RequestMicrophone is a no-op outside macOS.
func RequestMicrophone() {}
