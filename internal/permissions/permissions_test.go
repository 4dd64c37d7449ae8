package permissions

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestEnsure(t *testing.T) {
	tests := []struct {
		status      Status
		wantErr     bool
		wantRequest bool
	}{
		{PermissionAuthorized, false, false},
		{PermissionNotDetermined, true, true},
		{PermissionDenied, true, false},
		{PermissionRestricted, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			requested := false
			err := ensure(zerolog.Nop(), func() Status { return tt.status }, func() { requested = true })
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr %v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrMicrophoneDenied) {
				t.Fatalf("expected ErrMicrophoneDenied, got %v", err)
			}
			if requested != tt.wantRequest {
				t.Fatalf("request called = %v, want %v", requested, tt.wantRequest)
			}
		})
	}
}
