package models

import "errors"

// Common errors for balancer state operations.
var (
	// Tenant errors
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrDuplicateTenant  = errors.New("tenant already exists")
	ErrTenantDisabled   = errors.New("tenant is disabled")
	ErrTenantHasMeeting = errors.New("tenant has live meetings")

	// Server errors
	ErrServerNotFound    = errors.New("server not found")
	ErrDuplicateServer   = errors.New("server already exists")
	ErrServerHasMeeting  = errors.New("server has live meetings")
	ErrNoServerAvailable = errors.New("no suitable servers available")

	// Meeting errors
	ErrMeetingNotFound  = errors.New("meeting not found")
	ErrDuplicateMeeting = errors.New("meeting already exists")

	// Callback errors
	ErrCallbackNotFound = errors.New("callback not found")

	// Recording errors
	ErrRecordingNotFound = errors.New("recording not found")

	// Lease errors
	ErrLeaseLost = errors.New("lease lost")
)
