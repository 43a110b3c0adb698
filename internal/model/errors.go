package model

import (
	"errors"
	"fmt"
	"strings"
)

// Rejection kinds surfaced to clients.
var (
	ErrInvalidOrExpiredOTP     = errors.New("invalid or expired OTP")
	ErrNotEnrolled             = errors.New("you are not enrolled in this class")
	ErrClockInDeadlinePassed   = errors.New("clock-in deadline has passed, you can no longer clock in for this session")
	ErrCredentialSharing       = errors.New("attendance blocked: credential sharing detected, your instructor has been notified")
	ErrRepeatedSuspicious      = errors.New("attendance blocked: multiple suspicious attempts detected, your instructor has been notified for review")
	ErrSuspiciousActivity      = errors.New("attendance blocked due to suspicious activity, please contact your instructor")
	ErrLocationRequired        = errors.New("location permission required, please enable location services to mark attendance")
	ErrLocationVerification    = errors.New("location verification failed")
	ErrAlreadyCompleted        = errors.New("attendance already completed for this session")
	ErrMustClockInFirst        = errors.New("you must clock in before clocking out")
	ErrAlreadyClockedOut       = errors.New("you have already clocked out for this session")
	ErrTooEarlyToClockOut      = errors.New("you cannot clock out yet")
	ErrUserNotFound            = errors.New("user not found")
	ErrSessionNotFound         = errors.New("session not found")
	ErrClassNotFound           = errors.New("class not found or access denied")
	ErrFlagNotFound            = errors.New("flag not found")
	ErrForbidden               = errors.New("forbidden")
	ErrDuplicateAttendance     = errors.New("attendance record already exists")
	ErrOTPSpaceExhausted       = errors.New("could not allocate a unique OTP")
	ErrInvalidSessionParameter = errors.New("invalid session parameters")
)

// BlockedError is a policy rejection. Reasons explain the decision to the student.
type BlockedError struct {
	Kind    error
	Reasons []string
}

func (e *BlockedError) Error() string {
	if len(e.Reasons) == 0 {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s (%s)", e.Kind.Error(), strings.Join(e.Reasons, ", "))
}

func (e *BlockedError) Unwrap() error { return e.Kind }

// LocationError carries the measured distance for user feedback.
type LocationError struct {
	Kind           error
	DistanceMeters float64
	RadiusMeters   float64
	Message        string
}

func (e *LocationError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ". " + e.Message
}

func (e *LocationError) Unwrap() error { return e.Kind }

// TooEarlyError reports how long the student still has to stay.
type TooEarlyError struct {
	RemainingMinutes int
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("%s, please wait %d more minute(s) or until class ends", ErrTooEarlyToClockOut.Error(), e.RemainingMinutes)
}

func (e *TooEarlyError) Unwrap() error { return ErrTooEarlyToClockOut }
