package attendance

import (
	"context"
	"time"

	"attendiq/internal/antiproxy"
	"attendiq/internal/model"
)

// ClockOutUpdate is the write applied when a student clocks out.
type ClockOutUpdate struct {
	Status       model.AttendanceStatus
	ClockOutTime time.Time
	Latitude     *float64
	Longitude    *float64
}

// Store is the data access the attendance flow depends on. Finders that
// return a pointer return nil, nil when nothing matches.
type Store interface {
	antiproxy.HistoryStore
	antiproxy.FlagRepository

	CreateUser(ctx context.Context, u model.User) error
	CreateClass(ctx context.Context, c model.Class) error
	Enroll(ctx context.Context, studentID, classID string) error
	IsEnrolled(ctx context.Context, studentID, classID string) (bool, error)
	ListClassIDsByTeacher(ctx context.Context, teacherID string) ([]string, error)

	CreateSession(ctx context.Context, s model.Session) error
	FindSession(ctx context.Context, id string) (model.Session, error)
	// FindValidSessionByOTP returns the newest session for otp whose deadline is after now.
	FindValidSessionByOTP(ctx context.Context, otp string, now time.Time) (*model.Session, error)
	// FindLatestSessionByOTP ignores the deadline.
	FindLatestSessionByOTP(ctx context.Context, otp string) (*model.Session, error)

	FindAttendanceRecord(ctx context.Context, studentID, sessionID string) (*model.AttendanceRecord, error)
	// CreateAttendanceRecord returns model.ErrDuplicateAttendance when the
	// student already has a record for the session.
	CreateAttendanceRecord(ctx context.Context, rec model.AttendanceRecord) error
	// ClockOut applies u only while the record is CLOCKED_IN and returns
	// model.ErrAlreadyClockedOut otherwise.
	ClockOut(ctx context.Context, recordID string, u ClockOutUpdate) (model.AttendanceRecord, error)
	ListAttendanceByStudent(ctx context.Context, studentID string) ([]model.AttendanceRecord, error)
	ListAttendanceBySession(ctx context.Context, sessionID string) ([]model.Attendee, error)
}
