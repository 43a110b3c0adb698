package model

import "time"

// Role is the account type carried in access tokens.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTeacher Role = "TEACHER"
	RoleAdmin   Role = "ADMIN"
)

// AttendanceStatus is the lifecycle state of one attendance record.
type AttendanceStatus string

const (
	StatusClockedIn  AttendanceStatus = "CLOCKED_IN"
	StatusClockedOut AttendanceStatus = "CLOCKED_OUT"
	StatusCompleted  AttendanceStatus = "COMPLETED"
)

// Terminal reports whether no further transition is allowed.
func (s AttendanceStatus) Terminal() bool {
	return s == StatusClockedOut || s == StatusCompleted
}

// FlagStatus tracks instructor review of a flagged student.
type FlagStatus string

const (
	FlagPending  FlagStatus = "PENDING"
	FlagResolved FlagStatus = "RESOLVED"
)

// User is a registered account.
type User struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Class is owned by one teacher and may define a geofence.
type Class struct {
	ID           string   `json:"id"`
	TeacherID    string   `json:"teacher_id"`
	Name         string   `json:"name"`
	Subject      string   `json:"subject"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	RadiusMeters *float64 `json:"radius_meters,omitempty"`
}

// HasGeofence reports whether clock-in/out must be location checked.
func (c Class) HasGeofence() bool {
	return c.Latitude != nil && c.Longitude != nil && *c.Latitude != 0 && *c.Longitude != 0
}

// Session is one class meeting, identified to students by its OTP.
type Session struct {
	ID                   string    `json:"id"`
	ClassID              string    `json:"class_id"`
	OTP                  string    `json:"otp"`
	ValidUntil           time.Time `json:"valid_until"`
	ClassDurationMinutes int       `json:"class_duration_minutes"`
	CreatedAt            time.Time `json:"created_at"`
}

// EndsAt is the scheduled end of the class meeting.
func (s Session) EndsAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.ClassDurationMinutes) * time.Minute)
}

// AttendanceRecord is unique per (StudentID, SessionID).
type AttendanceRecord struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id"`
	StudentID         string           `json:"student_id"`
	Status            AttendanceStatus `json:"status"`
	Timestamp         time.Time        `json:"timestamp"`
	ClockInTime       time.Time        `json:"clock_in_time"`
	ClockOutTime      *time.Time       `json:"clock_out_time,omitempty"`
	Latitude          *float64         `json:"latitude,omitempty"`
	Longitude         *float64         `json:"longitude,omitempty"`
	ClockOutLatitude  *float64         `json:"clock_out_latitude,omitempty"`
	ClockOutLongitude *float64         `json:"clock_out_longitude,omitempty"`
	DeviceFingerprint string           `json:"device_fingerprint"`
	UserAgent         string           `json:"user_agent,omitempty"`
	ScreenResolution  string           `json:"screen_resolution,omitempty"`
	RiskScore         int              `json:"risk_score"`
	IsNewDevice       bool             `json:"is_new_device"`
}

// FlaggedStudent is the instructor-visible review record for a (student, class) pair.
type FlaggedStudent struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	ClassID      string     `json:"class_id"`
	Reasons      []string   `json:"reasons"`
	RiskScore    int        `json:"risk_score"`
	AttemptCount int        `json:"attempt_count"`
	Status       FlagStatus `json:"status"`
	FlaggedAt    time.Time  `json:"flagged_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   *string    `json:"resolved_by,omitempty"`
	Notes        string     `json:"notes"`
}

// FlagUpsert is the write side of a flag. Note is appended to the audit log.
type FlagUpsert struct {
	StudentID    string
	ClassID      string
	Reasons      []string
	RiskScore    int
	AttemptCount int
	FlaggedAt    time.Time
	Note         string
}

// FlaggedStudentView joins a flag with student and class display fields.
type FlaggedStudentView struct {
	FlaggedStudent
	StudentName  string `json:"student_name"`
	StudentEmail string `json:"student_email"`
	ClassName    string `json:"class_name"`
	Subject      string `json:"subject"`
	IsSuspicious bool   `json:"is_suspicious"`
}

// FingerprintQuery selects other students' records that used one device.
type FingerprintQuery struct {
	Fingerprint      string
	ExcludeStudentID string
	Since            time.Time
	SessionID        string // optional
}

// Attendee is one attendance record with the student's display fields.
type Attendee struct {
	AttendanceRecord
	StudentName  string `json:"student_name"`
	StudentEmail string `json:"student_email"`
}
