// Package attendance implements clock-in and clock-out for class sessions.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendiq/internal/antiproxy"
	"attendiq/internal/geo"
	"attendiq/internal/logger"
	"attendiq/internal/metrics"
	"attendiq/internal/model"
	"attendiq/internal/notify"
)

const minimumPresenceShare = 0.8

// Options configures a Service. Zero values select defaults.
type Options struct {
	Policy        antiproxy.Policy
	Attempts      antiproxy.AttemptStore
	Tolerance     geo.Tolerance
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
	ClockInWindow time.Duration
	OTP           func() (string, error)
}

// Service coordinates the anti-proxy checks and the attendance state machine.
type Service struct {
	store         Store
	policy        antiproxy.Policy
	assessor      *antiproxy.Assessor
	tracker       *antiproxy.Tracker
	activity      *antiproxy.ActivityDetector
	flags         *antiproxy.FlagService
	verifier      *geo.Verifier
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
	clockInWindow time.Duration
	otp           func() (string, error)
}

// NewService creates a service backed by store.
func NewService(store Store, opts Options) *Service {
	if opts.Policy == (antiproxy.Policy{}) {
		opts.Policy = antiproxy.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Attempts == nil {
		opts.Attempts = antiproxy.NewMemoryAttemptStore(opts.Policy.MaxAttemptsPerKey, opts.Policy.AttemptTTL, opts.Now)
	}
	if opts.Tolerance == nil {
		opts.Tolerance = geo.DefaultTolerance()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	if opts.ClockInWindow <= 0 {
		opts.ClockInWindow = 10 * time.Minute
	}
	if opts.OTP == nil {
		opts.OTP = GenerateOTP
	}
	return &Service{
		store:         store,
		policy:        opts.Policy,
		assessor:      antiproxy.NewAssessor(store, opts.Policy, opts.Now),
		tracker:       antiproxy.NewTracker(opts.Attempts, store, opts.Policy, opts.Now),
		activity:      antiproxy.NewActivityDetector(store, opts.Policy, opts.Now),
		flags:         antiproxy.NewFlagService(store, opts.Notifier, opts.Logger, opts.Now),
		verifier:      geo.NewVerifier(opts.Tolerance),
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
		clockInWindow: opts.ClockInWindow,
		otp:           opts.OTP,
	}
}

// Flags exposes the flag service for the instructor endpoints.
func (s *Service) Flags() *antiproxy.FlagService { return s.flags }

type ClockInInput struct {
	StudentID string
	OTP       string
	Latitude  *float64
	Longitude *float64
	Device    antiproxy.DeviceAttributes
}

// ClockInResult describes a successful or idempotently repeated clock-in.
type ClockInResult struct {
	Record           model.AttendanceRecord `json:"attendance"`
	ClassEndsAt      time.Time              `json:"class_ends_at"`
	AlreadyClockedIn bool                   `json:"already_clocked_in"`
	RiskScore        int                    `json:"risk_score"`
	IsNewDevice      bool                   `json:"is_new_device"`
	Warnings         []string               `json:"warnings"`
	LocationMessage  string                 `json:"location_message,omitempty"`
}

// ClockIn validates the OTP, runs the anti-proxy checks and records the clock-in.
func (s *Service) ClockIn(ctx context.Context, in ClockInInput) (ClockInResult, error) {
	res, err := s.clockIn(ctx, in)
	switch {
	case err == nil && res.AlreadyClockedIn:
		s.metrics.ClockIn(metrics.OutcomeIdempotent)
	case err == nil:
		s.metrics.ClockIn(metrics.OutcomeSuccess)
	default:
		s.metrics.ClockIn(outcomeOf(err))
	}
	return res, err
}

func (s *Service) clockIn(ctx context.Context, in ClockInInput) (ClockInResult, error) {
	now := s.now()

	session, err := s.store.FindValidSessionByOTP(ctx, in.OTP, now)
	if err != nil {
		return ClockInResult{}, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		expired, err := s.store.FindLatestSessionByOTP(ctx, in.OTP)
		if err != nil {
			return ClockInResult{}, fmt.Errorf("find session: %w", err)
		}
		if expired != nil {
			return ClockInResult{}, model.ErrClockInDeadlinePassed
		}
		return ClockInResult{}, model.ErrInvalidOrExpiredOTP
	}

	if err := s.requireEnrollment(ctx, in.StudentID, session.ClassID); err != nil {
		return ClockInResult{}, err
	}

	log := s.log.With(
		zap.String(logger.FieldStudentID, in.StudentID),
		zap.String(logger.FieldSessionID, session.ID),
	)

	position := geo.PointFrom(in.Latitude, in.Longitude)
	fingerprint := antiproxy.Fingerprint(in.Device)
	assessment, err := s.assessor.Assess(ctx, in.StudentID, fingerprint, position)
	if err != nil {
		return ClockInResult{}, err
	}
	s.metrics.ObserveRisk(assessment.RiskScore)

	attempt, err := s.tracker.RecordAttempt(ctx, antiproxy.AttemptInput{
		StudentID:   in.StudentID,
		SessionID:   session.ID,
		RiskScore:   assessment.RiskScore,
		Fingerprint: fingerprint,
		Reasons:     assessment.Reasons,
	})
	if err != nil {
		return ClockInResult{}, err
	}

	if err := s.enforcePolicy(ctx, log, *session, in.StudentID, assessment, attempt); err != nil {
		return ClockInResult{}, err
	}

	activity, err := s.activity.Detect(ctx, in.StudentID)
	if err != nil {
		return ClockInResult{}, err
	}
	if activity.IsSuspicious && activity.Level == antiproxy.RiskHigh {
		s.flagBestEffort(ctx, log, antiproxy.FlagInput{
			StudentID:    in.StudentID,
			ClassID:      session.ClassID,
			Reasons:      activity.Reasons,
			RiskScore:    max(assessment.RiskScore, activity.Score),
			AttemptCount: attempt.AttemptCount,
		})
		s.metrics.Blocked("suspicious_activity")
		return ClockInResult{}, &model.BlockedError{Kind: model.ErrSuspiciousActivity, Reasons: activity.Reasons}
	}

	class, err := s.store.FindClass(ctx, session.ClassID)
	if err != nil {
		return ClockInResult{}, err
	}
	hint := geo.HintFromUserAgent(in.Device.UserAgent, in.Device.DeviceModel, in.Device.OSVersion)
	locationMessage, err := s.verifyLocation(class, position, hint)
	if err != nil {
		return ClockInResult{}, err
	}

	result := ClockInResult{
		ClassEndsAt:     session.EndsAt(),
		RiskScore:       assessment.RiskScore,
		IsNewDevice:     assessment.IsNewDevice,
		Warnings:        attempt.Reasons,
		LocationMessage: locationMessage,
	}

	existing, err := s.store.FindAttendanceRecord(ctx, in.StudentID, session.ID)
	if err != nil {
		return ClockInResult{}, fmt.Errorf("find attendance: %w", err)
	}
	if existing != nil {
		return s.existingClockIn(result, *existing)
	}

	rec := model.AttendanceRecord{
		ID:                uuid.NewString(),
		SessionID:         session.ID,
		StudentID:         in.StudentID,
		Status:            model.StatusClockedIn,
		Timestamp:         now,
		ClockInTime:       now,
		Latitude:          in.Latitude,
		Longitude:         in.Longitude,
		DeviceFingerprint: fingerprint,
		UserAgent:         in.Device.UserAgent,
		ScreenResolution:  in.Device.ScreenResolution,
		RiskScore:         assessment.RiskScore,
		IsNewDevice:       assessment.IsNewDevice,
	}
	if err := s.store.CreateAttendanceRecord(ctx, rec); err != nil {
		if !errors.Is(err, model.ErrDuplicateAttendance) {
			return ClockInResult{}, fmt.Errorf("create attendance: %w", err)
		}
		// A concurrent request for the same student and session won the insert.
		existing, err := s.store.FindAttendanceRecord(ctx, in.StudentID, session.ID)
		if err != nil {
			return ClockInResult{}, fmt.Errorf("find attendance: %w", err)
		}
		if existing == nil {
			return ClockInResult{}, fmt.Errorf("create attendance: %w", model.ErrDuplicateAttendance)
		}
		return s.existingClockIn(result, *existing)
	}

	log.Info("clocked in",
		zap.Int(logger.FieldRiskScore, assessment.RiskScore),
		zap.Bool("new_device", assessment.IsNewDevice),
	)
	result.Record = rec
	return result, nil
}

func (s *Service) existingClockIn(result ClockInResult, rec model.AttendanceRecord) (ClockInResult, error) {
	if rec.Status.Terminal() {
		return ClockInResult{}, model.ErrAlreadyCompleted
	}
	result.Record = rec
	result.AlreadyClockedIn = true
	return result, nil
}

// enforcePolicy applies the blocking tiers in order. Every block flags the
// instructor first; a failed flag write never lifts the block.
func (s *Service) enforcePolicy(ctx context.Context, log *zap.Logger, session model.Session, studentID string, a antiproxy.Assessment, at antiproxy.AttemptResult) error {
	p := s.policy
	flag := antiproxy.FlagInput{
		StudentID:    studentID,
		ClassID:      session.ClassID,
		Reasons:      at.Reasons,
		RiskScore:    a.RiskScore,
		AttemptCount: at.AttemptCount,
	}
	sharing := antiproxy.IndicatesCredentialSharing(at.Reasons)

	switch {
	case sharing && a.RiskScore >= p.SharingBlockScore:
		s.flagBestEffort(ctx, log, flag)
		s.metrics.Blocked("credential_sharing")
		return &model.BlockedError{Kind: model.ErrCredentialSharing, Reasons: at.Reasons}
	case at.AttemptCount >= p.RepeatAttempts && a.RiskScore >= p.RepeatBlockScore:
		s.flagBestEffort(ctx, log, flag)
		s.metrics.Blocked("repeated_attempts")
		return &model.BlockedError{Kind: model.ErrRepeatedSuspicious, Reasons: at.Reasons}
	case at.AttemptCount >= p.AbsoluteAttemptCap:
		s.flagBestEffort(ctx, log, flag)
		s.metrics.Blocked("attempt_cap")
		return &model.BlockedError{Kind: model.ErrRepeatedSuspicious, Reasons: at.Reasons}
	case at.AttemptCount > 0:
		log.Warn("suspicious attempt",
			zap.Int(logger.FieldAttempts, at.AttemptCount),
			zap.Int(logger.FieldRiskScore, a.RiskScore),
			zap.Strings(logger.FieldReasons, at.Reasons),
		)
		if sharing {
			// Below the block threshold the instructor still sees the shared device.
			s.flagBestEffort(ctx, log, flag)
		}
	}
	return nil
}

func (s *Service) flagBestEffort(ctx context.Context, log *zap.Logger, in antiproxy.FlagInput) {
	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.flags.Flag(flagCtx, in); err != nil {
		log.Error("flag write failed", zap.Error(err))
		return
	}
	s.metrics.FlagRaised()
}

func (s *Service) requireEnrollment(ctx context.Context, studentID, classID string) error {
	ok, err := s.store.IsEnrolled(ctx, studentID, classID)
	if err != nil {
		return fmt.Errorf("check enrollment: %w", err)
	}
	if !ok {
		return model.ErrNotEnrolled
	}
	return nil
}

// verifyLocation returns the user-facing distance message, or a
// *model.LocationError when the class geofence rejects the position.
func (s *Service) verifyLocation(class model.Class, position geo.Point, hint geo.DeviceHint) (string, error) {
	if !class.HasGeofence() {
		return "", nil
	}
	if position.Missing() {
		return "", &model.LocationError{Kind: model.ErrLocationRequired}
	}
	center := geo.Point{Lat: *class.Latitude, Lng: *class.Longitude}
	radius := geo.DefaultRadiusMeters
	if class.RadiusMeters != nil && *class.RadiusMeters > 0 {
		radius = *class.RadiusMeters
	}
	distance := geo.Distance(position, center)
	message := geo.DescribeDistance(distance, radius)
	if !s.verifier.WithinRadius(position, center, radius, hint) {
		return "", &model.LocationError{
			Kind:           model.ErrLocationVerification,
			DistanceMeters: distance,
			RadiusMeters:   radius,
			Message:        message,
		}
	}
	return message, nil
}

type ClockOutInput struct {
	StudentID string
	OTP       string
	Latitude  *float64
	Longitude *float64
}

type ClockOutResult struct {
	Record          model.AttendanceRecord `json:"attendance"`
	ElapsedMinutes  int                    `json:"elapsed_minutes"`
	ClassEndsAt     time.Time              `json:"class_ends_at"`
	Completed       bool                   `json:"completed"`
	LocationMessage string                 `json:"location_message,omitempty"`
}

// ClockOut closes the student's attendance for the session behind otp.
func (s *Service) ClockOut(ctx context.Context, in ClockOutInput) (ClockOutResult, error) {
	res, err := s.clockOut(ctx, in)
	if err != nil {
		s.metrics.ClockOut(outcomeOf(err))
	} else {
		s.metrics.ClockOut(metrics.OutcomeSuccess)
	}
	return res, err
}

func (s *Service) clockOut(ctx context.Context, in ClockOutInput) (ClockOutResult, error) {
	now := s.now()

	session, err := s.store.FindLatestSessionByOTP(ctx, in.OTP)
	if err != nil {
		return ClockOutResult{}, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return ClockOutResult{}, model.ErrInvalidOrExpiredOTP
	}
	if err := s.requireEnrollment(ctx, in.StudentID, session.ClassID); err != nil {
		return ClockOutResult{}, err
	}

	rec, err := s.store.FindAttendanceRecord(ctx, in.StudentID, session.ID)
	if err != nil {
		return ClockOutResult{}, fmt.Errorf("find attendance: %w", err)
	}
	if rec == nil {
		return ClockOutResult{}, model.ErrMustClockInFirst
	}
	if rec.Status.Terminal() {
		return ClockOutResult{}, model.ErrAlreadyClockedOut
	}

	classEnd := session.EndsAt()
	elapsed := now.Sub(rec.ClockInTime).Minutes()
	minimum := minimumPresenceShare * float64(session.ClassDurationMinutes)
	if now.Before(classEnd) && elapsed < minimum {
		return ClockOutResult{}, &model.TooEarlyError{RemainingMinutes: int(math.Ceil(minimum - elapsed))}
	}

	class, err := s.store.FindClass(ctx, session.ClassID)
	if err != nil {
		return ClockOutResult{}, err
	}
	position := geo.PointFrom(in.Latitude, in.Longitude)
	locationMessage, err := s.verifyLocation(class, position, geo.HintFromUserAgent(rec.UserAgent))
	if err != nil {
		return ClockOutResult{}, err
	}

	status := model.StatusClockedOut
	if !now.Before(classEnd) {
		status = model.StatusCompleted
	}
	updated, err := s.store.ClockOut(ctx, rec.ID, ClockOutUpdate{
		Status:       status,
		ClockOutTime: now,
		Latitude:     in.Latitude,
		Longitude:    in.Longitude,
	})
	if err != nil {
		if errors.Is(err, model.ErrAlreadyClockedOut) {
			return ClockOutResult{}, err
		}
		return ClockOutResult{}, fmt.Errorf("clock out: %w", err)
	}

	s.log.Info("clocked out",
		zap.String(logger.FieldStudentID, in.StudentID),
		zap.String(logger.FieldSessionID, session.ID),
		zap.String("status", string(status)),
	)
	return ClockOutResult{
		Record:          updated,
		ElapsedMinutes:  int(math.Round(elapsed)),
		ClassEndsAt:     classEnd,
		Completed:       status == model.StatusCompleted,
		LocationMessage: locationMessage,
	}, nil
}

// MyRecords returns the student's attendance, newest first.
func (s *Service) MyRecords(ctx context.Context, studentID string) ([]model.AttendanceRecord, error) {
	records, err := s.store.ListAttendanceByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	return records, nil
}

// SessionSummary counts records by status.
type SessionSummary struct {
	Total      int `json:"total"`
	ClockedIn  int `json:"clocked_in"`
	ClockedOut int `json:"clocked_out"`
	Completed  int `json:"completed"`
}

type SessionAttendance struct {
	Session   model.Session    `json:"session"`
	Class     model.Class      `json:"class"`
	Attendees []model.Attendee `json:"attendees"`
	Summary   SessionSummary   `json:"summary"`
}

// SessionAttendance lists a session's records for the teacher who owns its class.
func (s *Service) SessionAttendance(ctx context.Context, teacherID, sessionID string) (SessionAttendance, error) {
	session, err := s.store.FindSession(ctx, sessionID)
	if err != nil {
		return SessionAttendance{}, err
	}
	class, err := s.ownedClass(ctx, teacherID, session.ClassID)
	if err != nil {
		return SessionAttendance{}, err
	}
	attendees, err := s.store.ListAttendanceBySession(ctx, sessionID)
	if err != nil {
		return SessionAttendance{}, fmt.Errorf("list attendance: %w", err)
	}
	if attendees == nil {
		attendees = []model.Attendee{}
	}
	summary := SessionSummary{Total: len(attendees)}
	for _, a := range attendees {
		switch a.Status {
		case model.StatusClockedIn:
			summary.ClockedIn++
		case model.StatusClockedOut:
			summary.ClockedOut++
		case model.StatusCompleted:
			summary.Completed++
		}
	}
	return SessionAttendance{Session: session, Class: class, Attendees: attendees, Summary: summary}, nil
}

type CreateSessionInput struct {
	TeacherID       string
	ClassID         string
	DurationMinutes int
	// ClockInWindow overrides the configured deadline offset when positive.
	ClockInWindow time.Duration
}

const (
	maxClassMinutes = 24 * 60
	maxOTPAttempts  = 20
)

// CreateSession opens a session with an OTP unique among valid sessions.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (model.Session, error) {
	if in.DurationMinutes <= 0 || in.DurationMinutes > maxClassMinutes {
		return model.Session{}, fmt.Errorf("%w: duration must be between 1 and %d minutes", model.ErrInvalidSessionParameter, maxClassMinutes)
	}
	window := s.clockInWindow
	if in.ClockInWindow > 0 {
		window = in.ClockInWindow
	}
	if window > time.Duration(in.DurationMinutes)*time.Minute {
		return model.Session{}, fmt.Errorf("%w: clock-in window exceeds class duration", model.ErrInvalidSessionParameter)
	}
	if _, err := s.ownedClass(ctx, in.TeacherID, in.ClassID); err != nil {
		return model.Session{}, err
	}

	now := s.now()
	otp, err := s.uniqueOTP(ctx, now)
	if err != nil {
		return model.Session{}, err
	}
	session := model.Session{
		ID:                   uuid.NewString(),
		ClassID:              in.ClassID,
		OTP:                  otp,
		ValidUntil:           now.Add(window),
		ClassDurationMinutes: in.DurationMinutes,
		CreatedAt:            now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created",
		zap.String(logger.FieldSessionID, session.ID),
		zap.String(logger.FieldClassID, session.ClassID),
	)
	return session, nil
}

func (s *Service) uniqueOTP(ctx context.Context, now time.Time) (string, error) {
	for i := 0; i < maxOTPAttempts; i++ {
		otp, err := s.otp()
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		taken, err := s.store.FindValidSessionByOTP(ctx, otp, now)
		if err != nil {
			return "", fmt.Errorf("check otp: %w", err)
		}
		if taken == nil {
			return otp, nil
		}
	}
	return "", model.ErrOTPSpaceExhausted
}

// ListFlagged returns flags for one owned class, or all of the teacher's classes when classID is empty.
func (s *Service) ListFlagged(ctx context.Context, teacherID, classID string) ([]model.FlaggedStudentView, error) {
	var classIDs []string
	if classID != "" {
		if _, err := s.ownedClass(ctx, teacherID, classID); err != nil {
			return nil, err
		}
		classIDs = []string{classID}
	} else {
		ids, err := s.store.ListClassIDsByTeacher(ctx, teacherID)
		if err != nil {
			return nil, fmt.Errorf("list classes: %w", err)
		}
		classIDs = ids
	}
	return s.flags.List(ctx, classIDs)
}

// ResolveFlag marks a flag reviewed by the owning teacher.
func (s *Service) ResolveFlag(ctx context.Context, teacherID, flagID, note string) (model.FlaggedStudent, error) {
	return s.flags.Resolve(ctx, flagID, teacherID, note)
}

func (s *Service) ownedClass(ctx context.Context, teacherID, classID string) (model.Class, error) {
	class, err := s.store.FindClass(ctx, classID)
	if err != nil {
		return model.Class{}, err
	}
	if class.TeacherID != teacherID {
		return model.Class{}, model.ErrClassNotFound
	}
	return class, nil
}

func outcomeOf(err error) string {
	var blocked *model.BlockedError
	switch {
	case errors.As(err, &blocked):
		return metrics.OutcomeBlocked
	case isRejection(err):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func isRejection(err error) bool {
	for _, kind := range []error{
		model.ErrInvalidOrExpiredOTP, model.ErrNotEnrolled, model.ErrClockInDeadlinePassed,
		model.ErrLocationRequired, model.ErrLocationVerification, model.ErrAlreadyCompleted,
		model.ErrMustClockInFirst, model.ErrAlreadyClockedOut, model.ErrTooEarlyToClockOut,
		model.ErrUserNotFound,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
