package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"attendiq/internal/model"
)

const uniqueViolation = "23505"

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type scanner interface {
	Scan(dest ...any) error
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, u model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, role, email, name)
		VALUES ($1, $2, $3, $4)
	`, u.ID, string(u.Role), u.Email, u.Name)
	return err
}

// FindUser returns a user by id.
func (r *Repository) FindUser(ctx context.Context, id string) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, role, email, name FROM users WHERE id = $1`, id).
		Scan(&u.ID, &role, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	u.Role = model.Role(role)
	return u, nil
}

// CreateClass inserts a class.
func (r *Repository) CreateClass(ctx context.Context, c model.Class) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (id, teacher_id, name, subject, latitude, longitude, radius_meters)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.TeacherID, c.Name, c.Subject, c.Latitude, c.Longitude, c.RadiusMeters)
	return err
}

// FindClass returns a class by id.
func (r *Repository) FindClass(ctx context.Context, id string) (model.Class, error) {
	var c model.Class
	err := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, name, subject, latitude, longitude, radius_meters
		FROM classes WHERE id = $1
	`, id).Scan(&c.ID, &c.TeacherID, &c.Name, &c.Subject, &c.Latitude, &c.Longitude, &c.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Class{}, model.ErrClassNotFound
	}
	return c, err
}

// ListClassIDsByTeacher returns the ids of classes owned by teacherID.
func (r *Repository) ListClassIDsByTeacher(ctx context.Context, teacherID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM classes WHERE teacher_id = $1 ORDER BY id`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Enroll adds a student to a class.
func (r *Repository) Enroll(ctx context.Context, studentID, classID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (student_id, class_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, class_id) DO NOTHING
	`, studentID, classID)
	return err
}

// IsEnrolled reports whether the student is enrolled in the class.
func (r *Repository) IsEnrolled(ctx context.Context, studentID, classID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND class_id = $2)
	`, studentID, classID).Scan(&ok)
	return ok, err
}

const sessionColumns = `id, class_id, otp, valid_until, class_duration_minutes, created_at`

func scanSession(row scanner) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.ClassID, &s.OTP, &s.ValidUntil, &s.ClassDurationMinutes, &s.CreatedAt)
	return s, err
}

// CreateSession inserts a session.
func (r *Repository) CreateSession(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.ClassID, s.OTP, s.ValidUntil, s.ClassDurationMinutes, s.CreatedAt)
	return err
}

// FindSession returns a session by id.
func (r *Repository) FindSession(ctx context.Context, id string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	return s, err
}

// FindValidSessionByOTP returns the newest session for otp still open for clock-in.
func (r *Repository) FindValidSessionByOTP(ctx context.Context, otp string, now time.Time) (*model.Session, error) {
	return r.optionalSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE otp = $1 AND valid_until > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, otp, now))
}

// FindLatestSessionByOTP returns the newest session for otp regardless of deadline.
func (r *Repository) FindLatestSessionByOTP(ctx context.Context, otp string) (*model.Session, error) {
	return r.optionalSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE otp = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, otp))
}

func (r *Repository) optionalSession(row *sql.Row) (*model.Session, error) {
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const recordColumns = `id, session_id, student_id, status, timestamp, clock_in_time, clock_out_time,
	latitude, longitude, clock_out_latitude, clock_out_longitude,
	device_fingerprint, user_agent, screen_resolution, risk_score, is_new_device`

func scanRecord(row scanner) (model.AttendanceRecord, error) {
	var (
		rec    model.AttendanceRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &rec.Timestamp, &rec.ClockInTime, &rec.ClockOutTime,
		&rec.Latitude, &rec.Longitude, &rec.ClockOutLatitude, &rec.ClockOutLongitude,
		&rec.DeviceFingerprint, &rec.UserAgent, &rec.ScreenResolution, &rec.RiskScore, &rec.IsNewDevice)
	rec.Status = model.AttendanceStatus(status)
	return rec, err
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]model.AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// FindAttendanceRecord returns the student's record for a session, or nil.
func (r *Repository) FindAttendanceRecord(ctx context.Context, studentID, sessionID string) (*model.AttendanceRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance
		WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateAttendanceRecord inserts a clock-in record.
func (r *Repository) CreateAttendanceRecord(ctx context.Context, rec model.AttendanceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), rec.Timestamp, rec.ClockInTime, rec.ClockOutTime,
		rec.Latitude, rec.Longitude, rec.ClockOutLatitude, rec.ClockOutLongitude,
		rec.DeviceFingerprint, rec.UserAgent, rec.ScreenResolution, rec.RiskScore, rec.IsNewDevice)
	if isUniqueViolation(err) {
		return model.ErrDuplicateAttendance
	}
	return err
}

// ClockOut closes a CLOCKED_IN record.
func (r *Repository) ClockOut(ctx context.Context, recordID string, u ClockOutUpdate) (model.AttendanceRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		UPDATE attendance
		SET status = $2, clock_out_time = $3, clock_out_latitude = $4, clock_out_longitude = $5
		WHERE id = $1 AND status = 'CLOCKED_IN'
		RETURNING `+recordColumns,
		recordID, string(u.Status), u.ClockOutTime, u.Latitude, u.Longitude))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, model.ErrAlreadyClockedOut
	}
	return rec, err
}

// ListAttendanceByStudent returns the student's records, newest first.
func (r *Repository) ListAttendanceByStudent(ctx context.Context, studentID string) ([]model.AttendanceRecord, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance
		WHERE student_id = $1
		ORDER BY timestamp DESC
	`, studentID)
}

// ListAttendanceBySession returns a session's records with student names.
func (r *Repository) ListAttendanceBySession(ctx context.Context, sessionID string) ([]model.Attendee, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.session_id, a.student_id, a.status, a.timestamp, a.clock_in_time, a.clock_out_time,
			a.latitude, a.longitude, a.clock_out_latitude, a.clock_out_longitude,
			a.device_fingerprint, a.user_agent, a.screen_resolution, a.risk_score, a.is_new_device,
			u.name, u.email
		FROM attendance a
		JOIN users u ON u.id = a.student_id
		WHERE a.session_id = $1
		ORDER BY a.timestamp DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Attendee
	for rows.Next() {
		var (
			a      model.Attendee
			status string
		)
		rec := &a.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &rec.Timestamp, &rec.ClockInTime, &rec.ClockOutTime,
			&rec.Latitude, &rec.Longitude, &rec.ClockOutLatitude, &rec.ClockOutLongitude,
			&rec.DeviceFingerprint, &rec.UserAgent, &rec.ScreenResolution, &rec.RiskScore, &rec.IsNewDevice,
			&a.StudentName, &a.StudentEmail); err != nil {
			return nil, err
		}
		rec.Status = model.AttendanceStatus(status)
		res = append(res, a)
	}
	return res, rows.Err()
}

// FindUserWithRecentAttendance returns the user and their latest records.
func (r *Repository) FindUserWithRecentAttendance(ctx context.Context, userID string, limit int) (*model.User, []model.AttendanceRecord, error) {
	u, err := r.FindUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	records, err := r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance
		WHERE student_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, nil, err
	}
	return &u, records, nil
}

// FindAttendanceBySameFingerprint returns other students' records made with one device.
func (r *Repository) FindAttendanceBySameFingerprint(ctx context.Context, q model.FingerprintQuery) ([]model.AttendanceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance
		WHERE device_fingerprint = $1 AND student_id <> $2 AND timestamp >= $3`
	args := []any{q.Fingerprint, q.ExcludeStudentID, q.Since}
	if q.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", len(args)+1)
		args = append(args, q.SessionID)
	}
	query += " ORDER BY timestamp DESC"
	return r.queryRecords(ctx, query, args...)
}

// FindAttendanceSince returns the student's records at or after since.
func (r *Repository) FindAttendanceSince(ctx context.Context, studentID string, since time.Time) ([]model.AttendanceRecord, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance
		WHERE student_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC
	`, studentID, since)
}

const flagColumns = `id, student_id, class_id, reasons, risk_score, attempt_count, status, flagged_at, resolved_at, resolved_by, notes`

func (r *Repository) scanFlag(row scanner, extra ...any) (model.FlaggedStudent, error) {
	var (
		f      model.FlaggedStudent
		status string
	)
	// pgtype.Map caches scan plans and is not safe for concurrent use.
	dest := []any{&f.ID, &f.StudentID, &f.ClassID, pgtype.NewMap().SQLScanner(&f.Reasons), &f.RiskScore, &f.AttemptCount,
		&status, &f.FlaggedAt, &f.ResolvedAt, &f.ResolvedBy, &f.Notes}
	err := row.Scan(append(dest, extra...)...)
	f.Status = model.FlagStatus(status)
	return f, err
}

// UpsertFlag creates or refreshes the flag for a (student, class) pair.
func (r *Repository) UpsertFlag(ctx context.Context, in model.FlagUpsert) (model.FlaggedStudent, error) {
	reasons := in.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return r.scanFlag(r.db.QueryRowContext(ctx, `
		INSERT INTO flagged_students (id, student_id, class_id, reasons, risk_score, attempt_count, status, flagged_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8)
		ON CONFLICT (student_id, class_id) DO UPDATE SET
			reasons = EXCLUDED.reasons,
			risk_score = EXCLUDED.risk_score,
			attempt_count = EXCLUDED.attempt_count,
			flagged_at = EXCLUDED.flagged_at,
			status = 'PENDING',
			resolved_at = NULL,
			resolved_by = NULL,
			notes = CASE WHEN flagged_students.notes = '' THEN EXCLUDED.notes
				ELSE flagged_students.notes || E'\n' || EXCLUDED.notes END
		RETURNING `+flagColumns,
		uuid.NewString(), in.StudentID, in.ClassID, reasons, in.RiskScore, in.AttemptCount, in.FlaggedAt, in.Note))
}

// ListFlags returns flags for the given classes joined with display fields.
func (r *Repository) ListFlags(ctx context.Context, classIDs []string) ([]model.FlaggedStudentView, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT f.id, f.student_id, f.class_id, f.reasons, f.risk_score, f.attempt_count, f.status,
			f.flagged_at, f.resolved_at, f.resolved_by, f.notes,
			u.name, u.email, c.name, c.subject
		FROM flagged_students f
		JOIN users u ON u.id = f.student_id
		JOIN classes c ON c.id = f.class_id
		WHERE f.class_id = ANY($1)
		ORDER BY f.flagged_at DESC
	`, classIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.FlaggedStudentView
	for rows.Next() {
		var v model.FlaggedStudentView
		f, err := r.scanFlag(rows, &v.StudentName, &v.StudentEmail, &v.ClassName, &v.Subject)
		if err != nil {
			return nil, err
		}
		v.FlaggedStudent = f
		res = append(res, v)
	}
	return res, rows.Err()
}

// FindFlag returns a flag by id.
func (r *Repository) FindFlag(ctx context.Context, id string) (model.FlaggedStudent, error) {
	f, err := r.scanFlag(r.db.QueryRowContext(ctx, `SELECT `+flagColumns+` FROM flagged_students WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.FlaggedStudent{}, model.ErrFlagNotFound
	}
	return f, err
}

// ResolveFlag marks a flag resolved and appends note to its audit log.
func (r *Repository) ResolveFlag(ctx context.Context, id, resolvedBy string, at time.Time, note string) (model.FlaggedStudent, error) {
	f, err := r.scanFlag(r.db.QueryRowContext(ctx, `
		UPDATE flagged_students
		SET status = 'RESOLVED', resolved_at = $2, resolved_by = $3,
			notes = CASE WHEN notes = '' THEN $4::text ELSE notes || E'\n' || $4::text END
		WHERE id = $1
		RETURNING `+flagColumns,
		id, at, resolvedBy, note))
	if errors.Is(err, sql.ErrNoRows) {
		return model.FlaggedStudent{}, model.ErrFlagNotFound
	}
	return f, err
}
