package attendance

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendiq/internal/model"
)

// pairKey is (student, class) for enrollments and (student, session) for records.
type pairKey struct{ studentID, otherID string }

// MemoryRepository is an in-process Store for development and tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	users       map[string]model.User
	classes     map[string]model.Class
	enrollments map[pairKey]struct{}
	sessions    map[string]model.Session
	records     map[string]model.AttendanceRecord
	byStudent   map[pairKey]string // (student, session) -> record id
	flags       map[string]model.FlaggedStudent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[string]model.User),
		classes:     make(map[string]model.Class),
		enrollments: make(map[pairKey]struct{}),
		sessions:    make(map[string]model.Session),
		records:     make(map[string]model.AttendanceRecord),
		byStudent:   make(map[pairKey]string),
		flags:       make(map[string]model.FlaggedStudent),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, u model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	r.users[u.ID] = u
	return nil
}

func (r *MemoryRepository) FindUser(_ context.Context, id string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return u, nil
}

func (r *MemoryRepository) CreateClass(_ context.Context, c model.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.classes[c.ID] = c
	return nil
}

func (r *MemoryRepository) FindClass(_ context.Context, id string) (model.Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[id]
	if !ok {
		return model.Class{}, model.ErrClassNotFound
	}
	return c, nil
}

func (r *MemoryRepository) ListClassIDsByTeacher(_ context.Context, teacherID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, c := range r.classes {
		if c.TeacherID == teacherID {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) Enroll(_ context.Context, studentID, classID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollments[pairKey{studentID, classID}] = struct{}{}
	return nil
}

func (r *MemoryRepository) IsEnrolled(_ context.Context, studentID, classID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.enrollments[pairKey{studentID, classID}]
	return ok, nil
}

func (r *MemoryRepository) CreateSession(_ context.Context, s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[s.ClassID]; !ok {
		return model.ErrClassNotFound
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) FindSession(_ context.Context, id string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	return s, nil
}

func (r *MemoryRepository) FindValidSessionByOTP(_ context.Context, otp string, now time.Time) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestSession(otp, func(s model.Session) bool { return s.ValidUntil.After(now) }), nil
}

func (r *MemoryRepository) FindLatestSessionByOTP(_ context.Context, otp string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestSession(otp, func(model.Session) bool { return true }), nil
}

func (r *MemoryRepository) latestSession(otp string, keep func(model.Session) bool) *model.Session {
	var best *model.Session
	for _, s := range r.sessions {
		if s.OTP != otp || !keep(s) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			s := s
			best = &s
		}
	}
	return best
}

func (r *MemoryRepository) FindAttendanceRecord(_ context.Context, studentID, sessionID string) (*model.AttendanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byStudent[pairKey{studentID, sessionID}]
	if !ok {
		return nil, nil
	}
	rec := r.records[id]
	return &rec, nil
}

func (r *MemoryRepository) CreateAttendanceRecord(_ context.Context, rec model.AttendanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey{rec.StudentID, rec.SessionID}
	if _, ok := r.byStudent[key]; ok {
		return model.ErrDuplicateAttendance
	}
	r.records[rec.ID] = rec
	r.byStudent[key] = rec.ID
	return nil
}

func (r *MemoryRepository) ClockOut(_ context.Context, recordID string, u ClockOutUpdate) (model.AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok || rec.Status != model.StatusClockedIn {
		return model.AttendanceRecord{}, model.ErrAlreadyClockedOut
	}
	at := u.ClockOutTime
	rec.Status = u.Status
	rec.ClockOutTime = &at
	rec.ClockOutLatitude = u.Latitude
	rec.ClockOutLongitude = u.Longitude
	r.records[recordID] = rec
	return rec, nil
}

func (r *MemoryRepository) ListAttendanceByStudent(_ context.Context, studentID string) ([]model.AttendanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.filterRecords(func(rec model.AttendanceRecord) bool { return rec.StudentID == studentID })
	return out, nil
}

func (r *MemoryRepository) ListAttendanceBySession(_ context.Context, sessionID string) ([]model.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.filterRecords(func(rec model.AttendanceRecord) bool { return rec.SessionID == sessionID })
	out := make([]model.Attendee, 0, len(records))
	for _, rec := range records {
		u := r.users[rec.StudentID]
		out = append(out, model.Attendee{AttendanceRecord: rec, StudentName: u.Name, StudentEmail: u.Email})
	}
	return out, nil
}

func (r *MemoryRepository) FindUserWithRecentAttendance(_ context.Context, userID string, limit int) (*model.User, []model.AttendanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, nil, model.ErrUserNotFound
	}
	records := r.filterRecords(func(rec model.AttendanceRecord) bool { return rec.StudentID == userID })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return &u, records, nil
}

func (r *MemoryRepository) FindAttendanceBySameFingerprint(_ context.Context, q model.FingerprintQuery) ([]model.AttendanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterRecords(func(rec model.AttendanceRecord) bool {
		if rec.DeviceFingerprint != q.Fingerprint || rec.StudentID == q.ExcludeStudentID {
			return false
		}
		if q.SessionID != "" && rec.SessionID != q.SessionID {
			return false
		}
		return !rec.Timestamp.Before(q.Since)
	}), nil
}

func (r *MemoryRepository) FindAttendanceSince(_ context.Context, studentID string, since time.Time) ([]model.AttendanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterRecords(func(rec model.AttendanceRecord) bool {
		return rec.StudentID == studentID && !rec.Timestamp.Before(since)
	}), nil
}

// filterRecords returns matching records newest first. Callers hold the lock.
func (r *MemoryRepository) filterRecords(keep func(model.AttendanceRecord) bool) []model.AttendanceRecord {
	var out []model.AttendanceRecord
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (r *MemoryRepository) UpsertFlag(_ context.Context, f model.FlagUpsert) (model.FlaggedStudent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.flags {
		if existing.StudentID != f.StudentID || existing.ClassID != f.ClassID {
			continue
		}
		existing.Reasons = append([]string(nil), f.Reasons...)
		existing.RiskScore = f.RiskScore
		existing.AttemptCount = f.AttemptCount
		existing.FlaggedAt = f.FlaggedAt
		existing.Status = model.FlagPending
		existing.ResolvedAt = nil
		existing.ResolvedBy = nil
		existing.Notes = appendNote(existing.Notes, f.Note)
		r.flags[id] = existing
		return existing, nil
	}
	flag := model.FlaggedStudent{
		ID:           uuid.NewString(),
		StudentID:    f.StudentID,
		ClassID:      f.ClassID,
		Reasons:      append([]string(nil), f.Reasons...),
		RiskScore:    f.RiskScore,
		AttemptCount: f.AttemptCount,
		Status:       model.FlagPending,
		FlaggedAt:    f.FlaggedAt,
		Notes:        f.Note,
	}
	r.flags[flag.ID] = flag
	return flag, nil
}

func (r *MemoryRepository) ListFlags(_ context.Context, classIDs []string) ([]model.FlaggedStudentView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[string]struct{}, len(classIDs))
	for _, id := range classIDs {
		want[id] = struct{}{}
	}
	var out []model.FlaggedStudentView
	for _, f := range r.flags {
		if _, ok := want[f.ClassID]; !ok {
			continue
		}
		u, c := r.users[f.StudentID], r.classes[f.ClassID]
		out = append(out, model.FlaggedStudentView{
			FlaggedStudent: f,
			StudentName:    u.Name,
			StudentEmail:   u.Email,
			ClassName:      c.Name,
			Subject:        c.Subject,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlaggedAt.After(out[j].FlaggedAt) })
	return out, nil
}

func (r *MemoryRepository) FindFlag(_ context.Context, id string) (model.FlaggedStudent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flags[id]
	if !ok {
		return model.FlaggedStudent{}, model.ErrFlagNotFound
	}
	return f, nil
}

func (r *MemoryRepository) ResolveFlag(_ context.Context, id, resolvedBy string, at time.Time, note string) (model.FlaggedStudent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[id]
	if !ok {
		return model.FlaggedStudent{}, model.ErrFlagNotFound
	}
	f.Status = model.FlagResolved
	f.ResolvedAt = &at
	f.ResolvedBy = &resolvedBy
	f.Notes = appendNote(f.Notes, note)
	r.flags[id] = f
	return f, nil
}

func appendNote(notes, line string) string {
	if strings.TrimSpace(notes) == "" {
		return line
	}
	return notes + "\n" + line
}
