package antiproxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"attendiq/internal/model"
	"attendiq/internal/notify"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fakeHistory struct {
	users   map[string]model.User
	records []model.AttendanceRecord
}

func newFakeHistory(userIDs ...string) *fakeHistory {
	h := &fakeHistory{users: map[string]model.User{}}
	for _, id := range userIDs {
		h.users[id] = model.User{ID: id, Role: model.RoleStudent, Name: "student " + id, Email: id + "@example.edu"}
	}
	return h
}

func (h *fakeHistory) add(recs ...model.AttendanceRecord) { h.records = append(h.records, recs...) }

func (h *fakeHistory) FindUserWithRecentAttendance(_ context.Context, userID string, limit int) (*model.User, []model.AttendanceRecord, error) {
	u, ok := h.users[userID]
	if !ok {
		return nil, nil, model.ErrUserNotFound
	}
	var out []model.AttendanceRecord
	for _, r := range h.records {
		if r.StudentID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return &u, out, nil
}

func (h *fakeHistory) FindAttendanceBySameFingerprint(_ context.Context, q model.FingerprintQuery) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	for _, r := range h.records {
		if r.DeviceFingerprint != q.Fingerprint || r.StudentID == q.ExcludeStudentID || r.Timestamp.Before(q.Since) {
			continue
		}
		if q.SessionID != "" && r.SessionID != q.SessionID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (h *fakeHistory) FindAttendanceSince(_ context.Context, studentID string, since time.Time) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	for _, r := range h.records {
		if r.StudentID == studentID && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type recOpt func(*model.AttendanceRecord)

func at(lat, lng float64) recOpt {
	return func(r *model.AttendanceRecord) { r.Latitude, r.Longitude = &lat, &lng }
}

func inSession(id string) recOpt {
	return func(r *model.AttendanceRecord) { r.SessionID = id }
}

func record(student, fingerprint string, ago time.Duration, opts ...recOpt) model.AttendanceRecord {
	ts := testNow.Add(-ago)
	r := model.AttendanceRecord{
		ID:                student + "-" + fingerprint + "-" + ago.String(),
		SessionID:         "session-old",
		StudentID:         student,
		Status:            model.StatusCompleted,
		Timestamp:         ts,
		ClockInTime:       ts,
		DeviceFingerprint: fingerprint,
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

type fakeFlagRepo struct {
	mu      sync.Mutex
	flags   map[string]*model.FlaggedStudent
	classes map[string]model.Class
	users   map[string]model.User
	seq     int
	listErr error
}

func newFakeFlagRepo() *fakeFlagRepo {
	return &fakeFlagRepo{
		flags: map[string]*model.FlaggedStudent{},
		classes: map[string]model.Class{
			"class-1": {ID: "class-1", TeacherID: "teacher-1", Name: "Algorithms", Subject: "CS"},
		},
		users: map[string]model.User{
			"student-a": {ID: "student-a", Role: model.RoleStudent, Name: "Ada", Email: "ada@example.edu"},
			"student-b": {ID: "student-b", Role: model.RoleStudent, Name: "Bo", Email: "bo@example.edu"},
		},
	}
}

func (r *fakeFlagRepo) UpsertFlag(_ context.Context, f model.FlagUpsert) (model.FlaggedStudent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.flags {
		if existing.StudentID == f.StudentID && existing.ClassID == f.ClassID {
			existing.Reasons = f.Reasons
			existing.RiskScore = f.RiskScore
			existing.AttemptCount = f.AttemptCount
			existing.FlaggedAt = f.FlaggedAt
			existing.Status = model.FlagPending
			existing.ResolvedAt, existing.ResolvedBy = nil, nil
			existing.Notes += "\n" + f.Note
			return *existing, nil
		}
	}
	r.seq++
	flag := &model.FlaggedStudent{
		ID:           fmt.Sprintf("flag-%d", r.seq),
		StudentID:    f.StudentID,
		ClassID:      f.ClassID,
		Reasons:      f.Reasons,
		RiskScore:    f.RiskScore,
		AttemptCount: f.AttemptCount,
		Status:       model.FlagPending,
		FlaggedAt:    f.FlaggedAt,
		Notes:        f.Note,
	}
	r.flags[flag.ID] = flag
	return *flag, nil
}

func (r *fakeFlagRepo) ListFlags(_ context.Context, classIDs []string) ([]model.FlaggedStudentView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	want := map[string]bool{}
	for _, id := range classIDs {
		want[id] = true
	}
	var out []model.FlaggedStudentView
	for _, f := range r.flags {
		if !want[f.ClassID] {
			continue
		}
		u, c := r.users[f.StudentID], r.classes[f.ClassID]
		out = append(out, model.FlaggedStudentView{
			FlaggedStudent: *f,
			StudentName:    u.Name,
			StudentEmail:   u.Email,
			ClassName:      c.Name,
			Subject:        c.Subject,
		})
	}
	return out, nil
}

func (r *fakeFlagRepo) FindFlag(_ context.Context, id string) (model.FlaggedStudent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[id]
	if !ok {
		return model.FlaggedStudent{}, model.ErrFlagNotFound
	}
	return *f, nil
}

func (r *fakeFlagRepo) ResolveFlag(_ context.Context, id, resolvedBy string, at time.Time, note string) (model.FlaggedStudent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[id]
	if !ok {
		return model.FlaggedStudent{}, model.ErrFlagNotFound
	}
	f.Status = model.FlagResolved
	f.ResolvedAt, f.ResolvedBy = &at, &resolvedBy
	f.Notes += "\n" + note
	return *f, nil
}

func (r *fakeFlagRepo) FindClass(_ context.Context, id string) (model.Class, error) {
	c, ok := r.classes[id]
	if !ok {
		return model.Class{}, model.ErrClassNotFound
	}
	return c, nil
}

func (r *fakeFlagRepo) FindUser(_ context.Context, id string) (model.User, error) {
	u, ok := r.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return u, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail bool
}

func (n *recordingNotifier) Notify(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, note)
	return nil
}
