package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendiq/internal/attendance"
	"attendiq/internal/auth"
	"attendiq/internal/model"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testServer struct {
	router *gin.Engine
	issuer auth.Issuer
	now    time.Time
}

func ptr[T any](v T) *T { return &v }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	ts := &testServer{now: testNow}

	repo := attendance.NewMemoryRepository()
	require.NoError(t, repo.CreateUser(ctx, model.User{ID: "teacher-1", Role: model.RoleTeacher, Name: "Grace", Email: "grace@example.edu"}))
	require.NoError(t, repo.CreateUser(ctx, model.User{ID: "student-1", Role: model.RoleStudent, Name: "Ada", Email: "ada@example.edu"}))
	require.NoError(t, repo.CreateUser(ctx, model.User{ID: "student-2", Role: model.RoleStudent, Name: "Bo", Email: "bo@example.edu"}))
	require.NoError(t, repo.CreateClass(ctx, model.Class{
		ID: "class-1", TeacherID: "teacher-1", Name: "Networks",
		Latitude: ptr(42.0), Longitude: ptr(-84.0), RadiusMeters: ptr(9.144),
	}))
	require.NoError(t, repo.Enroll(ctx, "student-1", "class-1"))
	require.NoError(t, repo.Enroll(ctx, "student-2", "class-1"))
	require.NoError(t, repo.CreateSession(ctx, model.Session{
		ID: "session-1", ClassID: "class-1", OTP: "482913",
		ValidUntil: testNow.Add(10 * time.Minute), ClassDurationMinutes: 60, CreatedAt: testNow,
	}))

	clock := func() time.Time { return ts.now }
	svc := attendance.NewService(repo, attendance.Options{Now: clock})
	ts.issuer = auth.Issuer{Name: "attendiq", Key: []byte("test"), AccessTTL: 24 * time.Hour, RefreshTTL: 24 * time.Hour, Now: clock}

	r := gin.New()
	New(svc, nil).Register(r.Group("/v1", auth.Authenticate(ts.issuer)))
	ts.router = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, subject string, role model.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	pair, err := ts.issuer.Issue(subject, role)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func markBody() map[string]any {
	return map[string]any{
		"otp": "482913", "latitude": 42.0, "longitude": -84.0,
		"deviceModel": "MacBookPro18,3", "osVersion": "14.4", "screenResolution": "1512x982",
		"timezone": "America/Detroit", "language": "en-US",
	}
}

func TestMark(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, markBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got := decode(t, w)
	assert.EqualValues(t, 25, got["risk_score"])
	assert.Equal(t, true, got["is_new_device"])
	attendanceRec := got["attendance"].(map[string]any)
	assert.Equal(t, "CLOCKED_IN", attendanceRec["status"])

	w = ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, markBody())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["already_clocked_in"])

	w = ts.do(t, http.MethodGet, "/v1/attendance", "student-1", model.RoleStudent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["attendance"], 1)
}

func TestMark_Validation(t *testing.T) {
	ts := newTestServer(t)

	for name, mutate := range map[string]func(map[string]any){
		"missing otp":   func(b map[string]any) { delete(b, "otp") },
		"short otp":     func(b map[string]any) { b["otp"] = "123" },
		"alpha otp":     func(b map[string]any) { b["otp"] = "12345a" },
		"latitude":      func(b map[string]any) { b["latitude"] = 91.0 },
		"longitude":     func(b map[string]any) { b["longitude"] = -181.0 },
		"battery level": func(b map[string]any) { b["batteryLevel"] = 101.0 },
	} {
		t.Run(name, func(t *testing.T) {
			body := markBody()
			mutate(body)
			w := ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", decode(t, w)["code"])
		})
	}
}

func TestMark_Rejections(t *testing.T) {
	ts := newTestServer(t)

	body := markBody()
	body["otp"] = "000000"
	w := ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_OR_EXPIRED_OTP", decode(t, w)["code"])

	body = markBody()
	body["latitude"] = 42.01
	w = ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	got := decode(t, w)
	assert.Equal(t, "LOCATION_VERIFICATION_FAILED", got["code"])
	assert.InDelta(t, 1112, got["distance_meters"], 2)
	assert.InDelta(t, 9.144, got["radius_meters"], 1e-9)

	body = markBody()
	delete(body, "latitude")
	delete(body, "longitude")
	w = ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "LOCATION_PERMISSION_REQUIRED", decode(t, w)["code"])

	w = ts.do(t, http.MethodPost, "/v1/attendance/mark", "teacher-1", model.RoleTeacher, markBody())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMark_SharedDeviceFlagsInstructor(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, markBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-2", model.RoleStudent, markBody())
	require.Equal(t, http.StatusForbidden, w.Code)
	got := decode(t, w)
	assert.Equal(t, "CREDENTIAL_SHARING_BLOCKED", got["code"])
	assert.NotEmpty(t, got["reasons"])

	w = ts.do(t, http.MethodGet, "/v1/attendance/flagged-students", "student-1", model.RoleStudent, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/attendance/flagged-students/class-1", "teacher-1", model.RoleTeacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	flags := decode(t, w)["flagged_students"].([]any)
	require.Len(t, flags, 1)
	flag := flags[0].(map[string]any)
	assert.Equal(t, "student-2", flag["student_id"])
	assert.Equal(t, "Bo", flag["student_name"])

	w = ts.do(t, http.MethodGet, "/v1/attendance/flagged-students/class-9", "teacher-1", model.RoleTeacher, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/attendance/flagged-students/"+flag["id"].(string)+"/resolve", "teacher-1", model.RoleTeacher, map[string]any{"note": "checked"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "RESOLVED", decode(t, w)["status"])
}

func TestClockOut(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/attendance/mark", "student-1", model.RoleStudent, markBody())
	require.Equal(t, http.StatusCreated, w.Code)

	out := map[string]any{"otp": "482913", "latitude": 42.0, "longitude": -84.0}

	ts.now = ts.now.Add(10 * time.Minute)
	w = ts.do(t, http.MethodPost, "/v1/attendance/clock-out", "student-1", model.RoleStudent, out)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	got := decode(t, w)
	assert.Equal(t, "TOO_EARLY_TO_CLOCK_OUT", got["code"])
	assert.EqualValues(t, 38, got["remaining_minutes"])

	ts.now = ts.now.Add(55 * time.Minute)
	w = ts.do(t, http.MethodPost, "/v1/attendance/clock-out", "student-1", model.RoleStudent, out)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode(t, w)
	assert.Equal(t, true, got["completed"])

	w = ts.do(t, http.MethodPost, "/v1/attendance/clock-out", "student-1", model.RoleStudent, out)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_CLOCKED_OUT", decode(t, w)["code"])
}

func TestSessions(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sessions", "teacher-1", model.RoleTeacher, map[string]any{"classId": "class-1", "classDurationMinutes": 50})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got := decode(t, w)
	assert.Regexp(t, `^\d{6}$`, got["otp"])
	assert.EqualValues(t, 50, got["class_duration_minutes"])

	w = ts.do(t, http.MethodPost, "/v1/sessions", "teacher-1", model.RoleTeacher, map[string]any{"classId": "class-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/sessions", "student-1", model.RoleStudent, map[string]any{"classId": "class-1", "classDurationMinutes": 50})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/attendance/session/session-1", "teacher-1", model.RoleTeacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode(t, w)["summary"].(map[string]any)
	assert.EqualValues(t, 0, summary["total"])

	w = ts.do(t, http.MethodGet, "/v1/attendance/session/nope", "teacher-1", model.RoleTeacher, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDescribe_Unknown(t *testing.T) {
	status, body := describe(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", body.Code)
}
