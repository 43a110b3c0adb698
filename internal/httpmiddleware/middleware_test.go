package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"attendiq/internal/auth"
	"attendiq/internal/model"
)

func init() { gin.SetMode(gin.TestMode) }

func get(r http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenBucket_LimitsAndRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "keys are independent")

	now = now.Add(2 * time.Second)
	assert.True(t, l.allow("a"))
}

func TestTokenBucket_EvictsIdleKeys(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(5, 5)
	l.now = func() time.Time { return now }

	l.allow("a")
	l.allow("b")
	require.Equal(t, 2, l.Len())

	now = now.Add(idleAfter + 2*time.Minute)
	l.allow("c")
	assert.Equal(t, 1, l.Len())
}

func TestTokenBucket_KeysBySubject(t *testing.T) {
	iss := auth.Issuer{Name: "attendiq", Key: []byte("k"), AccessTTL: time.Hour, RefreshTTL: time.Hour}
	ada, err := iss.Issue("student-1", model.RoleStudent)
	require.NoError(t, err)
	bo, err := iss.Issue("student-2", model.RoleStudent)
	require.NoError(t, err)

	l := NewSimpleTokenBucket(1, 1)
	r := gin.New()
	r.GET("/x", auth.Authenticate(iss), l.GinMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	bearer := func(tok string) http.Header { return http.Header{"Authorization": {"Bearer " + tok}} }
	assert.Equal(t, http.StatusOK, get(r, "/x", bearer(ada.AccessToken)).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/x", bearer(ada.AccessToken)).Code)
	// Same client IP, different subject.
	assert.Equal(t, http.StatusOK, get(r, "/x", bearer(bo.AccessToken)).Code)
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := get(r, "/x", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core), "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	get(r, "/healthz", nil)
	assert.Equal(t, 0, logs.Len())

	w := get(r, "/missing/1", http.Header{requestIDHeader: {"req-42"}})
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "/missing/:id", fields["path"])
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.Equal(t, "req-42", fields["request_id"])
}
