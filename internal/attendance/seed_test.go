package attendance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendiq/internal/model"
)

func TestSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - {id: teacher-1, role: TEACHER, email: grace@example.edu, name: Grace}
  - {id: student-1, role: STUDENT, email: ada@example.edu, name: Ada}
classes:
  - id: class-1
    teacher_id: teacher-1
    name: Networks
    latitude: 42.0
    longitude: -84.0
enrollments:
  - {student_id: student-1, class_id: class-1}
`), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)

	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, seed.Apply(ctx, repo))

	u, err := repo.FindUser(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleTeacher, u.Role)

	c, err := repo.FindClass(ctx, "class-1")
	require.NoError(t, err)
	assert.True(t, c.HasGeofence())
	assert.Nil(t, c.RadiusMeters)

	ok, err := repo.IsEnrolled(ctx, "student-1", "class-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
