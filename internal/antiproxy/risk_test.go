package antiproxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendiq/internal/geo"
	"attendiq/internal/model"
)

var classroom = geo.Point{Lat: 42.0, Lng: -84.0}

func newTestAssessor(h *fakeHistory) *Assessor {
	return NewAssessor(h, DefaultPolicy(), fixedClock)
}

func TestAssess_NewDeviceOnly(t *testing.T) {
	h := newFakeHistory("a")
	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", classroom)
	require.NoError(t, err)

	assert.True(t, got.IsNewDevice)
	assert.Equal(t, 25, got.RiskScore)
	assert.Equal(t, []string{"New device detected"}, got.Reasons)
	assert.True(t, got.Valid)
}

func TestAssess_KnownDeviceIsClean(t *testing.T) {
	h := newFakeHistory("a")
	h.add(record("a", "fp-1", 48*time.Hour))

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.False(t, got.IsNewDevice)
	assert.Zero(t, got.RiskScore)
	assert.NotNil(t, got.Reasons)
	assert.Empty(t, got.Reasons)
}

func TestAssess_SharedDevice(t *testing.T) {
	h := newFakeHistory("a", "b", "c")
	h.add(
		record("b", "fp-1", 10*time.Minute),
		record("b", "fp-1", 20*time.Minute),
		record("c", "fp-1", 30*time.Minute),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 75, got.RiskScore)
	assert.False(t, got.Valid)
	assert.Contains(t, got.Reasons, "Same device used by 2 other student(s) recently - Possible credential sharing")
	assert.True(t, IndicatesCredentialSharing(got.Reasons))
}

func TestAssess_SharedDeviceOutsideWindow(t *testing.T) {
	h := newFakeHistory("a", "b")
	h.add(record("b", "fp-1", 2*time.Hour))

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 25, got.RiskScore)
	assert.False(t, IndicatesCredentialSharing(got.Reasons))
}

func TestAssess_DeviceChurn(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 1*time.Hour),
		record("a", "fp-2", 25*time.Hour),
		record("a", "fp-3", 49*time.Hour),
		record("a", "fp-4", 73*time.Hour),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 35, got.RiskScore)
	assert.Equal(t, []string{"Using 4 different devices in 7 days"}, got.Reasons)
}

func TestAssess_DeviceChurnIgnoresOldRecords(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 1*time.Hour),
		record("a", "fp-2", 8*24*time.Hour),
		record("a", "fp-3", 9*24*time.Hour),
		record("a", "fp-4", 10*24*time.Hour),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Zero(t, got.RiskScore)
}

func TestAssess_SoftChurn(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 1*time.Hour),
		record("a", "fp-2", 25*time.Hour),
		record("a", "fp-3", 49*time.Hour),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-2", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 20, got.RiskScore)
	assert.Equal(t, []string{"Using 3 different devices recently"}, got.Reasons)
}

func TestAssess_SoftChurnSkippedForNewDevice(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 1*time.Hour),
		record("a", "fp-2", 25*time.Hour),
		record("a", "fp-3", 49*time.Hour),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-9", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 25, got.RiskScore)
	assert.Equal(t, []string{"New device detected"}, got.Reasons)
}

func TestAssess_SwitchingPattern(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 1*time.Hour),
		record("a", "fp-2", 25*time.Hour),
		record("a", "fp-3", 49*time.Hour),
		record("a", "fp-1", 73*time.Hour),
		record("a", "fp-2", 97*time.Hour),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 50, got.RiskScore)
	assert.Contains(t, got.Reasons, "Using 3 different devices recently")
	assert.Contains(t, got.Reasons, "Device switching pattern suggests credential sharing")
}

func TestAssess_SwitchingNeedsHistory(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 1*time.Hour),
		record("a", "fp-2", 25*time.Hour),
		record("a", "fp-3", 49*time.Hour),
		record("a", "fp-1", 73*time.Hour),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 20, got.RiskScore)
}

func TestAssess_ImpossibleTravel(t *testing.T) {
	h := newFakeHistory("a")
	h.add(record("a", "fp-1", 2*time.Minute, at(42.0, -84.0)))

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{Lat: 42.01, Lng: -84.0})
	require.NoError(t, err)
	assert.Equal(t, 40, got.RiskScore)
	assert.Equal(t, []string{"Impossible location change: 1112m in 120s - Possible credential sharing"}, got.Reasons)
	assert.True(t, IndicatesCredentialSharing(got.Reasons))
}

func TestAssess_RapidTravel(t *testing.T) {
	h := newFakeHistory("a")
	h.add(record("a", "fp-1", 7*time.Minute, at(42.0, -84.0)))

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{Lat: 42.01, Lng: -84.0})
	require.NoError(t, err)
	assert.Equal(t, 25, got.RiskScore)
	assert.Equal(t, []string{"Rapid location change: 1112m"}, got.Reasons)
}

func TestAssess_TravelNeedsBothPositions(t *testing.T) {
	h := newFakeHistory("a")
	h.add(
		record("a", "fp-1", 2*time.Minute),
		record("a", "fp-1", 3*time.Minute, at(42.0, -84.0)),
	)

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Zero(t, got.RiskScore)

	// The unlocated newer record is skipped in favour of the located one.
	got, err = newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{Lat: 42.01, Lng: -84.0})
	require.NoError(t, err)
	assert.Equal(t, 40, got.RiskScore)
}

func TestAssess_TravelOutsideLookback(t *testing.T) {
	h := newFakeHistory("a")
	h.add(record("a", "fp-1", 45*time.Minute, at(42.0, -84.0)))

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{Lat: 43.0, Lng: -84.0})
	require.NoError(t, err)
	assert.Zero(t, got.RiskScore)
}

func TestAssess_Volume(t *testing.T) {
	h := newFakeHistory("a")
	for i := 1; i <= 7; i++ {
		h.add(record("a", "fp-1", time.Duration(i)*time.Hour))
	}

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 15, got.RiskScore)
	assert.Equal(t, []string{"Unusual activity: 7 clock-ins in 24 hours"}, got.Reasons)
}

func TestAssess_ScoreClamped(t *testing.T) {
	h := newFakeHistory("a", "b")
	h.add(record("b", "fp-new", 10*time.Minute))
	fps := []string{"fp-1", "fp-2", "fp-3", "fp-4", "fp-1", "fp-2", "fp-3", "fp-4"}
	for i, fp := range fps {
		ago := time.Duration(i+1) * 2 * time.Minute
		if i == 0 {
			h.add(record("a", fp, ago, at(42.0, -84.0)))
			continue
		}
		h.add(record("a", fp, ago))
	}

	got, err := newTestAssessor(h).Assess(context.Background(), "a", "fp-new", geo.Point{Lat: 42.01, Lng: -84.0})
	require.NoError(t, err)
	assert.Equal(t, 100, got.RiskScore)
	assert.False(t, got.Valid)
	assert.Len(t, got.Reasons, 6)
}

func TestAssess_UnknownStudent(t *testing.T) {
	_, err := newTestAssessor(newFakeHistory()).Assess(context.Background(), "ghost", "fp-1", geo.Point{})
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}

func TestAssess_ThresholdFromPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.ValidityThreshold = 20
	a := NewAssessor(newFakeHistory("a"), p, fixedClock)

	got, err := a.Assess(context.Background(), "a", "fp-1", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, 25, got.RiskScore)
	assert.False(t, got.Valid)
}

func TestIndicatesCredentialSharing(t *testing.T) {
	assert.True(t, IndicatesCredentialSharing([]string{"Credential sharing detected"}))
	assert.True(t, IndicatesCredentialSharing([]string{"New device detected", "Same device used by multiple students"}))
	assert.False(t, IndicatesCredentialSharing([]string{"New device detected"}))
	assert.False(t, IndicatesCredentialSharing(nil))
}
