// Package antiproxy scores attendance submissions for signs of proxy
// attendance and credential sharing, tracks repeated risky attempts and
// raises instructor flags.
package antiproxy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"attendiq/internal/geo"
	"attendiq/internal/model"
)

// HistoryStore is the read side of attendance data used for scoring.
type HistoryStore interface {
	// FindUserWithRecentAttendance returns model.ErrUserNotFound for unknown ids.
	FindUserWithRecentAttendance(ctx context.Context, userID string, limit int) (*model.User, []model.AttendanceRecord, error)
	FindAttendanceBySameFingerprint(ctx context.Context, q model.FingerprintQuery) ([]model.AttendanceRecord, error)
	FindAttendanceSince(ctx context.Context, studentID string, since time.Time) ([]model.AttendanceRecord, error)
}

// Assessment is the risk verdict for one submission.
type Assessment struct {
	IsNewDevice bool     `json:"is_new_device"`
	RiskScore   int      `json:"risk_score"`
	Reasons     []string `json:"reasons"`
	Valid       bool     `json:"valid"`
}

// Assessor scores a submission against the student's recent history.
type Assessor struct {
	store  HistoryStore
	policy Policy
	now    func() time.Time
}

// NewAssessor creates an assessor. A nil clock uses time.Now.
func NewAssessor(store HistoryStore, policy Policy, now func() time.Time) *Assessor {
	if now == nil {
		now = time.Now
	}
	return &Assessor{store: store, policy: policy, now: now}
}

// Assess scores fingerprint and the optional position for studentID.
func (a *Assessor) Assess(ctx context.Context, studentID, fingerprint string, at geo.Point) (Assessment, error) {
	_, history, err := a.store.FindUserWithRecentAttendance(ctx, studentID, a.policy.HistoryLimit)
	if err != nil {
		return Assessment{}, err
	}
	now := a.now()
	p := a.policy

	var (
		score   int
		reasons []string
	)

	isNewDevice := true
	for _, rec := range history {
		if rec.DeviceFingerprint == fingerprint {
			isNewDevice = false
			break
		}
	}
	if isNewDevice {
		score += p.NewDeviceWeight
		reasons = append(reasons, "New device detected")
	}

	others, err := a.store.FindAttendanceBySameFingerprint(ctx, model.FingerprintQuery{
		Fingerprint:      fingerprint,
		ExcludeStudentID: studentID,
		Since:            now.Add(-p.SharedDeviceWindow),
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("shared device lookup: %w", err)
	}
	if n := distinctStudents(others); n > 0 {
		score += p.SharedDeviceWeight
		reasons = append(reasons, fmt.Sprintf("Same device used by %d other student(s) recently - Possible credential sharing", n))
	}

	churnSince := now.Add(-p.DeviceChurnWindow)
	usage := map[string]int{}
	for _, rec := range history {
		if rec.Timestamp.After(churnSince) {
			usage[rec.DeviceFingerprint]++
		}
	}
	devices := len(usage)
	if devices > p.DeviceChurnMax {
		score += p.DeviceChurnWeight
		reasons = append(reasons, fmt.Sprintf("Using %d different devices in %d days", devices, days(p.DeviceChurnWindow)))
	} else if devices >= p.DeviceChurnSoft && !isNewDevice {
		score += p.DeviceChurnSoftWeight
		reasons = append(reasons, fmt.Sprintf("Using %d different devices recently", devices))
	}

	if !at.Missing() {
		if last, ok := latestLocated(history, now.Add(-p.TravelLookback)); ok {
			from := geo.Point{Lat: *last.Latitude, Lng: *last.Longitude}
			distance := geo.Distance(at, from)
			elapsed := now.Sub(last.Timestamp)
			switch {
			case distance > p.TravelMeters && elapsed < p.TravelWindow:
				score += p.TravelWeight
				reasons = append(reasons, fmt.Sprintf("Impossible location change: %.0fm in %.0fs - Possible credential sharing", distance, elapsed.Seconds()))
			case distance > p.TravelSoftMeters && elapsed < p.TravelSoftWindow:
				score += p.TravelSoftWeight
				reasons = append(reasons, fmt.Sprintf("Rapid location change: %.0fm", distance))
			}
		}
	}

	volumeSince := now.Add(-p.VolumeWindow)
	volume := 0
	for _, rec := range history {
		if rec.Timestamp.After(volumeSince) {
			volume++
		}
	}
	if volume > p.VolumeMax {
		score += p.VolumeWeight
		reasons = append(reasons, fmt.Sprintf("Unusual activity: %d clock-ins in %.0f hours", volume, p.VolumeWindow.Hours()))
	}

	if devices >= p.SwitchingMinDevices && len(history) >= p.SwitchingMinHistory {
		maxUsage := 0
		for _, n := range usage {
			maxUsage = max(maxUsage, n)
		}
		if maxUsage <= p.SwitchingMaxUsage {
			score += p.SwitchingWeight
			reasons = append(reasons, "Device switching pattern suggests credential sharing")
		}
	}

	score = clampScore(score)
	return Assessment{
		IsNewDevice: isNewDevice,
		RiskScore:   score,
		Reasons:     nonNil(reasons),
		Valid:       score < p.ValidityThreshold,
	}, nil
}

// IndicatesCredentialSharing reports whether any reason names a shared device.
func IndicatesCredentialSharing(reasons []string) bool {
	for _, r := range reasons {
		lr := strings.ToLower(r)
		if strings.Contains(lr, "credential sharing") || strings.Contains(lr, "same device used by") {
			return true
		}
	}
	return false
}

func latestLocated(history []model.AttendanceRecord, since time.Time) (model.AttendanceRecord, bool) {
	var (
		best  model.AttendanceRecord
		found bool
	)
	for _, rec := range history {
		if !rec.Timestamp.After(since) || rec.Latitude == nil || rec.Longitude == nil {
			continue
		}
		if *rec.Latitude == 0 || *rec.Longitude == 0 {
			continue
		}
		if !found || rec.Timestamp.After(best.Timestamp) {
			best, found = rec, true
		}
	}
	return best, found
}

func distinctStudents(records []model.AttendanceRecord) int {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.StudentID] = struct{}{}
	}
	return len(seen)
}

func clampScore(score int) int {
	return int(math.Max(0, math.Min(100, float64(score))))
}

func days(d time.Duration) int {
	return int(math.Round(d.Hours() / 24))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
