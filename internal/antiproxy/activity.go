package antiproxy

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RiskLevel buckets an activity score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActivityReport summarizes a student's attendance pattern over the activity window.
type ActivityReport struct {
	Score        int
	Level        RiskLevel
	Reasons      []string
	IsSuspicious bool
}

// ActivityDetector looks at where and when a student marked attendance
// recently, independent of the submitted device.
type ActivityDetector struct {
	store  HistoryStore
	policy Policy
	now    func() time.Time
}

func NewActivityDetector(store HistoryStore, policy Policy, now func() time.Time) *ActivityDetector {
	if now == nil {
		now = time.Now
	}
	return &ActivityDetector{store: store, policy: policy, now: now}
}

// Detect classifies the last ActivityWindow of studentID's records.
func (d *ActivityDetector) Detect(ctx context.Context, studentID string) (ActivityReport, error) {
	p := d.policy
	records, err := d.store.FindAttendanceSince(ctx, studentID, d.now().Add(-p.ActivityWindow))
	if err != nil {
		return ActivityReport{}, fmt.Errorf("activity history: %w", err)
	}

	stamps := make([]time.Time, 0, len(records))
	locations := map[string]struct{}{}
	hours := map[int]struct{}{}
	for _, rec := range records {
		stamps = append(stamps, rec.Timestamp)
		hours[rec.Timestamp.UTC().Hour()] = struct{}{}
		if rec.Latitude != nil && rec.Longitude != nil {
			locations[fmt.Sprintf("%v,%v", *rec.Latitude, *rec.Longitude)] = struct{}{}
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	var (
		score   int
		reasons []string
	)
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Sub(stamps[i-1]) < p.RapidMarkGap {
			score += p.RapidMarkWeight
			reasons = append(reasons, "Multiple attendance marks in short time period")
			break
		}
	}
	if len(locations) > p.LocationSpreadMax {
		score += p.LocationSpreadWeight
		reasons = append(reasons, "Attendance marked from multiple locations")
	}
	if len(hours) > p.HourSpreadMax {
		score += p.HourSpreadWeight
		reasons = append(reasons, "Attendance marked at unusual hours")
	}

	level := RiskLow
	switch {
	case score >= p.ActivityHighScore:
		level = RiskHigh
	case score >= p.ActivityMediumScore:
		level = RiskMedium
	}
	return ActivityReport{
		Score:        score,
		Level:        level,
		Reasons:      nonNil(reasons),
		IsSuspicious: score >= p.ActivityMediumScore,
	}, nil
}
