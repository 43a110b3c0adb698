package antiproxy

import (
	"context"
	"fmt"
	"time"

	"attendiq/internal/model"
)

// Attempt is one risky submission for a (student, session) pair.
type Attempt struct {
	At          time.Time `json:"at"`
	RiskScore   int       `json:"risk_score"`
	Fingerprint string    `json:"fingerprint"`
	Reasons     []string  `json:"reasons"`
}

// AttemptKey identifies the attempt list of one student in one session.
type AttemptKey struct {
	StudentID string
	SessionID string
}

func (k AttemptKey) String() string { return k.StudentID + ":" + k.SessionID }

// AttemptStore keeps recent attempts and per-session device sightings.
type AttemptStore interface {
	// Append stores a under key, keeping the newest entries up to the store's
	// cap, and returns the number of stored attempts after the append.
	Append(ctx context.Context, key AttemptKey, a Attempt) (int, error)
	Count(ctx context.Context, key AttemptKey) (int, error)
	// Sight records that studentID submitted fingerprint in sessionID at the
	// given time and returns the other students seen with it since the cutoff.
	// Recording and listing are one atomic step.
	Sight(ctx context.Context, sessionID, fingerprint, studentID string, at, since time.Time) ([]string, error)
}

type AttemptInput struct {
	StudentID   string
	SessionID   string
	RiskScore   int
	Fingerprint string
	Reasons     []string
}

type AttemptResult struct {
	AttemptCount int
	Reasons      []string
	// SessionSharers is the number of other students seen on this device in this session.
	SessionSharers int
}

// Tracker merges assessor output with per-session attempt history.
// It does not decide whether to block.
type Tracker struct {
	store   AttemptStore
	history HistoryStore
	policy  Policy
	now     func() time.Time
}

func NewTracker(store AttemptStore, history HistoryStore, policy Policy, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, history: history, policy: policy, now: now}
}

// RecordAttempt appends in to the attempt list and returns the merged
// reasons and the list length after the append.
func (t *Tracker) RecordAttempt(ctx context.Context, in AttemptInput) (AttemptResult, error) {
	now := t.now()
	key := AttemptKey{StudentID: in.StudentID, SessionID: in.SessionID}

	reasons := append([]string(nil), in.Reasons...)
	if len(reasons) == 0 {
		if r := bucketReason(in.RiskScore); r != "" {
			reasons = append(reasons, r)
		}
	}

	sharers := 0
	if in.Fingerprint != "" {
		n, err := t.sessionSharers(ctx, in, now)
		if err != nil {
			return AttemptResult{}, err
		}
		sharers = n
		if sharers > 0 {
			reasons = append(reasons, fmt.Sprintf("Credential sharing: same device used by %d student(s) in this session", sharers+1))
		}
	}

	count, err := t.store.Append(ctx, key, Attempt{
		At:          now,
		RiskScore:   in.RiskScore,
		Fingerprint: in.Fingerprint,
		Reasons:     dedupe(reasons),
	})
	if err != nil {
		return AttemptResult{}, fmt.Errorf("append attempt: %w", err)
	}
	if count > 1 {
		reasons = append(reasons, "Repeated suspicious attempts")
	}

	return AttemptResult{
		AttemptCount:   count,
		Reasons:        dedupe(reasons),
		SessionSharers: sharers,
	}, nil
}

func (t *Tracker) sessionSharers(ctx context.Context, in AttemptInput, now time.Time) (int, error) {
	since := now.Add(-t.policy.SessionShareWindow)
	others := map[string]struct{}{}

	records, err := t.history.FindAttendanceBySameFingerprint(ctx, model.FingerprintQuery{
		Fingerprint:      in.Fingerprint,
		ExcludeStudentID: in.StudentID,
		Since:            since,
		SessionID:        in.SessionID,
	})
	if err != nil {
		return 0, fmt.Errorf("session sharing lookup: %w", err)
	}
	for _, rec := range records {
		others[rec.StudentID] = struct{}{}
	}

	seen, err := t.store.Sight(ctx, in.SessionID, in.Fingerprint, in.StudentID, now, since)
	if err != nil {
		return 0, fmt.Errorf("session sightings: %w", err)
	}
	for _, id := range seen {
		others[id] = struct{}{}
	}
	return len(others), nil
}

func bucketReason(score int) string {
	switch {
	case score >= 50:
		return "Credential sharing detected"
	case score >= 40:
		return "Same device used by multiple students"
	case score >= 30:
		return "Multiple device usage detected"
	case score >= 25:
		return "New device detected"
	}
	return ""
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
