package antiproxy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"attendiq/internal/logger"
	"attendiq/internal/model"
	"attendiq/internal/notify"
)

// FlagRepository persists instructor flags.
type FlagRepository interface {
	// UpsertFlag creates or overwrites the flag for (StudentID, ClassID),
	// resetting it to PENDING and appending Note to its audit log.
	UpsertFlag(ctx context.Context, f model.FlagUpsert) (model.FlaggedStudent, error)
	ListFlags(ctx context.Context, classIDs []string) ([]model.FlaggedStudentView, error)
	FindFlag(ctx context.Context, id string) (model.FlaggedStudent, error)
	ResolveFlag(ctx context.Context, id, resolvedBy string, at time.Time, note string) (model.FlaggedStudent, error)
	FindClass(ctx context.Context, id string) (model.Class, error)
	FindUser(ctx context.Context, id string) (model.User, error)
}

type FlagInput struct {
	StudentID    string
	ClassID      string
	Reasons      []string
	RiskScore    int
	AttemptCount int
}

// FlagService raises and resolves instructor flags.
type FlagService struct {
	repo     FlagRepository
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewFlagService(repo FlagRepository, notifier notify.Notifier, log *zap.Logger, now func() time.Time) *FlagService {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &FlagService{repo: repo, notifier: notifier, log: log, now: now}
}

// Flag upserts the flag for the student and class and notifies the class
// teacher. Notification failures are logged, never returned.
func (s *FlagService) Flag(ctx context.Context, in FlagInput) (model.FlaggedStudent, error) {
	class, err := s.repo.FindClass(ctx, in.ClassID)
	if err != nil {
		return model.FlaggedStudent{}, err
	}
	student, err := s.repo.FindUser(ctx, in.StudentID)
	if err != nil {
		return model.FlaggedStudent{}, err
	}

	now := s.now().UTC()
	reasons := dedupe(in.Reasons)
	flag, err := s.repo.UpsertFlag(ctx, model.FlagUpsert{
		StudentID:    in.StudentID,
		ClassID:      in.ClassID,
		Reasons:      reasons,
		RiskScore:    in.RiskScore,
		AttemptCount: in.AttemptCount,
		FlaggedAt:    now,
		Note:         flagNote(now, in.AttemptCount, in.RiskScore, reasons),
	})
	if err != nil {
		return model.FlaggedStudent{}, fmt.Errorf("upsert flag: %w", err)
	}

	s.log.Warn("student flagged for instructor review",
		zap.String(logger.FieldFlagID, flag.ID),
		zap.String(logger.FieldStudentID, in.StudentID),
		zap.String(logger.FieldClassID, in.ClassID),
		zap.Int(logger.FieldRiskScore, in.RiskScore),
		zap.Int(logger.FieldAttempts, in.AttemptCount),
		zap.Strings(logger.FieldReasons, reasons),
	)

	if s.notifier != nil {
		note := notify.Notification{
			Channel:   notify.ChannelInstructorFlag,
			Recipient: class.TeacherID,
			Subject:   fmt.Sprintf("%s flagged in %s", student.Name, class.Name),
			Payload: map[string]any{
				"flag_id":       flag.ID,
				"student_id":    student.ID,
				"student_name":  student.Name,
				"student_email": student.Email,
				"class_id":      class.ID,
				"class_name":    class.Name,
				"subject":       class.Subject,
				"reasons":       reasons,
				"risk_score":    in.RiskScore,
				"attempt_count": in.AttemptCount,
			},
			CreatedAt: now,
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.log.Error("flag notification failed",
				zap.String(logger.FieldFlagID, flag.ID),
				zap.Error(err),
			)
		}
	}
	return flag, nil
}

// List returns flags for classIDs, newest first. An empty filter lists nothing.
func (s *FlagService) List(ctx context.Context, classIDs []string) ([]model.FlaggedStudentView, error) {
	if len(classIDs) == 0 {
		return []model.FlaggedStudentView{}, nil
	}
	views, err := s.repo.ListFlags(ctx, classIDs)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	for i := range views {
		v := &views[i]
		if v.Reasons == nil {
			v.Reasons = []string{}
		}
		if v.AttemptCount == 0 {
			v.AttemptCount = LegacyAttemptCount(v.Notes)
		}
		v.IsSuspicious = len(v.Reasons) > 0
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].FlaggedAt.After(views[j].FlaggedAt)
	})
	return views, nil
}

// Resolve marks a flag reviewed. Only the teacher owning the class may resolve it.
func (s *FlagService) Resolve(ctx context.Context, flagID, teacherID, note string) (model.FlaggedStudent, error) {
	flag, err := s.repo.FindFlag(ctx, flagID)
	if err != nil {
		return model.FlaggedStudent{}, err
	}
	class, err := s.repo.FindClass(ctx, flag.ClassID)
	if err != nil {
		return model.FlaggedStudent{}, err
	}
	if class.TeacherID != teacherID {
		return model.FlaggedStudent{}, model.ErrForbidden
	}

	now := s.now().UTC()
	line := fmt.Sprintf("%s resolved by %s", now.Format(time.RFC3339), teacherID)
	if note = strings.TrimSpace(note); note != "" {
		line += ": " + note
	}
	resolved, err := s.repo.ResolveFlag(ctx, flagID, teacherID, now, line)
	if err != nil {
		if errors.Is(err, model.ErrFlagNotFound) {
			return model.FlaggedStudent{}, err
		}
		return model.FlaggedStudent{}, fmt.Errorf("resolve flag: %w", err)
	}
	s.log.Info("flag resolved",
		zap.String(logger.FieldFlagID, flagID),
		zap.String(logger.FieldUserID, teacherID),
	)
	return resolved, nil
}

func flagNote(at time.Time, attempts, score int, reasons []string) string {
	return fmt.Sprintf("%s flagged after %d suspicious attempts (risk score %d): %s",
		at.Format(time.RFC3339), attempts, score, strings.Join(reasons, ", "))
}

var (
	strictAttemptsRe = regexp.MustCompile(`(?i)after (\d+) suspicious attempts?`)
	looseAttemptsRe  = regexp.MustCompile(`(?i)(\d+) attempts?`)
)

// LegacyAttemptCount recovers the attempt count from notes written before
// the count had its own column. The latest matching entry wins.
func LegacyAttemptCount(notes string) int {
	for _, re := range []*regexp.Regexp{strictAttemptsRe, looseAttemptsRe} {
		matches := re.FindAllStringSubmatch(notes, -1)
		if len(matches) == 0 {
			continue
		}
		n, err := strconv.Atoi(matches[len(matches)-1][1])
		if err == nil {
			return n
		}
	}
	return 0
}
