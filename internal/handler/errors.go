package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendiq/internal/model"
)

type errorKind struct {
	err    error
	status int
	code   string
}

// kinds is checked in order; the first match wins.
var kinds = []errorKind{
	{model.ErrInvalidOrExpiredOTP, http.StatusBadRequest, "INVALID_OR_EXPIRED_OTP"},
	{model.ErrClockInDeadlinePassed, http.StatusBadRequest, "CLOCK_IN_DEADLINE_PASSED"},
	{model.ErrInvalidSessionParameter, http.StatusBadRequest, "INVALID_SESSION_PARAMETERS"},
	{model.ErrNotEnrolled, http.StatusForbidden, "NOT_ENROLLED"},
	{model.ErrCredentialSharing, http.StatusForbidden, "CREDENTIAL_SHARING_BLOCKED"},
	{model.ErrRepeatedSuspicious, http.StatusForbidden, "REPEATED_SUSPICIOUS_ATTEMPTS_BLOCKED"},
	{model.ErrSuspiciousActivity, http.StatusForbidden, "SUSPICIOUS_ACTIVITY_BLOCKED"},
	{model.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{model.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},
	{model.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{model.ErrClassNotFound, http.StatusNotFound, "CLASS_NOT_FOUND"},
	{model.ErrFlagNotFound, http.StatusNotFound, "FLAG_NOT_FOUND"},
	{model.ErrAlreadyCompleted, http.StatusConflict, "ALREADY_COMPLETED"},
	{model.ErrMustClockInFirst, http.StatusConflict, "MUST_CLOCK_IN_FIRST"},
	{model.ErrAlreadyClockedOut, http.StatusConflict, "ALREADY_CLOCKED_OUT"},
	{model.ErrDuplicateAttendance, http.StatusConflict, "DUPLICATE_ATTENDANCE"},
	{model.ErrLocationRequired, http.StatusUnprocessableEntity, "LOCATION_PERMISSION_REQUIRED"},
	{model.ErrLocationVerification, http.StatusUnprocessableEntity, "LOCATION_VERIFICATION_FAILED"},
	{model.ErrTooEarlyToClockOut, http.StatusUnprocessableEntity, "TOO_EARLY_TO_CLOCK_OUT"},
	{model.ErrOTPSpaceExhausted, http.StatusServiceUnavailable, "OTP_SPACE_EXHAUSTED"},
}

// errorBody is the JSON shape of every rejected request.
type errorBody struct {
	Error            string   `json:"error"`
	Code             string   `json:"code"`
	Reasons          []string `json:"reasons,omitempty"`
	DistanceMeters   *float64 `json:"distance_meters,omitempty"`
	RadiusMeters     *float64 `json:"radius_meters,omitempty"`
	RemainingMinutes *int     `json:"remaining_minutes,omitempty"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := describe(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func describe(err error) (int, errorBody) {
	for _, k := range kinds {
		if !errors.Is(err, k.err) {
			continue
		}
		body := errorBody{Error: err.Error(), Code: k.code}

		var blocked *model.BlockedError
		if errors.As(err, &blocked) {
			body.Error = blocked.Kind.Error()
			body.Reasons = blocked.Reasons
		}
		var loc *model.LocationError
		if errors.As(err, &loc) && loc.RadiusMeters > 0 {
			body.DistanceMeters = &loc.DistanceMeters
			body.RadiusMeters = &loc.RadiusMeters
		}
		var early *model.TooEarlyError
		if errors.As(err, &early) {
			body.RemainingMinutes = &early.RemainingMinutes
		}
		return k.status, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL"}
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "INVALID_REQUEST"})
}
