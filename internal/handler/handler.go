// Package handler exposes the attendance service over HTTP.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendiq/internal/antiproxy"
	"attendiq/internal/attendance"
	"attendiq/internal/auth"
	"attendiq/internal/model"
)

type Handler struct {
	svc *attendance.Service
	log *zap.Logger
}

func New(svc *attendance.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// Register mounts the routes on rg. rg must already run auth.Authenticate.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/attendance", h.myRecords)

	student := rg.Group("", auth.RequireRole(model.RoleStudent))
	student.POST("/attendance/mark", h.clockIn)
	student.POST("/attendance/clock-out", h.clockOut)

	teacher := rg.Group("", auth.RequireRole(model.RoleTeacher))
	teacher.POST("/sessions", h.createSession)
	teacher.GET("/attendance/session/:sessionId", h.sessionAttendance)
	teacher.GET("/attendance/flagged-students", h.listFlagged)
	teacher.GET("/attendance/flagged-students/:classId", h.listFlagged)
	teacher.POST("/attendance/flagged-students/:flagId/resolve", h.resolveFlag)
}

type markRequest struct {
	OTP              string   `json:"otp" binding:"required,len=6,numeric"`
	Latitude         *float64 `json:"latitude" binding:"omitempty,gte=-90,lte=90"`
	Longitude        *float64 `json:"longitude" binding:"omitempty,gte=-180,lte=180"`
	UserAgent        string   `json:"userAgent"`
	ScreenResolution string   `json:"screenResolution"`
	DeviceModel      string   `json:"deviceModel"`
	OSVersion        string   `json:"osVersion"`
	Timezone         string   `json:"timezone"`
	Language         string   `json:"language"`
	BatteryLevel     *float64 `json:"batteryLevel" binding:"omitempty,gte=0,lte=100"`
	IsCharging       *bool    `json:"isCharging"`
	NetworkSSID      string   `json:"networkSSID"`
}

func (h *Handler) clockIn(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}

	res, err := h.svc.ClockIn(c.Request.Context(), attendance.ClockInInput{
		StudentID: claims.UserID(),
		OTP:       req.OTP,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Device: antiproxy.DeviceAttributes{
			DeviceModel:      req.DeviceModel,
			OSVersion:        req.OSVersion,
			UserAgent:        userAgent,
			ScreenResolution: req.ScreenResolution,
			Timezone:         req.Timezone,
			Language:         req.Language,
			BatteryLevel:     req.BatteryLevel,
			IsCharging:       req.IsCharging,
			NetworkSSID:      req.NetworkSSID,
		},
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyClockedIn {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type clockOutRequest struct {
	OTP       string   `json:"otp" binding:"required,len=6,numeric"`
	Latitude  *float64 `json:"latitude" binding:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" binding:"omitempty,gte=-180,lte=180"`
}

func (h *Handler) clockOut(c *gin.Context) {
	var req clockOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	res, err := h.svc.ClockOut(c.Request.Context(), attendance.ClockOutInput{
		StudentID: claims.UserID(),
		OTP:       req.OTP,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) myRecords(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	records, err := h.svc.MyRecords(c.Request.Context(), claims.UserID())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": records})
}

func (h *Handler) sessionAttendance(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	res, err := h.svc.SessionAttendance(c.Request.Context(), claims.UserID(), c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type createSessionRequest struct {
	ClassID              string `json:"classId" binding:"required"`
	ClassDurationMinutes int    `json:"classDurationMinutes" binding:"required,gt=0"`
	ClockInWindowMinutes int    `json:"clockInWindowMinutes" binding:"omitempty,gt=0"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	session, err := h.svc.CreateSession(c.Request.Context(), attendance.CreateSessionInput{
		TeacherID:       claims.UserID(),
		ClassID:         req.ClassID,
		DurationMinutes: req.ClassDurationMinutes,
		ClockInWindow:   time.Duration(req.ClockInWindowMinutes) * time.Minute,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listFlagged(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	flags, err := h.svc.ListFlagged(c.Request.Context(), claims.UserID(), c.Param("classId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flagged_students": flags})
}

type resolveRequest struct {
	Note string `json:"note" binding:"max=1000"`
}

func (h *Handler) resolveFlag(c *gin.Context) {
	var req resolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	claims, _ := auth.ClaimsFrom(c)
	flag, err := h.svc.ResolveFlag(c.Request.Context(), claims.UserID(), c.Param("flagId"), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, flag)
}
