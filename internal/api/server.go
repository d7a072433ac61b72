package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/artifacts"
	"github.com/sigeti/reports/internal/auth"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/lease"
	"github.com/sigeti/reports/internal/models"
	"github.com/sigeti/reports/internal/recurrence"
	"github.com/sigeti/reports/internal/store"
)

// Mailer sends the SMTP configuration probe.
type Mailer interface {
	Refresh(ctx context.Context) error
	SendTest(ctx context.Context, to, brand string) error
}

type Deps struct {
	Schedules *store.Schedules
	SMTP      *store.SMTPConfigs
	Static    config.SMTP
	Mailer    Mailer
	Cache     *artifacts.Cache
	Locker    lease.Locker
	Auth      *auth.Authenticator
	Clock     clock.Clock
	Brand     string
	Log       zerolog.Logger

	// DeleteWait bounds how long a delete waits for an in-flight firing.
	DeleteWait time.Duration
}

type Server struct {
	Deps
	calc   *recurrence.Calculator
	router *gin.Engine
}

func NewServer(deps Deps) *Server {
	if deps.DeleteWait <= 0 {
		deps.DeleteWait = 5 * time.Second
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewLocalManager()
	}
	server := &Server{
		Deps:   deps,
		calc:   recurrence.NewCalculator(deps.Clock.Location()),
		router: gin.Default(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Public routes
	s.router.POST("/api/v1/auth/login", s.login)

	// Protected routes (require authentication)
	api := s.router.Group("/api/v1")
	api.Use(s.Auth.Middleware())

	api.GET("/dashboards", s.listDashboards)

	reports := api.Group("/reports")
	{
		reports.GET("", auth.RequirePermission("view_reports"), s.listSchedules)
		reports.GET("/:id", auth.RequirePermission("view_reports"), s.getSchedule)
		reports.GET("/:id/series", auth.RequirePermission("view_reports"), s.getSeries)
		reports.GET("/:id/next", auth.RequirePermission("view_reports"), s.previewNext)
		reports.POST("", auth.RequirePermission("manage_reports"), s.createSchedule)
		reports.PATCH("/:id", auth.RequirePermission("manage_reports"), s.updateSchedule)
		reports.DELETE("/:id", auth.RequirePermission("manage_reports"), s.deleteSchedule)
	}

	smtp := api.Group("/smtp-config")
	smtp.Use(auth.RequirePermission("manage_smtp"))
	smtp.GET("", s.getSMTPConfig)
	smtp.PUT("", s.putSMTPConfig)
	smtp.POST("/test", s.testSMTPConfig)
}

// Router exposes the engine for embedding and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves on port until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info().Int("port", port).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api: %w", err)
	}
	return nil
}

func (s *Server) login(c *gin.Context) {
	var loginReq struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&loginReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, user, err := s.Auth.Login(loginReq.Username, loginReq.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "username": user.Username, "role": user.Role})
}

func (s *Server) listDashboards(c *gin.Context) {
	out := make([]gin.H, 0, len(models.Dashboards))
	for _, tag := range models.Dashboards {
		out = append(out, gin.H{"tag": tag, "title": models.DashboardTitle(tag)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listSchedules(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize > 200 {
		pageSize = 200
	}

	rows, total, err := s.Schedules.List(c.Request.Context(), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]models.ScheduleView, 0, len(rows))
	for i := range rows {
		views = append(views, models.NewScheduleView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     total,
		"page":      max(page, 1),
		"page_size": pageSize,
		"results":   views,
	})
}

func (s *Server) getSchedule(c *gin.Context) {
	rec, ok := s.loadSchedule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.NewScheduleView(rec))
}

func (s *Server) getSeries(c *gin.Context) {
	rec, ok := s.loadSchedule(c)
	if !ok {
		return
	}

	rows, err := s.Schedules.Series(c.Request.Context(), rec.RootID())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]models.ScheduleView, 0, len(rows))
	for i := range rows {
		views = append(views, models.NewScheduleView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"root": rec.RootID(), "occurrences": views})
}

func (s *Server) previewNext(c *gin.Context) {
	rec, ok := s.loadSchedule(c)
	if !ok {
		return
	}

	count, err := strconv.Atoi(c.DefaultQuery("count", "5"))
	if err != nil || count < 1 || count > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and 100"})
		return
	}

	next := []time.Time{}
	if rec.Recurs() {
		rule, err := rec.Rule()
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		anchor := rec.ScheduledAt
		rule.Anchor = &anchor
		next = s.calc.Upcoming(rule, s.Clock.Now(), count)
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "recurrence_type": rec.RecurrenceType, "next": next})
}

func (s *Server) createSchedule(c *gin.Context) {
	in, ok := s.bindSchedule(c)
	if !ok {
		return
	}

	rec := &models.ReportSchedule{
		DeliveryStatus:   models.DeliveryPending,
		RecurrenceType:   recurrence.None,
		Interval:         1,
		OccurrenceNumber: 1,
	}
	problems := applyInput(rec, in, s.Clock.Location(), true)
	if err := validateSchedule(rec, s.calc, s.Clock.Now(), problems); err != nil {
		s.rejectInvalid(c, err)
		return
	}

	if user := auth.CurrentUser(c); user != nil {
		rec.CreatedByID = &user.ID
	}
	if err := s.Schedules.Insert(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rec.CreatedBy = auth.CurrentUser(c)

	s.Log.Info().Uint("schedule_id", rec.ID).Strs("dashboards", rec.Tags()).
		Time("scheduled_at", rec.ScheduledAt).Msg("schedule created")
	c.JSON(http.StatusCreated, models.NewScheduleView(rec))
}

func (s *Server) updateSchedule(c *gin.Context) {
	rec, ok := s.loadSchedule(c)
	if !ok {
		return
	}
	in, ok := s.bindSchedule(c)
	if !ok {
		return
	}

	problems := applyInput(rec, in, s.Clock.Location(), false)
	if err := validateSchedule(rec, s.calc, s.Clock.Now(), problems); err != nil {
		s.rejectInvalid(c, err)
		return
	}

	createdBy := rec.CreatedBy
	rec.CreatedBy = nil
	err := s.Schedules.Update(c.Request.Context(), rec)
	rec.CreatedBy = createdBy
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.NewScheduleView(rec))
}

// deleteSchedule takes the schedule's firing lease first, so a delivery in
// progress completes before the row disappears.
func (s *Server) deleteSchedule(c *gin.Context) {
	rec, ok := s.loadSchedule(c)
	if !ok {
		return
	}

	key := lease.ScheduleKey(rec.ID)
	owner := lease.NewOwner()
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.DeleteWait)
	defer cancel()

	if err := lease.Wait(ctx, s.Locker, key, owner, s.DeleteWait+time.Minute, 100*time.Millisecond); err != nil {
		if errors.Is(err, lease.ErrNotAcquired) {
			c.JSON(http.StatusConflict, gin.H{"error": "schedule is being delivered, retry later"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer func() {
		if _, err := s.Locker.ReleaseLease(context.Background(), key, owner); err != nil {
			s.Log.Warn().Err(err).Uint("schedule_id", rec.ID).Msg("failed to release delete lease")
		}
	}()

	if err := s.Schedules.Delete(c.Request.Context(), rec.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.Cache != nil {
		if err := s.Cache.Purge(c.Request.Context(), rec.PdfIndex()); err != nil {
			s.Log.Warn().Err(err).Uint("schedule_id", rec.ID).Msg("failed to purge artifacts")
		}
	}

	c.Status(http.StatusNoContent)
}

type smtpInput struct {
	Host             string  `json:"host"`
	Port             int     `json:"port"`
	Username         string  `json:"username"`
	Password         *string `json:"password"`
	UseTLS           bool    `json:"use_tls"`
	UseSSL           bool    `json:"use_ssl"`
	Timeout          int     `json:"timeout"`
	DefaultFromEmail string  `json:"default_from_email"`
	IsActive         *bool   `json:"is_active"`
}

func (s *Server) getSMTPConfig(c *gin.Context) {
	cfg, err := s.SMTP.Active(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cfg == nil {
		c.JSON(http.StatusOK, gin.H{
			"source": "static",
			"config": gin.H{
				"host":               s.Static.Host,
				"port":               s.Static.Port,
				"use_tls":            s.Static.UseTLS,
				"use_ssl":            s.Static.UseSSL,
				"timeout":            int(s.Static.Timeout / time.Second),
				"default_from_email": s.Static.From,
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": "database", "config": models.NewSMTPConfigView(cfg)})
}

// putSMTPConfig replaces the active record, or creates one. An omitted
// password keeps the stored one.
func (s *Server) putSMTPConfig(c *gin.Context) {
	var req smtpInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	problems := map[string]string{}
	if req.Host == "" {
		problems["host"] = "required"
	}
	if req.Port < 1 || req.Port > 65535 {
		problems["port"] = "must be between 1 and 65535"
	}
	if req.UseTLS && req.UseSSL {
		problems["use_ssl"] = "use_tls and use_ssl are mutually exclusive"
	}
	if req.Timeout < 0 {
		problems["timeout"] = "must be a positive number of seconds"
	}
	if len(problems) > 0 {
		s.rejectInvalid(c, &ValidationError{Fields: problems})
		return
	}

	cfg, err := s.SMTP.Active(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cfg == nil {
		cfg = &models.SMTPConfig{}
	}
	cfg.Host = req.Host
	cfg.Port = req.Port
	cfg.Username = req.Username
	if req.Password != nil {
		cfg.Password = *req.Password
	}
	cfg.UseTLS = req.UseTLS
	cfg.UseSSL = req.UseSSL
	cfg.Timeout = req.Timeout
	cfg.DefaultFromEmail = req.DefaultFromEmail
	cfg.IsActive = true
	if req.IsActive != nil {
		cfg.IsActive = *req.IsActive
	}

	if err := s.SMTP.Save(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.NewSMTPConfigView(cfg))
}

func (s *Server) testSMTPConfig(c *gin.Context) {
	var req struct {
		To string `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := s.Mailer.Refresh(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.Mailer.SendTest(ctx, req.To, s.Brand); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "test email sent", "to": req.To})
}

func (s *Server) loadSchedule(c *gin.Context) (*models.ReportSchedule, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule ID"})
		return nil, false
	}

	rec, err := s.Schedules.Get(c.Request.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return rec, true
}

func (s *Server) bindSchedule(c *gin.Context) (*scheduleInput, bool) {
	raw, err := readPayload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	in, err := decodeSchedule(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return in, true
}

func (s *Server) rejectInvalid(c *gin.Context, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
