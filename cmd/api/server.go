package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"campaignflow/approval"
	"campaignflow/auth"
	"campaignflow/campaign"
	"campaignflow/jobqueue"
	"campaignflow/webhook"
	"campaignflow/workflow"
)

const (
	maxWebhookBody    = 1 << 20
	defaultListLimit  = 50
	maxListLimit      = 500
	healthCheckBudget = 2 * time.Second
	defaultStaleAge   = 15 * time.Minute
)

type WebhookProcessor interface {
	Handle(ctx context.Context, source webhook.Source, h http.Header, body []byte) (webhook.Response, error)
}

type ApprovalService interface {
	Decide(ctx context.Context, params approval.DecideParams) (approval.Approval, error)
	List(ctx context.Context, status approval.Status, limit int) ([]approval.Approval, error)
	ListForCampaign(ctx context.Context, campaignID string) ([]approval.Approval, error)
	Withdraw(ctx context.Context, campaignID string) ([]approval.Approval, error)
}

type CampaignService interface {
	Launch(ctx context.Context, brief workflow.Brief) (campaign.Campaign, jobqueue.Job, error)
	Get(ctx context.Context, id string) (campaign.Campaign, error)
}

type JobController interface {
	GetJobForInstance(ctx context.Context, campaignID string) (jobqueue.Job, error)
	Cancel(ctx context.Context, campaignID string) (jobqueue.Job, error)
	StaleRunning(ctx context.Context, olderThan time.Duration) ([]jobqueue.Job, error)
}

type Authenticator interface {
	auth.TokenVerifier
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetOperatorByID(ctx context.Context, operatorID string) (*auth.Operator, error)
}

// Interrupter stops an in-process run so a cancelled campaign releases its
// goroutine without waiting for the next decision point.
type Interrupter interface {
	Interrupt(campaignID string) bool
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server exposes webhooks, approvals, campaigns and operator login over HTTP.
type Server struct {
	webhooks       WebhookProcessor
	approvals      ApprovalService
	campaigns      CampaignService
	jobs           JobController
	auth           Authenticator
	interrupter    Interrupter
	health         HealthChecker
	metricsHandler http.Handler
	logger         *slog.Logger
}

// Echo builds the router with middleware and every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("campaignflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.log().LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}

	hooks := e.Group("/webhooks")
	hooks.POST("/delivery", s.handleWebhook(webhook.SourceDelivery))
	hooks.POST("/inbound-reply", s.handleWebhook(webhook.SourceInbound))
	hooks.POST("/payment", s.handleWebhook(webhook.SourcePayment))

	e.POST("/auth/login", s.handleLogin)

	operator := auth.RequireOperator(s.auth)
	admin := auth.RequireOperator(s.auth, auth.RoleAdmin)
	e.GET("/auth/me", s.handleMe, operator)
	e.GET("/approvals", s.handleListApprovals, operator)
	e.PUT("/approvals/:id", s.handleDecideApproval, operator)
	e.GET("/campaigns/:id", s.handleGetCampaign, operator)
	e.GET("/campaigns/:id/approvals", s.handleCampaignApprovals, operator)
	e.POST("/campaigns", s.handleCreateCampaign, admin)
	e.POST("/campaigns/:id/cancel", s.handleCancelCampaign, admin)
	e.GET("/jobs/stale", s.handleStaleJobs, admin)

	return e
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckBudget)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(source webhook.Source) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unable to read body")
		}

		resp, err := s.webhooks.Handle(c.Request().Context(), source, c.Request().Header, body)
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, resp)
		case errors.Is(err, webhook.ErrInvalidSignature):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, webhook.ErrMalformed):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed").SetInternal(err)
		}
	}
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt string           `json:"expires_at"`
	Operator  operatorResponse `json:"operator"`
}

type operatorResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}

	res, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed").SetInternal(err)
	}

	return c.JSON(http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		Operator:  toOperatorResponse(res.Operator),
	})
}

func toOperatorResponse(op auth.Operator) operatorResponse {
	return operatorResponse{
		ID:       op.ID,
		Email:    op.Email,
		FullName: op.FullName,
		Role:     string(op.Role),
	}
}

// handleMe reloads the caller from the store. A live token for a deleted
// operator gets 401.
func (s *Server) handleMe(c echo.Context) error {
	claims, ok := auth.OperatorFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing operator")
	}
	op, err := s.auth.GetOperatorByID(c.Request().Context(), claims.OperatorID)
	if err != nil {
		if errors.Is(err, auth.ErrOperatorNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "operator no longer exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load operator").SetInternal(err)
	}
	return c.JSON(http.StatusOK, toOperatorResponse(*op))
}

type approvalResponse struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Kind       string          `json:"kind"`
	Subject    string          `json:"subject"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Status     string          `json:"status"`
	Feedback   string          `json:"feedback,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	CreatedAt  string          `json:"created_at"`
	DecidedAt  string          `json:"decided_at,omitempty"`
}

func toApprovalResponse(a approval.Approval) approvalResponse {
	resp := approvalResponse{
		ID:         a.ID,
		CampaignID: a.CampaignID,
		Kind:       string(a.Kind),
		Subject:    a.Subject,
		Payload:    a.Payload,
		Reasoning:  a.Reasoning,
		Status:     string(a.Status),
		Feedback:   a.Feedback,
		DecidedBy:  a.DecidedBy,
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.DecidedAt != nil {
		resp.DecidedAt = a.DecidedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func toApprovalList(items []approval.Approval) listResponse[approvalResponse] {
	out := make([]approvalResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toApprovalResponse(a))
	}
	return listResponse[approvalResponse]{Items: out, Total: len(out)}
}

func (s *Server) handleListApprovals(c echo.Context) error {
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}

	status := approval.Status(strings.TrimSpace(c.QueryParam("status")))
	items, err := s.approvals.List(c.Request().Context(), status, limit)
	if err != nil {
		if errors.Is(err, approval.ErrInvalidStatus) {
			return echo.NewHTTPError(http.StatusBadRequest, "status must be pending, approved or rejected")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list approvals").SetInternal(err)
	}
	return c.JSON(http.StatusOK, toApprovalList(items))
}

type decisionRequest struct {
	Status   string `json:"status"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleDecideApproval(c echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}

	operator, _ := auth.OperatorFrom(c)
	a, err := s.approvals.Decide(c.Request().Context(), approval.DecideParams{
		ID:        c.Param("id"),
		Status:    approval.Status(strings.TrimSpace(req.Status)),
		Feedback:  strings.TrimSpace(req.Feedback),
		DecidedBy: operator.OperatorID,
	})
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidStatus):
			return echo.NewHTTPError(http.StatusBadRequest, "status must be approved or rejected")
		case errors.Is(err, approval.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "approval not found")
		case errors.Is(err, approval.ErrAlreadyDecided):
			return echo.NewHTTPError(http.StatusConflict, "approval already decided")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "unable to record decision").SetInternal(err)
		}
	}

	s.log().Info("approval decided",
		"approval_id", a.ID, "instance_id", a.CampaignID, "kind", a.Kind,
		"status", a.Status, "operator_id", operator.OperatorID)
	return c.JSON(http.StatusOK, toApprovalResponse(a))
}

type jobResponse struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LockedBy    string `json:"locked_by,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

func toJobResponse(j jobqueue.Job) *jobResponse {
	return &jobResponse{
		ID:          j.ID,
		CampaignID:  j.CampaignID,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LockedBy:    j.LockedBy,
		LastError:   j.LastError,
		UpdatedAt:   j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type campaignResponse struct {
	ID            string                  `json:"id"`
	Status        string                  `json:"status"`
	State         string                  `json:"state"`
	AgentState    string                  `json:"agent_state,omitempty"`
	Cancelled     bool                    `json:"cancelled"`
	PaymentStatus string                  `json:"payment_status,omitempty"`
	AmountPaid    string                  `json:"amount_paid,omitempty"`
	History       []workflow.HistoryEntry `json:"history"`
	Job           *jobResponse            `json:"job,omitempty"`
	CreatedAt     string                  `json:"created_at"`
	UpdatedAt     string                  `json:"updated_at"`
}

func toCampaignResponse(c campaign.Campaign, job *jobqueue.Job) campaignResponse {
	resp := campaignResponse{
		ID:            c.ID,
		Status:        string(c.Status),
		State:         string(c.State),
		AgentState:    c.AgentState,
		Cancelled:     c.CancelledAt != nil,
		PaymentStatus: c.PaymentStatus,
		AmountPaid:    c.AmountPaid,
		History:       []workflow.HistoryEntry{},
		CreatedAt:     c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.Context != nil && c.Context.History != nil {
		resp.History = c.Context.History
	}
	if job != nil {
		resp.Job = toJobResponse(*job)
	}
	return resp
}

func (s *Server) handleCreateCampaign(c echo.Context) error {
	var brief workflow.Brief
	if err := c.Bind(&brief); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}

	created, job, err := s.campaigns.Launch(c.Request().Context(), brief)
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidBrief) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to launch campaign").SetInternal(err)
	}

	s.log().Info("campaign launched", "instance_id", created.ID, "job_id", job.ID)
	return c.JSON(http.StatusCreated, toCampaignResponse(created, &job))
}

func (s *Server) handleGetCampaign(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	found, err := s.campaigns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "campaign not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load campaign").SetInternal(err)
	}

	var job *jobqueue.Job
	j, err := s.jobs.GetJobForInstance(ctx, id)
	switch {
	case err == nil:
		job = &j
	case errors.Is(err, jobqueue.ErrNotFound):
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load job").SetInternal(err)
	}

	return c.JSON(http.StatusOK, toCampaignResponse(found, job))
}

func (s *Server) handleCampaignApprovals(c echo.Context) error {
	items, err := s.approvals.ListForCampaign(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list approvals").SetInternal(err)
	}
	return c.JSON(http.StatusOK, toApprovalList(items))
}

type cancelResponse struct {
	Job         *jobResponse `json:"job"`
	Withdrawn   int          `json:"withdrawn_approvals"`
	Interrupted bool         `json:"interrupted"`
}

// handleCancelCampaign fails the job, flags the campaign, then rejects any
// pending approval so a blocked gate returns and the runner sees the flag.
func (s *Server) handleCancelCampaign(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	job, err := s.jobs.Cancel(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, jobqueue.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "campaign job not found")
		case errors.Is(err, jobqueue.ErrNotCancellable):
			return echo.NewHTTPError(http.StatusConflict, "campaign already finished")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "unable to cancel campaign").SetInternal(err)
		}
	}

	resp := cancelResponse{Job: toJobResponse(job)}
	withdrawn, err := s.approvals.Withdraw(ctx, id)
	if err != nil {
		s.log().Warn("withdraw pending approvals", "instance_id", id, "error", err)
	}
	resp.Withdrawn = len(withdrawn)
	if s.interrupter != nil {
		resp.Interrupted = s.interrupter.Interrupt(id)
	}

	operator, _ := auth.OperatorFrom(c)
	s.log().Info("campaign cancelled", "instance_id", id, "job_id", job.ID,
		"withdrawn", resp.Withdrawn, "operator_id", operator.OperatorID)
	return c.JSON(http.StatusOK, resp)
}

// handleStaleJobs lists running jobs whose lock is older than older_than
// (default 15m). Recovery requeues them on the next worker start.
func (s *Server) handleStaleJobs(c echo.Context) error {
	olderThan := defaultStaleAge
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "older_than must be a positive duration")
		}
		olderThan = d
	}

	jobs, err := s.jobs.StaleRunning(c.Request().Context(), olderThan)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list stale jobs").SetInternal(err)
	}
	out := make([]*jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": out})
}
