package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/approval"
	"campaignflow/auth"
	"campaignflow/campaign"
	"campaignflow/jobqueue"
	"campaignflow/webhook"
	"campaignflow/workflow"
)

const (
	adminToken    = "admin-token"
	reviewerToken = "reviewer-token"
)

type stubAuth struct {
	login    auth.LoginResult
	loginErr error
	operator *auth.Operator
	opErr    error
}

func (s *stubAuth) VerifyToken(token string) (auth.Claims, error) {
	switch token {
	case adminToken:
		return auth.Claims{OperatorID: "op-admin", Role: auth.RoleAdmin}, nil
	case reviewerToken:
		return auth.Claims{OperatorID: "op-rev", Role: auth.RoleReviewer}, nil
	}
	return auth.Claims{}, auth.ErrInvalidToken
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.login, s.loginErr
}

func (s *stubAuth) GetOperatorByID(_ context.Context, operatorID string) (*auth.Operator, error) {
	if s.opErr != nil {
		return nil, s.opErr
	}
	if s.operator == nil || s.operator.ID != operatorID {
		return nil, auth.ErrOperatorNotFound
	}
	return s.operator, nil
}

type stubWebhooks struct {
	source webhook.Source
	body   string
	resp   webhook.Response
	err    error
}

func (s *stubWebhooks) Handle(_ context.Context, source webhook.Source, _ http.Header, body []byte) (webhook.Response, error) {
	s.source = source
	s.body = string(body)
	return s.resp, s.err
}

type stubApprovals struct {
	decided     approval.DecideParams
	decideResp  approval.Approval
	decideErr   error
	listStatus  approval.Status
	listLimit   int
	items       []approval.Approval
	listErr     error
	withdrawn   []approval.Approval
	withdrawFor string
}

func (s *stubApprovals) Decide(_ context.Context, params approval.DecideParams) (approval.Approval, error) {
	s.decided = params
	return s.decideResp, s.decideErr
}

func (s *stubApprovals) List(_ context.Context, status approval.Status, limit int) ([]approval.Approval, error) {
	s.listStatus = status
	s.listLimit = limit
	return s.items, s.listErr
}

func (s *stubApprovals) ListForCampaign(_ context.Context, _ string) ([]approval.Approval, error) {
	return s.items, s.listErr
}

func (s *stubApprovals) Withdraw(_ context.Context, campaignID string) ([]approval.Approval, error) {
	s.withdrawFor = campaignID
	return s.withdrawn, nil
}

type stubCampaigns struct {
	launched  *workflow.Brief
	created   campaign.Campaign
	job       jobqueue.Job
	launchErr error
	found     campaign.Campaign
	getErr    error
}

func (s *stubCampaigns) Launch(_ context.Context, brief workflow.Brief) (campaign.Campaign, jobqueue.Job, error) {
	s.launched = &brief
	return s.created, s.job, s.launchErr
}

func (s *stubCampaigns) Get(_ context.Context, _ string) (campaign.Campaign, error) {
	return s.found, s.getErr
}

type stubJobs struct {
	job       jobqueue.Job
	getErr    error
	cancelled string
	cancelErr error
	stale     []jobqueue.Job
	staleAge  time.Duration
}

func (s *stubJobs) GetJobForInstance(_ context.Context, _ string) (jobqueue.Job, error) {
	return s.job, s.getErr
}

func (s *stubJobs) Cancel(_ context.Context, campaignID string) (jobqueue.Job, error) {
	s.cancelled = campaignID
	return s.job, s.cancelErr
}

func (s *stubJobs) StaleRunning(_ context.Context, olderThan time.Duration) ([]jobqueue.Job, error) {
	s.staleAge = olderThan
	return s.stale, nil
}

type stubInterrupter struct{ ids []string }

func (s *stubInterrupter) Interrupt(campaignID string) bool {
	s.ids = append(s.ids, campaignID)
	return true
}

type stubHealth struct{ err error }

func (s stubHealth) Ping(context.Context) error { return s.err }

func newTestServer() *Server {
	return &Server{
		webhooks:  &stubWebhooks{},
		approvals: &stubApprovals{},
		campaigns: &stubCampaigns{},
		jobs:      &stubJobs{},
		auth:      &stubAuth{},
		health:    stubHealth{},
	}
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestWebhookRoutes(t *testing.T) {
	routed := true
	cases := []struct {
		name   string
		path   string
		source webhook.Source
		err    error
		status int
	}{
		{name: "reply applied", path: "/webhooks/inbound-reply", source: webhook.SourceInbound, status: http.StatusOK},
		{name: "delivery", path: "/webhooks/delivery", source: webhook.SourceDelivery, status: http.StatusOK},
		{name: "payment", path: "/webhooks/payment", source: webhook.SourcePayment, status: http.StatusOK},
		{name: "bad signature", path: "/webhooks/inbound-reply", source: webhook.SourceInbound, err: webhook.ErrInvalidSignature, status: http.StatusUnauthorized},
		{name: "malformed", path: "/webhooks/delivery", source: webhook.SourceDelivery, err: webhook.ErrMalformed, status: http.StatusBadRequest},
		{name: "store failure", path: "/webhooks/payment", source: webhook.SourcePayment, err: errors.New("conn reset"), status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hooks := &stubWebhooks{resp: webhook.Response{OK: true, Routed: &routed, CampaignID: "c1"}, err: tc.err}
			s := newTestServer()
			s.webhooks = hooks

			rec := do(t, s, http.MethodPost, tc.path, "", `{"any":"thing"}`)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.source, hooks.source)
			assert.Equal(t, `{"any":"thing"}`, hooks.body)
			if tc.err == nil {
				var resp webhook.Response
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.True(t, resp.OK)
				assert.Equal(t, "c1", resp.CampaignID)
			}
		})
	}
}

func TestDecideApproval(t *testing.T) {
	decidedAt := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		name   string
		token  string
		body   string
		err    error
		status int
	}{
		{name: "no token", body: `{"status":"approved"}`, status: http.StatusUnauthorized},
		{name: "invalid status", token: reviewerToken, body: `{"status":"maybe"}`, err: approval.ErrInvalidStatus, status: http.StatusBadRequest},
		{name: "not found", token: reviewerToken, body: `{"status":"approved"}`, err: approval.ErrNotFound, status: http.StatusNotFound},
		{name: "already decided", token: reviewerToken, body: `{"status":"approved"}`, err: approval.ErrAlreadyDecided, status: http.StatusConflict},
		{name: "malformed body", token: reviewerToken, body: `{"status":`, status: http.StatusBadRequest},
		{name: "rejected with feedback", token: reviewerToken, body: `{"status":"rejected","feedback":" too broad "}`, status: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			approvals := &stubApprovals{
				decideErr: tc.err,
				decideResp: approval.Approval{
					ID: "a1", CampaignID: "c1", Kind: workflow.ApprovalStrategy,
					Status: approval.StatusRejected, Feedback: "too broad", DecidedBy: "op-rev",
					CreatedAt: decidedAt.Add(-time.Hour), DecidedAt: &decidedAt,
				},
			}
			s := newTestServer()
			s.approvals = approvals

			rec := do(t, s, http.MethodPut, "/approvals/a1", tc.token, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())

			if tc.status == http.StatusOK {
				assert.Equal(t, approval.DecideParams{
					ID: "a1", Status: approval.StatusRejected, Feedback: "too broad", DecidedBy: "op-rev",
				}, approvals.decided)

				var resp approvalResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "rejected", resp.Status)
				assert.Equal(t, decidedAt.Format(time.RFC3339), resp.DecidedAt)
			}
		})
	}
}

func TestListApprovals(t *testing.T) {
	approvals := &stubApprovals{items: []approval.Approval{
		{ID: "a1", CampaignID: "c1", Kind: workflow.ApprovalStrategy, Status: approval.StatusPending},
		{ID: "a2", CampaignID: "c2", Kind: workflow.ApprovalTerms, Status: approval.StatusPending},
	}}
	s := newTestServer()
	s.approvals = approvals

	rec := do(t, s, http.MethodGet, "/approvals?status=pending&limit=10", reviewerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, approval.StatusPending, approvals.listStatus)
	assert.Equal(t, 10, approvals.listLimit)

	var payload listResponse[approvalResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 2, payload.Total)
	assert.Equal(t, "terms", payload.Items[1].Kind)

	rec = do(t, s, http.MethodGet, "/approvals?limit=-1", reviewerToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	approvals.listErr = approval.ErrInvalidStatus
	rec = do(t, s, http.MethodGet, "/approvals?status=bogus", reviewerToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCampaign(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	campaigns := &stubCampaigns{
		created: campaign.Campaign{ID: "c1", Status: campaign.StatusRunning, State: workflow.StateBriefReceived, CreatedAt: now, UpdatedAt: now},
		job:     jobqueue.Job{ID: "j1", Status: jobqueue.StatusQueued, MaxAttempts: 3, UpdatedAt: now},
	}
	s := newTestServer()
	s.campaigns = campaigns
	body := `{"brand_name":"Acme","objective":"awareness","platforms":["instagram"],"budget_gbp":5000}`

	rec := do(t, s, http.MethodPost, "/campaigns", reviewerToken, body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Nil(t, campaigns.launched)

	rec = do(t, s, http.MethodPost, "/campaigns", adminToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, campaigns.launched)
	assert.Equal(t, "Acme", campaigns.launched.BrandName)
	assert.Equal(t, 5000.0, campaigns.launched.BudgetGBP)

	var resp campaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "brief_received", resp.State)
	require.NotNil(t, resp.Job)
	assert.Equal(t, "queued", resp.Job.Status)

	campaigns.launchErr = campaign.ErrInvalidBrief
	rec = do(t, s, http.MethodPost, "/campaigns", adminToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCampaign(t *testing.T) {
	wc := workflow.NewContext("c1", workflow.Brief{BrandName: "Acme"})
	wc.History = []workflow.HistoryEntry{
		{State: workflow.StateStrategyDraft, Step: "strategy"},
		{State: workflow.StateAwaitingStrategyApproval, Step: "awaiting_strategy_approval"},
	}
	campaigns := &stubCampaigns{found: campaign.Campaign{ID: "c1", Status: campaign.StatusRunning, State: workflow.StateAwaitingStrategyApproval, Context: wc}}
	jobs := &stubJobs{job: jobqueue.Job{ID: "j1", Status: jobqueue.StatusRunning, LockedBy: "w1"}}
	s := newTestServer()
	s.campaigns = campaigns
	s.jobs = jobs

	rec := do(t, s, http.MethodGet, "/campaigns/c1", reviewerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp campaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.History, 2)
	assert.Equal(t, workflow.StateAwaitingStrategyApproval, resp.History[1].State)
	require.NotNil(t, resp.Job)
	assert.Equal(t, "w1", resp.Job.LockedBy)

	jobs.getErr = jobqueue.ErrNotFound
	rec = do(t, s, http.MethodGet, "/campaigns/c1", reviewerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = campaignResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Job)

	campaigns.getErr = campaign.ErrNotFound
	rec = do(t, s, http.MethodGet, "/campaigns/missing", reviewerToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/campaigns/c1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCancelCampaign(t *testing.T) {
	jobs := &stubJobs{job: jobqueue.Job{ID: "j1", Status: jobqueue.StatusFailed, LastError: jobqueue.CancelledReason}}
	approvals := &stubApprovals{withdrawn: []approval.Approval{{ID: "a1"}}}
	interrupter := &stubInterrupter{}
	s := newTestServer()
	s.jobs = jobs
	s.approvals = approvals
	s.interrupter = interrupter

	rec := do(t, s, http.MethodPost, "/campaigns/c1/cancel", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "c1", jobs.cancelled)
	assert.Equal(t, "c1", approvals.withdrawFor)
	assert.Equal(t, []string{"c1"}, interrupter.ids)

	var resp cancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Withdrawn)
	assert.True(t, resp.Interrupted)
	assert.Equal(t, jobqueue.CancelledReason, resp.Job.LastError)

	jobs.cancelErr = jobqueue.ErrNotCancellable
	rec = do(t, s, http.MethodPost, "/campaigns/c1/cancel", adminToken, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	jobs.cancelErr = jobqueue.ErrNotFound
	rec = do(t, s, http.MethodPost, "/campaigns/c1/cancel", adminToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/campaigns/c1/cancel", reviewerToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogin(t *testing.T) {
	expires := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	authn := &stubAuth{login: auth.LoginResult{
		Token:     "signed",
		ExpiresAt: expires,
		Operator:  auth.Operator{ID: "op-1", Email: "rita@example.com", Role: auth.RoleReviewer},
	}}
	s := newTestServer()
	s.auth = authn

	rec := do(t, s, http.MethodPost, "/auth/login", "", `{"email":"rita@example.com","password":"supersafe"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "signed", resp.Token)
	assert.Equal(t, expires.Format(time.RFC3339), resp.ExpiresAt)
	assert.Equal(t, "reviewer", resp.Operator.Role)

	authn.loginErr = auth.ErrInvalidCredentials
	rec = do(t, s, http.MethodPost, "/auth/login", "", `{"email":"rita@example.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	s := newTestServer()
	s.auth = &stubAuth{operator: &auth.Operator{ID: "op-rev", Email: "rita@example.com", Role: auth.RoleReviewer}}

	rec := do(t, s, http.MethodGet, "/auth/me", reviewerToken, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp operatorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rita@example.com", resp.Email)
	assert.Equal(t, "reviewer", resp.Role)

	rec = do(t, s, http.MethodGet, "/auth/me", adminToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStaleJobs(t *testing.T) {
	lockedAt := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	jobs := &stubJobs{stale: []jobqueue.Job{{ID: "j1", CampaignID: "c1", Status: jobqueue.StatusRunning, LockedBy: "w-gone", LockedAt: &lockedAt}}}
	s := newTestServer()
	s.jobs = jobs

	rec := do(t, s, http.MethodGet, "/jobs/stale", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, defaultStaleAge, jobs.staleAge)

	var resp struct {
		Jobs []jobResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "c1", resp.Jobs[0].CampaignID)
	assert.Equal(t, "w-gone", resp.Jobs[0].LockedBy)

	rec = do(t, s, http.MethodGet, "/jobs/stale?older_than=90s", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90*time.Second, jobs.staleAge)

	rec = do(t, s, http.MethodGet, "/jobs/stale?older_than=soon", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/jobs/stale", reviewerToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer()
	rec := do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.health = stubHealth{err: errors.New("pool closed")}
	rec = do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("debug", "json", &buf)
	require.NoError(t, err)
	logger.Debug("hello", "job_id", "j1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "j1", line["job_id"])

	_, err = newLogger("loud", "text", &buf)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestReadBrief(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brief.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
brand_name: Acme Oat
objective: launch the barista range
platforms: [instagram, tiktok]
follower_range: [10000, 250000]
budget_gbp: 8000
seed_creators:
  - username: oatlatte
    platform: instagram
    follower_count: 42000
    email: hi@oatlatte.example
`), 0o600))

	brief, err := readBrief(path)
	require.NoError(t, err)
	assert.Equal(t, "Acme Oat", brief.BrandName)
	assert.Equal(t, [2]int{10000, 250000}, brief.FollowerRange)
	require.Len(t, brief.SeedCreators, 1)
	assert.Equal(t, "hi@oatlatte.example", brief.SeedCreators[0].Email)

	_, err = readBrief(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "worker", "migrate", "enqueue", "operator"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"operator", "create"})
	require.NoError(t, err)
	assert.Equal(t, "create", cmd.Name())
}
