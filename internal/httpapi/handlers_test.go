package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/dispatcher"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/pacing"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/settings"
	"campaign-dialer/internal/supervisor"
	"campaign-dialer/internal/telephony"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acct = "acct-1"

var now = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

type env struct {
	h      Handlers
	r      *gin.Engine
	camps  *campaigns.MemoryStore
	queue  *queue.Service
	placer *telephony.MemoryPlacer
	audit  *audit.MemoryRepo
	calls  *calls.MemoryRepository
	capCfg *settings.Cache[capacity.Settings]
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	clk := func() time.Time { return now }

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := settings.NewMemoryStore()
	capCache := settings.NewCache(capacity.SettingsKind, store, capacity.DefaultSettings, time.Minute)
	cs := capacity.DefaultSettings()
	cs.MaxConcurrentCalls = 2
	_, err := capCache.Update(ctx, acct, cs)
	require.NoError(t, err)
	rateCache := settings.NewCache(ratelimit.SettingsKind, store, ratelimit.DefaultSettings, time.Minute)
	rs := ratelimit.DefaultSettings()
	rs.EnableRateLimiting = false
	_, err = rateCache.Update(ctx, acct, rs)
	require.NoError(t, err)
	retryCache := settings.NewCache(retry.SettingsKind, store, retry.DefaultSettings, time.Minute)
	paceCache := settings.NewCache(pacing.SettingsKind, store, pacing.DefaultSettings, time.Minute)

	callRepo := calls.NewMemoryRepository()
	camps := campaigns.NewMemoryStore()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	placer := telephony.NewMemoryPlacer()
	pub := events.NewMemoryPublisher()
	rep := reporting.NewService(callRepo)

	q := queue.NewService(queue.NewMemoryStore()).WithClock(clk)
	capMgr := capacity.NewManager(capCache, callRepo, capacity.NewMemoryTransferStore(), nil, capacity.Options{}, nil).WithClock(clk)
	pacer := pacing.NewController(paceCache, rep, dispatcher.PacingObserver{Audit: auditSvc, Events: pub}, nil).WithStateStore(store).WithClock(clk)
	limiter := ratelimit.NewLimiter(rateCache, rdb).WithClock(clk)
	sched := retry.NewScheduler(retryCache, q, retry.NewMemorySlotStore(), rep, 0, nil).WithClock(clk)

	d := dispatcher.New(dispatcher.Deps{
		Queue:     q,
		Calls:     callRepo,
		Campaigns: camps,
		Capacity:  capMgr,
		Pacing:    pacer,
		Limiter:   limiter,
		Retry:     sched,
		Placer:    placer,
		Events:    pub,
		Audit:     auditSvc,
	}, dispatcher.Options{Interval: time.Minute}, nil).WithClock(clk)

	loopCtx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(loopCtx, nil)
	t.Cleanup(func() {
		sup.StopAll()
		cancel()
	})

	h := Handlers{
		Dispatcher: d,
		Loops:      sup,
		Intervals:  dispatcher.LoopIntervals{Dispatch: time.Hour, Pacing: time.Hour, Learning: time.Hour},
		Queue:      q,
		Campaigns:  camps,
		Calls:      callRepo,
		Capacity:   capMgr,
		Pacing:     pacer,
		Retry:      sched,
		Limiter:    limiter,
		Reporting:  rep,
		Audit:      auditSvc,
		Now:        clk,
	}

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "user-1", c.GetHeader("X-Account"), c.GetHeader("X-Role"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	h.Register(v1)

	camps.PutCampaign(campaigns.Campaign{ID: "camp-1", AccountID: acct, Name: "spring", Status: campaigns.CampaignActive, FromNumber: "+15550000000", Priority: 5})
	camps.PutCampaign(campaigns.Campaign{ID: "camp-other", AccountID: "acct-2", Name: "other", Status: campaigns.CampaignActive})

	return &env{h: h, r: r, camps: camps, queue: q, placer: placer, audit: auditRepo, calls: callRepo, capCfg: capCache}
}

func (e *env) addLeads(n int) {
	for i := 0; i < n; i++ {
		e.camps.PutLead(campaigns.Lead{
			ID:          fmt.Sprintf("lead-%d", i),
			AccountID:   acct,
			CampaignID:  "camp-1",
			PhoneNumber: fmt.Sprintf("+1555010%04d", i),
			Status:      campaigns.LeadNew,
		})
	}
}

func (e *env) do(t *testing.T, method, path, role string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account", acct)
	req.Header.Set("X-Role", role)
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestEnrollThenDispatchNowReportsDiagnostics(t *testing.T) {
	e := newEnv(t)
	e.addLeads(5)

	code, body := e.do(t, http.MethodPost, "/v1/campaigns/camp-1/enroll", rbac.RoleSupervisor, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 5, body["count"])

	code, body = e.do(t, http.MethodPost, "/v1/dialer/dispatch", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, "dispatched", body["reason"])
	diag := body["diagnostics"].(map[string]any)
	assert.EqualValues(t, 3, diag["pending_total"])
	assert.GreaterOrEqual(t, diag["pending_eligible_now"].(float64), float64(3))
	assert.NotEmpty(t, body["message"])
	assert.Len(t, e.placer.Placed(), 2)

	assert.NotEmpty(t, e.audit.Events())
}

func TestDispatchNowWithNothingQueued(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/v1/dialer/dispatch", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])
	assert.Contains(t, body["message"], "no work")
}

func TestAgentCannotRunControls(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/dialer/dispatch", rbac.RoleAgent, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, http.MethodGet, "/v1/dialer/status", rbac.RoleAgent, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCampaignOfAnotherAccountIsHidden(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/campaigns/camp-other/leads/l1/dispatch", rbac.RoleOwner, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/v1/campaigns/missing/enroll", rbac.RoleOwner, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestForceDispatchPlacesLead(t *testing.T) {
	e := newEnv(t)
	e.addLeads(1)

	code, body := e.do(t, http.MethodPost, "/v1/campaigns/camp-1/leads/lead-0/dispatch", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "call placed", body["message"])
	require.Len(t, e.placer.Placed(), 1)
	assert.Equal(t, "+15550000000", e.placer.Placed()[0].From)
}

func TestSettingsMergeValidateAndAudit(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPut, "/v1/settings/retry", rbac.RoleOwner, map[string]any{"max_retries": 5})
	require.Equal(t, http.StatusOK, code, body)
	saved := body["settings"].(map[string]any)
	assert.EqualValues(t, 5, saved["max_retries"])
	assert.EqualValues(t, 30, saved["base_delay_minutes"])

	code, body = e.do(t, http.MethodGet, "/v1/settings/retry", rbac.RoleAgent, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["settings"].(map[string]any)["max_retries"])

	code, _ = e.do(t, http.MethodPut, "/v1/settings/pacing", rbac.RoleOwner, map[string]any{"learning_rate": 0.9})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPut, "/v1/settings/concurrency", rbac.RoleAgent, map[string]any{"max_concurrent_calls": 3})
	assert.Equal(t, http.StatusForbidden, code)

	var changes int
	for _, ev := range e.audit.Events() {
		if ev.Type == audit.EventTypeSettingsChange {
			changes++
		}
	}
	assert.Equal(t, 1, changes)
}

func TestAutoDispatchStartStop(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/v1/dialer/auto-dispatch/start", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = e.do(t, http.MethodPost, "/v1/dialer/auto-dispatch/start", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, "auto-dispatch already running", body["message"])

	code, body = e.do(t, http.MethodGet, "/v1/dialer/status", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["auto_dispatch"])

	code, body = e.do(t, http.MethodPost, "/v1/dialer/auto-dispatch/stop", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
}

func TestScheduleAndCancelRetry(t *testing.T) {
	e := newEnv(t)
	e.addLeads(1)

	code, _ := e.do(t, http.MethodPost, "/v1/campaigns/camp-1/enroll", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)

	// The enrolled entry is still pending.
	code, _ = e.do(t, http.MethodPost, "/v1/campaigns/camp-1/leads/lead-0/retry", rbac.RoleOwner, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body := e.do(t, http.MethodDelete, "/v1/campaigns/camp-1/leads/lead-0/retry", rbac.RoleOwner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
}

func TestRetryTimePreview(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/v1/dialer/retry-time?attempt=3", rbac.RoleAgent, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 120, body["delay_minutes"])

	code, _ = e.do(t, http.MethodGet, "/v1/dialer/retry-time?attempt=0", rbac.RoleAgent, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("enqueue: %w", queue.ErrConflict), http.StatusConflict},
		{retry.ErrPriorEntryActive, http.StatusConflict},
		{queue.ErrNotFound, http.StatusNotFound},
		{calls.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("bad: %w", settings.ErrInvalid), http.StatusBadRequest},
		{capacity.ErrCapacityExhausted, http.StatusTooManyRequests},
		{dispatcher.ErrComplianceLimited, http.StatusConflict},
		{fmt.Errorf("x: %w", telephony.ErrUnreachable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func (e *env) addLiveCall(t *testing.T, id, account string) {
	t.Helper()
	require.NoError(t, e.calls.Insert(context.Background(), calls.Call{
		ID: id, AccountID: account, CampaignID: "camp-1", LeadID: "lead-" + id,
		Status: calls.StatusInProgress, StartedAt: now.Add(-time.Minute),
	}))
}

func (e *env) setTransferLimits(t *testing.T, vapiMax int, queueEnabled bool) {
	t.Helper()
	s := capacity.DefaultSettings()
	s.MaxConcurrentCalls = 2
	s.VapiMaxConcurrent = vapiMax
	s.TransferQueueEnabled = queueEnabled
	_, err := e.capCfg.Update(context.Background(), acct, s)
	require.NoError(t, err)
}

func TestBeginTransfer_PlatformFullIsConflict(t *testing.T) {
	e := newEnv(t)
	e.setTransferLimits(t, 1, false)
	e.addLiveCall(t, "call-1", acct)
	e.addLiveCall(t, "call-2", acct)

	code, body := e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-1", "platform": "vapi"})
	require.Equal(t, http.StatusCreated, code, body)
	tr := body["transfer"].(map[string]any)
	assert.Equal(t, "active", tr["status"])

	code, body = e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-2", "platform": "vapi"})
	assert.Equal(t, http.StatusConflict, code, body)

	code, body = e.do(t, http.MethodGet, "/v1/dialer/capacity", rbac.RoleAgent, nil)
	require.Equal(t, http.StatusOK, code)
	platforms := body["platforms"].([]any)
	assert.EqualValues(t, 1, platforms[0].(map[string]any)["active"])

	code, body = e.do(t, http.MethodPost, "/v1/transfers/"+tr["id"].(string)+"/end", rbac.RoleAgent, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["transfer"].(map[string]any)["status"])

	code, _ = e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-2", "platform": "vapi"})
	assert.Equal(t, http.StatusCreated, code)

	actions := 0
	for _, ev := range e.audit.Events() {
		if ev.Action == "transfer_begin" || ev.Action == "transfer_end" {
			actions++
		}
	}
	assert.Equal(t, 3, actions)
}

func TestBeginTransfer_QueuedWhenAccountQueuesTransfers(t *testing.T) {
	e := newEnv(t)
	e.setTransferLimits(t, 1, true)
	e.addLiveCall(t, "call-1", acct)
	e.addLiveCall(t, "call-2", acct)

	code, _ := e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-1", "platform": "vapi"})
	require.Equal(t, http.StatusCreated, code)

	code, body := e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-2", "platform": "vapi"})
	require.Equal(t, http.StatusAccepted, code, body)
	queued := body["transfer"].(map[string]any)
	assert.Equal(t, "queued", queued["status"])

	code, body = e.do(t, http.MethodPost, "/v1/transfers/"+queued["id"].(string)+"/end", rbac.RoleAgent, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "canceled", body["transfer"].(map[string]any)["status"])
}

func TestBeginTransfer_RejectsForeignOrEndedCall(t *testing.T) {
	e := newEnv(t)
	e.addLiveCall(t, "call-other", "acct-2")
	require.NoError(t, e.calls.Insert(context.Background(), calls.Call{
		ID: "call-done", AccountID: acct, Status: calls.StatusCompleted, StartedAt: now.Add(-time.Hour),
	}))

	code, _ := e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-other", "platform": "vapi"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-missing", "platform": "vapi"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-done", "platform": "vapi"})
	assert.Equal(t, http.StatusConflict, code)

	e.addLiveCall(t, "call-1", acct)
	code, _ = e.do(t, http.MethodPost, "/v1/transfers", rbac.RoleAgent,
		gin.H{"call_id": "call-1", "platform": "other"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/v1/transfers/nope/end", rbac.RoleAgent, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
