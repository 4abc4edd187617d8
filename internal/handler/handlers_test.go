package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/configflow"
	"github.com/devrev/streakd/internal/middleware"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/progression"
	"github.com/devrev/streakd/internal/scheduler"
	"github.com/devrev/streakd/internal/storage/docstore"
	"github.com/devrev/streakd/internal/storage/guildstore"
)

type recordingSink struct {
	mu   sync.Mutex
	cmds []collaborator.Command
}

func (s *recordingSink) Dispatch(cmds ...collaborator.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmds...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testAPI struct {
	router *mux.Router
	sink   *recordingSink
	clock  *clock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	store := guildstore.NewStore(&guildstore.StoreConfig{
		DataDir:  t.TempDir(),
		Defaults: model.ConfigDefaults{Threshold: 4, XPPerMessage: 10, LevelMultiplier: 1.5},
		Now:      clk.Now,
	}, docstore.NewStore(nil, logger), logger)
	sink := &recordingSink{}
	engine := progression.NewEngine(&progression.EngineConfig{Now: clk.Now}, store, sink, logger)
	flows := configflow.NewManager(&configflow.Config{Window: 15 * time.Second, Now: clk.Now}, engine, logger)
	sched := scheduler.New(&scheduler.Config{Concurrency: 2, Now: clk.Now}, engine, store, logger)

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	h := NewHandlers(&Config{Timeout: 5 * time.Second}, engine, store, flows, sched, NewErrorHandler(logger), logger)
	h.Register(router)

	return &testAPI{router: router, sink: sink, clock: clk}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorCode {
	t.Helper()
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "error", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	return resp.ErrorCode
}

func TestHandlers_InitGuild(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/guilds/g1", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Created bool               `json:"created"`
		Config  model.TenantConfig `json:"config"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Created)
	assert.Equal(t, 4, body.Config.Streak.ThresholdMessages)
	assert.False(t, body.Config.Streak.Enabled)

	rec = api.do(t, http.MethodPost, "/v1/guilds/g1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlers_UnknownGuild(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/v1/guilds/nope/config", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorCodeGuildNotFound, errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/guilds/nope/messages", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_EditConfig(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)

	rec := api.do(t, http.MethodPatch, "/v1/guilds/g1/config", configEditRequest{Field: "streak.thresholdMessages", Value: "6"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cfg model.TenantConfig
	decodeBody(t, rec, &cfg)
	assert.Equal(t, 6, cfg.Streak.ThresholdMessages)

	rec = api.do(t, http.MethodPatch, "/v1/guilds/g1/config", configEditRequest{Field: "streak.thresholdMessages", Value: "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeValidation, errorCode(t, rec))

	rec = api.do(t, http.MethodPatch, "/v1/guilds/g1/config", configEditRequest{Field: "nope", Value: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnknownField, errorCode(t, rec))

	rec = api.do(t, http.MethodPatch, "/v1/guilds/g1/config", configEditRequest{Value: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidRequest, errorCode(t, rec))
}

func TestHandlers_PostMessageCreditsStreak(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)
	api.do(t, http.MethodPatch, "/v1/guilds/g1/config", configEditRequest{Field: "streak.enabled", Value: "true"})
	api.do(t, http.MethodPatch, "/v1/guilds/g1/config", configEditRequest{Field: "streak.thresholdMessages", Value: "1"})

	msg := map[string]string{"user_id": "u1", "channel_id": "c1", "content": "good morning"}
	rec := api.do(t, http.MethodPost, "/v1/guilds/g1/messages", msg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out progression.Outcome
	decodeBody(t, rec, &out)
	assert.True(t, out.StreakCredited)
	assert.Equal(t, 1, out.Streak)

	api.clock.Advance(time.Minute)
	msg["content"] = "a different message entirely"
	rec = api.do(t, http.MethodPost, "/v1/guilds/g1/messages", msg)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &out)
	assert.False(t, out.StreakCredited)
	assert.Equal(t, 1, out.Streak)

	rec = api.do(t, http.MethodGet, "/v1/guilds/g1/users/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user model.UserRecord
	decodeBody(t, rec, &user)
	assert.Equal(t, 2, user.MessageCount)
	assert.True(t, user.ReceivedDailyCredit)
	assert.Equal(t, 0, user.ThresholdRemaining)
}

func TestHandlers_UserLifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)

	rec := api.do(t, http.MethodGet, "/v1/guilds/g1/users/u1", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPut, "/v1/guilds/g1/users/u1/fields/streak", fieldRequest{Value: "5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var user model.UserRecord
	decodeBody(t, rec, &user)
	assert.Equal(t, 5, user.Streak)
	assert.GreaterOrEqual(t, user.HighestStreak, user.Streak)

	rec = api.do(t, http.MethodPut, "/v1/guilds/g1/users/u1/fields/streak", fieldRequest{Value: "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, ErrorCodeValidation, resp.ErrorCode)
	assert.Contains(t, resp.Message, "between")

	rec = api.do(t, http.MethodPut, "/v1/guilds/g1/users/u1/fields/favouriteColour", fieldRequest{Value: "blue"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnknownField, errorCode(t, rec))

	rec = api.do(t, http.MethodDelete, "/v1/guilds/g1/users/u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/guilds/g1/users/u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorCodeNotFound, errorCode(t, rec))
}

func TestHandlers_Milestones(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)

	rec := api.do(t, http.MethodPost, "/v1/guilds/g1/milestones", milestoneRequest{Kind: "streak", Value: 7, RoleID: "r7"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/v1/guilds/g1/config", nil)
	var cfg model.TenantConfig
	decodeBody(t, rec, &cfg)
	assert.Equal(t, "r7", cfg.Streak.MilestoneRoleByDay[7])

	rec = api.do(t, http.MethodPost, "/v1/guilds/g1/milestones", milestoneRequest{Kind: "weekly", Value: 7, RoleID: "r7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/guilds/g1/milestones/streak/7", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/guilds/g1/milestones/streak/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodDelete, "/v1/guilds/g1/milestones/streak/seven", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Retention(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)
	api.do(t, http.MethodPost, "/v1/guilds/g1/messages", map[string]string{"user_id": "u1", "content": "hi"})

	rec := api.do(t, http.MethodGet, "/v1/guilds/g1/retention?start=2024-03-01&end=2024-03-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		ActiveA       int     `json:"active_a"`
		RetentionRate float64 `json:"retention_rate"`
	}
	decodeBody(t, rec, &result)
	assert.Equal(t, 1, result.ActiveA)
	assert.Equal(t, 100.0, result.RetentionRate)

	rec = api.do(t, http.MethodGet, "/v1/guilds/g1/retention?start=2024-03-05&end=2024-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/guilds/nope/retention?start=2024-03-01&end=2024-03-01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ConfigFlow(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)

	rec := api.do(t, http.MethodPost, "/v1/guilds/g1/flows", flowStartRequest{UserID: "admin", Field: "streak.thresholdMessages"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var flow configflow.Flow
	decodeBody(t, rec, &flow)
	assert.Equal(t, configflow.StatePrompted, flow.State)

	rec = api.do(t, http.MethodPost, "/v1/flows/"+flow.ID+"/response", flowResponseRequest{UserID: "someone-else", Value: "3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/flows/"+flow.ID+"/response", flowResponseRequest{UserID: "admin", Value: "3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &flow)
	assert.Equal(t, configflow.StateCollected, flow.State)

	rec = api.do(t, http.MethodGet, "/v1/guilds/g1/config", nil)
	var cfg model.TenantConfig
	decodeBody(t, rec, &cfg)
	assert.Equal(t, 3, cfg.Streak.ThresholdMessages)
}

func TestHandlers_ConfigFlowTimesOut(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)

	rec := api.do(t, http.MethodPost, "/v1/guilds/g1/flows", flowStartRequest{UserID: "admin", Field: "level.xpPerMessage"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var flow configflow.Flow
	decodeBody(t, rec, &flow)

	api.clock.Advance(16 * time.Second)

	rec = api.do(t, http.MethodPost, "/v1/flows/"+flow.ID+"/response", flowResponseRequest{UserID: "admin", Value: "20"})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, ErrorCodeFlowExpired, errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/flows/"+flow.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &flow)
	assert.Equal(t, configflow.StateTimedOut, flow.State)

	rec = api.do(t, http.MethodGet, "/v1/flows/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_RunJob(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)
	api.do(t, http.MethodPost, "/v1/guilds/g2", nil)

	rec := api.do(t, http.MethodPost, "/v1/admin/jobs/daily-reset", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report scheduler.RunReport
	decodeBody(t, rec, &report)
	assert.Equal(t, scheduler.JobDailyReset, report.Job)
	assert.Equal(t, 2, report.Guilds)
	assert.Equal(t, 0, report.Failures)

	rec = api.do(t, http.MethodPost, "/v1/admin/jobs/hourly", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnknownField, errorCode(t, rec))
}

func TestHandlers_MalformedBody(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/v1/guilds/g1", nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/messages", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidRequest, errorCode(t, rec))
}
