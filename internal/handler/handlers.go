// Package handler provides the HTTP handlers of the streakd API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/configflow"
	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/progression"
	"github.com/devrev/streakd/internal/retention"
	"github.com/devrev/streakd/internal/scheduler"
	"github.com/devrev/streakd/internal/storage/guildstore"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	engine       *progression.Engine
	store        *guildstore.Store
	flows        *configflow.Manager
	scheduler    *scheduler.Scheduler
	errorHandler *ErrorHandler
	logger       *zap.Logger
	timeout      time.Duration
}

// Config holds handler configuration
type Config struct {
	// Timeout bounds the work done for one request
	Timeout time.Duration
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	cfg *Config,
	engine *progression.Engine,
	store *guildstore.Store,
	flows *configflow.Manager,
	sched *scheduler.Scheduler,
	errorHandler *ErrorHandler,
	logger *zap.Logger,
) *Handlers {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		engine:       engine,
		store:        store,
		flows:        flows,
		scheduler:    sched,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// Register mounts every API route on r
func (h *Handlers) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/guilds/{guild_id}", h.InitGuild).Methods(http.MethodPost)
	v1.HandleFunc("/guilds/{guild_id}/config", h.GetConfig).Methods(http.MethodGet)
	v1.HandleFunc("/guilds/{guild_id}/config", h.EditConfig).Methods(http.MethodPatch)
	v1.HandleFunc("/guilds/{guild_id}/milestones", h.AddMilestone).Methods(http.MethodPost)
	v1.HandleFunc("/guilds/{guild_id}/milestones/{kind}/{value}", h.RemoveMilestone).Methods(http.MethodDelete)
	v1.HandleFunc("/guilds/{guild_id}/messages", h.PostMessage).Methods(http.MethodPost)
	v1.HandleFunc("/guilds/{guild_id}/users/{user_id}", h.GetUser).Methods(http.MethodGet)
	v1.HandleFunc("/guilds/{guild_id}/users/{user_id}", h.RemoveUser).Methods(http.MethodDelete)
	v1.HandleFunc("/guilds/{guild_id}/users/{user_id}/fields/{field}", h.SetUserField).Methods(http.MethodPut)
	v1.HandleFunc("/guilds/{guild_id}/retention", h.GetRetention).Methods(http.MethodGet)
	v1.HandleFunc("/guilds/{guild_id}/flows", h.StartFlow).Methods(http.MethodPost)
	v1.HandleFunc("/flows/{flow_id}", h.GetFlow).Methods(http.MethodGet)
	v1.HandleFunc("/flows/{flow_id}/response", h.RespondFlow).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/jobs/{job}", h.RunJob).Methods(http.MethodPost)
}

type configEditRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type milestoneRequest struct {
	Kind   string `json:"kind"`
	Value  int    `json:"value"`
	RoleID string `json:"role_id"`
}

type fieldRequest struct {
	Value string `json:"value"`
}

type flowStartRequest struct {
	UserID string `json:"user_id"`
	Field  string `json:"field"`
}

type flowResponseRequest struct {
	UserID string `json:"user_id"`
	Value  string `json:"value"`
}

// InitGuild handles POST /v1/guilds/{guild_id}
func (h *Handlers) InitGuild(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]

	ctx, cancel := h.context(r)
	defer cancel()

	created, err := h.store.InitGuild(ctx, guildID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	cfg, err := h.store.LoadConfig(ctx, guildID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSONResponse(w, status, map[string]interface{}{
		"guild_id": guildID,
		"created":  created,
		"config":   cfg,
	})
}

// GetConfig handles GET /v1/guilds/{guild_id}/config
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]
	if !h.requireGuild(w, r, guildID) {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	cfg, err := h.store.LoadConfig(ctx, guildID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, cfg)
}

// EditConfig handles PATCH /v1/guilds/{guild_id}/config
func (h *Handlers) EditConfig(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]
	if !h.requireGuild(w, r, guildID) {
		return
	}
	var req configEditRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Field == "" {
		h.errorHandler.WriteValidationError(w, r, "field is required")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	cfg, err := h.engine.ApplyConfigEdit(ctx, guildID, req.Field, req.Value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, cfg)
}

// AddMilestone handles POST /v1/guilds/{guild_id}/milestones
func (h *Handlers) AddMilestone(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]
	if !h.requireGuild(w, r, guildID) {
		return
	}
	var req milestoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind, err := progression.ParseMilestoneKind(req.Kind)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	granted, err := h.engine.AddMilestone(ctx, guildID, kind, req.Value, req.RoleID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"kind":    kind,
		"value":   req.Value,
		"role_id": req.RoleID,
		"granted": granted,
	})
}

// RemoveMilestone handles DELETE /v1/guilds/{guild_id}/milestones/{kind}/{value}
func (h *Handlers) RemoveMilestone(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	guildID := vars["guild_id"]
	if !h.requireGuild(w, r, guildID) {
		return
	}
	kind, err := progression.ParseMilestoneKind(vars["kind"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	value, err := strconv.Atoi(vars["value"])
	if err != nil {
		h.errorHandler.WriteValidationError(w, r, fmt.Sprintf("milestone value %q must be a whole number", vars["value"]))
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	revoked, err := h.engine.RemoveMilestone(ctx, guildID, kind, value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"kind":    kind,
		"value":   value,
		"revoked": revoked,
	})
}

// PostMessage handles POST /v1/guilds/{guild_id}/messages
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]
	if !h.requireGuild(w, r, guildID) {
		return
	}
	var ev progression.MessageEvent
	if !h.decode(w, r, &ev) {
		return
	}
	ev.GuildID = guildID

	ctx, cancel := h.context(r)
	defer cancel()

	out, err := h.engine.HandleMessage(ctx, ev)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, out)
}

// GetUser handles GET /v1/guilds/{guild_id}/users/{user_id}
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.requireGuild(w, r, vars["guild_id"]) {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	rec, created, err := h.engine.GetOrInitUserRecord(ctx, vars["guild_id"], vars["user_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSONResponse(w, status, rec)
}

// RemoveUser handles DELETE /v1/guilds/{guild_id}/users/{user_id}
func (h *Handlers) RemoveUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.requireGuild(w, r, vars["guild_id"]) {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	removed, err := h.engine.RemoveUser(ctx, vars["guild_id"], vars["user_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !removed {
		h.errorHandler.HandleError(w, r, streakerrors.NotFound("user", vars["user_id"]))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetUserField handles PUT /v1/guilds/{guild_id}/users/{user_id}/fields/{field}
func (h *Handlers) SetUserField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.requireGuild(w, r, vars["guild_id"]) {
		return
	}
	var req fieldRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	rec, err := h.engine.SetFieldDirect(ctx, vars["guild_id"], vars["user_id"], vars["field"], req.Value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, rec)
}

// GetRetention handles GET /v1/guilds/{guild_id}/retention
func (h *Handlers) GetRetention(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]
	q := r.URL.Query()

	a := retention.DateRange{Start: q.Get("start"), End: q.Get("end")}
	var b *retention.DateRange
	if q.Get("compare_start") != "" || q.Get("compare_end") != "" {
		b = &retention.DateRange{Start: q.Get("compare_start"), End: q.Get("compare_end")}
	}

	ctx, cancel := h.context(r)
	defer cancel()

	result, err := h.engine.ComputeRetention(ctx, guildID, a, b)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// StartFlow handles POST /v1/guilds/{guild_id}/flows
func (h *Handlers) StartFlow(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guild_id"]
	if !h.requireGuild(w, r, guildID) {
		return
	}
	var req flowStartRequest
	if !h.decode(w, r, &req) {
		return
	}

	flow, err := h.flows.Start(guildID, req.UserID, req.Field)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, flow)
}

// GetFlow handles GET /v1/flows/{flow_id}
func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.Get(mux.Vars(r)["flow_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, flow)
}

// RespondFlow handles POST /v1/flows/{flow_id}/response
func (h *Handlers) RespondFlow(w http.ResponseWriter, r *http.Request) {
	var req flowResponseRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	flow, err := h.flows.Submit(ctx, mux.Vars(r)["flow_id"], req.UserID, req.Value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, flow)
}

// RunJob handles POST /v1/admin/jobs/{job}. The run is not bound to the
// request deadline; jobs are never cancelled part way.
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	job, err := scheduler.ParseJob(mux.Vars(r)["job"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	report, err := h.scheduler.RunNow(context.WithoutCancel(r.Context()), job)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, report)
}

func (h *Handlers) requireGuild(w http.ResponseWriter, r *http.Request, guildID string) bool {
	if h.store.GuildExists(guildID) {
		return true
	}
	h.errorHandler.HandleError(w, r, streakerrors.NotFound("guild", guildID))
	return false
}

func (h *Handlers) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.errorHandler.WriteValidationError(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
