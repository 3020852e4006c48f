package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/automation"
	"github.com/sandboxedsh/missionctl/internal/broadcast"
	"github.com/sandboxedsh/missionctl/internal/control"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// missionIDParam parses the :id path parameter shared by most /api/missions
// routes. Writes the error response itself and returns ok=false on failure.
func missionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid mission id")
		return uuid.UUID{}, false
	}
	return id, true
}

// writeStoreErr maps missionstore.ErrNotFound to 404 and everything else to
// 500, the uniform pattern every handler in this file that loads a mission
// or automation by ID follows.
func writeStoreErr(c *gin.Context, err error) {
	if errors.Is(err, missionstore.ErrNotFound) {
		notFound(c, err.Error())
		return
	}
	internalError(c, err)
}

// --- Missions ---

func (a *API) listMissions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	missions, err := a.store.ListMissions(c.Request.Context(), limit, offset)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, missions)
}

func (a *API) createMission(c *gin.Context) {
	var req createMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	m, err := a.store.CreateMission(c.Request.Context(), req.toParams())
	if err != nil {
		internalError(c, err)
		return
	}
	// A newly created mission becomes the current one: the next untargeted
	// message routes to it, even while the primary is mid-turn on another
	// mission (it then starts in parallel).
	if _, err := a.actor.LoadMission(c.Request.Context(), m.ID); err != nil {
		a.log.Warn("switch current mission after create failed", zap.Error(err))
	}
	c.JSON(http.StatusCreated, m)
}

func (a *API) getMission(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	m, err := a.store.GetMission(c.Request.Context(), id)
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *API) deleteMission(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	deleted, err := a.store.DeleteMission(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	if !deleted {
		notFound(c, "mission not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) cleanupEmptyMissions(c *gin.Context) {
	running, err := a.actor.ListRunning(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	runningIDs := make([]uuid.UUID, 0, len(running))
	for _, r := range running {
		runningIDs = append(runningIDs, r.MissionID)
	}
	n, err := a.store.DeleteEmptyUntitledMissionsExcluding(c.Request.Context(), runningIDs)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (a *API) searchMissions(c *gin.Context) {
	q := c.Query("q")
	limit := queryInt(c, "limit", 20)
	missions, err := a.store.SearchMissions(c.Request.Context(), q, limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, missions)
}

type statusUpdateRequest struct {
	Status mission.Status          `json:"status" binding:"required"`
	Reason *mission.TerminalReason `json:"terminal_reason,omitempty"`
}

func (a *API) updateMissionStatus(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.store.UpdateMissionStatusWithReason(c.Request.Context(), id, req.Status, req.Reason); err != nil {
		writeStoreErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type titleUpdateRequest struct {
	Title string `json:"title" binding:"required"`
}

func (a *API) updateMissionTitle(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	var req titleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.store.UpdateMissionTitle(c.Request.Context(), id, req.Title); err != nil {
		writeStoreErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getMissionTree(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	tree, err := a.store.GetMissionTree(c.Request.Context(), id)
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", tree)
}

func (a *API) getMissionEvents(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)
	var types []string
	if t := c.Query("types"); t != "" {
		types = []string{t}
	}
	events, err := a.store.GetEvents(c.Request.Context(), id, types, limit, offset)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- Control routing ---

type messageEnvelope struct {
	MissionID uuid.UUID `json:"mission_id"`
	Content   string    `json:"content" binding:"required"`
	Agent     *string   `json:"agent,omitempty"`
	UserID    string    `json:"user_id"`
}

func (a *API) sendMessage(c *gin.Context) {
	var req messageEnvelope
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	// mission_id may be absent: the actor infers the target (current mission
	// when the primary is busy elsewhere, else current/primary, else a fresh
	// mission), so a bare "do X" request starts working immediately.
	agent := ""
	if req.Agent != nil {
		agent = *req.Agent
	}
	res, err := a.actor.RouteMessage(c.Request.Context(), req.MissionID, req.Content, agent, req.UserID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":         res.Message.ID,
		"queued":     res.Queued,
		"mission_id": res.Message.MissionID,
		"created":    res.Created,
	})
}

// currentMission implements GET /api/missions/current: the mission the
// actor's current pointer designates.
func (a *API) currentMission(c *gin.Context) {
	m, err := a.actor.CurrentMission(c.Request.Context())
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// loadMission implements POST /api/missions/:id/load: switch the actor's
// current-mission pointer and return the mission with its history.
func (a *API) loadMission(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	m, err := a.actor.LoadMission(c.Request.Context(), id)
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// startParallel implements POST /api/missions/:id/start-parallel: route a
// first message at a mission so it starts working alongside whatever the
// primary runner is doing.
func (a *API) startParallel(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := a.actor.RouteMessage(c.Request.Context(), id, req.Content, "", req.UserID)
	if err != nil {
		if errors.Is(err, control.ErrAtCapacity) {
			c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": res.Message.ID, "queued": res.Queued})
}

// searchMoments implements GET /api/missions/moments/search: substring
// search over a mission's stored events ("moments" in its activity stream).
func (a *API) searchMoments(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		badRequest(c, "q is required")
		return
	}
	missionID, err := uuid.Parse(c.Query("mission_id"))
	if err != nil {
		badRequest(c, "mission_id is required")
		return
	}
	limit := queryInt(c, "limit", 50)

	events, err := a.store.GetEvents(c.Request.Context(), missionID, nil, 0, 0)
	if err != nil {
		internalError(c, err)
		return
	}
	needle := strings.ToLower(query)
	matches := make([]*mission.StoredEvent, 0, limit)
	for _, ev := range events {
		if strings.Contains(strings.ToLower(string(ev.PayloadRaw)), needle) {
			matches = append(matches, ev)
			if len(matches) >= limit {
				break
			}
		}
	}
	c.JSON(http.StatusOK, matches)
}

// sendMessageTo is the /api/missions/:id/message variant: the mission ID
// comes from the path instead of the body.
func (a *API) sendMessageTo(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.actor.SendMessage(c.Request.Context(), id, req.Content, req.UserID); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type missionIDRequest struct {
	MissionID uuid.UUID `json:"mission_id" binding:"required"`
}

func (a *API) cancelMission(c *gin.Context) {
	var req missionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.actor.Cancel(c.Request.Context(), req.MissionID); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) cancelMissionByID(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	if err := a.actor.Cancel(c.Request.Context(), id); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) resumeMission(c *gin.Context) {
	var req missionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	a.doResume(c, req.MissionID, control.ResumeOptions{})
}

func (a *API) resumeMissionByID(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	var req resumeRequest
	_ = c.ShouldBindJSON(&req)
	a.doResume(c, id, control.ResumeOptions{
		CleanWorkspace: req.CleanWorkspace,
		SkipMessage:    req.SkipMessage,
	})
}

func (a *API) doResume(c *gin.Context, id uuid.UUID, opts control.ResumeOptions) {
	err := a.actor.Resume(c.Request.Context(), id, opts)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, control.ErrNotResumable):
		badRequest(c, err.Error())
	case errors.Is(err, missionstore.ErrNotFound):
		notFound(c, err.Error())
	default:
		internalError(c, err)
	}
}

func (a *API) listRunning(c *gin.Context) {
	running, err := a.actor.ListRunning(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, running)
}

func (a *API) getQueue(c *gin.Context) {
	if raw := c.Query("mission_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid mission_id")
			return
		}
		q, err := a.actor.QueueStatus(c.Request.Context(), id)
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, q)
		return
	}

	all, err := a.actor.GetQueue(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

func (a *API) removeFromQueue(c *gin.Context) {
	queueID, err := uuid.Parse(c.Param("queue_id"))
	if err != nil {
		badRequest(c, "invalid queue id")
		return
	}
	// mission_id narrows the search; without it every queue is scanned.
	var missionID uuid.UUID
	if raw := c.Query("mission_id"); raw != "" {
		missionID, err = uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid mission_id")
			return
		}
	}
	removed, err := a.actor.RemoveFromQueue(c.Request.Context(), missionID, queueID)
	if err != nil {
		internalError(c, err)
		return
	}
	if !removed {
		notFound(c, "queued message not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) clearQueue(c *gin.Context) {
	// mission_id narrows the clear to one mission; without it every queued
	// message is dropped.
	var missionID uuid.UUID
	if raw := c.Query("mission_id"); raw != "" {
		var err error
		missionID, err = uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid mission_id")
			return
		}
	}
	cleared, err := a.actor.ClearQueue(c.Request.Context(), missionID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cleared)
}

// streamEvents implements GET /api/control/events: an SSE feed of every
// mission's events for this actor's user
func (a *API) streamEvents(c *gin.Context) {
	running, err := a.actor.ListRunning(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	queueLen := 0
	var current *uuid.UUID
	for _, r := range running {
		queueLen += r.Queued
		if r.Primary {
			id := r.MissionID
			current = &id
		}
	}
	state := "idle"
	for _, r := range running {
		if r.Busy {
			state = "active"
			break
		}
	}

	initial := broadcast.Status{State: state, QueueLength: queueLen, CurrentMission: current}
	broadcast.StreamEvents(c, a.topic, initial, uuid.New(), a.log)
}

// --- Automations ---

func (a *API) listAutomations(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	autos, err := a.store.GetMissionAutomations(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, autos)
}

func (a *API) createAutomation(c *gin.Context) {
	id, ok := missionIDParam(c)
	if !ok {
		return
	}
	var req createAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	auto := req.toAutomation(id)
	if err := a.store.CreateAutomation(c.Request.Context(), auto); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auto)
}

func automationIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid automation id")
		return uuid.UUID{}, false
	}
	return id, true
}

func (a *API) getAutomation(c *gin.Context) {
	id, ok := automationIDParam(c)
	if !ok {
		return
	}
	auto, err := a.store.GetAutomation(c.Request.Context(), id)
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, auto)
}

func (a *API) updateAutomation(c *gin.Context) {
	id, ok := automationIDParam(c)
	if !ok {
		return
	}
	auto, err := a.store.GetAutomation(c.Request.Context(), id)
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	var req updateAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.apply(auto)
	if err := a.store.UpdateAutomation(c.Request.Context(), auto); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, auto)
}

func (a *API) deleteAutomation(c *gin.Context) {
	id, ok := automationIDParam(c)
	if !ok {
		return
	}
	if err := a.store.DeleteAutomation(c.Request.Context(), id); err != nil {
		writeStoreErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// receiveWebhook implements the unauthenticated webhook receiver:
// POST /webhook/{mission_id}/{webhook_id}, HMAC-verified against the
// automation's stored secret rather than a bearer token.
func (a *API) receiveWebhook(c *gin.Context) {
	missionID, err := uuid.Parse(c.Param("mission_id"))
	if err != nil {
		badRequest(c, "invalid mission id")
		return
	}
	webhookID := c.Param("webhook_id")

	auto, err := a.store.GetAutomationByWebhookID(c.Request.Context(), webhookID)
	if err != nil {
		writeStoreErr(c, err)
		return
	}
	if auto.MissionID != missionID || auto.Trigger.Kind != mission.TriggerWebhook {
		notFound(c, "automation not found")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}

	var secret string
	if auto.Trigger.WebhookSecret != nil {
		secret = *auto.Trigger.WebhookSecret
	}
	sig := automation.SignatureFromHeaders(c.GetHeader("X-Hub-Signature-256"), c.GetHeader("X-Webhook-Signature"))
	if !automation.VerifySignature(secret, body, sig) {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	if !auto.Active {
		c.Status(http.StatusAccepted) // inactive automations ack but don't fire
		return
	}

	if err := a.scheduler.FireWebhook(c.Request.Context(), auto, body); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
