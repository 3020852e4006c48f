// Package api implements the HTTP surface of the control plane: mission
// CRUD and search, control-plane routing (send/cancel/resume/queue),
// automation CRUD plus the unauthenticated webhook receiver, the SSE event
// stream, and the OpenAI-compatible provider proxy.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxedsh/missionctl/internal/automation"
	"github.com/sandboxedsh/missionctl/internal/broadcast"
	"github.com/sandboxedsh/missionctl/internal/common/httpmw"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/control"
	"github.com/sandboxedsh/missionctl/internal/harness/rtkstats"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
	"github.com/sandboxedsh/missionctl/internal/proxy"
)

// API wires the Control Actor, Mission Store, Automation Scheduler,
// broadcast Topic, and Provider Proxy onto a gin router.
type API struct {
	actor     *control.Actor
	store     missionstore.Store
	scheduler *automation.Scheduler
	topic     *broadcast.Topic
	proxy     *proxy.Handler
	rtk       *rtkstats.Tracker
	log       *logger.Logger
}

// SetRTKStats wires the rtk compression tracker behind
// GET /api/control/rtk-stats. Optional; unset reports enabled=false.
func (a *API) SetRTKStats(t *rtkstats.Tracker) { a.rtk = t }

// New builds the API handler set. proxyHandler may be nil, in which case the
// /v1 provider-proxy routes are not registered (e.g. single-binary test
// setups that exercise only the control surface).
func New(actor *control.Actor, store missionstore.Store, scheduler *automation.Scheduler, topic *broadcast.Topic, proxyHandler *proxy.Handler, log *logger.Logger) *API {
	return &API{
		actor:     actor,
		store:     store,
		scheduler: scheduler,
		topic:     topic,
		proxy:     proxyHandler,
		log:       log.WithFields(),
	}
}

// Router builds the complete gin.Engine, including request logging and
// tracing middleware.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(a.log, "missionctld"))
	r.Use(httpmw.OtelTracing("missionctld"))

	a.Register(r)
	return r
}

// Register mounts every route this package serves onto an existing engine,
// for callers that want to control middleware and engine construction
// themselves; Router uses it after installing its own middleware.
func (a *API) Register(r gin.IRouter) {
	control := r.Group("/api/control")
	{
		control.POST("/message", a.sendMessage)
		control.POST("/tool-result", a.postToolResult)
		control.GET("/rtk-stats", a.getRTKStats)
		control.POST("/cancel", a.cancelMission)
		control.POST("/resume", a.resumeMission)
		control.GET("/queue", a.getQueue)
		control.DELETE("/queue/:queue_id", a.removeFromQueue)
		control.DELETE("/queue", a.clearQueue)
		control.GET("/running", a.listRunning)
		control.GET("/events", a.streamEvents)
	}

	missions := r.Group("/api/missions")
	{
		missions.GET("", a.listMissions)
		missions.POST("", a.createMission)
		missions.GET("/current", a.currentMission)
		missions.GET("/search", a.searchMissions)
		missions.GET("/moments/search", a.searchMoments)
		missions.GET("/running", a.listRunning)
		missions.POST("/cleanup-empty", a.cleanupEmptyMissions)
		missions.GET("/:id", a.getMission)
		missions.POST("/:id/load", a.loadMission)
		missions.POST("/:id/start-parallel", a.startParallel)
		missions.DELETE("/:id", a.deleteMission)
		missions.PATCH("/:id/status", a.updateMissionStatus)
		missions.PATCH("/:id/title", a.updateMissionTitle)
		missions.GET("/:id/tree", a.getMissionTree)
		missions.GET("/:id/events", a.getMissionEvents)
		missions.POST("/:id/message", a.sendMessageTo)
		missions.POST("/:id/cancel", a.cancelMissionByID)
		missions.POST("/:id/resume", a.resumeMissionByID)
		missions.GET("/:id/automations", a.listAutomations)
		missions.POST("/:id/automations", a.createAutomation)
	}

	automations := r.Group("/api/automations")
	{
		automations.GET("/:id", a.getAutomation)
		automations.PATCH("/:id", a.updateAutomation)
		automations.DELETE("/:id", a.deleteAutomation)
	}

	r.POST("/webhook/:mission_id/:webhook_id", a.receiveWebhook)

	if a.proxy != nil {
		a.proxy.Register(r.Group("/v1"))
	}
}

// startupGracePeriod is how long the HTTP server waits for in-flight
// requests to finish during shutdown, used by cmd/missionctld.
const startupGracePeriod = 10 * time.Second

// ShutdownGracePeriod is exported so cmd/missionctld can share the same
// value for http.Server.Shutdown's context deadline.
func ShutdownGracePeriod() time.Duration { return startupGracePeriod }
