// Package main is the entry point for missionctld, the mission control
// plane daemon: it wires the Control Actor, Mission Runner factory, Harness
// Adapter, Mission Store, Metadata Refresher, Automation Scheduler,
// Provider Proxy, SSE Fan-out, Event Logger, and Desktop session hub onto a
// single HTTP server: load config, build infrastructure bottom-up, serve,
// wait on a signal, shut down in reverse order.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxedsh/missionctl/internal/api"
	"github.com/sandboxedsh/missionctl/internal/automation"
	"github.com/sandboxedsh/missionctl/internal/automation/library"
	"github.com/sandboxedsh/missionctl/internal/broadcast"
	"github.com/sandboxedsh/missionctl/internal/common/config"
	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/database"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/common/tracing"
	"github.com/sandboxedsh/missionctl/internal/control"
	"github.com/sandboxedsh/missionctl/internal/events/bus"
	"github.com/sandboxedsh/missionctl/internal/desktop"
	"github.com/sandboxedsh/missionctl/internal/eventlog"
	"github.com/sandboxedsh/missionctl/internal/harness"
	"github.com/sandboxedsh/missionctl/internal/harness/rtkstats"
	"github.com/sandboxedsh/missionctl/internal/mcpserver"
	"github.com/sandboxedsh/missionctl/internal/metadata"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
	"github.com/sandboxedsh/missionctl/internal/missionstore/sqlstore"
	"github.com/sandboxedsh/missionctl/internal/proxy"
	"github.com/sandboxedsh/missionctl/internal/runner"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting missionctld")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userID := os.Getenv("MISSIONCTL_USER_ID")
	if userID == "" {
		userID = "default"
	}

	// 3. Mission Store: sqlite/postgres via sqlx, or in-memory.
	store, err := openStore(cfg, userID)
	if err != nil {
		log.Fatal("failed to open mission store", zap.Error(err))
	}
	defer store.Close()
	log.Info("mission store opened", zap.String("type", cfg.Mission.StoreType), zap.Bool("persistent", store.IsPersistent()))

	// 4. Broadcast Topic (SSE fan-out) and Event Logger. Background loops
	// run under one errgroup so a panic-free exit of any loop is observed
	// at shutdown rather than silently lost.
	topic := broadcast.NewTopic(constants.BroadcastChannelSize)
	bg, bgCtx := errgroup.WithContext(ctx)

	evLog := eventlog.New(store, topic, log)
	bg.Go(func() error {
		evLog.Run(bgCtx)
		return nil
	})

	// Event bus bridge: mirror broadcast events onto the bus so fan-out
	// consumers in other processes (a separate SSE tier, audit pipelines)
	// see the same stream. In-memory by default; NATS when configured.
	eventBus, err := openEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to open event bus", zap.Error(err))
	}
	defer eventBus.Close()
	bg.Go(func() error {
		runBusBridge(bgCtx, topic, eventBus, log)
		return nil
	})

	// 5. Control Actor and Mission Runner factory.
	var actor *control.Actor
	sink := &topicContentSink{topic: topic}
	rtkTracker := rtkstats.NewTracker()

	newRunner := func(rctx context.Context, m *mission.Mission) (control.Runner, error) {
		h, err := harness.New(cfg, m, sink, harness.Deps{ToolHub: actor.ToolHub(), RTK: rtkTracker}, log)
		if err != nil {
			return nil, fmt.Errorf("build harness: %w", err)
		}
		return runner.New(rctx, m, h, actor, log)
	}

	actor = control.New(userID, store, newRunner, cfg.Mission.MaxParallelMissions, cfg.Mission.StaleMissionHours, log)
	actor.SetEventPublisher(topicPublisher{topic: topic})
	actor.SetWorkspaceRoot(func(missionID uuid.UUID) string {
		return harness.WorkspaceDir(cfg.Mission, missionID.String())
	})

	actor.SetMetadataRefresher(metadata.New(store, log))

	workingDirOf := func(m *mission.Mission) string {
		return harness.WorkspaceDir(cfg.Mission, m.ID.String())
	}
	libLoader := library.FileLoader{Root: filepath.Join(cfg.Mission.WorkingDir, "automations", "library")}
	actor.SetAgentFinishedResolver(func(actx context.Context, m *mission.Mission) []control.AgentFinishedFiring {
		firings := automation.ResolveAgentFinishedFirings(actx, store, m, libLoader, readLocalFile, workingDirOf, log)
		out := make([]control.AgentFinishedFiring, 0, len(firings))
		for _, f := range firings {
			out = append(out, control.AgentFinishedFiring{AutomationID: f.AutomationID, Content: f.Content})
		}
		return out
	})

	desktopHub := desktop.NewHub(store, log)
	bg.Go(func() error {
		desktopHub.Run(bgCtx)
		return nil
	})
	actor.SetDesktopSessionCloser(desktopHub)

	actor.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), api.ShutdownGracePeriod())
		defer stopCancel()
		if err := actor.Stop(stopCtx); err != nil {
			log.Error("control actor stop error", zap.Error(err))
		}
	}()

	// 6. Automation Scheduler.
	githubChecker := automation.HTTPGitHubChecker{Token: os.Getenv("GITHUB_TOKEN")}
	scheduler := automation.New(store, actor, libLoader, githubChecker, readLocalFile, workingDirOf, log)
	bg.Go(func() error {
		scheduler.Run(bgCtx)
		return nil
	})
	log.Info("automation scheduler started")

	// 7. Provider Proxy (OpenAI-compatible failover waterfall).
	var proxyHandler *proxy.Handler
	if cfg.Proxy.Secret != "" {
		proxyHandler = proxy.NewHandler(store, cfg.Proxy.Secret, log)
	} else {
		log.Warn("proxy.secret not configured: /v1 provider proxy routes disabled")
	}

	// 8. HTTP API: control routing, mission CRUD, automations, SSE, proxy.
	apiHandler := api.New(actor, store, scheduler, topic, proxyHandler, log)
	apiHandler.SetRTKStats(rtkTracker)
	router := apiHandler.Router()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "missionctld"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("missionctld listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 9. Optional MCP server exposing mission-control tools to external agents.
	var mcp *mcpserver.Server
	if portStr := os.Getenv("MISSIONCTL_MCP_PORT"); portStr != "" {
		mcpPort, err := strconv.Atoi(portStr)
		if err != nil {
			log.Warn("invalid MISSIONCTL_MCP_PORT, mcp server disabled", zap.String("value", portStr))
		} else {
			mcp = mcpserver.New(mcpserver.Config{Port: mcpPort, BaseURL: fmt.Sprintf("http://%s", addr)})
			if err := mcp.Start(ctx); err != nil {
				log.Error("mcp server failed to start", zap.Error(err))
				mcp = nil
			}
		}
	}

	// 10. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down missionctld")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), api.ShutdownGracePeriod())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if mcp != nil {
		if err := mcp.Stop(shutdownCtx); err != nil {
			log.Error("mcp server shutdown error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	if err := bg.Wait(); err != nil {
		log.Error("background loop error", zap.Error(err))
	}

	log.Info("missionctld stopped")
}

// openEventBus selects the broadcast-mirror backend: NATS when a URL is
// configured, the in-process bus otherwise.
func openEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		return bus.NewNATSEventBus(cfg.NATS, log)
	}
	return bus.NewMemoryEventBus(log), nil
}

// runBusBridge republishes every broadcast event onto the event bus under
// missions.events.{mission_id} until ctx is cancelled.
func runBusBridge(ctx context.Context, topic *broadcast.Topic, eventBus bus.EventBus, log *logger.Logger) {
	sub := topic.Subscribe()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrLagged) {
				log.Warn("event bus bridge lagged behind broadcast, continuing")
				continue
			}
			return
		}
		subject := "missions.events." + ev.MissionID.String()
		payload := map[string]any{"mission_id": ev.MissionID.String(), "payload": ev.Payload}
		if err := eventBus.Publish(ctx, subject, bus.NewEvent(ev.Type, "missionctld", payload)); err != nil {
			log.Warn("event bus publish failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func openStore(cfg *config.Config, userID string) (missionstore.Store, error) {
	if cfg.Mission.StoreType == "memory" {
		return memstore.New(), nil
	}
	db, err := database.OpenSQL(cfg.Database, cfg.SQLitePath(userID))
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	return sqlstore.New(db)
}

func readLocalFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// topicContentSink forwards streamed harness output (assistant content,
// tool activity) onto the broadcast Topic, using the kind the harness
// passes (content, thinking, tool_call, ...) as the event type, so SSE
// subscribers see partial output while a turn is in flight rather than only
// the final result once the turn completes.
type topicContentSink struct {
	topic *broadcast.Topic
}

func (s *topicContentSink) PublishContent(missionID, kind, text string) {
	id, err := uuid.Parse(missionID)
	if err != nil {
		return
	}
	s.topic.Publish(broadcast.Event{
		Type:      kind,
		MissionID: id,
		Payload:   text,
	})
}

// topicPublisher adapts broadcast.Topic to control.EventPublisher.
type topicPublisher struct {
	topic *broadcast.Topic
}

func (p topicPublisher) Publish(ev control.BroadcastEvent) {
	p.topic.Publish(broadcast.Event{Type: ev.Type, MissionID: ev.MissionID, Payload: ev.Payload})
}
