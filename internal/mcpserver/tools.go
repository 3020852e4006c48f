package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
)

// registerTools exposes the mission control plane's routing surface to
// external MCP clients (e.g. an editor's agent panel, a CI bot): list
// missions, send a follow-up, cancel, resume, and inspect the pending
// queue. Every tool is a thin HTTP call against missionctld's own REST API
// (cfg.BaseURL) rather than a direct call into the domain layer, so the MCP
// surface and the HTTP surface can never disagree.
func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_missions",
			mcp.WithDescription("List missions known to the control plane. Use this first to find a mission_id for other tools."),
			mcp.WithString("limit", mcp.Description("Maximum number of missions to return (default 50)")),
		),
		listMissionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_mission",
			mcp.WithDescription("Fetch one mission's status, title, and conversation history."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID")),
		),
		getMissionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a follow-up prompt to a mission. If the mission's runner is already mid-turn, the message is queued and delivered once the current turn completes."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The message content")),
		),
		sendMessageHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_mission",
			mcp.WithDescription("Cancel a mission's in-flight turn and drop any queued follow-ups."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID")),
		),
		cancelMissionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("resume_mission",
			mcp.WithDescription("Resume an interrupted, blocked, or failed mission, reacquiring a runner for it."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID")),
		),
		resumeMissionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_queue",
			mcp.WithDescription("Inspect a mission's pending message queue (follow-ups waiting for the current turn to finish)."),
			mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID")),
		),
		getQueueHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func apiGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func apiPost(ctx context.Context, url string, payload any) (*http.Response, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func toolResultFromResponse(resp *http.Response) (*mcp.CallToolResult, error) {
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("request failed with status %d", resp.StatusCode)), nil
		}
		return mcp.NewToolResultText("ok"), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("api error (%d): %s", resp.StatusCode, string(result))), nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listMissionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetString("limit", "50")
		url := fmt.Sprintf("%s/api/missions?limit=%s", cfg.BaseURL, limit)
		resp, err := apiGet(ctx, url)
		if err != nil {
			log.Error("failed to list missions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to list missions: %v", err)), nil
		}
		return toolResultFromResponse(resp)
	}
}

func getMissionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		url := fmt.Sprintf("%s/api/missions/%s", cfg.BaseURL, missionID)
		resp, err := apiGet(ctx, url)
		if err != nil {
			log.Error("failed to fetch mission", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to fetch mission: %v", err)), nil
		}
		return toolResultFromResponse(resp)
	}
}

func sendMessageHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/missions/%s/message", cfg.BaseURL, missionID)
		resp, err := apiPost(ctx, url, map[string]string{"content": content, "user_id": "mcp"})
		if err != nil {
			log.Error("failed to send message", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("api error (%d)", resp.StatusCode)), nil
		}
		return mcp.NewToolResultText("message delivered"), nil
	}
}

func cancelMissionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		url := fmt.Sprintf("%s/api/missions/%s/cancel", cfg.BaseURL, missionID)
		resp, err := apiPost(ctx, url, nil)
		if err != nil {
			log.Error("failed to cancel mission", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to cancel mission: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("api error (%d)", resp.StatusCode)), nil
		}
		return mcp.NewToolResultText("mission cancelled"), nil
	}
}

func resumeMissionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		url := fmt.Sprintf("%s/api/missions/%s/resume", cfg.BaseURL, missionID)
		resp, err := apiPost(ctx, url, nil)
		if err != nil {
			log.Error("failed to resume mission", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to resume mission: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("api error (%d)", resp.StatusCode)), nil
		}
		return mcp.NewToolResultText("mission resumed"), nil
	}
}

func getQueueHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		url := fmt.Sprintf("%s/api/control/queue?mission_id=%s", cfg.BaseURL, missionID)
		resp, err := apiGet(ctx, url)
		if err != nil {
			log.Error("failed to fetch queue", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to fetch queue: %v", err)), nil
		}
		return toolResultFromResponse(resp)
	}
}
