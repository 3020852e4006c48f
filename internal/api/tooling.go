package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxedsh/missionctl/internal/control"
)

// postToolResult resolves a frontend-delegated tool call
// (POST /api/control/tool-result). The harness side may not have registered
// its waiter yet; the hub parks early answers, so this always succeeds.
func (a *API) postToolResult(c *gin.Context) {
	var req control.FrontendToolResult
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.ToolCallID == "" {
		badRequest(c, "tool_call_id is required")
		return
	}
	delivered := a.actor.ToolHub().Resolve(req)
	c.JSON(http.StatusOK, gin.H{"ok": true, "delivered": delivered})
}

// getRTKStats reports cumulative rtk compression savings
// (GET /api/control/rtk-stats). With no tracker wired the response still
// carries enabled=false so clients need no special case.
func (a *API) getRTKStats(c *gin.Context) {
	if a.rtk == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, a.rtk.Snapshot())
}
