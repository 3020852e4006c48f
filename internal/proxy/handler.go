package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Handler wires the OpenAI-compatible proxy surface onto a
// gin RouterGroup: POST /v1/chat/completions, GET /v1/models.
type Handler struct {
	store     missionstore.Store
	health    *HealthTracker
	forwarder *Forwarder
	secret    string
	log       *logger.Logger
}

// NewHandler builds a proxy Handler. secret is the bearer token compared
// (constant-time) against every request's Authorization header.
func NewHandler(store missionstore.Store, secret string, log *logger.Logger) *Handler {
	health := NewHealthTracker()
	return &Handler{
		store:     store,
		health:    health,
		forwarder: NewForwarder(health, log),
		secret:    secret,
		log:       log.WithFields(),
	}
}

// Register mounts the proxy routes on group, with bearer authentication
// applied ahead of both handlers.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.Use(h.authenticate)
	group.POST("/chat/completions", h.ChatCompletions)
	group.GET("/models", h.ListModels)
}

func (h *Handler) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || !constantTimeEqual(token, h.secret) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ChatCompletions implements POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	model, _ := body["model"].(string)
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	entries, err := ResolveChain(c.Request.Context(), h.store, h.health, model)
	if err == ErrUnknownModel {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model: " + model})
		return
	}
	if err != nil {
		h.log.Warn("resolve chain failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	stream, _ := body["stream"].(bool)

	if !stream {
		resp, err := h.forwarder.Chat(c.Request.Context(), entries, body)
		if err != nil {
			h.writeExhaustion(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", resp)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	var flush func()
	if flusher != nil {
		flush = flusher.Flush
	}

	if err := h.forwarder.Stream(c.Request.Context(), entries, body, c.Writer, flush); err != nil {
		if _, ok := err.(*ExhaustionError); ok {
			// Headers are already committed once streaming starts; signal the
			// failure as a best-effort SSE error frame instead of a status code.
			_, _ = c.Writer.Write([]byte("data: {\"error\":{\"message\":\"" + err.Error() + "\"}}\n\n"))
			return
		}
		h.log.Warn("stream forwarding failed", zap.Error(err))
	}
}

func (h *Handler) writeExhaustion(c *gin.Context, err error) {
	ex, ok := err.(*ExhaustionError)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(ex.Status, gin.H{"error": gin.H{"message": ex.Message}})
}

// modelEntry mirrors OpenAI's GET /v1/models list-item shape.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels implements GET /v1/models, listing every registered virtual
// model name from the chain store.
func (h *Handler) ListModels(c *gin.Context) {
	chains, err := h.store.ListChains(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	data := make([]modelEntry, 0, len(chains))
	for _, chain := range chains {
		data = append(data, modelEntry{ID: chain.VirtualModel, Object: "model", OwnedBy: "missionctl"})
	}
	out, _ := json.Marshal(gin.H{"object": "list", "data": data})
	c.Data(http.StatusOK, "application/json", out)
}
