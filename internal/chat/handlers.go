package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinybrain/tabgate/internal/backend"
	"github.com/tinybrain/tabgate/internal/paywall"
	"github.com/tinybrain/tabgate/internal/validation"
)

// Request is the body of a chat turn.
type Request struct {
	Messages []backend.Message `json:"messages" binding:"required,min=1"`
}

// Handler serves the streaming chat endpoint.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a chat handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterRoutes sets up the chat route. The paywall middleware must run
// before Chat so payment or session bypass is already resolved.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, protect gin.HandlerFunc) {
	r.POST("/chat", protect, h.Chat)
}

// Chat handles POST /v1/chat, streaming the answer as server-sent
// events. Validation failures are plain JSON; once streaming starts all
// failures become in-band error events.
func (h *Handler) Chat(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "messages array is required",
		})
		return
	}
	for i, m := range req.Messages {
		req.Messages[i].Content = validation.SanitizeString(m.Content, validation.MaxStringLength)
		if m.Role == "" || req.Messages[i].Content == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "every message needs a role and content",
			})
			return
		}
	}

	out := newSSEWriter(c.Writer)
	out.PrepareHeaders()
	c.Status(http.StatusOK)

	h.pipeline.Run(c.Request.Context(), out, req.Messages, paywall.SessionToken(c))
}
