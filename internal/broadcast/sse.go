package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
)

// Status is the one-time initial event an SSE subscriber receives on
// connect: current control state, queue length, and the current mission.
type Status struct {
	State          string     `json:"state"`
	QueueLength    int        `json:"queue_length"`
	CurrentMission *uuid.UUID `json:"current_mission,omitempty"`
}

// sseFrame mirrors the tagged-union shape every SSE event uses: a "type"
// discriminator alongside the event-specific fields.
type sseFrame struct {
	Type string
	Data any
}

// StreamEvents drains topic into the gin response as text/event-stream,
// emitting an initial status frame, forwarding every subsequent Event, an
// "error" frame on lag, and periodic keepalive comments every
// constants.SSEKeepaliveInterval. Returns once the client disconnects or the
// topic closes.
func StreamEvents(c *gin.Context, topic *Topic, initial Status, streamID uuid.UUID, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "sse"), zap.String("stream_id", streamID.String()))
	log.Info("sse stream opened")
	defer log.Info("sse stream closed")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	writeFrame(c, sseFrame{Type: "status", Data: initial})
	c.Writer.Flush()

	sub := topic.Subscribe()
	ctx := c.Request.Context()

	// nextCh delivers events off the main goroutine so the select below can
	// race it against the keepalive ticker without blocking forever inside
	// sub.Next.
	type nextResult struct {
		ev  Event
		err error
	}
	nextCh := make(chan nextResult, 1)
	requestNext := func() {
		go func() {
			ev, err := sub.Next(ctx)
			nextCh <- nextResult{ev, err}
		}()
	}
	requestNext()

	ticker := time.NewTicker(constants.SSEKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Writer.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			c.Writer.Flush()
		case r := <-nextCh:
			switch {
			case r.err == nil:
				writeFrame(c, sseFrame{Type: r.ev.Type, Data: r.ev})
				c.Writer.Flush()
				requestNext()
			case errors.Is(r.err, ErrLagged):
				writeFrame(c, sseFrame{Type: "error", Data: gin.H{"message": ErrLagged.Error()}})
				c.Writer.Flush()
				requestNext()
			default:
				// ErrClosed, context cancellation, or any other terminal
				// condition on the subscription ends the stream.
				return
			}
		}
	}
}

func writeFrame(c *gin.Context, f sseFrame) {
	b, err := json.Marshal(f.Data)
	if err != nil {
		return
	}
	_, _ = c.Writer.Write([]byte("event: " + f.Type + "\ndata: "))
	_, _ = c.Writer.Write(b)
	_, _ = c.Writer.Write([]byte("\n\n"))
}
