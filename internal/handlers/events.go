package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xcancloud/AngusInfra-sub001/internal/events"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
	"github.com/xcancloud/AngusInfra-sub001/pkg/response"
)

// EventHandler streams job lifecycle events as Server-Sent Events.
type EventHandler struct {
	hub *events.Hub
}

func NewEventHandler(hub *events.Hub) *EventHandler {
	return &EventHandler{hub: hub}
}

// Stream keeps the connection open and writes one SSE message per event.
// GET /api/events?job_id=7 limits the stream to one job.
func (h *EventHandler) Stream(c *gin.Context) {
	var jobID uint64
	if raw := c.Query("job_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			response.BadRequest(c, "invalid job_id")
			return
		}
		jobID = id
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	stream := h.hub.Subscribe(clientID)
	defer h.hub.Unsubscribe(clientID)

	log := logger.Component("events").With().Str("client_id", clientID).Logger()
	log.Info().Int("total", h.hub.ClientCount()).Uint64("job_id", jobID).Msg("event stream opened")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			if jobID != 0 && uint64(event.JobID) != jobID {
				return true
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Msg("marshal event")
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			return true
		case <-c.Request.Context().Done():
			log.Info().Msg("event stream closed by client")
			return false
		}
	})
}
