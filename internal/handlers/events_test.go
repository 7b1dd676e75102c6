package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xcancloud/AngusInfra-sub001/internal/events"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

// streamRecorder adds the CloseNotifier that gin's Stream expects.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func TestEventStream_FiltersByJob(t *testing.T) {
	hub := events.NewHub()
	r := gin.New()
	r.GET("/events", NewEventHandler(hub).Stream)

	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	done := make(chan struct{})
	go func() {
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events?job_id=1", nil))
		close(done)
	}()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(events.Event{Type: events.TypeCycleStarted, JobID: 1, JobName: "wanted", Status: models.JobStatusRunning})
	hub.Publish(events.Event{Type: events.TypeCycleStarted, JobID: 2, JobName: "other"})
	hub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end after hub close")
	}

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: cycle_started\ndata: ")
	assert.Contains(t, body, `"job_name":"wanted"`)
	assert.NotContains(t, body, `"job_name":"other"`)
}

func TestEventStream_InvalidJobID(t *testing.T) {
	r := gin.New()
	r.GET("/events", NewEventHandler(events.NewHub()).Stream)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events?job_id=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
