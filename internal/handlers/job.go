package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xcancloud/AngusInfra-sub001/internal/schedule"
	"github.com/xcancloud/AngusInfra-sub001/internal/services"
	"github.com/xcancloud/AngusInfra-sub001/pkg/response"
)

type JobHandler struct {
	jobService *services.JobService
	async      bool
}

func NewJobHandler(jobService *services.JobService, queue services.TriggerQueue) *JobHandler {
	return &JobHandler{jobService: jobService, async: queue != nil && queue.IsAsync()}
}

// List returns paginated jobs
// GET /api/jobs
func (h *JobHandler) List(c *gin.Context) {
	var req services.JobListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.jobService.List(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paged(c, resp.Items, resp.Total, resp.Page, resp.PageSize)
}

// GetByID returns a job by ID
// GET /api/jobs/:id
func (h *JobHandler) GetByID(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.jobService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, job)
}

// Create registers a new job
// POST /api/jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req services.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	job, err := h.jobService.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Created(c, job)
}

// Pause stops scheduling a job
// POST /api/jobs/:id/pause
func (h *JobHandler) Pause(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.jobService.Pause(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, job)
}

// Resume schedules a paused job again
// POST /api/jobs/:id/resume
func (h *JobHandler) Resume(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.jobService.Resume(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, job)
}

// Trigger makes a job due immediately
// POST /api/jobs/:id/trigger
func (h *JobHandler) Trigger(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.jobService.Trigger(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	if h.async {
		response.Accepted(c, gin.H{"job_id": id, "queued": true})
		return
	}
	response.Success(c, gin.H{"job_id": id, "queued": false})
}

// Delete removes a job with its shards and history
// DELETE /api/jobs/:id
func (h *JobHandler) Delete(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.jobService.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "job deleted successfully"})
}

// History returns a job's execution log, newest first
// GET /api/jobs/:id/history
func (h *JobHandler) History(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.jobService.History(c.Request.Context(), id, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Paged(c, entries, total, page, pageSize)
}

// Stats returns aggregated execution statistics of a job
// GET /api/jobs/:id/stats
func (h *JobHandler) Stats(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	stats, err := h.jobService.Stats(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, stats)
}

// Shards returns the shard rows of a job's latest sharded cycle
// GET /api/jobs/:id/shards
func (h *JobHandler) Shards(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	shards, err := h.jobService.Shards(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, shards)
}

// Lock returns the lease currently held on a job
// GET /api/jobs/:id/lock
func (h *JobHandler) Lock(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	status, err := h.jobService.Lock(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, status)
}

// Executors lists the registered executors
// GET /api/executors
func (h *JobHandler) Executors(c *gin.Context) {
	response.Success(c, h.jobService.Executors())
}

// SweepLocks deletes expired leases
// POST /api/locks/sweep
func (h *JobHandler) SweepLocks(c *gin.Context) {
	n, err := h.jobService.SweepLocks(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"deleted": n})
}

func parseJobID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid job id")
		return 0, false
	}
	return uint(id), true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		response.Error(c, response.WithStatus(http.StatusNotFound, err))
	case errors.Is(err, services.ErrDuplicateJob), errors.Is(err, services.ErrInvalidState):
		response.Error(c, response.WithStatus(http.StatusConflict, err))
	case errors.Is(err, services.ErrInvalidJob), errors.Is(err, schedule.ErrInvalidExpression):
		response.Error(c, response.WithStatus(http.StatusBadRequest, err))
	case errors.Is(err, services.ErrNoProcessor):
		response.Error(c, response.WithStatus(http.StatusServiceUnavailable, err))
	default:
		response.Error(c, err)
	}
}
