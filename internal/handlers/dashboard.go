package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xcancloud/AngusInfra-sub001/internal/services"
	"github.com/xcancloud/AngusInfra-sub001/pkg/response"
)

type DashboardHandler struct {
	dashboardService *services.DashboardService
}

func NewDashboardHandler(svc *services.DashboardService) *DashboardHandler {
	return &DashboardHandler{dashboardService: svc}
}

// GetStats returns cluster-wide job and execution statistics
// GET /api/dashboard/stats
func (h *DashboardHandler) GetStats(c *gin.Context) {
	var req services.DashboardStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.dashboardService.GetStats(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidDateRange) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, resp)
}
