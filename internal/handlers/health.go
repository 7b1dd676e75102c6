package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the database, the trigger queue and
// the local scheduler node.
type HealthHandler struct {
	db        *gorm.DB
	node      string
	queueMode string
	stats     PoolStats
}

// PoolStats is the view of the shard worker pool shown in health output.
type PoolStats interface {
	Size() int
	QueueDepth() int
	Busy() int
}

func NewHealthHandler(db *gorm.DB, node string, asyncQueue bool, stats PoolStats) *HealthHandler {
	mode := "sync"
	if asyncQueue {
		mode = "async (Redis)"
	}
	return &HealthHandler{db: db, node: node, queueMode: mode, stats: stats}
}

// CheckHealth returns the health status of all subsystems.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := 200

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		status = 503
	}

	components := gin.H{
		"database":   dbStatus,
		"queue_mode": h.queueMode,
		"node_id":    h.node,
	}
	if h.stats != nil {
		components["shard_pool"] = gin.H{
			"size":        h.stats.Size(),
			"queue_depth": h.stats.QueueDepth(),
			"busy":        h.stats.Busy(),
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "jobcore",
		"components": components,
	})
}
