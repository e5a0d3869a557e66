package events

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunsResponse is the body of GET /runs.
type RunsResponse struct {
	Runs   []RunInfo  `json:"runs"`
	Kernel KernelInfo `json:"kernel"`
}

// RegisterRoutes mounts the run listing on api.
func RegisterRoutes(api gin.IRouter, registry *RunRegistry) {
	api.GET("/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, RunsResponse{Runs: registry.Runs(), Kernel: registry.Kernel()})
	})
}
