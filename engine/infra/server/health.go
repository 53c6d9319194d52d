package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/compozy/taskvisor/pkg/version"
)

const (
	statusReady    = "ready"
	statusDraining = "draining"
)

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	LiveTasks int            `json:"live_tasks"`
	Tasks     map[string]int `json:"tasks"`
}

func (s *Server) healthHandler(c *gin.Context) {
	counts := make(map[string]int)
	for _, snap := range s.supervisor.List() {
		counts[string(snap.State)]++
	}
	resp := HealthResponse{
		Status:    statusReady,
		Version:   version.Get().Version,
		LiveTasks: len(s.supervisor.Live()),
		Tasks:     counts,
	}
	code := http.StatusOK
	if !s.IsReady() {
		resp.Status = statusDraining
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"data":    resp,
		"message": "Success",
	})
}
