package routes

import (
	"fmt"

	"github.com/compozy/taskvisor/engine/core"
)

// Version returns the current API version string used in routing (e.g., "v0").
func Version() string {
	return core.GetVersion()
}

// Base returns the versioned API base path (e.g., "/api/v0").
func Base() string {
	return fmt.Sprintf("/api/%s", Version())
}

// Tasks returns the tasks base path (e.g., "/api/v0/tasks").
func Tasks() string {
	return Base() + "/tasks"
}

// Health is the unversioned liveness path.
func Health() string {
	return "/health"
}

// HealthVersioned returns the versioned health path (e.g., "/api/v0/health").
func HealthVersioned() string {
	return Base() + "/health"
}
