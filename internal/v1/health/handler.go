// Package health serves the liveness and readiness probes. Liveness is a bare
// process check; readiness verifies the snapshot directory is writable and
// the cross-instance bus answers a ping.
package health

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/bus"
	"github.com/driftdoc/relay/internal/v1/logging"
)

// Handler serves the health check endpoints.
type Handler struct {
	bus      *bus.Service
	storeDir string
}

// NewHandler builds the handler. A nil bus means single-instance mode and an
// empty storeDir means persistence is disabled; both count as healthy.
func NewHandler(busService *bus.Service, storeDir string) *Handler {
	return &Handler{bus: busService, storeDir: storeDir}
}

// LivenessResponse is the body of the liveness probe.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body of the readiness probe.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"bus":   h.checkBus(ctx),
		"store": h.checkStore(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkBus verifies Redis connectivity with a ping.
func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkStore proves the snapshot directory is still writable. A relay that
// cannot persist should stop taking traffic before documents exist in memory
// only.
func (h *Handler) checkStore(ctx context.Context) string {
	if h.storeDir == "" {
		return "healthy"
	}
	probe := filepath.Join(h.storeDir, ".ready-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	_ = os.Remove(probe)
	return "healthy"
}
