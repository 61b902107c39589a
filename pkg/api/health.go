package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kiln-sh/kiln/pkg/types"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleHealthz reports liveness plus a snapshot of pool occupancy. The
// endpoint stays 200 while the process can serve; an empty pool is
// reported but is not a failure, since workers spawn on demand.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{},
	}

	if s.pool != nil {
		counts, waiting := s.pool.Snapshot()
		resp.Checks["pool"] = fmt.Sprintf(
			"ready=%d provisioning=%d assigned=%d waiting=%d",
			counts[types.StateReady],
			counts[types.StateProvisioning],
			counts[types.StateAssigned],
			waiting,
		)
	}

	writeJSON(w, http.StatusOK, resp)
}
