package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/internal/logging"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// Side-car endpoints never fail: whatever goes wrong during parsing or
// ingestion is logged and the side-car gets a benign verdict so it polls
// again on its next cycle.

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, false)
}

// handleStatus mirrors /stats for side-cars that report without stats
// payloads during state transitions.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, true)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, statusOnly bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx := logging.WithRequestID(r.Context())
	logger := logging.FromContext(ctx, s.logger)

	var reportBody model.StatsReport
	if err := json.NewDecoder(r.Body).Decode(&reportBody); err != nil {
		logger.Warn("unreadable side-car report", zap.Error(err))
		s.writeJSON(w, http.StatusOK, model.SidecarVerdict{})
		return
	}
	if reportBody.Instance.InstanceID == "" {
		logger.Warn("side-car report without instance id")
		s.writeJSON(w, http.StatusOK, model.SidecarVerdict{})
		return
	}

	if err := s.tracker.Stats(ctx, &reportBody, reportBody.ShutdownStatus); err != nil {
		logger.Error("report ingestion failed",
			zap.String("instance", reportBody.Instance.InstanceID),
			zap.Bool("statusOnly", statusOnly),
			zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, s.verdict(r, reportBody.Instance.InstanceID))
}

// handlePoll returns the shutdown/reconfigure verdict without ingesting.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		Instance model.InstanceDetails `json:"instance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Instance.InstanceID == "" {
		s.writeJSON(w, http.StatusOK, model.SidecarVerdict{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.verdict(r, body.Instance.InstanceID))
}

// verdict drives the side-car's next action. Lookup failures degrade to the
// benign verdict.
func (s *Server) verdict(r *http.Request, instanceID string) model.SidecarVerdict {
	ctx := r.Context()
	verdict := model.SidecarVerdict{}

	shutdownMarked, err := s.shutdowns.GetShutdownStatus(ctx, instanceID)
	if err != nil {
		s.logger.Warn("shutdown marker lookup failed",
			zap.String("instance", instanceID), zap.Error(err))
	}
	verdict.Shutdown = shutdownMarked

	date, err := s.reconfigure.GetReconfigureDate(ctx, instanceID)
	if err != nil {
		s.logger.Warn("reconfigure marker lookup failed",
			zap.String("instance", instanceID), zap.Error(err))
	}
	verdict.Reconfigure = date != ""
	return verdict
}
