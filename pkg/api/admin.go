package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// handleGroups serves the collection: list and reset.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	all, err := s.groups.GetAllGroups(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

// handleGroupSubtree routes /groups/<name>[/<action>] by hand; the mux has
// no path parameters.
func (s *Server) handleGroupSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/groups/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	if len(parts) == 1 && parts[0] == "reset" {
		s.handleReset(w, r)
		return
	}
	name := parts[0]
	if name == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleGroup(w, r, name)
	case len(parts) == 2 && parts[1] == "desired":
		s.handleDesired(w, r, name)
	case len(parts) == 2 && parts[1] == "scaling-activities":
		s.handleScalingActivities(w, r, name)
	case len(parts) == 2 && parts[1] == "report":
		s.handleReport(w, r, name)
	case len(parts) == 2 && parts[1] == "audit":
		s.handleAudit(w, r, name)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "launch-protected":
		s.handleLaunchProtected(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		group, err := s.groups.GetGroup(ctx, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, group)

	case http.MethodPut:
		var group model.InstanceGroup
		if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
			s.writeError(w, apierr.NewValidation("unreadable group body: %v", err))
			return
		}
		if group.Name != name {
			s.writeError(w, apierr.NewValidation("path name %q does not match body name %q", name, group.Name))
			return
		}
		if err := s.groups.UpsertGroup(ctx, &group); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, &group)

	case http.MethodDelete:
		if err := s.groups.DeleteGroup(ctx, name); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDesired(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var update groups.DesiredUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, apierr.NewValidation("unreadable desired body: %v", err))
		return
	}
	group, err := s.groups.SetDesired(r.Context(), name, update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleScalingActivities(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var update groups.ScalingActivitiesUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, apierr.NewValidation("unreadable scaling-activities body: %v", err))
		return
	}
	group, err := s.groups.SetScalingActivities(r.Context(), name, update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleLaunchProtected(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req groups.LaunchProtectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.NewValidation("unreadable launch-protected body: %v", err))
		return
	}
	group, err := s.groups.LaunchProtected(r.Context(), name, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.groups.Reset(r.Context(), s.seeds); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	group, err := s.groups.GetGroup(ctx, name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The cloud listing is best effort: a provider outage degrades the
	// report to tracker-only instead of failing it.
	var cloudInstances []model.CloudInstance
	if s.scaling != nil {
		cloudInstances, err = s.scaling.Enumerate(ctx, group, s.strategy)
		if err != nil {
			s.logger.Warn("cloud enumeration for report failed",
				zap.String("group", name), zap.Error(err))
			cloudInstances = nil
		}
	}

	result, err := s.reporter.GenerateReport(ctx, name, cloudInstances)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	record, err := s.audit.GenerateAudit(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}
