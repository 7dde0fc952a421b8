package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/connection"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK

	if s.deps.Connection != nil {
		state := s.deps.Connection.Status().State
		report["connection"] = state
		if state != connection.StateActive.String() {
			report["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Health != nil {
		if health, ok := s.deps.Health.Status(); ok {
			report["vm_service"] = health
			if !health.IsHealthy {
				report["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}
	writeJSON(w, status, report)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connection == nil {
		writeError(w, http.StatusServiceUnavailable, "connection manager is not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Connection.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry is not available")
		return
	}
	body := map[string]interface{}{
		"stats": s.deps.Registry.Stats(),
	}
	if s.deps.Passes != nil {
		passes := map[string]interface{}{
			"in_flight": s.deps.Passes.InFlight(),
		}
		if last := s.deps.Passes.LastAttempt(); !last.IsZero() {
			passes["last_attempt"] = last
		}
		if result, ok := s.deps.Passes.LastResult(); ok {
			passes["last_result"] = result
		}
		body["registration"] = passes
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry is not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.deps.Registry.ListTools()})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry is not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": s.deps.Registry.ListResources()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "registration is not available")
		return
	}
	result, err := s.deps.Trigger.Trigger(r.Context(), "manual")
	switch {
	case errors.Is(err, registry.ErrRegistrationInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNoActiveConnection):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Warn("manual registration failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry is not available")
		return
	}
	appID := mux.Vars(r)["appId"]
	app, ok := s.deps.Registry.App(appID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown app "+appID)
		return
	}

	var tools []string
	for _, e := range s.deps.Registry.ListTools() {
		if e.OwnerAppID == appID {
			tools = append(tools, e.Tool.Name)
		}
	}
	var resources []string
	for _, e := range s.deps.Registry.ListResources() {
		if e.OwnerAppID == appID {
			resources = append(resources, e.Resource.URI)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app":       app,
		"tools":     tools,
		"resources": resources,
	})
}

func (s *Server) handleUnregisterApp(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry is not available")
		return
	}
	appID := mux.Vars(r)["appId"]
	tools, resources := s.deps.Registry.UnregisterApp(appID)
	if tools+resources == 0 {
		writeError(w, http.StatusNotFound, "no entries for app "+appID)
		return
	}
	if s.deps.Passes != nil {
		s.deps.Passes.NotifyListChanged("api")
	}
	s.logger.Info("unregistered app", zap.String("app_id", appID), zap.Int("tools", tools), zap.Int("resources", resources))
	writeJSON(w, http.StatusOK, map[string]int{
		"tools_removed":     tools,
		"resources_removed": resources,
	})
}
