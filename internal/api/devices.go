package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/twinline-core/internal/audit"
	"github.com/nerrad567/twinline-core/internal/command"
	"github.com/nerrad567/twinline-core/internal/device"
	"github.com/nerrad567/twinline-core/internal/fleet"
	"github.com/nerrad567/twinline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/twinline-core/internal/twin"
)

// Fleet views accepted by GET /devices?view=.
const (
	viewAll     = "all"
	viewRunning = "running"
	viewStopped = "stopped"
)

// commandResponse is the body returned by the command endpoint.
type commandResponse struct {
	Device string `json:"device"`
	Method string `json:"method"`
	Status int    `json:"status"`
}

// handleListDevices returns a fleet view.
//
// Query parameters:
//   - view: all (default), running or stopped
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []fleet.DeviceStatus
	switch view := r.URL.Query().Get("view"); view {
	case "", viewAll:
		devices = s.fleet.All()
	case viewRunning:
		devices = s.fleet.Running()
	case viewStopped:
		devices = s.fleet.Stopped()
	default:
		writeBadRequest(w, "view must be one of all, running, stopped")
		return
	}
	if devices == nil {
		devices = []fleet.DeviceStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one device's fleet status.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deviceStatus(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleStartDevice starts a device's reconciler. Starting a running
// device is a no-op.
func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.fleet.Start(name); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("starting device", "device", name, "error", err)
		s.auditLog(r, audit.ActionDeviceStart, name, "", audit.OutcomeFailure, map[string]any{"error": err.Error()})
		writeInternalError(w, "failed to start device")
		return
	}
	s.logger.Info("device start requested", "device", name, "by", claimsFrom(r.Context()).Subject)
	s.auditLog(r, audit.ActionDeviceStart, name, "", audit.OutcomeSuccess, nil)

	st, err := s.fleet.State(name)
	if err != nil {
		writeInternalError(w, "failed to read device state")
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// handleStopDevice stops a device's reconciler and waits for it to drain.
// Stopping a stopped device is a no-op.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deviceStatus(w, r)
	if !ok {
		return
	}
	name := st.Device.Name
	if err := s.fleet.Stop(r.Context(), name); err != nil {
		s.logger.Error("stopping device", "device", name, "error", err)
		s.auditLog(r, audit.ActionDeviceStop, name, "", audit.OutcomeFailure, map[string]any{"error": err.Error()})
		writeInternalError(w, "failed to stop device")
		return
	}
	s.logger.Info("device stopped", "device", name, "by", claimsFrom(r.Context()).Subject)
	s.auditLog(r, audit.ActionDeviceStop, name, "", audit.OutcomeSuccess, nil)

	if st, ok = s.deviceStatus(w, r); ok {
		writeJSON(w, http.StatusOK, st)
	}
}

// handleGetTwin returns the device's twin document. The document etag is
// also sent in the ETag header.
func (s *Server) handleGetTwin(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deviceStatus(w, r)
	if !ok {
		return
	}

	doc, err := s.twins.Get(r.Context(), st.Device.RemoteID)
	if err != nil {
		s.logger.Error("reading twin", "device", st.Device.Name, "error", err)
		writeInternalError(w, "failed to read twin")
		return
	}
	w.Header().Set("ETag", strconv.Quote(doc.ETag))
	writeJSON(w, http.StatusOK, doc)
}

// handlePatchDesired merges a JSON object into the twin's desired
// properties. If-Match makes the write conditional; without it the write
// is unconditional.
func (s *Server) handlePatchDesired(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deviceStatus(w, r)
	if !ok {
		return
	}

	var patch twin.Properties
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeBadRequest(w, "body must be a JSON object")
		return
	}

	etag := parseIfMatch(r.Header.Get("If-Match"))
	newTag, err := s.twins.UpdateDesired(r.Context(), st.Device.RemoteID, patch, etag)
	if err != nil {
		switch {
		case errors.Is(err, twin.ErrConflict):
			s.auditLog(r, audit.ActionTwinDesired, st.Device.Name, "", audit.OutcomeFailure, map[string]any{"error": "etag mismatch"})
			writeError(w, http.StatusPreconditionFailed, ErrCodePrecondition, "twin has changed")
		case errors.Is(err, twin.ErrInvalidPatch):
			writeBadRequest(w, err.Error())
		default:
			s.logger.Error("updating desired properties", "device", st.Device.Name, "error", err)
			writeInternalError(w, "failed to update twin")
		}
		return
	}

	s.logger.Info("desired properties updated", "device", st.Device.Name, "keys", len(patch),
		"by", claimsFrom(r.Context()).Subject)
	s.auditLog(r, audit.ActionTwinDesired, st.Device.Name, "", audit.OutcomeSuccess, map[string]any{"patch": patch})
	w.Header().Set("ETag", strconv.Quote(newTag))
	writeJSON(w, http.StatusOK, map[string]string{"etag": newTag})
}

// parseIfMatch returns the etag of an If-Match header, or twin.AnyETag.
func parseIfMatch(h string) string {
	h = strings.TrimSpace(h)
	if h == "" || h == "*" {
		return twin.AnyETag
	}
	h = strings.TrimPrefix(h, "W/")
	if unq, err := strconv.Unquote(h); err == nil {
		return unq
	}
	return h
}

// handleInvoke calls a device method and returns its status. The request
// body, if any, is forwarded as the method payload.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.invoker == nil {
		writeUnavailable(w, "command channel not configured")
		return
	}
	st, ok := s.deviceStatus(w, r)
	if !ok {
		return
	}
	method := chi.URLParam(r, "method")
	if !mqtt.ValidSegment(method) {
		writeBadRequest(w, "invalid method name")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			writeBadRequest(w, "body must be JSON")
			return
		}
		payload = json.RawMessage(body)
	}

	status, err := s.invoker.Invoke(r.Context(), st.Device.RemoteID, method, payload)
	if err != nil {
		s.auditLog(r, audit.ActionCommandInvoke, st.Device.Name, "", audit.OutcomeFailure,
			map[string]any{"method": method, "error": err.Error()})
		switch {
		case errors.Is(err, command.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "device did not respond")
		case errors.Is(err, command.ErrInvalidRequest):
			writeBadRequest(w, err.Error())
		default:
			s.logger.Error("invoking method", "device", st.Device.Name, "method", method, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeInternal, "command failed")
		}
		return
	}

	s.logger.Info("method invoked", "device", st.Device.Name, "method", method, "status", status,
		"by", claimsFrom(r.Context()).Subject)
	outcome := audit.OutcomeSuccess
	if status != command.StatusOK {
		outcome = audit.OutcomeFailure
	}
	s.auditLog(r, audit.ActionCommandInvoke, st.Device.Name, "", outcome, map[string]any{"method": method, "status": status})
	writeJSON(w, http.StatusOK, commandResponse{Device: st.Device.Name, Method: method, Status: status})
}

// deviceStatus resolves the {name} parameter, writing a 404 when unknown.
func (s *Server) deviceStatus(w http.ResponseWriter, r *http.Request) (fleet.DeviceStatus, bool) {
	st, err := s.fleet.State(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return fleet.DeviceStatus{}, false
		}
		writeInternalError(w, "failed to read device state")
		return fleet.DeviceStatus{}, false
	}
	return st, true
}
