package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/dispatch"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/protocol"
	"github.com/virelyx258/rstatus-server/internal/session"
)

// Report outcomes for metrics
const (
	reportAccepted    = "accepted"
	reportOffline     = "offline"
	reportIncomplete  = "incomplete"
	reportUnsupported = "unsupported_type"
)

// Handlers contains HTTP API handlers
type Handlers struct {
	registry   *device.Registry
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	hub        *Hub
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewHandlers creates new API handlers
func NewHandlers(deps Deps, hub *Hub, log *zap.Logger) *Handlers {
	return &Handlers{
		registry:   deps.Registry,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		hub:        hub,
		metrics:    deps.Metrics,
		log:        log,
	}
}

// Report handles POST /report
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.RecordReport(reportIncomplete)
		writeFailure(w, http.StatusBadRequest, msgIncompleteParams)
		return
	}

	upd, err := protocol.ParseReport(body)
	switch {
	case errors.Is(err, protocol.ErrUnsupportedType):
		h.metrics.RecordReport(reportUnsupported)
		writeFailure(w, http.StatusBadRequest, msgUnsupportedType)
		return
	case err != nil:
		// Bodies that are not JSON objects count as empty, as older clients expect
		h.metrics.RecordReport(reportIncomplete)
		writeFailure(w, http.StatusBadRequest, msgIncompleteParams)
		return
	}

	source := clientAddress(r)

	if upd.Action == protocol.ActionOffline {
		h.metrics.RecordReport(reportOffline)
		for _, rec := range h.registry.Remove(upd.BaseName) {
			h.log.Info("device offline (http)",
				zap.String("device", rec.DisplayName),
				zap.String("last_source", rec.Source.String()))
		}
		writeSuccess(w)
		return
	}

	h.metrics.RecordReport(reportAccepted)
	res := h.registry.Upsert(upd, source, nil)
	if res.MigratedFrom != "" {
		h.log.Info("device type changed",
			zap.String("from", res.MigratedFrom),
			zap.String("to", res.DisplayName),
			zap.String("source", source.Host))
	}
	h.log.Debug("device report (http)",
		zap.String("device", res.DisplayName),
		zap.String("status", upd.Status),
		zap.String("source", source.Host))
	writeSuccess(w)
}

// clientAddress is the request's client IP with port 0
func clientAddress(r *http.Request) device.Address {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "-"
	}
	return device.Address{Host: host}
}

// GetDevices handles GET /get_devices
func (h *Handlers) GetDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Devices())
}

// APIStatus handles GET /api/status
func (h *Handlers) APIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Status())
}

// SendMessageRequest is the body of POST /send_message. DeviceName is the
// display name, type prefix included.
type SendMessageRequest struct {
	DeviceName string `json:"device_name"`
	SenderName string `json:"sender_name"`
	Message    string `json:"message"`
}

// SendMessage handles POST /send_message
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	if !h.dispatcher.Enabled() {
		writeFailure(w, http.StatusForbidden, dispatch.ErrDisabled.Error())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, msgIncompleteParams)
		return
	}
	req.DeviceName = strings.TrimSpace(req.DeviceName)
	if req.DeviceName == "" || req.Message == "" {
		writeFailure(w, http.StatusBadRequest, msgIncompleteParams)
		return
	}

	err := h.dispatcher.Send(r.Context(), req.DeviceName, req.SenderName, req.Message)
	switch {
	case err == nil:
		writeSuccess(w)
	case errors.Is(err, dispatch.ErrDisabled):
		writeFailure(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrNotConnected):
		writeFailure(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrWriteFailed):
		writeFailure(w, http.StatusBadGateway, dispatch.ErrWriteFailed.Error())
	default:
		writeFailure(w, http.StatusInternalServerError, msgInternal)
	}
}

// Healthz handles liveness probe
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles readiness probe
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StatsResponse is the response for GET /api/v1/stats
type StatsResponse struct {
	DevicesPresent    int  `json:"devices_present"`
	DevicesConnected  int  `json:"devices_connected"`
	ConnectionsActive int  `json:"connections_active"`
	WebSocketClients  int  `json:"websocket_clients"`
	MessagingEnabled  bool `json:"messaging_enabled"`
}

// Stats handles GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		DevicesPresent:    h.registry.Count(),
		DevicesConnected:  h.registry.ConnectionCount(),
		ConnectionsActive: h.sessions.Count(),
		WebSocketClients:  h.hub.ClientCount(),
		MessagingEnabled:  h.dispatcher.Enabled(),
	})
}

// ConnectionsResponse is the response for GET /api/v1/connections
type ConnectionsResponse struct {
	Count       int                   `json:"count"`
	Connections []session.SessionInfo `json:"connections"`
}

// ListConnections handles GET /api/v1/connections
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.sessions.ListInfo()
	if conns == nil {
		conns = []session.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, ConnectionsResponse{
		Count:       len(conns),
		Connections: conns,
	})
}

// TerminateConnection handles DELETE /api/v1/connections/{id}. The device
// entries bound to the connection are dropped by its read loop.
func (h *Handlers) TerminateConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.sessions.Terminate(id) {
		writeFailure(w, http.StatusNotFound, "connection not found")
		return
	}
	h.log.Info("connection terminated by operator", zap.String("session", id))
	writeSuccess(w)
}
