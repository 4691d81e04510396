package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/audit"
	"github.com/vaultgate/vaultgate/internal/metrics"
	"github.com/vaultgate/vaultgate/internal/middleware"
	"github.com/vaultgate/vaultgate/internal/notifications"
	"github.com/vaultgate/vaultgate/internal/settings"
	"github.com/vaultgate/vaultgate/internal/settingsmeta"
)

const (
	maxUpdateBodyBytes = 1 << 20
	maskedValue        = "********"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// MetaResponse lists the settings metadata table
type MetaResponse struct {
	Settings []settingsmeta.Meta `json:"settings"`
}

// AuditResponse lists recent setting changes
type AuditResponse struct {
	Events []*audit.Record `json:"events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.settingsManager.ListGrouped(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list settings")
		s.writeError(w, "failed to list settings", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, settings.FetchResponse{Settings: catalog})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	setting, err := s.settingsManager.GetSetting(r.Context(), key)
	if errors.Is(err, settings.ErrSettingNotFound) {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to get setting")
		s.writeError(w, "failed to get setting", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleSettingsMeta(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, MetaResponse{Settings: s.meta.All()})
}

func (s *Server) handleBulkUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Settings) == 0 {
		s.writeError(w, settings.ErrNoChanges.Error(), http.StatusBadRequest)
		return
	}

	for _, c := range req.Settings {
		if strings.TrimSpace(c.Key) == "" {
			s.writeError(w, "setting key must not be empty", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	actor := middleware.GetActor(ctx)

	updated, previous, err := s.settingsManager.BulkUpdateWithPrevious(ctx, req.Settings, actor)
	switch {
	case err == nil:
		s.metricsManager.RecordSettingsUpdate(len(req.Settings), metrics.OutcomeSuccess)
	case errors.Is(err, settings.ErrSettingNotFound):
		s.metricsManager.RecordSettingsUpdate(len(req.Settings), metrics.OutcomeNotFound)
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, settings.ErrInvalidValue):
		s.metricsManager.RecordSettingsUpdate(len(req.Settings), metrics.OutcomeInvalid)
		s.writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	default:
		s.metricsManager.RecordSettingsUpdate(len(req.Settings), metrics.OutcomeError)
		s.logger.WithError(err).Error("Bulk settings update failed")
		s.writeError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}

	if s.auditManager != nil {
		s.recordAudit(r, actor, updated, previous)
	}
	s.notifyUpdated(r, actor, updated)

	s.writeJSON(w, http.StatusOK, settings.UpdateResponse{Updated: updated})
}

// recordAudit stores one event per updated key. Secret values are masked.
// A failure here is logged; the update itself has already committed.
func (s *Server) recordAudit(r *http.Request, actor string, updated []settings.Setting, previous map[string]string) {
	events := make([]audit.Event, 0, len(updated))
	for _, u := range updated {
		ev := audit.Event{
			Actor:      actor,
			Action:     audit.ActionSettingUpdated,
			SettingKey: u.Key,
			RemoteAddr: r.RemoteAddr,
			RequestID:  middleware.GetRequestID(r.Context()),
		}
		if old, ok := previous[u.Key]; ok {
			old = s.maskSecret(u.Key, old)
			ev.OldValue = &old
		}
		ev.NewValue = s.maskSecret(u.Key, u.Value)
		events = append(events, ev)
	}

	if err := s.auditManager.Record(r.Context(), events); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"count": len(events),
			"actor": actor,
		}).Error("Settings updated but audit trail write failed")
	}
}

func (s *Server) notifyUpdated(r *http.Request, actor string, updated []settings.Setting) {
	changes := make([]notifications.Change, 0, len(updated))
	for _, u := range updated {
		changes = append(changes, notifications.Change{Key: u.Key, Value: s.maskSecret(u.Key, u.Value)})
	}
	s.notifier.NotifySettingsUpdated(r.Context(), actor, middleware.GetRequestID(r.Context()), changes)
}

// maskSecret hides values of secret settings outside the settings table
func (s *Server) maskSecret(key, value string) string {
	if m, ok := s.meta.Get(key); ok && m.InputType == settingsmeta.InputSecret {
		return maskedValue
	}
	return value
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditManager == nil {
		s.writeError(w, "audit trail is disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	filters := audit.Filters{
		SettingKey: q.Get("key"),
		Actor:      q.Get("actor"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filters.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		filters.Since = since
	}

	records, err := s.auditManager.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, "failed to list audit events", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	s.writeJSON(w, http.StatusOK, AuditResponse{Events: records})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
