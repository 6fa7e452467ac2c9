package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/api/gateway"
	"github.com/einsatzlog/etbguard/internal/auth"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Authentication

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	req.IPAddress = gateway.ClientIP(r)
	req.UserAgent = r.UserAgent()

	res, err := s.deps.Auth.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ETB backend reporting

type loginAttemptRequest struct {
	Username      string    `json:"username"`
	UserID        string    `json:"user_id"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleReportLoginAttempt(w http.ResponseWriter, r *http.Request) {
	var req loginAttemptRequest
	if !s.decode(w, r, &req) {
		return
	}
	a := &models.LoginAttempt{
		Username:      req.Username,
		UserID:        req.UserID,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		Success:       req.Success,
		FailureReason: req.FailureReason,
		Timestamp:     req.Timestamp,
	}
	if err := s.deps.Security.RecordLoginAttempt(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type eventRequest struct {
	Type      models.EventType `json:"type"`
	Severity  string           `json:"severity"`
	UserID    string           `json:"user_id"`
	Username  string           `json:"username"`
	IPAddress string           `json:"ip_address"`
	UserAgent string           `json:"user_agent"`
	Resource  string           `json:"resource"`
	Message   string           `json:"message"`
	Details   map[string]any   `json:"details"`
}

func (s *Server) handleReportEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev := &models.SecurityEvent{
		Type:      req.Type,
		UserID:    req.UserID,
		Username:  req.Username,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Resource:  req.Resource,
		Message:   req.Message,
		Details:   req.Details,
	}
	if req.Severity != "" {
		sev, err := models.ParseSeverity(req.Severity)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ev.Severity = sev
	}

	stored, err := s.deps.Security.LogEvent(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleCheckLockout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip, username := q.Get("ip"), q.Get("username")
	if ip == "" && username == "" {
		writeError(w, http.StatusBadRequest, "ip or username is required")
		return
	}

	out := map[string]bool{"ip_blocked": false, "account_locked": false}
	if ip != "" {
		blocked, err := s.deps.Lockouts.IsIPBlocked(r.Context(), ip)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out["ip_blocked"] = blocked
	}
	if username != "" {
		locked, err := s.deps.Lockouts.IsAccountLocked(r.Context(), username)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out["account_locked"] = locked
	}
	out["locked_out"] = out["ip_blocked"] || out["account_locked"]
	writeJSON(w, http.StatusOK, out)
}

// Security log

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		Username:  q.Get("username"),
		IPAddress: q.Get("ip"),
	}
	for _, t := range splitList(q["type"]) {
		f.Types = append(f.Types, models.EventType(t))
	}
	var err error
	if f.MinSeverity, err = severityParam(q.Get("min_severity")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = limitParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.deps.Events.ListEvents(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := intParam(q.Get("from"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := intParam(q.Get("to"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to != 0 && to < from {
		writeError(w, http.StatusBadRequest, "to must not be lower than from")
		return
	}

	report, err := s.deps.Security.VerifyChain(r.Context(), int64(from), int64(to))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleChainHead(w http.ResponseWriter, r *http.Request) {
	head, err := s.deps.Events.LastEvent(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if head == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sequence": 0, "hash": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sequence":  head.Sequence,
		"hash":      head.Hash,
		"event_id":  head.ID,
		"timestamp": head.Timestamp,
	})
}

func (s *Server) handleListLoginAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AttemptFilter{
		Username:  q.Get("username"),
		IPAddress: q.Get("ip"),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid success")
			return
		}
		f.Success = &b
	}
	var err error
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = limitParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := s.deps.Attempts.ListLoginAttempts(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"login_attempts": attempts, "count": len(attempts)})
}

// Lockouts

func (s *Server) handleListLockouts(w http.ResponseWriter, r *http.Request) {
	locks, err := s.deps.Lockouts.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lockouts": locks, "count": len(locks)})
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	removed, err := s.deps.Lockouts.UnblockIP(r.Context(), ip)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	s.logAdmin(r, &models.SecurityEvent{
		Type:      models.EventIPUnblocked,
		Severity:  models.SeverityMedium,
		IPAddress: ip,
		Resource:  "lockout",
		Message:   "ip unblocked by operator",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": ip})
}

func (s *Server) handleUnlockAccount(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	removed, err := s.deps.Lockouts.UnlockAccount(r.Context(), username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "account is not locked")
		return
	}
	s.logAdmin(r, &models.SecurityEvent{
		Type:     models.EventAccountUnlocked,
		Severity: models.SeverityMedium,
		Username: username,
		Resource: "lockout",
		Message:  "account unlocked by operator",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked", "username": username})
}

// logAdmin records an operator action, attributed to the token subject.
func (s *Server) logAdmin(r *http.Request, ev *models.SecurityEvent) {
	actor := auth.Actor(r.Context())
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	ev.Details["actor"] = actor
	ev.UserAgent = r.UserAgent()
	if _, err := s.deps.Security.LogEvent(r.Context(), ev); err != nil {
		s.logger.Error("Failed to log operator action",
			zap.String("type", string(ev.Type)),
			zap.String("actor", actor),
			zap.Error(err),
		)
	}
}

// Detection rules

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"path":    s.deps.Rules.Path(),
		"stats":   s.deps.Rules.Stats(),
	})
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusNotFound, "rule engine is not configured")
		return
	}
	if err := s.deps.Rules.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	stats := s.deps.Rules.Stats()
	s.logAdmin(r, &models.SecurityEvent{
		Type:     models.EventAdminAction,
		Severity: models.SeverityInfo,
		Resource: "rules",
		Message:  fmt.Sprintf("detection rules reloaded: %d loaded", stats.Loaded),
		Details:  map[string]any{"action": "reload_rules", "loaded": stats.Loaded},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "stats": stats})
}

// Alerts

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AlertFilter{
		IPAddress: q.Get("ip"),
		Username:  q.Get("username"),
	}
	for _, st := range splitList(q["status"]) {
		f.Statuses = append(f.Statuses, models.AlertStatus(st))
	}
	for _, t := range splitList(q["type"]) {
		f.Types = append(f.Types, models.AlertType(t))
	}
	var err error
	if f.MinSeverity, err = severityParam(q.Get("min_severity")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = limitParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := s.deps.Alerts.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	a, err := s.deps.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()), req.Resolution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	note := req.Note
	if note == "" {
		note = req.Resolution
	}
	a, err := s.deps.Alerts.MarkFalsePositive(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()), note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListCorrelations(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	corrs, err := s.deps.Alerts.ListCorrelations(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"correlations": corrs, "count": len(corrs)})
}

func (s *Server) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Alerts.GetCorrelation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Security.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Query parameter helpers

// splitList accepts both repeated parameters and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected RFC3339", v)
	}
	return t, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return n, nil
}

func limitParam(v string) (int, error) {
	n, err := intParam(v, defaultListLimit)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func severityParam(v string) (models.Severity, error) {
	if v == "" {
		return "", nil
	}
	return models.ParseSeverity(v)
}
