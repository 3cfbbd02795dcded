package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/engine"
	"github.com/raaihank/js-sentinel/internal/export"
	"github.com/raaihank/js-sentinel/internal/finding"
	"github.com/raaihank/js-sentinel/internal/rules"
)

type ingestRequest struct {
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
}

type ingestResponse struct {
	Findings []finding.Finding `json:"findings"`
	Report   *engine.Report    `json:"report"`
	Warnings []string          `json:"warnings,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type ruleRequest struct {
	Category      string `json:"category"`
	Name          string `json:"name"`
	Pattern       string `json:"pattern"`
	CaseSensitive *bool  `json:"case_sensitive"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo reports the engine configuration and counters
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":             "js-sentinel",
		"version":          Version,
		"snapshot_version": snap.Version,
		"active_rules":     snap.Len(),
		"total_rules":      len(s.registry.Rules()),
		"categories":       len(s.registry.Categories()),
		"rule_timeout":     s.registry.MatchTimeout().String(),
		"dedup_backend":    s.config.Dedup.Backend,
		"database_enabled": s.db != nil,
		"uptime":           time.Since(s.started).Round(time.Second).String(),
		"stats":            s.coordinator.Stats(),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.SourceID) == "" {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}

	status := http.StatusOK
	resp := ingestResponse{}
	report, err := s.coordinator.IngestDetailed(r.Context(), req.SourceID, req.Content)
	if err != nil {
		// Findings accepted before the failure are still reported
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Ingestion failed",
			zap.String("source_id", req.SourceID),
			zap.Int("accepted", len(report.New)),
			zap.Error(err),
		)
		status = http.StatusInternalServerError
		resp.Error = "ingestion failed"
	}

	resp.Findings = report.New
	if resp.Findings == nil {
		resp.Findings = []finding.Finding{}
	}
	resp.Report = report
	resp.Warnings = report.WarningMessages()
	writeJSON(w, status, resp)
}

func parseFilter(r *http.Request) (finding.Filter, error) {
	q := r.URL.Query()
	flt := finding.Filter{
		Category: q.Get("category"),
		SourceID: q.Get("source"),
		Query:    q.Get("q"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return flt, fmt.Errorf("invalid limit %q", v)
		}
		flt.Limit = n
	}
	return flt, nil
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	flt, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fs, err := s.coordinator.Findings(r.Context(), flt)
	if err != nil {
		s.logger.Error("Failed to list findings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list findings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings": fs,
		"total":    len(fs),
	})
}

func (s *Server) handleClearFindings(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear findings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear findings")
		return
	}
	if s.db != nil {
		if err := s.db.ClearFindings(r.Context()); err != nil {
			s.logger.Error("Failed to clear persisted findings", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to clear persisted findings")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportFindings(w http.ResponseWriter, r *http.Request) {
	format := export.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := export.ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	flt, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fs, err := s.coordinator.Findings(r.Context(), flt)
	if err != nil {
		s.logger.Error("Failed to list findings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list findings")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="findings%s"`, format.Extension()))
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, format, fs); err != nil {
		s.logger.Error("Failed to export findings", zap.String("format", string(format)), zap.Error(err))
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	all := s.registry.Rules()
	out := make([]*rules.Rule, 0, len(all))
	for _, rule := range all {
		if category == "" || rule.Category == category {
			out = append(out, rule)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": out,
		"total": len(out),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, rules.ErrRuleNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	caseSensitive := req.CaseSensitive != nil && *req.CaseSensitive

	id, err := s.registry.Add(req.Category, req.Name, req.Pattern, caseSensitive)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	s.persistRules(r.Context())

	rule, _ := s.registry.Get(id)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, rules.ErrRuleNotFound.Error())
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if req.Name == "" {
		req.Name = existing.Name
	}
	if req.Pattern == "" {
		req.Pattern = existing.Pattern
	}
	caseSensitive := existing.CaseSensitive
	if req.CaseSensitive != nil {
		caseSensitive = *req.CaseSensitive
	}

	if err := s.registry.Update(id, req.Name, req.Pattern, caseSensitive); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.persistRules(r.Context())

	rule, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, rules.ErrRuleNotFound.Error())
		return
	}
	s.registry.Remove(id)
	s.persistRules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, ok := s.registry.Get(id); !ok {
			writeError(w, http.StatusNotFound, rules.ErrRuleNotFound.Error())
			return
		}
		s.registry.SetEnabled(id, enabled)
		s.persistRules(r.Context())

		rule, _ := s.registry.Get(id)
		writeJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats := s.registry.Categories()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"categories": cats,
		"total":      len(cats),
	})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var c rules.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if err := s.registry.AddCategory(c); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.persistRules(r.Context())

	created, _ := s.registry.Snapshot().Category(strings.TrimSpace(c.Name))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	var c rules.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	c.Name = mux.Vars(r)["name"]
	if err := s.registry.UpdateCategory(c); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.persistRules(r.Context())

	updated, _ := s.registry.Snapshot().Category(c.Name)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RemoveCategory(mux.Vars(r)["name"]); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.persistRules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
}

// statusFor maps registry errors onto HTTP status codes
func statusFor(err error) int {
	var invalid *rules.InvalidPatternError
	var dup *rules.DuplicateRuleError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &dup), errors.Is(err, rules.ErrDuplicateCategory):
		return http.StatusConflict
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, rules.ErrCategoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrBuiltInCategory):
		return http.StatusConflict
	default:
		// Remaining registry errors are input validation failures
		return http.StatusBadRequest
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
