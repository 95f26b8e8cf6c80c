package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cmdgate/internal/audit"
	"cmdgate/internal/domain"
	"cmdgate/internal/gateway"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.authn.Authenticate(r.Context(), req.APIKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.gw.Me(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.cfg.HistoryLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subs, err := s.gw.History(r.Context(), userFrom(r.Context()).ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandText string `json:"command_text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.gw.Submit(r.Context(), userFrom(r.Context()).ID, req.CommandText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Admin ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.gw.ListRules(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req domain.RuleSpec
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.gw.AddRule(r.Context(), userFrom(r.Context()), req.Pattern, domain.Action(strings.ToUpper(string(req.Action))))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gw.DeleteRule(r.Context(), userFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.cfg.AuditLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{Actor: q.Get("actor"), ActionType: q.Get("action"), Subject: q.Get("subject")}
	entries, err := s.gw.Audit(r.Context(), userFrom(r.Context()), f, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.gw.PendingApprovals(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	decision, ok := domain.ParseDecision(chi.URLParam(r, "action"))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: action must be approve or deny", errBadRequest))
		return
	}
	res, err := s.gw.Resolve(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.gw.ListUsers(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req gateway.NewUser
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.gw.CreateUser(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Delta int64 `json:"delta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.gw.AdjustCredits(r.Context(), userFrom(r.Context()), id, req.Delta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": id, "credits": bal})
}

func pathInt(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", errBadRequest, name, raw)
	}
	return n, nil
}

// queryLimit reads ?limit=, capped at def.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return min(n, def), nil
}
