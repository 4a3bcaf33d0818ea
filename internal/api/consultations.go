package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"Oracle-Delphi/internal/consultation"
)

func (s *Server) requireConsultations(w http.ResponseWriter) bool {
	if s.consultations == nil {
		writeDetail(w, http.StatusServiceUnavailable, "异步问询未启用")
		return false
	}
	return true
}

func (s *Server) handleSubmitConsultation(w http.ResponseWriter, r *http.Request) {
	if !s.requireConsultations(w) {
		return
	}
	var req consultation.Request
	if issue, ok := decodeBody(w, r, &req); !ok {
		writeValidation(w, issue)
		return
	}
	c, err := s.consultations.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) handleGetConsultation(w http.ResponseWriter, r *http.Request) {
	if !s.requireConsultations(w) {
		return
	}
	c, err := s.consultations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListConsultations(w http.ResponseWriter, r *http.Request) {
	if !s.requireConsultations(w) {
		return
	}
	opts, issue, ok := parseListOptions(r)
	if !ok {
		writeValidation(w, issue)
		return
	}
	items, err := s.consultations.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": items, "count": len(items)})
}

func (s *Server) handleConsultationStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireConsultations(w) {
		return
	}
	opts, issue, ok := parseListOptions(r)
	if !ok {
		writeValidation(w, issue)
		return
	}
	stats, err := s.consultations.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 将查询参数转换为过滤条件。
func parseListOptions(r *http.Request) ([]consultation.ListOption, validationIssue, bool) {
	q := r.URL.Query()
	var opts []consultation.ListOption

	intParam := func(name string, apply func(int) consultation.ListOption) bool {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return true
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		opts = append(opts, apply(v))
		return true
	}
	if !intParam("limit", consultation.WithLimit) {
		return nil, queryIssue("limit", "Input should be a valid integer", "int_parsing"), false
	}
	if !intParam("offset", consultation.WithOffset) {
		return nil, queryIssue("offset", "Input should be a valid integer", "int_parsing"), false
	}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []consultation.Status
		for _, part := range strings.Split(raw, ",") {
			status := consultation.Status(strings.ToLower(strings.TrimSpace(part)))
			if !consultation.IsValidStatus(status) {
				return nil, queryIssue("status", "unknown status "+part, "enum"), false
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, consultation.WithStatuses(statuses...))
	}
	if v := q.Get("session_id"); v != "" {
		opts = append(opts, consultation.WithSession(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, consultation.WithQuery(v))
	}
	if raw := q.Get("has_result"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, queryIssue("has_result", "Input should be a valid boolean", "bool_parsing"), false
		}
		opts = append(opts, consultation.WithResultPresence(v))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, queryIssue("updated_since", "Input should be unix seconds", "int_parsing"), false
		}
		opts = append(opts, consultation.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, consultation.WithSortOrder(consultation.SortByUpdatedAsc))
	}
	return opts, validationIssue{}, true
}

func queryIssue(name, msg, typ string) validationIssue {
	return validationIssue{Loc: []string{"query", name}, Msg: msg, Type: typ}
}
