package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"Oracle-Delphi/internal/agent"
	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/internal/ritual"
)

type chatRequest struct {
	Message   *string `json:"message"`
	SessionID *string `json:"session_id"`
}

type chatResponse struct {
	Response    string           `json:"response"`
	SessionID   string           `json:"session_id"`
	RitualState ritual.StateInfo `json:"ritual_state"`
}

type sessionResponse struct {
	ritual.StateInfo
	History []ritual.Event `json:"history"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	endpoints := map[string]string{
		"/chat":                 "POST",
		"/health":               "GET",
		"/sessions/{id}":        "GET, DELETE",
		"/api/v1/consultations": "GET, POST",
	}
	if s.metrics != nil {
		endpoints["/metrics"] = "GET"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      serviceName,
		"version":   serviceVersion,
		"endpoints": endpoints,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleChat 同步问询神谕，按仪式节奏返回。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if issue, ok := decodeBody(w, r, &req); !ok {
		writeValidation(w, issue)
		return
	}
	switch {
	case req.Message == nil:
		writeValidation(w, validationIssue{Loc: []string{"body", "message"}, Msg: "Field required", Type: "missing"})
		return
	case *req.Message == "":
		writeValidation(w, validationIssue{Loc: []string{"body", "message"}, Msg: "String should have at least 1 character", Type: "string_too_short"})
		return
	}
	sessionID := agent.DefaultSessionID
	if req.SessionID != nil {
		sessionID = agent.NormalizeSessionID(*req.SessionID)
	}

	if s.oracle == nil {
		writeDetail(w, http.StatusInternalServerError, s.apiKeyEnv+" not found.")
		return
	}

	answer, err := s.oracle.ConsultWithState(r.Context(), *req.Message, sessionID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			writeValidation(w, validationIssue{Loc: []string{"body", "message"}, Msg: err.Error(), Type: "value_error"})
			return
		}
		writeDetail(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Response:    answer.Response,
		SessionID:   answer.SessionID,
		RitualState: answer.RitualState,
	})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	info, history, ok := s.oracle.SessionState(mux.Vars(r)["id"])
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{StateInfo: info, History: history})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if s.oracle != nil {
		if err := s.oracle.ClearSession(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody 解析 JSON 请求体，失败时返回 422 所需的描述。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) (validationIssue, bool) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return validationIssue{Loc: []string{"body"}, Msg: "Field required", Type: "missing"}, false
		case errors.As(err, &maxErr):
			return validationIssue{Loc: []string{"body"}, Msg: "request body too large", Type: "too_long"}, false
		default:
			return validationIssue{Loc: []string{"body"}, Msg: "JSON decode error: " + err.Error(), Type: "json_invalid"}, false
		}
	}
	return validationIssue{}, true
}
