package api

import (
	"encoding/json"
	"net/http"

	xerrors "Oracle-Delphi/internal/errors"
)

// validationIssue 与常见 Python API 框架的 422 返回结构保持一致。
type validationIssue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeValidation(w http.ResponseWriter, issues ...validationIssue) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": issues})
}

// writeError 根据错误码选择状态码。
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.HTTPStatusOf(err), map[string]any{
		"detail": err.Error(),
		"code":   string(xerrors.CodeOf(err)),
	})
}
