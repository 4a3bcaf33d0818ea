package api

import (
	"net/http"

	"github.com/rs/cors"
)

// newCORS 允许任意来源携带凭据访问，来源会被回显而不是写成通配符。
func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowCredentials: true,
		AllowedMethods: []string{
			http.MethodDelete, http.MethodGet, http.MethodHead, http.MethodOptions,
			http.MethodPatch, http.MethodPost, http.MethodPut,
		},
		AllowedHeaders:       []string{"*"},
		MaxAge:               600,
		OptionsSuccessStatus: http.StatusNoContent,
	})
}
