package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"runbox/internal/service"
)

// LanguagesHandler lists the language catalog.
func LanguagesHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.OkJsonCtx(r.Context(), w, svc.Languages())
	}
}

// StatsHandler reports the engine snapshot.
func StatsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.OkJsonCtx(r.Context(), w, svc.Stats())
	}
}

// HealthHandler reports liveness.
func HealthHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.OkJsonCtx(r.Context(), w, svc.Health())
	}
}
