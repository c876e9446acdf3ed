package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"runbox/internal/service"
)

// RegisterHandlers wires the HTTP surface onto the rest server.
func RegisterHandlers(server *rest.Server, svc *service.Service) {
	server.AddRoutes([]rest.Route{
		{Method: http.MethodPost, Path: "/submissions", Handler: SubmitHandler(svc)},
		{Method: http.MethodPost, Path: "/submissions/batch", Handler: SubmitBatchHandler(svc)},
		{Method: http.MethodGet, Path: "/submissions", Handler: GetBatchHandler(svc)},
		{Method: http.MethodGet, Path: "/submissions/:token", Handler: GetHandler(svc)},
		{Method: http.MethodDelete, Path: "/submissions/:token", Handler: CancelHandler(svc)},
		{Method: http.MethodGet, Path: "/languages", Handler: LanguagesHandler(svc)},
		{Method: http.MethodGet, Path: "/stats", Handler: StatsHandler(svc)},
		{Method: http.MethodGet, Path: "/health", Handler: HealthHandler(svc)},
	})
}
