package handler

import (
	"net/http"
	"strings"

	"github.com/zeromicro/go-zero/rest/httpx"

	"runbox/internal/service"
	appErr "runbox/pkg/errors"
)

// SubmitHandler accepts one submission; wait=true blocks until terminal.
func SubmitHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Query flags are read directly: httpx.Parse would consume the
		// JSON body before ParseJsonBody sees it.
		query := r.URL.Query()
		wait := query.Get("wait") == "true"
		useBase64 := query.Get("base64_encoded") == "true"

		var req service.SubmitRequest
		if err := httpx.ParseJsonBody(r, &req); err != nil {
			writeError(r.Context(), w, appErr.Wrap(err, appErr.InvalidParams))
			return
		}

		if wait {
			final, err := svc.SubmitAndWait(r.Context(), req)
			if err != nil {
				writeError(r.Context(), w, err)
				return
			}
			view, err := service.Render(final, service.GetOptions{Base64: useBase64})
			if err != nil {
				writeError(r.Context(), w, err)
				return
			}
			httpx.OkJsonCtx(r.Context(), w, view)
			return
		}

		sub, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		httpx.WriteJsonCtx(r.Context(), w, http.StatusCreated, service.SubmitResponse{
			Token:  sub.Token,
			Status: string(sub.Status),
		})
	}
}

type batchBody struct {
	Submissions []service.SubmitRequest `json:"submissions"`
}

// SubmitBatchHandler accepts an ordered list; per-item results preserve
// order.
func SubmitBatchHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body batchBody
		if err := httpx.ParseJsonBody(r, &body); err != nil {
			writeError(r.Context(), w, appErr.Wrap(err, appErr.InvalidParams))
			return
		}
		if len(body.Submissions) == 0 {
			writeError(r.Context(), w, appErr.ValidationError("submissions", "required"))
			return
		}
		items := svc.SubmitBatch(r.Context(), body.Submissions)
		httpx.WriteJsonCtx(r.Context(), w, http.StatusCreated, items)
	}
}

type getPath struct {
	Token  string `path:"token"`
	Fields string `form:"fields,optional"`
	Base64 bool   `form:"base64_encoded,optional"`
}

// GetHandler returns the current record for one token, interim states
// included.
func GetHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req getPath
		if err := httpx.Parse(r, &req); err != nil {
			writeError(r.Context(), w, appErr.Wrap(err, appErr.InvalidParams))
			return
		}
		sub, err := svc.Get(r.Context(), req.Token)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		view, err := service.Render(sub, service.GetOptions{
			Fields: splitFields(req.Fields),
			Base64: req.Base64,
		})
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, view)
	}
}

type getBatchQuery struct {
	Tokens string `form:"tokens"`
	Fields string `form:"fields,optional"`
	Base64 bool   `form:"base64_encoded,optional"`
}

// GetBatchHandler returns records for a comma-separated token list in the
// same order; unknown tokens are explicit nulls.
func GetBatchHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req getBatchQuery
		if err := httpx.Parse(r, &req); err != nil {
			writeError(r.Context(), w, appErr.Wrap(err, appErr.InvalidParams))
			return
		}
		tokens := splitFields(req.Tokens)
		subs, err := svc.GetBatch(r.Context(), tokens)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		opts := service.GetOptions{Fields: splitFields(req.Fields), Base64: req.Base64}
		views := make([]interface{}, len(subs))
		for i, sub := range subs {
			if sub == nil {
				views[i] = nil
				continue
			}
			view, err := service.Render(sub, opts)
			if err != nil {
				writeError(r.Context(), w, err)
				return
			}
			views[i] = view
		}
		httpx.OkJsonCtx(r.Context(), w, map[string]interface{}{"submissions": views})
	}
}

type cancelPath struct {
	Token string `path:"token"`
}

// CancelHandler cancels a non-terminal submission; on a terminal one the
// record comes back unchanged.
func CancelHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelPath
		if err := httpx.Parse(r, &req); err != nil {
			writeError(r.Context(), w, appErr.Wrap(err, appErr.InvalidParams))
			return
		}
		sub, err := svc.Cancel(r.Context(), req.Token)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		view, err := service.Render(sub, service.GetOptions{Base64: true})
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, view)
	}
}

func splitFields(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
