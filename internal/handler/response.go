package handler

import (
	"context"
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	appErr "runbox/pkg/errors"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details interface{}      `json:"details,omitempty"`
}

// writeError renders a coded error with its mapped HTTP status.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	coded := appErr.GetError(err)
	body := errorBody{
		Code:    coded.Code,
		Message: coded.Error(),
	}
	if len(coded.Details) > 0 {
		body.Details = coded.Details
	}
	httpx.WriteJsonCtx(ctx, w, coded.Code.HTTPStatus(), body)
}
