package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vmpool/vmpool/pkg/engine"
)

// Response is the envelope of every API reply.
type Response struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Kind    engine.ErrorKind `json:"kind,omitempty"`
	Data    any              `json:"data"`
}

func handleSuccess(ctx *gin.Context, status int, data any) {
	if data == nil {
		data = map[string]any{}
	}
	ctx.JSON(status, Response{Code: 0, Message: "ok", Data: data})
}

// handleError replies with the status matching err's kind. data, usually the
// request as it was left, is included so callers see the recorded failure.
func handleError(ctx *gin.Context, err error, data any) {
	status := statusFor(err)
	ctx.JSON(status, Response{
		Code:    status,
		Message: err.Error(),
		Kind:    engine.KindOf(err),
		Data:    data,
	})
}

func statusFor(err error) int {
	if errors.Is(err, engine.ErrRequestNotFound) {
		return http.StatusNotFound
	}
	switch engine.KindOf(err) {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindStaleState, engine.KindCannotCancel, engine.KindWorkspaceConflict:
		return http.StatusConflict
	case engine.KindPlanRejected, engine.KindApplyFailed:
		return http.StatusUnprocessableEntity
	case engine.KindAllocation, engine.KindRunnerUnavailable:
		return http.StatusBadGateway
	case engine.KindTimeout:
		return http.StatusGatewayTimeout
	case engine.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
