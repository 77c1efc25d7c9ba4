package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

// clientClosedRequest is logged for requests the client abandoned; it is never written.
const clientClosedRequest = 499

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidQuery):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrRetrievalUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrGenerationProvider):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrContextOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return clientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, mapErrorToHTTPStatus(err), domain.ErrorCode(err), domain.UserMessage(err))
}
