package api

import (
	"errors"
	"net/http"

	"ChartSync/internal/domain/models"
	xhttp "ChartSync/pkg/http"
)

// toAppError maps the domain error taxonomy onto HTTP statuses.
func toAppError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, models.ErrUnknownTimeframe):
		return xhttp.NewAppError("ERR_UNKNOWN_TIMEFRAME", "timeframe", err.Error(), http.StatusBadRequest).WithError(err)
	case errors.Is(err, models.ErrNoData):
		return xhttp.NotFoundErrorf("%v", err).WithError(err)
	case errors.Is(err, models.ErrTransport), errors.Is(err, models.ErrMalformedMessage):
		return xhttp.BadGatewayErrorf("%v", err).WithError(err)
	case errors.Is(err, models.ErrSessionClosed):
		return xhttp.UnavailableErrorf("%v", err).WithError(err)
	default:
		return xhttp.InternalErrorf("%v", err).WithError(err)
	}
}
