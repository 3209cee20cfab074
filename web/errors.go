package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/RezaEskandarii/txlock/internal/editlock"
	"github.com/RezaEskandarii/txlock/internal/orders"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Code   int          `json:"code"`
	Holder *HolderError `json:"holder,omitempty"`
}

// HolderError tells the client who is editing a resource.
type HolderError struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// writeError maps domain errors onto status codes.
func (h *HttpRouteHandler) writeError(c echo.Context, err error) error {
	resp := ErrorResponse{Error: err.Error()}

	var conflict *editlock.ConflictError
	switch {
	case errors.As(err, &conflict):
		resp.Code = http.StatusConflict
		resp.Holder = &HolderError{
			UserID:      conflict.HolderID,
			DisplayName: conflict.HolderName,
			LockedAt:    conflict.LockedAt,
			ExpiresAt:   conflict.ExpiresAt,
		}
	case errors.Is(err, twophase.ErrAcquisitionTimeout):
		resp.Code = http.StatusServiceUnavailable
		c.Response().Header().Set("Retry-After", "1")
	case errors.Is(err, twophase.ErrInvalidRequest), errors.Is(err, orders.ErrInvalidOrder):
		resp.Code = http.StatusBadRequest
	case errors.Is(err, store.ErrOrderNotFound):
		resp.Code = http.StatusNotFound
	default:
		resp.Code = http.StatusInternalServerError
		resp.Error = "internal error"
		h.logger.ErrorContext(c.Request().Context(), "request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(resp.Code, resp)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: http.StatusBadRequest})
}
