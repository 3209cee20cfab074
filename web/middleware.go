package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// UserHeader carries the caller identity. Authentication happens in front
// of this service.
const UserHeader = "X-User-ID"

const userKey = "user_id"

// requireUser rejects requests without a user id and stores it on the
// context for handlers and logs.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := strings.TrimSpace(c.Request().Header.Get(UserHeader))
		if userID == "" {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: "missing " + UserHeader + " header",
				Code:  http.StatusUnauthorized,
			})
		}
		c.Set(userKey, userID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.With(req.Context(), "user_id", userID)))
		return next(c)
	}
}

func currentUser(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.ErrorContext(c.Request().Context(), "request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.DebugContext(c.Request().Context(), "request", attrs...)
			return nil
		},
	})
}
