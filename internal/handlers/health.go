package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Counter reports the number of live sessions.
type Counter interface {
	Len() int
}

// Health handles GET /healthz.
func Health(sessions Counter) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": sessions.Len(),
		})
	}
}
