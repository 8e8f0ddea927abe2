package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CustomErrorHandler creates a custom error handler for Echo. The
// engine is an API surface only, so every error renders as JSON; the
// gateway callback route never sees HTML it could misread as an ack.
func CustomErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "Something went wrong. Please try again later."

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok && msg != "" {
			message = msg
		}
	}

	c.Logger().Error(err)

	if c.Response().Committed {
		return
	}
	if writeErr := c.JSON(code, map[string]interface{}{"error": message}); writeErr != nil {
		c.Logger().Error(writeErr)
	}
}
