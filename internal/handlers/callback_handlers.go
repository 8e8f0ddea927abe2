package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"colabora_app_echo/internal/services"
)

// CallbackHandler terminates the gateway's asynchronous notifications.
type CallbackHandler struct {
	payments *services.PaymentService
}

func NewCallbackHandler(payments *services.PaymentService) *CallbackHandler {
	return &CallbackHandler{payments: payments}
}

// RedsysCallback handles both delivery forms the gateway uses: a plain
// HTTP POST of form parameters, and a SOAP envelope that expects a
// signed SOAP acknowledgment back.
func (h *CallbackHandler) RedsysCallback(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	params := map[string]string{}
	// The callback URL itself embeds the order reference and owner ids.
	for key, values := range c.QueryParams() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEApplicationForm) {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}
		}
	}

	result, err := h.payments.ProcessGatewayNotification(c.Request().Context(), params, string(body))
	if err != nil {
		if errors.Is(err, services.ErrCallbackInFlight) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "notification already being processed")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if result.IsSOAP {
		return c.Blob(http.StatusOK, echo.MIMETextXMLCharsetUTF8, []byte(result.Ack))
	}
	return c.String(http.StatusOK, "OK")
}
