package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"colabora_app_echo/internal/models"
	"colabora_app_echo/internal/services"
)

// BatchHandler exposes the operator surface of the monthly bank debit
// cycles and manual return/charge actions.
type BatchHandler struct {
	batch    *services.BatchService
	payments *services.PaymentService
	cache    *services.RedisCache
}

func NewBatchHandler(batch *services.BatchService, payments *services.PaymentService, cache *services.RedisCache) *BatchHandler {
	return &BatchHandler{batch: batch, payments: payments, cache: cache}
}

func cycleMonthParam(c echo.Context) (time.Time, error) {
	month, err := time.Parse("2006-01", c.Param("month"))
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "cycle month must look like 2006-01")
	}
	return month, nil
}

// ListCycleOrders lists the bank orders still due for a cycle month.
func (h *BatchHandler) ListCycleOrders(c echo.Context) error {
	month, err := cycleMonthParam(c)
	if err != nil {
		return err
	}

	orders, err := services.GetOrSet(h.cache, c.Request().Context(), "cycle:due:"+c.Param("month"), time.Minute,
		func() ([]models.Order, error) {
			return h.batch.SelectDueBankOrders(c.Request().Context(), month)
		})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list cycle orders")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cycle":  month.Format("2006-01"),
		"orders": orders,
	})
}

// ChargeCycle bulk-moves the cycle's new bank orders into charging.
func (h *BatchHandler) ChargeCycle(c echo.Context) error {
	month, err := cycleMonthParam(c)
	if err != nil {
		return err
	}
	moved, err := h.batch.MarkCycleCharging(c.Request().Context(), month)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to mark cycle charging")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cycle": month.Format("2006-01"), "charging": moved})
}

type paidRequest struct {
	Date string `json:"date"` // 2006-01-02, defaults to today
}

// SettleCycle settles the cycle's charging bank orders as paid.
func (h *BatchHandler) SettleCycle(c echo.Context) error {
	month, err := cycleMonthParam(c)
	if err != nil {
		return err
	}

	var req paidRequest
	_ = c.Bind(&req)
	date := time.Now()
	if req.Date != "" {
		date, err = time.Parse("2006-01-02", req.Date)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must look like 2006-01-02")
		}
	}

	moved, err := h.batch.MarkCyclePaid(c.Request().Context(), month, date)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to settle cycle")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cycle": month.Format("2006-01"), "paid": moved})
}

type returnRequest struct {
	Code string `json:"code"`
}

// ReturnOrder applies a SEPA return code to a single order, the manual
// entry point for return files ingested by hand.
func (h *BatchHandler) ReturnOrder(c echo.Context) error {
	var orderID uint
	if err := echo.PathParamsBinder(c).Uint("id", &orderID).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}

	var req returnRequest
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing return code")
	}

	order, err := h.payments.ProcessBankReturn(c.Request().Context(), orderID, req.Code)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process return")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"order":   order,
		"message": order.ErrorMessage(),
	})
}

// ChargeRenewal direct-charges one card renewal order.
func (h *BatchHandler) ChargeRenewal(c echo.Context) error {
	var orderID uint
	if err := echo.PathParamsBinder(c).Uint("id", &orderID).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}

	order, err := h.payments.ChargeRenewal(c.Request().Context(), orderID)
	if err != nil {
		if order == nil {
			return echo.NewHTTPError(renewalFailureStatus(err), err.Error())
		}
		// The charge settled as an error; report the outcome.
		return c.JSON(http.StatusOK, map[string]interface{}{
			"order":   order,
			"message": order.ErrorMessage(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"order": order})
}

// renewalFailureStatus maps a charge attempt that produced no outcome
// to the status the caller should see: the gateway being unreachable is
// the only upstream failure, everything else is a bad request against
// the order's current state.
func renewalFailureStatus(err error) int {
	var transport *services.GatewayTransportError
	switch {
	case errors.As(err, &transport):
		return http.StatusBadGateway
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}
