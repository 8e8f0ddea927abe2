package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"colabora_app_echo/internal/models"
	"colabora_app_echo/internal/services"
)

// TaskHandler is the function signature for a task handler. It takes
// the task row itself so handlers can reach arguments and retry policy.
type TaskHandler func(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error)

// cycleMonthArg resolves the cycle month from the task arguments,
// defaulting to the current month.
func cycleMonthArg(task models.ScheduledTask) (time.Time, error) {
	raw, ok := task.Arguments["month"].(string)
	if !ok || raw == "" {
		now := time.Now()
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}
	month, err := time.Parse("2006-01", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cycle month %q: %w", raw, err)
	}
	return month, nil
}

// ChargeBankCycleTaskDef moves the month's new bank orders into the
// charging state ahead of the debit batch.
type ChargeBankCycleTaskDef struct{}

func (t *ChargeBankCycleTaskDef) TaskID() string {
	return "charge_bank_cycle"
}

func (t *ChargeBankCycleTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	month, err := cycleMonthArg(task)
	if err != nil {
		return nil, err
	}

	batch := services.NewBatchService(db, log.New("batch"))
	moved, err := batch.MarkCycleCharging(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("failed to mark cycle charging: %w", err)
	}

	return map[string]interface{}{
		"status":   "success",
		"cycle":    month.Format("2006-01"),
		"charging": moved,
	}, nil
}

// ChargeBankCycleTask is the singleton instance of ChargeBankCycleTaskDef
var ChargeBankCycleTask = &ChargeBankCycleTaskDef{}

// ReconcileBankCycleTaskDef settles the month's charging bank orders
// once the bank confirmed the batch.
type ReconcileBankCycleTaskDef struct{}

func (t *ReconcileBankCycleTaskDef) TaskID() string {
	return "reconcile_bank_cycle"
}

func (t *ReconcileBankCycleTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	month, err := cycleMonthArg(task)
	if err != nil {
		return nil, err
	}

	batch := services.NewBatchService(db, log.New("batch"))
	moved, err := batch.MarkCyclePaid(ctx, month, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to settle cycle: %w", err)
	}

	return map[string]interface{}{
		"status": "success",
		"cycle":  month.Format("2006-01"),
		"paid":   moved,
	}, nil
}

// ReconcileBankCycleTask is the singleton instance of ReconcileBankCycleTaskDef
var ReconcileBankCycleTask = &ReconcileBankCycleTaskDef{}

// ChargeCardRenewalsTaskDef direct-charges the month's due card
// renewals against their stored tokens.
type ChargeCardRenewalsTaskDef struct{}

func (t *ChargeCardRenewalsTaskDef) TaskID() string {
	return "charge_card_renewals"
}

func (t *ChargeCardRenewalsTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	month, err := cycleMonthArg(task)
	if err != nil {
		return nil, err
	}

	logger := log.New("renewals")
	redsys, err := services.NewRedsysService(services.RedsysConfigFromEnv(), logger)
	if err != nil {
		return nil, fmt.Errorf("gateway configuration: %w", err)
	}
	batch := services.NewBatchService(db, logger)
	payments := services.NewPaymentService(db, nil, redsys, logger)

	orders, err := batch.SelectDueCardRenewals(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("failed to select renewals: %w", err)
	}

	charged := 0
	failed := 0
	var failures []string
	for _, order := range orders {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		settled, err := payments.ChargeRenewal(ctx, order.ID)
		if err != nil || settled == nil || !settled.IsPaid() {
			failed++
			failures = append(failures, fmt.Sprintf("order %d: %v", order.ID, err))
			continue
		}
		charged++
	}

	result := map[string]interface{}{
		"status":  "success",
		"cycle":   month.Format("2006-01"),
		"charged": charged,
		"failed":  failed,
	}
	if len(failures) > 0 {
		result["failures"] = failures
	}
	return result, nil
}

// ChargeCardRenewalsTask is the singleton instance of ChargeCardRenewalsTaskDef
var ChargeCardRenewalsTask = &ChargeCardRenewalsTaskDef{}
