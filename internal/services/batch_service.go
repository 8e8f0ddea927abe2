package services

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"colabora_app_echo/internal/models"
)

// BatchService runs the bulk transitions of a monthly bank debit
// cycle. Each phase is one cycle-wide transaction: either every order
// of the cycle moves, or none does.
type BatchService struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewBatchService(db *gorm.DB, logger *log.Logger) *BatchService {
	return &BatchService{db: db, logger: logger}
}

// cycleBounds returns the first instants of the cycle month and of the
// following month.
func cycleBounds(month time.Time) (time.Time, time.Time) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	return start, start.AddDate(0, 1, 0)
}

// bankOrdersInCycle scopes a query to the bank-rail orders of a cycle
// month. Soft-deleted rows are excluded by the default GORM scope.
func (s *BatchService) bankOrdersInCycle(tx *gorm.DB, month time.Time) *gorm.DB {
	start, end := cycleBounds(month)
	return tx.Model(&models.Order{}).
		Where("payment_rail <> ?", models.PaymentRailCreditCard).
		Where("payable_at >= ? AND payable_at < ?", start, end)
}

// SelectDueBankOrders lists the new bank-rail orders of a cycle month,
// the set the next charging phase would pick up.
func (s *BatchService) SelectDueBankOrders(ctx context.Context, month time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.bankOrdersInCycle(s.db.WithContext(ctx), month).
		Where("status = ?", models.OrderStatusNew).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// MarkCycleCharging bulk-moves the cycle's new bank orders into the
// charging state in a single atomic write, ahead of the debit batch
// leaving for the bank.
func (s *BatchService) MarkCycleCharging(ctx context.Context, month time.Time) (int64, error) {
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := s.bankOrdersInCycle(tx, month).
			Where("status = ?", models.OrderStatusNew).
			Update("status", models.OrderStatusCharging)
		moved = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.Infoj(log.JSON{"event": "cycle_charging", "cycle": month.Format("2006-01"), "orders": moved})
	return moved, nil
}

// MarkCyclePaid settles the cycle's charging bank orders. The owning
// collaborations are confirmed first, while the orders still read as
// charging: the aggregation has to see the pre-transition state.
// Orders already returned or in error for the cycle are left alone.
func (s *BatchService) MarkCyclePaid(ctx context.Context, month time.Time, date time.Time) (int64, error) {
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parentIDs []uint
		if err := s.bankOrdersInCycle(tx, month).
			Where("status = ?", models.OrderStatusCharging).
			Where("parent_kind = ?", models.ParentKindCollaboration).
			Distinct().
			Pluck("parent_id", &parentIDs).Error; err != nil {
			return err
		}

		if len(parentIDs) > 0 {
			if err := tx.Model(&models.Collaboration{}).
				Where("id IN ?", parentIDs).
				Where("status = ?", models.CollaborationStatusUnconfirmed).
				Update("status", models.CollaborationStatusOK).Error; err != nil {
				return err
			}
		}

		res := s.bankOrdersInCycle(tx, month).
			Where("status = ?", models.OrderStatusCharging).
			Updates(map[string]interface{}{
				"status":  models.OrderStatusPaid,
				"paid_at": date,
			})
		moved = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.Infoj(log.JSON{"event": "cycle_paid", "cycle": month.Format("2006-01"), "orders": moved, "paid_at": date.Format("2006-01-02")})
	return moved, nil
}

// SelectDueCardRenewals lists the chargeable card-rail renewal orders
// of a cycle month, the set the renewal sweep will direct-charge.
func (s *BatchService) SelectDueCardRenewals(ctx context.Context, month time.Time) ([]models.Order, error) {
	start, end := cycleBounds(month)
	var orders []models.Order
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("payment_rail = ?", models.PaymentRailCreditCard).
		Where("payable_at >= ? AND payable_at < ?", start, end).
		Where("status = ?", models.OrderStatusNew).
		Where("first = ?", false).
		Order("id").
		Find(&orders).Error
	return orders, err
}
