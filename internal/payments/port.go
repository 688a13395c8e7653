package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Port is what the consultation lifecycle asks about money: has this
// consultation been paid for. Delivery guarantees, retries, and refunds
// live with the gateway, not here.
type Port interface {
	ChargeConfirmed(ctx context.Context, consultationID uuid.UUID) (bool, error)
}

// DBPort answers from payment rows.
type DBPort struct{ db *gorm.DB }

func NewDBPort(db *gorm.DB) *DBPort { return &DBPort{db: db} }

func (p *DBPort) ChargeConfirmed(ctx context.Context, consultationID uuid.UUID) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&models.Payment{}).
		Where("consultation_id = ? AND status = ?", consultationID, models.PayPaid).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
