package repository

import (
	"github.com/memberflow/memberflow/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a payment ledger repository backed by GORM.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) GetByPaymentID(paymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("payment_id = ?", paymentID).First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// Upsert creates the row on first sighting of a processor payment id and
// updates it on every later sighting. The unique index on payment_id is
// what keeps concurrent webhook replays from duplicating rows.
func (r *paymentRepository) Upsert(payment *models.Payment) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "payment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"contact_id",
			"status",
			"description",
			"amount",
			"amount_refunded",
			"charge_date",
			"subscription_id",
			"subscription_period",
			"updated_at",
		}),
	}).Create(payment).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("payment_id = ?", payment.PaymentID).First(payment).Error
}

func (r *paymentRepository) ListByContact(contactID uint, offset, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.Where("contact_id = ?", contactID).
		Order("charge_date DESC").
		Offset(offset).Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) CountByContact(contactID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Payment{}).Where("contact_id = ?", contactID).Count(&count).Error
	return count, err
}
