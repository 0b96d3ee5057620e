package repository

import (
	"time"

	"github.com/memberflow/memberflow/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type providerDataRepository struct {
	db *gorm.DB
}

// NewProviderDataRepository creates a provider data repository backed by GORM.
func NewProviderDataRepository(db *gorm.DB) ProviderDataRepository {
	return &providerDataRepository{db: db}
}

func (r *providerDataRepository) GetByContactID(contactID uint) (*models.PaymentProviderData, error) {
	var data models.PaymentProviderData
	err := r.db.Where("contact_id = ?", contactID).First(&data).Error
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *providerDataRepository) GetBySubscriptionID(provider, subscriptionID string) (*models.PaymentProviderData, error) {
	var data models.PaymentProviderData
	err := r.db.Where("provider = ? AND subscription_id = ?", provider, subscriptionID).First(&data).Error
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *providerDataRepository) GetByMandateID(provider, mandateID string) (*models.PaymentProviderData, error) {
	var data models.PaymentProviderData
	err := r.db.Where("provider = ? AND mandate_id = ?", provider, mandateID).First(&data).Error
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *providerDataRepository) GetByCustomerID(provider, customerID string) (*models.PaymentProviderData, error) {
	var data models.PaymentProviderData
	err := r.db.Where("provider = ? AND customer_id = ?", provider, customerID).First(&data).Error
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *providerDataRepository) Save(data *models.PaymentProviderData) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "contact_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"customer_id",
			"mandate_id",
			"subscription_id",
			"pay_fee",
			"cancelled_at",
			"next_monthly_amount",
			"next_chargeable_amount",
			"updated_at",
		}),
	}).Create(data).Error; err != nil {
		return err
	}

	return r.db.Where("contact_id = ?", data.ContactID).First(data).Error
}

// UnlinkSubscription drops the subscription link after the processor
// reports it gone. Payment history is left untouched.
func (r *providerDataRepository) UnlinkSubscription(contactID uint, cancelledAt time.Time) error {
	return r.db.Model(&models.PaymentProviderData{}).
		Where("contact_id = ?", contactID).
		Updates(map[string]interface{}{
			"subscription_id":        "",
			"cancelled_at":           &cancelledAt,
			"next_monthly_amount":    nil,
			"next_chargeable_amount": nil,
		}).Error
}

// UnlinkMandate clears only the stored payment method id; subscription
// state is untouched and a later operation surfaces the missing method.
func (r *providerDataRepository) UnlinkMandate(contactID uint) error {
	return r.db.Model(&models.PaymentProviderData{}).
		Where("contact_id = ?", contactID).
		Update("mandate_id", "").Error
}
