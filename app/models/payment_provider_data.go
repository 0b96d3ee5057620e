package models

import "time"

// PaymentProviderData holds the processor-side identifiers for one contact.
// Exactly one row per contact, tagged with the owning provider. The row is
// owned by the contribution lifecycle engine; nothing else mutates it.
type PaymentProviderData struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	ContactID            uint       `gorm:"not null;uniqueIndex" json:"contact_id"`
	Provider             string     `gorm:"type:varchar(20);not null" json:"provider"`
	CustomerID           string     `gorm:"type:varchar(191);index;default:''" json:"customer_id"`
	MandateID            string     `gorm:"type:varchar(191);default:''" json:"mandate_id"`
	SubscriptionID       string     `gorm:"type:varchar(191);index;default:''" json:"subscription_id"`
	PayFee               bool       `gorm:"default:false" json:"pay_fee"`
	CancelledAt          *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	NextMonthlyAmount    *float64   `gorm:"default:null" json:"next_monthly_amount,omitempty"`
	NextChargeableAmount *int64     `gorm:"default:null" json:"next_chargeable_amount,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasMandate reports whether a payment method is on file.
func (d *PaymentProviderData) HasMandate() bool {
	return d != nil && d.MandateID != ""
}

// HasSubscription reports whether a processor subscription is linked.
func (d *PaymentProviderData) HasSubscription() bool {
	return d != nil && d.SubscriptionID != ""
}

// ClearNextAmount drops a scheduled amount change.
func (d *PaymentProviderData) ClearNextAmount() {
	d.NextMonthlyAmount = nil
	d.NextChargeableAmount = nil
}

// SetNextAmount records an amount change deferred to the next renewal.
func (d *PaymentProviderData) SetNextAmount(monthly float64, chargeable int64) {
	d.NextMonthlyAmount = &monthly
	d.NextChargeableAmount = &chargeable
}
