package models

import "time"

// PaymentFlow is one pending redirect authorization for a brand-new member.
// A flow is single-use: completion atomically deletes the row, so a second
// completion attempt finds nothing and fails closed.
type PaymentFlow struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ProviderFlowID string    `gorm:"uniqueIndex;type:varchar(191);not null" json:"provider_flow_id"`
	SessionToken   string    `gorm:"type:varchar(100);not null" json:"-"`
	Provider       string    `gorm:"type:varchar(20);not null" json:"provider"`
	Email          string    `gorm:"type:varchar(200);not null" json:"email"`
	FirstName      string    `gorm:"type:varchar(100);default:''" json:"first_name"`
	LastName       string    `gorm:"type:varchar(100);default:''" json:"last_name"`
	MonthlyAmount  float64   `gorm:"not null" json:"monthly_amount"`
	Period         string    `gorm:"type:varchar(10);not null" json:"period"`
	PayFee         bool      `gorm:"default:false" json:"pay_fee"`
	Prorate        bool      `gorm:"default:false" json:"prorate"`
	CompleteURL    string    `gorm:"type:varchar(255);default:''" json:"complete_url"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RestartFlow links a new authorization to a pre-existing lapsed contact so
// they can re-subscribe without re-registering. Same single-use discipline
// as PaymentFlow.
type RestartFlow struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ProviderFlowID string    `gorm:"uniqueIndex;type:varchar(191);not null" json:"provider_flow_id"`
	SessionToken   string    `gorm:"type:varchar(100);not null" json:"-"`
	Provider       string    `gorm:"type:varchar(20);not null" json:"provider"`
	ContactID      uint      `gorm:"not null;index" json:"contact_id"`
	MonthlyAmount  float64   `gorm:"not null" json:"monthly_amount"`
	Period         string    `gorm:"type:varchar(10);not null" json:"period"`
	PayFee         bool      `gorm:"default:false" json:"pay_fee"`
	Prorate        bool      `gorm:"default:false" json:"prorate"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
