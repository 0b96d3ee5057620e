package models

import "time"

// Processor payment statuses, in rough lifecycle order. StatusRank defines
// which transitions are allowed when webhook events arrive out of order.
const (
	PaymentStatusPendingApproval = "pending_customer_approval"
	PaymentStatusPendingSubmit   = "pending_submission"
	PaymentStatusSubmitted       = "submitted"
	PaymentStatusConfirmed       = "confirmed"
	PaymentStatusPaidOut         = "paid_out"
	PaymentStatusFailed          = "failed"
	PaymentStatusCancelled       = "cancelled"
	PaymentStatusChargedBack     = "charged_back"
)

// Payment mirrors one processor-side payment object. Rows are created
// lazily on first sighting of a processor payment id and updated in place;
// the table is an append-only financial ledger, never pruned.
type Payment struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PaymentID          string    `gorm:"uniqueIndex;type:varchar(191);not null" json:"payment_id"`
	ContactID          *uint     `gorm:"index" json:"contact_id,omitempty"`
	Status             string    `gorm:"type:varchar(32);not null" json:"status"`
	Description        string    `gorm:"type:varchar(255);default:''" json:"description"`
	Amount             int64     `gorm:"not null" json:"amount"`
	AmountRefunded     int64     `gorm:"default:0" json:"amount_refunded"`
	ChargeDate         time.Time `gorm:"index" json:"charge_date"`
	SubscriptionID     string    `gorm:"type:varchar(191);index;default:''" json:"subscription_id"`
	SubscriptionPeriod string    `gorm:"type:varchar(10);default:''" json:"subscription_period"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentStatusRank orders statuses so a stale event can never regress a
// payment that already reached a later state. Terminal failure states rank
// alongside paid_out: once reached they stick.
func PaymentStatusRank(status string) int {
	switch status {
	case PaymentStatusPendingApproval:
		return 1
	case PaymentStatusPendingSubmit:
		return 2
	case PaymentStatusSubmitted:
		return 3
	case PaymentStatusConfirmed:
		return 4
	case PaymentStatusPaidOut, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusChargedBack:
		return 5
	default:
		return 0
	}
}
