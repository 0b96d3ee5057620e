package repository

import (
	"time"

	"github.com/memberflow/memberflow/app/models"
	"gorm.io/gorm"
)

// ContactRepository defines the interface for contact-related database operations
type ContactRepository interface {
	Create(contact *models.Contact) error
	GetByID(id uint) (*models.Contact, error)
	GetByEmail(email string) (*models.Contact, error)
	Update(contact *models.Contact) error
	SaveRole(role *models.ContactRole) error
	GetRole(contactID uint) (*models.ContactRole, error)
	List(offset, limit int) ([]models.Contact, error)
	Count() (int64, error)
}

// PaymentRepository defines the interface for the payment ledger. Rows are
// keyed on the processor-assigned payment id and never deleted.
type PaymentRepository interface {
	GetByPaymentID(paymentID string) (*models.Payment, error)
	Upsert(payment *models.Payment) error
	ListByContact(contactID uint, offset, limit int) ([]models.Payment, error)
	CountByContact(contactID uint) (int64, error)
}

// ProviderDataRepository defines the interface for per-contact processor state
type ProviderDataRepository interface {
	GetByContactID(contactID uint) (*models.PaymentProviderData, error)
	GetBySubscriptionID(provider, subscriptionID string) (*models.PaymentProviderData, error)
	GetByMandateID(provider, mandateID string) (*models.PaymentProviderData, error)
	GetByCustomerID(provider, customerID string) (*models.PaymentProviderData, error)
	Save(data *models.PaymentProviderData) error
	UnlinkSubscription(contactID uint, cancelledAt time.Time) error
	UnlinkMandate(contactID uint) error
}

// FlowRepository defines the interface for single-use redirect flow rows.
// Take* atomically claims a flow: the row is deleted in the same statement
// that reads it, so a concurrent second completion gets ErrRecordNotFound.
type FlowRepository interface {
	CreatePaymentFlow(flow *models.PaymentFlow) error
	TakePaymentFlow(providerFlowID string) (*models.PaymentFlow, error)
	CreateRestartFlow(flow *models.RestartFlow) error
	TakeRestartFlow(providerFlowID string) (*models.RestartFlow, error)
}

// WebhookEventRepository defines the interface for the webhook audit trail
type WebhookEventRepository interface {
	CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetByID(id uint) (*models.WebhookEvent, error)
	ListUnprocessed(olderThan time.Time, limit int) ([]models.WebhookEvent, error)
	// MarkProcessed is terminal: the event is never picked up again.
	MarkProcessed(id uint, processingError string) error
	// RecordError notes a failed attempt but leaves the event
	// unprocessed, so the sweeper can still recover it.
	RecordError(id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Contact      ContactRepository
	Payment      PaymentRepository
	ProviderData ProviderDataRepository
	Flow         FlowRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Contact:      NewContactRepository(db),
		Payment:      NewPaymentRepository(db),
		ProviderData: NewProviderDataRepository(db),
		Flow:         NewFlowRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}
