package repository

import (
	"github.com/memberflow/memberflow/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type contactRepository struct {
	db *gorm.DB
}

// NewContactRepository creates a contact repository backed by GORM.
func NewContactRepository(db *gorm.DB) ContactRepository {
	return &contactRepository{db: db}
}

func (r *contactRepository) Create(contact *models.Contact) error {
	return r.db.Create(contact).Error
}

func (r *contactRepository) GetByID(id uint) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.Preload("Role").First(&contact, id).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (r *contactRepository) GetByEmail(email string) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.Preload("Role").Where("email = ?", email).First(&contact).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (r *contactRepository) Update(contact *models.Contact) error {
	return r.db.Omit("Role").Save(contact).Error
}

func (r *contactRepository) SaveRole(role *models.ContactRole) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "contact_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"role",
			"date_added",
			"date_expires",
			"updated_at",
		}),
	}).Create(role).Error
}

func (r *contactRepository) GetRole(contactID uint) (*models.ContactRole, error) {
	var role models.ContactRole
	err := r.db.Where("contact_id = ?", contactID).First(&role).Error
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (r *contactRepository) List(offset, limit int) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.db.Preload("Role").Offset(offset).Limit(limit).Order("id ASC").Find(&contacts).Error
	return contacts, err
}

func (r *contactRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Contact{}).Count(&count).Error
	return count, err
}
