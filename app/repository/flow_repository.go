package repository

import (
	"github.com/memberflow/memberflow/app/models"
	"gorm.io/gorm"
)

type flowRepository struct {
	db *gorm.DB
}

// NewFlowRepository creates a redirect flow repository backed by GORM.
func NewFlowRepository(db *gorm.DB) FlowRepository {
	return &flowRepository{db: db}
}

func (r *flowRepository) CreatePaymentFlow(flow *models.PaymentFlow) error {
	return r.db.Create(flow).Error
}

// TakePaymentFlow claims a flow by deleting it and returning the deleted
// row. Two racing completions both read the row at most once: the delete
// is guarded by the primary key, so exactly one caller sees RowsAffected=1
// and the other gets ErrRecordNotFound.
func (r *flowRepository) TakePaymentFlow(providerFlowID string) (*models.PaymentFlow, error) {
	var flow models.PaymentFlow
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_flow_id = ?", providerFlowID).First(&flow).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", flow.ID).Delete(&models.PaymentFlow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

func (r *flowRepository) CreateRestartFlow(flow *models.RestartFlow) error {
	return r.db.Create(flow).Error
}

func (r *flowRepository) TakeRestartFlow(providerFlowID string) (*models.RestartFlow, error) {
	var flow models.RestartFlow
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_flow_id = ?", providerFlowID).First(&flow).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", flow.ID).Delete(&models.RestartFlow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &flow, nil
}
