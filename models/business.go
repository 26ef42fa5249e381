package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Business is the tenant: one production facility (cidery/brewery site).
type Business struct {
	ID          uuid.UUID `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName string    `gorm:"size:100" json:"contact_name"`
	Email       string    `gorm:"size:255" json:"email"`
	Phone       string    `gorm:"size:20" json:"phone"`
	Address     string    `gorm:"type:text" json:"address"`
	Country     string    `gorm:"size:100" json:"country"`
	City        string    `gorm:"size:100" json:"city"`
	Timezone    string    `gorm:"size:50" json:"timezone"`

	// Volume bookkeeping. All volumes are liters; conversion to/from other
	// units happens at the edges via the external unit service.
	BaseVolumeUnit string `gorm:"size:10;default:'L'" json:"base_volume_unit"`

	// Per-installation ledger tunables. NULL means "use env default"
	// (config.TransferVolumeTolerance / config.BatchMinWorkingVolume).
	TransferTolerance *decimal.Decimal `gorm:"type:decimal(20,4)" json:"transfer_tolerance"`
	MinWorkingVolume  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"min_working_volume"`

	IsActive  *bool          `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

type NewBusiness struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email" binding:"required"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	Country     string `json:"country"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
}

// GetTransferTolerance resolves the effective rounding slack for transfers.
func (b *Business) GetTransferTolerance() decimal.Decimal {
	if b != nil && b.TransferTolerance != nil {
		return *b.TransferTolerance
	}
	return config.TransferVolumeTolerance()
}

// GetMinWorkingVolume resolves the effective minimum working volume for batches.
func (b *Business) GetMinWorkingVolume() decimal.Decimal {
	if b != nil && b.MinWorkingVolume != nil {
		return *b.MinWorkingVolume
	}
	return config.BatchMinWorkingVolume()
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	if !utils.IsValidEmail(input.Email) {
		return nil, errors.New("email is invalid")
	}
	if strings.TrimSpace(input.Phone) != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, errors.New("phone number is invalid")
		}
	}

	business := Business{
		ID:          uuid.New(),
		Name:        input.Name,
		ContactName: input.ContactName,
		Email:       input.Email,
		Phone:       input.Phone,
		Address:     input.Address,
		Country:     input.Country,
		City:        input.City,
		Timezone:    input.Timezone,
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&business).Error; err != nil {
			return err
		}
		return seedDefaultNumberSeries(tx, business.ID.String())
	})
	if err != nil {
		return nil, err
	}
	return &business, nil
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {
	db := config.GetDB()
	var business Business
	if err := db.WithContext(ctx).Where("id = ?", id).First(&business).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &business, nil
}

// GetBusinessTx reads the business inside an open transaction (workflows).
func GetBusinessTx(tx *gorm.DB, id string) (*Business, error) {
	var business Business
	if err := tx.Where("id = ?", id).First(&business).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &business, nil
}
