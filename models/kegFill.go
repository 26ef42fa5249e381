package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KegFill records one keg being drawn from a batch. A keg has at most one
// active (non-returned, non-voided) fill at a time. RemainingVolume is set
// at fill time and only zeroed on return or void; partial-pour tracking is
// not implemented.
type KegFill struct {
	ID              int               `gorm:"primary_key" json:"id"`
	BusinessId      string            `gorm:"index;not null" json:"business_id"`
	FillNumber      string            `gorm:"size:30;index:idx_fill_number,unique" json:"fill_number"`
	KegId           int               `gorm:"index;not null" json:"keg_id"`
	Keg             *Keg              `gorm:"foreignKey:KegId" json:"keg,omitempty"`
	BatchId         int               `gorm:"index;not null" json:"batch_id"`
	Batch           *Batch            `gorm:"foreignKey:BatchId" json:"batch,omitempty"`
	SourceVesselId  int               `gorm:"not null" json:"source_vessel_id"`
	Status          KegFillStatus     `gorm:"type:enum('Filled','Ready','Distributed','Returned','Voided');default:Filled" json:"status"`
	VolumeTaken     decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"volume_taken"`
	RemainingVolume decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"remaining_volume"`
	FilledAt        time.Time         `json:"filled_at"`
	DistributedAt   *time.Time        `json:"distributed_at"`
	Destination     string            `gorm:"size:100" json:"destination"`
	ReturnedAt      *time.Time        `json:"returned_at"`
	VoidReason      string            `gorm:"size:255" json:"void_reason"`
	Notes           string            `gorm:"size:255" json:"notes"`
	Materials       []KegFillMaterial `gorm:"foreignKey:KegFillId" json:"materials,omitempty"`
	ActorUserId     int               `gorm:"not null;default:0" json:"actor_user_id"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt    `gorm:"index" json:"deleted_at"`
}

// KegFillMaterial is a packaging material consumed by a fill (caps, labels,
// sanitizer). Quantities are catalog-level, not lot-level.
type KegFillMaterial struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	KegFillId  int             `gorm:"index;not null" json:"keg_fill_id"`
	MaterialId int             `gorm:"index;not null" json:"material_id"`
	Material   *Material       `gorm:"foreignKey:MaterialId" json:"material,omitempty"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func GetKegFill(ctx context.Context, id int) (*KegFill, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[KegFill](ctx, businessId, id, "Keg", "Batch", "Materials")
}

func ListKegFills(ctx context.Context, status *KegFillStatus) ([]*KegFill, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := config.GetDB().WithContext(ctx).Preload("Keg").Where("business_id = ?", businessId)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	var fills []*KegFill
	if err := dbCtx.Order("id desc").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

func FetchKegFillForUpdate(tx *gorm.DB, businessId string, id int) (*KegFill, error) {
	var fill KegFill
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&fill, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("keg fill")
		}
		return nil, err
	}
	return &fill, nil
}
