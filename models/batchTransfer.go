package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchTransfer is the immutable audit record of one executed movement.
// Rows are inserted by the transfer workflow and never updated or deleted;
// corrections happen with a compensating transfer in the opposite direction.
//
// LossVolume is the adjusted loss actually booked (requested loss plus any
// rounding slack folded in), so TotalVolume = Volume + LossVolume always
// equals what left the source batch.
type BatchTransfer struct {
	ID               int              `gorm:"primary_key" json:"id"`
	BusinessId       string           `gorm:"index;not null" json:"business_id"`
	TransferNumber   string           `gorm:"size:30;index:idx_transfer_number,unique" json:"transfer_number"`
	SourceBatchId    int              `gorm:"index;not null" json:"source_batch_id"`
	SourceBatch      *Batch           `gorm:"foreignKey:SourceBatchId" json:"source_batch,omitempty"`
	SourceVesselId   int              `gorm:"not null" json:"source_vessel_id"`
	DestBatchId      int              `gorm:"index;not null" json:"dest_batch_id"`
	DestBatch        *Batch           `gorm:"foreignKey:DestBatchId" json:"dest_batch,omitempty"`
	DestVesselId     int              `gorm:"not null" json:"dest_vessel_id"`
	RemainingBatchId *int             `gorm:"index" json:"remaining_batch_id"`
	Volume           decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"volume"`
	LossVolume       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"loss_volume"`
	TotalVolume      decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"total_volume"`
	RemainingVolume  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"remaining_volume"`
	Kind             string           `gorm:"size:10;not null" json:"kind"`
	Notes            string           `gorm:"size:255" json:"notes"`
	TransferredAt    time.Time        `json:"transferred_at"`
	ActorUserId      int              `gorm:"not null;default:0" json:"actor_user_id"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt        gorm.DeletedAt   `gorm:"index" json:"deleted_at"`
}

// Transfer kinds recorded on the audit row.
const (
	TransferKindMove  = "MOVE"
	TransferKindSplit = "SPLIT"
	TransferKindBlend = "BLEND"
)

func GetBatchTransfer(ctx context.Context, id int) (*BatchTransfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[BatchTransfer](ctx, businessId, id, "SourceBatch", "DestBatch")
}

func ListBatchTransfers(ctx context.Context) ([]*BatchTransfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[BatchTransfer](ctx, businessId)
}
