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

// Batch is a quantity of liquid occupying exactly one vessel. CurrentVolume
// and the composition rows are maintained solely by the press-run, transfer
// and keg-fill workflows; there is no direct volume-edit endpoint.
type Batch struct {
	ID            int                `gorm:"primary_key" json:"id"`
	BusinessId    string             `gorm:"index;not null" json:"business_id"`
	BatchNumber   string             `gorm:"size:30;index:idx_batch_number,unique" json:"batch_number"`
	Name          string             `gorm:"size:100;not null" json:"name"`
	VesselId      int                `gorm:"index;not null" json:"vessel_id"`
	Vessel        *Vessel            `gorm:"foreignKey:VesselId" json:"vessel,omitempty"`
	Status        BatchStatus        `gorm:"type:enum('Fermenting','Aging','Completed','Blended');default:Fermenting" json:"status"`
	CurrentVolume decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"current_volume"`
	StartedAt     time.Time          `json:"started_at"`
	ClosedAt      *time.Time         `json:"closed_at"`
	Compositions  []BatchComposition `gorm:"foreignKey:BatchId" json:"compositions,omitempty"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt     `gorm:"index" json:"deleted_at"`
}

// BatchComposition attributes a slice of a batch's volume to an origin lot.
// Fraction is denormalized (volume / batch.CurrentVolume at last recompute);
// the workflows keep fractions summing to 1 within rounding tolerance.
type BatchComposition struct {
	ID         int                   `gorm:"primary_key" json:"id"`
	BusinessId string                `gorm:"index;not null" json:"business_id"`
	BatchId    int                   `gorm:"index;not null" json:"batch_id"`
	SourceType CompositionSourceType `gorm:"size:30;not null" json:"source_type"`
	SourceId   int                   `gorm:"not null" json:"source_id"`
	Volume     decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"volume"`
	Fraction   decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"fraction"`
	CreatedAt  time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt        `gorm:"index" json:"deleted_at"`
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Batch](ctx, businessId, id, "Vessel", "Compositions")
}

func ListBatches(ctx context.Context, status *BatchStatus) ([]*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Preload("Vessel").Where("business_id = ?", businessId)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	var batches []*Batch
	if err := dbCtx.Order("id desc").Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// GetActiveBatchInVessel returns the Fermenting/Aging occupant of a vessel,
// or nil when the vessel is empty. Runs on whatever handle it is given so the
// workflows can call it mid-transaction.
func GetActiveBatchInVessel(tx *gorm.DB, businessId string, vesselId int) (*Batch, error) {
	var batch Batch
	err := tx.Where("business_id = ? AND vessel_id = ? AND status IN ?",
		businessId, vesselId, []BatchStatus{BatchStatusFermenting, BatchStatusAging}).
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

// fetchBatchForUpdate row-locks the batch so volume mutations serialize.
func fetchBatchForUpdate(tx *gorm.DB, businessId string, id int) (*Batch, error) {
	var batch Batch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&batch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("batch")
		}
		return nil, err
	}
	return &batch, nil
}

// FetchBatchCompositions loads a batch's composition rows in insertion order.
func FetchBatchCompositions(tx *gorm.DB, businessId string, batchId int) ([]BatchComposition, error) {
	var rows []BatchComposition
	err := tx.Where("business_id = ? AND batch_id = ?", businessId, batchId).
		Order("id asc").Find(&rows).Error
	return rows, err
}

// UpdateBatchStatus moves a batch along Fermenting -> Aging -> Completed and
// keeps the vessel's state in step. Completed/Blended are terminal.
func UpdateBatchStatus(ctx context.Context, id int, target BatchStatus) (*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !target.Valid() || target == BatchStatusBlended {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "invalid target status")
	}

	db := config.GetDB()
	var result *Batch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForUpdate(tx, businessId, id)
		if err != nil {
			return err
		}
		if !batch.Status.IsActive() {
			return utils.NewApiError(utils.ErrorKindBatchClosed, "batch is closed")
		}

		switch {
		case batch.Status == BatchStatusFermenting && target == BatchStatusAging:
		case target == BatchStatusCompleted:
		default:
			return utils.InvalidStateTransitionError("batch", string(target), string(batch.Status))
		}

		old := *batch
		batch.Status = target
		if target == BatchStatusCompleted {
			now := time.Now().UTC()
			batch.ClosedAt = &now
		}
		if err := tx.Save(batch).Error; err != nil {
			return err
		}

		vessel, err := fetchVesselForUpdate(tx, businessId, batch.VesselId)
		if err != nil {
			return err
		}
		switch target {
		case BatchStatusAging:
			vessel.Status = VesselStatusAging
		case BatchStatusCompleted:
			vessel.Status = VesselStatusCleaning
		}
		if err := tx.Save(vessel).Error; err != nil {
			return err
		}

		action := LedgerEventActionUpdate
		if target == BatchStatusCompleted {
			action = LedgerEventActionClose
		}
		if err := PublishLedgerEvent(ctx, tx, businessId, time.Now().UTC(), batch.ID,
			ReferenceTypeBatch, action, &old, batch); err != nil {
			return err
		}

		result = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
