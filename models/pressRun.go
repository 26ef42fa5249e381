package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PressRun records one pressing session: fruit lots in, juice out, and the
// batch the juice was racked into. Creating a press run opens that batch and
// writes its initial composition in the same transaction.
type PressRun struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	RunNumber       string          `gorm:"size:30;index:idx_run_number,unique" json:"run_number"`
	BatchId         int             `gorm:"index;not null" json:"batch_id"`
	Batch           *Batch          `gorm:"foreignKey:BatchId" json:"batch,omitempty"`
	JuiceVolume     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"juice_volume"`
	PressedAt       time.Time       `json:"pressed_at"`
	Notes           string          `gorm:"size:255" json:"notes"`
	Loads           []PressRunLoad  `gorm:"foreignKey:PressRunId" json:"loads,omitempty"`
	ActorUserId     int             `gorm:"not null;default:0" json:"actor_user_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PressRunLoad is one fruit lot fed into a press run. Quantity is in the
// lot's unit (kg); rows here are what depletion math sums against lots.
type PressRunLoad struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BusinessId         string          `gorm:"index;not null" json:"business_id"`
	PressRunId         int             `gorm:"index;not null" json:"press_run_id"`
	PurchaseLineItemId int             `gorm:"index;not null" json:"purchase_line_item_id"`
	Quantity           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewPressRunLoad struct {
	PurchaseLineItemId int             `json:"purchase_line_item_id" binding:"required"`
	Quantity           decimal.Decimal `json:"quantity" binding:"required"`
}

type NewPressRun struct {
	VesselId    int               `json:"vessel_id" binding:"required"`
	BatchName   string            `json:"batch_name" binding:"required"`
	JuiceVolume decimal.Decimal   `json:"juice_volume" binding:"required"`
	PressedAt   *time.Time        `json:"pressed_at"`
	Notes       string            `json:"notes"`
	Loads       []NewPressRunLoad `json:"loads" binding:"required,dive"`
}

func (input *NewPressRun) validate() error {
	if !input.JuiceVolume.IsPositive() {
		return utils.NewApiError(utils.ErrorKindInvalidInput, "juice volume must be positive")
	}
	if len(input.Loads) == 0 {
		return utils.NewApiError(utils.ErrorKindInvalidInput, "at least one load is required")
	}
	seen := map[int]bool{}
	for _, load := range input.Loads {
		if !load.Quantity.IsPositive() {
			return utils.NewApiError(utils.ErrorKindInvalidInput, "load quantity must be positive")
		}
		if seen[load.PurchaseLineItemId] {
			return utils.NewApiError(utils.ErrorKindInvalidInput,
				fmt.Sprintf("purchase line item %d listed more than once", load.PurchaseLineItemId))
		}
		seen[load.PurchaseLineItemId] = true
	}
	return nil
}

// CreatePressRun presses fruit lots into a new batch. One transaction covers
// the depletion check on every lot, the vessel claim, the batch open, the
// composition rows and the outbox event.
func CreatePressRun(ctx context.Context, input *NewPressRun) (*PressRun, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	actorId, _ := utils.GetUserIdFromContext(ctx)
	pressedAt := time.Now().UTC()
	if input.PressedAt != nil {
		pressedAt = input.PressedAt.UTC()
	}

	db := config.GetDB()
	var result *PressRun
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		vessel, err := fetchVesselForUpdate(tx, businessId, input.VesselId)
		if err != nil {
			return err
		}
		if vessel.Status != VesselStatusAvailable {
			return utils.NewApiError(utils.ErrorKindVesselNotAvailable,
				fmt.Sprintf("vessel %s is %s", vessel.Name, vessel.Status))
		}
		if input.JuiceVolume.GreaterThan(vessel.Capacity) {
			return utils.NewApiError(utils.ErrorKindExceedsVesselCapacity,
				"juice volume exceeds vessel capacity")
		}

		// Lock each lot and verify the draw fits in what is left. A lot fully
		// consumed by this run (within rounding tolerance) is archived so
		// pickers stop offering it.
		depletionTolerance := config.DepletionRoundingTolerance()
		for _, load := range input.Loads {
			item, err := fetchPurchaseLineItemForUpdate(tx, businessId, load.PurchaseLineItemId)
			if err != nil {
				return err
			}
			if item.Archived {
				return utils.ConflictError(
					fmt.Sprintf("purchase line item %d is archived", item.ID))
			}
			material, err := utils.FetchModel[Material](ctx, businessId, item.MaterialId)
			if err != nil {
				return err
			}
			if material.Kind != MaterialKindFruit {
				return utils.NewApiError(utils.ErrorKindInvalidInput,
					fmt.Sprintf("purchase line item %d is not a fruit lot", item.ID))
			}
			consumed, err := ConsumedQuantity(tx, businessId, item.ID)
			if err != nil {
				return err
			}
			remaining := item.Quantity.Sub(consumed)
			if load.Quantity.GreaterThan(remaining) {
				return utils.NewApiError(utils.ErrorKindInsufficientQuantity,
					fmt.Sprintf("purchase line item %d has %s %s remaining", item.ID, remaining, item.Unit))
			}
			if remaining.Sub(load.Quantity).LessThanOrEqual(depletionTolerance) {
				item.Archived = true
				if err := tx.Save(item).Error; err != nil {
					return err
				}
			}
		}

		batchNumber, err := NextTransactionNumber(ctx, tx, businessId, NumberModuleBatch)
		if err != nil {
			return err
		}
		batch := Batch{
			BusinessId:    businessId,
			BatchNumber:   batchNumber,
			Name:          input.BatchName,
			VesselId:      vessel.ID,
			Status:        BatchStatusFermenting,
			CurrentVolume: input.JuiceVolume,
			StartedAt:     pressedAt,
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		runNumber, err := NextTransactionNumber(ctx, tx, businessId, NumberModulePressRun)
		if err != nil {
			return err
		}
		run := PressRun{
			BusinessId:  businessId,
			RunNumber:   runNumber,
			BatchId:     batch.ID,
			JuiceVolume: input.JuiceVolume,
			PressedAt:   pressedAt,
			Notes:       input.Notes,
			ActorUserId: actorId,
		}
		if err := tx.Create(&run).Error; err != nil {
			return err
		}

		// Attribute the juice to the fruit lots proportionally to weight
		// pressed: one composition row per load.
		totalWeight := decimal.Zero
		for _, load := range input.Loads {
			totalWeight = totalWeight.Add(load.Quantity)
		}
		for _, load := range input.Loads {
			pressLoad := PressRunLoad{
				BusinessId:         businessId,
				PressRunId:         run.ID,
				PurchaseLineItemId: load.PurchaseLineItemId,
				Quantity:           load.Quantity,
			}
			if err := tx.Create(&pressLoad).Error; err != nil {
				return err
			}
			fraction := load.Quantity.Div(totalWeight)
			composition := BatchComposition{
				BusinessId: businessId,
				BatchId:    batch.ID,
				SourceType: CompositionSourceRawFruitLot,
				SourceId:   load.PurchaseLineItemId,
				Volume:     input.JuiceVolume.Mul(fraction),
				Fraction:   fraction,
			}
			if err := tx.Create(&composition).Error; err != nil {
				return err
			}
		}

		vessel.Status = VesselStatusFermenting
		if err := tx.Save(vessel).Error; err != nil {
			return err
		}

		if err := PublishLedgerEvent(ctx, tx, businessId, pressedAt, run.ID,
			ReferenceTypePressRun, LedgerEventActionCreate, nil, &run); err != nil {
			return err
		}
		if err := PublishLedgerEvent(ctx, tx, businessId, pressedAt, batch.ID,
			ReferenceTypeBatch, LedgerEventActionCreate, nil, &batch); err != nil {
			return err
		}

		run.Batch = &batch
		result = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func GetPressRun(ctx context.Context, id int) (*PressRun, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[PressRun](ctx, businessId, id, "Batch", "Loads")
}

func ListPressRuns(ctx context.Context) ([]*PressRun, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[PressRun](ctx, businessId, "Batch")
}
