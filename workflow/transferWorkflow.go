package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransferInput struct {
	SourceVesselId int              `json:"source_vessel_id" binding:"required"`
	DestVesselId   int              `json:"dest_vessel_id" binding:"required"`
	Volume         decimal.Decimal  `json:"volume" binding:"required"`
	Loss           *decimal.Decimal `json:"loss"`
	Notes          string           `json:"notes"`
}

type TransferResult struct {
	Transfer       *models.BatchTransfer `json:"transfer"`
	SourceBatch    *models.Batch         `json:"source_batch"`
	DestBatch      *models.Batch         `json:"dest_batch"`
	RemainingBatch *models.Batch         `json:"remaining_batch,omitempty"`
}

// ExecuteBatchTransfer moves volume from the active batch in one vessel to
// another vessel, as a plain move, a split (residual volume stays behind as
// a new batch) or a blend (destination already holds an active batch whose
// composition absorbs the incoming liquid). The whole operation is one
// transaction under the business's advisory ledger lock; any failure leaves
// no partial writes.
func ExecuteBatchTransfer(ctx context.Context, logger *logrus.Logger, input *TransferInput) (*TransferResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if input.SourceVesselId == input.DestVesselId {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "source and destination vessel must differ")
	}
	if !input.Volume.IsPositive() {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "volume must be positive")
	}
	loss := decimal.Zero
	if input.Loss != nil {
		loss = *input.Loss
		if loss.IsNegative() {
			return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "loss cannot be negative")
		}
	}

	actorId, _ := utils.GetUserIdFromContext(ctx)
	db := config.GetDB()

	if err := AcquireBusinessLedgerLock(db, businessId); err != nil {
		return nil, err
	}
	defer ReleaseBusinessLedgerLock(db, businessId)

	var result *TransferResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		business, err := models.GetBusinessTx(tx, businessId)
		if err != nil {
			return err
		}
		tolerance := business.GetTransferTolerance()

		// Lock both vessels in id order so concurrent transfers between the
		// same pair cannot deadlock.
		firstId, secondId := input.SourceVesselId, input.DestVesselId
		if secondId < firstId {
			firstId, secondId = secondId, firstId
		}
		vessels := map[int]*models.Vessel{}
		for _, id := range []int{firstId, secondId} {
			var v models.Vessel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ?", businessId).
				First(&v, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return utils.NotFoundError("vessel")
				}
				return err
			}
			vessels[id] = &v
		}
		sourceVessel := vessels[input.SourceVesselId]
		destVessel := vessels[input.DestVesselId]

		lockedBatches := tx.Clauses(clause.Locking{Strength: "UPDATE"})
		sourceBatch, err := models.GetActiveBatchInVessel(lockedBatches, businessId, sourceVessel.ID)
		if err != nil {
			return err
		}
		if sourceBatch == nil {
			return utils.NewApiError(utils.ErrorKindNoActiveBatch,
				fmt.Sprintf("vessel %s has no active batch", sourceVessel.Name))
		}

		destBatch, err := models.GetActiveBatchInVessel(lockedBatches, businessId, destVessel.ID)
		if err != nil {
			return err
		}

		blending := destBatch != nil
		if blending {
			if !destVessel.Status.IsOccupiedState() {
				return utils.NewApiError(utils.ErrorKindVesselNotAvailable,
					fmt.Sprintf("vessel %s is %s", destVessel.Name, destVessel.Status))
			}
		} else if destVessel.Status != models.VesselStatusAvailable {
			return utils.NewApiError(utils.ErrorKindVesselNotAvailable,
				fmt.Sprintf("vessel %s is %s", destVessel.Name, destVessel.Status))
		}

		resolved, err := ResolveTransferVolumes(sourceBatch.CurrentVolume, input.Volume, loss, tolerance)
		if err != nil {
			return err
		}

		destVolumeAfter := input.Volume
		if blending {
			destVolumeAfter = destBatch.CurrentVolume.Add(input.Volume)
		}
		if destVolumeAfter.GreaterThan(destVessel.Capacity) {
			return utils.NewApiError(utils.ErrorKindExceedsVesselCapacity,
				fmt.Sprintf("vessel %s capacity is %s", destVessel.Name, destVessel.Capacity))
		}

		sourceRows, err := models.FetchBatchCompositions(tx, businessId, sourceBatch.ID)
		if err != nil {
			return err
		}
		sourceVolumeBefore := sourceBatch.CurrentVolume

		now := time.Now().UTC()

		// Residual volume stays behind as a new batch with a proportional
		// copy of the source composition.
		var remainingBatch *models.Batch
		if resolved.Remaining.IsPositive() {
			remainingBatch, err = createRemainingBatch(ctx, tx, businessId, sourceBatch, sourceRows, resolved.Remaining, sourceVolumeBefore, now)
			if err != nil {
				return err
			}
		} else {
			sourceVessel.Status = models.VesselStatusCleaning
			if err := tx.Save(sourceVessel).Error; err != nil {
				return err
			}
		}

		var updatedDest *models.Batch
		if blending {
			updatedDest, err = blendIntoDestination(ctx, tx, businessId, sourceBatch, destBatch, sourceRows, input.Volume, sourceVolumeBefore, now)
			if err != nil {
				return err
			}
		} else {
			updatedDest, err = moveToDestination(ctx, tx, businessId, sourceBatch, destVessel, sourceRows, input.Volume, sourceVolumeBefore)
			if err != nil {
				return err
			}
		}

		transferNumber, err := models.NextTransactionNumber(ctx, tx, businessId, models.NumberModuleTransfer)
		if err != nil {
			return err
		}
		kind := models.TransferKindMove
		if blending {
			kind = models.TransferKindBlend
		} else if remainingBatch != nil {
			kind = models.TransferKindSplit
		}
		notes := input.Notes
		if blending && notes == "" {
			notes = "blend"
		} else if blending {
			notes = "blend: " + notes
		}

		transfer := models.BatchTransfer{
			BusinessId:     businessId,
			TransferNumber: transferNumber,
			SourceBatchId:  sourceBatch.ID,
			SourceVesselId: sourceVessel.ID,
			DestBatchId:    updatedDest.ID,
			DestVesselId:   destVessel.ID,
			Volume:         input.Volume,
			LossVolume:     resolved.AdjustedLoss,
			TotalVolume:    resolved.ActualTransferVolume,
			Kind:           kind,
			Notes:          notes,
			TransferredAt:  now,
			ActorUserId:    actorId,
		}
		if remainingBatch != nil {
			transfer.RemainingBatchId = &remainingBatch.ID
			remaining := resolved.Remaining
			transfer.RemainingVolume = &remaining
		}
		if err := tx.Create(&transfer).Error; err != nil {
			return err
		}

		if err := models.PublishLedgerEvent(ctx, tx, businessId, now, transfer.ID,
			models.ReferenceTypeBatchTransfer, models.LedgerEventActionCreate, nil, &transfer); err != nil {
			return err
		}

		result = &TransferResult{
			Transfer:       &transfer,
			SourceBatch:    sourceBatch,
			DestBatch:      updatedDest,
			RemainingBatch: remainingBatch,
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "transferWorkflow.go", "ExecuteBatchTransfer", "transaction", input, err)
		return nil, err
	}
	return result, nil
}

func createRemainingBatch(ctx context.Context, tx *gorm.DB, businessId string, source *models.Batch,
	sourceRows []models.BatchComposition, remaining, sourceVolumeBefore decimal.Decimal, now time.Time) (*models.Batch, error) {

	batchNumber, err := models.NextTransactionNumber(ctx, tx, businessId, models.NumberModuleBatch)
	if err != nil {
		return nil, err
	}
	batch := models.Batch{
		BusinessId:    businessId,
		BatchNumber:   batchNumber,
		Name:          source.Name + " (remaining)",
		VesselId:      source.VesselId,
		Status:        source.Status,
		CurrentVolume: remaining,
		StartedAt:     source.StartedAt,
	}
	if err := tx.Create(&batch).Error; err != nil {
		return nil, err
	}

	ratio := remaining.Div(sourceVolumeBefore)
	scaled := ScaleComposition(toCompositionRows(sourceRows), ratio)
	for _, row := range scaled {
		composition := models.BatchComposition{
			BusinessId: businessId,
			BatchId:    batch.ID,
			SourceType: row.SourceType,
			SourceId:   row.SourceId,
			Volume:     row.Volume,
			Fraction:   row.Fraction,
		}
		if err := tx.Create(&composition).Error; err != nil {
			return nil, err
		}
	}

	if err := models.PublishLedgerEvent(ctx, tx, businessId, now, batch.ID,
		models.ReferenceTypeBatch, models.LedgerEventActionCreate, nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// moveToDestination carries the source batch's identity into the destination
// vessel: vesselId and currentVolume are rewritten in place, composition row
// volumes scale to the moved volume and fractions stay as they were.
func moveToDestination(ctx context.Context, tx *gorm.DB, businessId string, source *models.Batch,
	destVessel *models.Vessel, sourceRows []models.BatchComposition, volume, sourceVolumeBefore decimal.Decimal) (*models.Batch, error) {

	old := *source
	source.VesselId = destVessel.ID
	source.CurrentVolume = volume
	if err := tx.Save(source).Error; err != nil {
		return nil, err
	}

	ratio := volume.Div(sourceVolumeBefore)
	for i := range sourceRows {
		sourceRows[i].Volume = sourceRows[i].Volume.Mul(ratio)
		if err := tx.Save(&sourceRows[i]).Error; err != nil {
			return nil, err
		}
	}

	destVessel.Status = models.VesselStatusOccupied
	if err := tx.Save(destVessel).Error; err != nil {
		return nil, err
	}

	if err := models.PublishLedgerEvent(ctx, tx, businessId, time.Now().UTC(), source.ID,
		models.ReferenceTypeBatch, models.LedgerEventActionUpdate, &old, source); err != nil {
		return nil, err
	}
	return source, nil
}

// blendIntoDestination folds the transferred volume into the destination's
// active batch: incoming composition rows are scaled to the moved volume and
// appended, then every destination fraction is recomputed against the new
// total. The source batch terminates as Blended.
func blendIntoDestination(ctx context.Context, tx *gorm.DB, businessId string, source, dest *models.Batch,
	sourceRows []models.BatchComposition, volume, sourceVolumeBefore decimal.Decimal, now time.Time) (*models.Batch, error) {

	oldDest := *dest
	newTotal := dest.CurrentVolume.Add(volume)

	ratio := volume.Div(sourceVolumeBefore)
	incoming := ScaleComposition(toCompositionRows(sourceRows), ratio)

	// Merge incoming provenance into the destination's rows: liquid from the
	// same origin lot stays one row, so row count is bounded by distinct lots.
	destRows, err := models.FetchBatchCompositions(tx, businessId, dest.ID)
	if err != nil {
		return nil, err
	}
	destRowIdx := make(map[string]int, len(destRows))
	for i, row := range destRows {
		destRowIdx[fmt.Sprintf("%s:%d", row.SourceType, row.SourceId)] = i
	}
	for _, row := range incoming {
		key := fmt.Sprintf("%s:%d", row.SourceType, row.SourceId)
		if i, ok := destRowIdx[key]; ok {
			destRows[i].Volume = destRows[i].Volume.Add(row.Volume)
			continue
		}
		destRowIdx[key] = len(destRows)
		destRows = append(destRows, models.BatchComposition{
			BusinessId: businessId,
			BatchId:    dest.ID,
			SourceType: row.SourceType,
			SourceId:   row.SourceId,
			Volume:     row.Volume,
		})
	}
	// All fractions now refer to the enlarged total.
	for i := range destRows {
		destRows[i].Fraction = destRows[i].Volume.Div(newTotal)
		if err := tx.Save(&destRows[i]).Error; err != nil {
			return nil, err
		}
	}

	dest.CurrentVolume = newTotal
	if err := tx.Save(dest).Error; err != nil {
		return nil, err
	}

	oldSource := *source
	source.Status = models.BatchStatusBlended
	source.ClosedAt = &now
	if err := tx.Save(source).Error; err != nil {
		return nil, err
	}

	if err := models.PublishLedgerEvent(ctx, tx, businessId, now, dest.ID,
		models.ReferenceTypeBatch, models.LedgerEventActionUpdate, &oldDest, dest); err != nil {
		return nil, err
	}
	if err := models.PublishLedgerEvent(ctx, tx, businessId, now, source.ID,
		models.ReferenceTypeBatch, models.LedgerEventActionClose, &oldSource, source); err != nil {
		return nil, err
	}
	return dest, nil
}
