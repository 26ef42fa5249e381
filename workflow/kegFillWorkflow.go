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

type KegFillLine struct {
	KegId       int             `json:"keg_id" binding:"required"`
	VolumeTaken decimal.Decimal `json:"volume_taken" binding:"required"`
}

type KegFillMaterialLine struct {
	MaterialId int             `json:"material_id" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
}

type FillKegsInput struct {
	BatchId   int                   `json:"batch_id" binding:"required"`
	VesselId  int                   `json:"vessel_id" binding:"required"`
	Fills     []KegFillLine         `json:"fills" binding:"required,dive"`
	Loss      *decimal.Decimal      `json:"loss"`
	Materials []KegFillMaterialLine `json:"materials" binding:"dive"`
	Notes     string                `json:"notes"`
}

type FillKegsResult struct {
	Fills          []*models.KegFill `json:"fills"`
	Batch          *models.Batch     `json:"batch"`
	BatchCompleted bool              `json:"batch_completed"`
}

// FillKegs draws volume from an active batch into N kegs in one transaction.
// The batch loses Σ(volumeTaken)+loss; if that leaves it at or below the
// minimum working volume it auto-completes and releases its vessel to
// Cleaning, since residual liquid below the threshold is not drawable.
func FillKegs(ctx context.Context, logger *logrus.Logger, input *FillKegsInput) (*FillKegsResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if len(input.Fills) == 0 {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "at least one keg is required")
	}
	loss := decimal.Zero
	if input.Loss != nil {
		loss = *input.Loss
		if loss.IsNegative() {
			return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "loss cannot be negative")
		}
	}
	seen := map[int]bool{}
	totalTaken := decimal.Zero
	for _, line := range input.Fills {
		if !line.VolumeTaken.IsPositive() {
			return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "volume taken must be positive")
		}
		if seen[line.KegId] {
			return nil, utils.NewApiError(utils.ErrorKindInvalidInput,
				fmt.Sprintf("keg %d listed more than once", line.KegId))
		}
		seen[line.KegId] = true
		totalTaken = totalTaken.Add(line.VolumeTaken)
	}

	actorId, _ := utils.GetUserIdFromContext(ctx)
	db := config.GetDB()

	if err := AcquireBusinessLedgerLock(db, businessId); err != nil {
		return nil, err
	}
	defer ReleaseBusinessLedgerLock(db, businessId)

	var result *FillKegsResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		business, err := models.GetBusinessTx(tx, businessId)
		if err != nil {
			return err
		}
		minWorkingVolume := business.GetMinWorkingVolume()

		var batch models.Batch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessId).
			First(&batch, input.BatchId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.NotFoundError("batch")
			}
			return err
		}
		if !batch.Status.IsActive() {
			return utils.NewApiError(utils.ErrorKindBatchClosed, "batch is closed")
		}
		if batch.VesselId != input.VesselId {
			return utils.NewApiError(utils.ErrorKindInvalidInput, "batch does not occupy the given vessel")
		}

		totalDrawn := totalTaken.Add(loss)
		if totalDrawn.GreaterThan(batch.CurrentVolume) {
			return utils.NewApiError(utils.ErrorKindInsufficientVolume,
				fmt.Sprintf("batch holds %s L, requested %s L", batch.CurrentVolume, totalDrawn))
		}

		for _, line := range input.Materials {
			material, err := utils.FetchModel[models.Material](ctx, businessId, line.MaterialId)
			if err != nil {
				return err
			}
			if material.Kind != models.MaterialKindPackaging {
				return utils.NewApiError(utils.ErrorKindInvalidInput,
					fmt.Sprintf("material %s is not a packaging material", material.Name))
			}
			if !line.Quantity.IsPositive() {
				return utils.NewApiError(utils.ErrorKindInvalidInput, "material quantity must be positive")
			}
		}

		now := time.Now().UTC()
		oldBatch := batch

		var fills []*models.KegFill
		for _, line := range input.Fills {
			var keg models.Keg
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ?", businessId).
				First(&keg, line.KegId).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return utils.NotFoundError("keg")
				}
				return err
			}
			if keg.Status != models.KegStatusAvailable {
				return utils.NewApiError(utils.ErrorKindKegNotAvailable,
					fmt.Sprintf("keg %s is %s", keg.KegNumber, keg.Status))
			}
			if line.VolumeTaken.GreaterThan(keg.Capacity) {
				return utils.NewApiError(utils.ErrorKindInvalidInput,
					fmt.Sprintf("keg %s capacity is %s L", keg.KegNumber, keg.Capacity))
			}

			fillNumber, err := models.NextTransactionNumber(ctx, tx, businessId, models.NumberModuleKegFill)
			if err != nil {
				return err
			}
			fill := models.KegFill{
				BusinessId:      businessId,
				FillNumber:      fillNumber,
				KegId:           keg.ID,
				BatchId:         batch.ID,
				SourceVesselId:  input.VesselId,
				Status:          models.KegFillStatusFilled,
				VolumeTaken:     line.VolumeTaken,
				RemainingVolume: line.VolumeTaken,
				FilledAt:        now,
				Notes:           input.Notes,
				ActorUserId:     actorId,
			}
			if err := tx.Create(&fill).Error; err != nil {
				return err
			}

			for _, m := range input.Materials {
				material := models.KegFillMaterial{
					BusinessId: businessId,
					KegFillId:  fill.ID,
					MaterialId: m.MaterialId,
					Quantity:   m.Quantity,
				}
				if err := tx.Create(&material).Error; err != nil {
					return err
				}
			}

			keg.Status = models.KegStatusFilled
			if err := tx.Save(&keg).Error; err != nil {
				return err
			}

			if err := models.PublishLedgerEvent(ctx, tx, businessId, now, fill.ID,
				models.ReferenceTypeKegFill, models.LedgerEventActionCreate, nil, &fill); err != nil {
				return err
			}
			fills = append(fills, &fill)
		}

		batch.CurrentVolume = batch.CurrentVolume.Sub(totalDrawn)
		completed := false
		if batch.CurrentVolume.LessThanOrEqual(minWorkingVolume) {
			batch.Status = models.BatchStatusCompleted
			batch.ClosedAt = &now
			completed = true
		}
		if err := tx.Save(&batch).Error; err != nil {
			return err
		}

		// Drawn liquid leaves every lot proportionally. Row volumes must stay
		// in step with the batch volume or a later blend would compute its
		// fractions against inflated provenance. Fractions are ratios and do
		// not change on a proportional draw.
		rows, err := models.FetchBatchCompositions(tx, businessId, batch.ID)
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].Volume = rows[i].Volume.Mul(batch.CurrentVolume).Div(oldBatch.CurrentVolume)
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
		}

		if completed {
			var vessel models.Vessel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ?", businessId).
				First(&vessel, batch.VesselId).Error; err != nil {
				return err
			}
			vessel.Status = models.VesselStatusCleaning
			if err := tx.Save(&vessel).Error; err != nil {
				return err
			}
		}

		action := models.LedgerEventActionUpdate
		if completed {
			action = models.LedgerEventActionClose
		}
		if err := models.PublishLedgerEvent(ctx, tx, businessId, now, batch.ID,
			models.ReferenceTypeBatch, action, &oldBatch, &batch); err != nil {
			return err
		}

		result = &FillKegsResult{Fills: fills, Batch: &batch, BatchCompleted: completed}
		return nil
	})
	if err != nil {
		config.LogError(logger, "kegFillWorkflow.go", "FillKegs", "transaction", input, err)
		return nil, err
	}
	if err := utils.RemoveRedisList[models.Keg](businessId); err != nil {
		config.LogError(logger, "kegFillWorkflow.go", "FillKegs", "invalidate cache", businessId, err)
	}
	return result, nil
}

// transitionFill applies one state-machine step to a fill and its keg inside
// the caller's transaction. Status is validated server-side against the
// locked row, never trusted from the client.
func transitionFill(ctx context.Context, tx *gorm.DB, businessId string, fill *models.KegFill,
	target models.KegFillStatus, destination string, voidReason string, now time.Time) error {

	if !fill.Status.CanTransitionTo(target) {
		return utils.InvalidStateTransitionError("keg fill",
			models.RequiredStatusFor(target), string(fill.Status))
	}

	old := *fill
	fill.Status = target

	var keg models.Keg
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&keg, fill.KegId).Error; err != nil {
		return err
	}

	switch target {
	case models.KegFillStatusReady:
		keg.Status = models.KegStatusReady
	case models.KegFillStatusDistributed:
		fill.DistributedAt = &now
		fill.Destination = destination
		keg.Status = models.KegStatusDistributed
	case models.KegFillStatusReturned:
		fill.ReturnedAt = &now
		fill.RemainingVolume = decimal.Zero
		keg.Status = models.KegStatusCleaning
	case models.KegFillStatusVoided:
		fill.VoidReason = voidReason
		fill.RemainingVolume = decimal.Zero
		keg.Status = models.KegStatusAvailable
	}

	if err := tx.Save(fill).Error; err != nil {
		return err
	}
	if err := tx.Save(&keg).Error; err != nil {
		return err
	}

	return models.PublishLedgerEvent(ctx, tx, businessId, now, fill.ID,
		models.ReferenceTypeKegFill, models.LedgerEventActionUpdate, &old, fill)
}

func applySingleFillTransition(ctx context.Context, logger *logrus.Logger, fillId int,
	target models.KegFillStatus, destination, voidReason string) (*models.KegFill, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if target == models.KegFillStatusVoided && voidReason == "" {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "void reason is required")
	}

	db := config.GetDB()
	var result *models.KegFill
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fill, err := models.FetchKegFillForUpdate(tx, businessId, fillId)
		if err != nil {
			return err
		}
		if err := transitionFill(ctx, tx, businessId, fill, target, destination, voidReason, time.Now().UTC()); err != nil {
			return err
		}
		result = fill
		return nil
	})
	if err != nil {
		config.LogError(logger, "kegFillWorkflow.go", "applySingleFillTransition", string(target), fillId, err)
		return nil, err
	}
	if err := utils.RemoveRedisList[models.Keg](businessId); err != nil {
		config.LogError(logger, "kegFillWorkflow.go", "applySingleFillTransition", "invalidate cache", businessId, err)
	}
	return result, nil
}

// MarkKegFillReady is the optional QA gate between Filled and Distributed.
func MarkKegFillReady(ctx context.Context, logger *logrus.Logger, fillId int) (*models.KegFill, error) {
	return applySingleFillTransition(ctx, logger, fillId, models.KegFillStatusReady, "", "")
}

func DistributeKegFill(ctx context.Context, logger *logrus.Logger, fillId int, destination string) (*models.KegFill, error) {
	return applySingleFillTransition(ctx, logger, fillId, models.KegFillStatusDistributed, destination, "")
}

// ReturnKegFill closes the distribution cycle: contents are physically gone,
// so remaining volume zeroes out and nothing is restored to any batch.
func ReturnKegFill(ctx context.Context, logger *logrus.Logger, fillId int) (*models.KegFill, error) {
	return applySingleFillTransition(ctx, logger, fillId, models.KegFillStatusReturned, "", "")
}

// VoidKegFill undoes a fill recorded in error. The keg returns straight to
// Available; batch volume is not restored.
func VoidKegFill(ctx context.Context, logger *logrus.Logger, fillId int, reason string) (*models.KegFill, error) {
	return applySingleFillTransition(ctx, logger, fillId, models.KegFillStatusVoided, "", reason)
}

type SkippedFill struct {
	KegFillId int    `json:"keg_fill_id"`
	Reason    string `json:"reason"`
}

type BulkFillResult struct {
	Applied []*models.KegFill `json:"applied"`
	Skipped []SkippedFill     `json:"skipped"`
}

// bulkTransition applies one transition across many fills, partitioning into
// applied and skipped-with-reason instead of failing the whole request. The
// applied subset commits atomically; skipped fills are left untouched.
func bulkTransition(ctx context.Context, logger *logrus.Logger, fillIds []int,
	target models.KegFillStatus, destination string) (*BulkFillResult, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if len(fillIds) == 0 {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "at least one keg fill id is required")
	}

	fillIds = utils.UniqueSlice(fillIds)

	db := config.GetDB()
	result := &BulkFillResult{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, id := range fillIds {
			fill, err := models.FetchKegFillForUpdate(tx, businessId, id)
			if err != nil {
				result.Skipped = append(result.Skipped, SkippedFill{KegFillId: id, Reason: "not found"})
				continue
			}
			if !fill.Status.CanTransitionTo(target) {
				result.Skipped = append(result.Skipped, SkippedFill{
					KegFillId: id,
					Reason:    fmt.Sprintf("requires %s, is %s", models.RequiredStatusFor(target), fill.Status),
				})
				continue
			}
			if err := transitionFill(ctx, tx, businessId, fill, target, destination, "", now); err != nil {
				return err
			}
			result.Applied = append(result.Applied, fill)
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "kegFillWorkflow.go", "bulkTransition", string(target), fillIds, err)
		return nil, err
	}
	if err := utils.RemoveRedisList[models.Keg](businessId); err != nil {
		config.LogError(logger, "kegFillWorkflow.go", "bulkTransition", "invalidate cache", businessId, err)
	}
	return result, nil
}

func BulkDistributeKegFills(ctx context.Context, logger *logrus.Logger, fillIds []int, destination string) (*BulkFillResult, error) {
	return bulkTransition(ctx, logger, fillIds, models.KegFillStatusDistributed, destination)
}

func BulkReturnKegFills(ctx context.Context, logger *logrus.Logger, fillIds []int) (*BulkFillResult, error) {
	return bulkTransition(ctx, logger, fillIds, models.KegFillStatusReturned, "")
}
