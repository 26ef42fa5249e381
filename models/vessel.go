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

// Vessel is a physical holding tank. At most one active Batch occupies a
// vessel at a time; the transfer and fill workflows drive its status.
// Vessels are never hard-deleted once used (audit rows reference them).
type Vessel struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	Name       string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Capacity   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"capacity"`
	VolumeUnit string          `gorm:"size:10;default:'L'" json:"volume_unit"`
	Status     VesselStatus    `gorm:"type:enum('Available','Fermenting','Occupied','Cleaning','Maintenance','Aging');default:Available" json:"status"`
	Material   string          `gorm:"size:100" json:"material"`
	Location   string          `gorm:"size:100" json:"location"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

type NewVessel struct {
	Name     string          `json:"name" binding:"required"`
	Capacity decimal.Decimal `json:"capacity" binding:"required"`
	Material string          `json:"material"`
	Location string          `json:"location"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewVessel) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.ValidateUnique[Vessel](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	if !input.Capacity.IsPositive() {
		return utils.NewApiError(utils.ErrorKindInvalidInput, "capacity must be positive")
	}
	return nil
}

func CreateVessel(ctx context.Context, input *NewVessel) (*Vessel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	vessel := Vessel{
		BusinessId: businessId,
		Name:       input.Name,
		Capacity:   input.Capacity,
		VolumeUnit: "L",
		Status:     VesselStatusAvailable,
		Material:   input.Material,
		Location:   input.Location,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&vessel).Error; err != nil {
		return nil, err
	}
	return &vessel, nil
}

func UpdateVessel(ctx context.Context, id int, input *NewVessel) (*Vessel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	vessel, err := utils.FetchModel[Vessel](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// Shrinking capacity below the current occupant's volume would break the
	// capacity invariant.
	if vessel.Status.IsOccupiedState() {
		occupant, err := GetActiveBatchInVessel(config.GetDB().WithContext(ctx), businessId, id)
		if err == nil && occupant != nil && input.Capacity.LessThan(occupant.CurrentVolume) {
			return nil, utils.NewApiError(utils.ErrorKindExceedsVesselCapacity,
				"capacity cannot be reduced below the occupying batch's volume")
		}
	}

	vessel.Name = input.Name
	vessel.Capacity = input.Capacity
	vessel.Material = input.Material
	vessel.Location = input.Location

	db := config.GetDB()
	if err := db.WithContext(ctx).Save(vessel).Error; err != nil {
		return nil, err
	}
	return vessel, nil
}

// DeleteVessel tombstones a vessel. Only never-used vessels may be removed:
// any batch or transfer referencing the vessel blocks the delete.
func DeleteVessel(ctx context.Context, id int) (*Vessel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	vessel, err := utils.FetchModel[Vessel](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	used, err := utils.ResourceCountWhere[Batch](ctx, businessId, "vessel_id = ?", id)
	if err != nil {
		return nil, err
	}
	if used > 0 {
		return nil, utils.ConflictError("vessel has ledger history and cannot be deleted")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(vessel).Error; err != nil {
		return nil, err
	}
	return vessel, nil
}

func GetVessel(ctx context.Context, id int) (*Vessel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Vessel](ctx, businessId, id)
}

func ListVessels(ctx context.Context) ([]*Vessel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Vessel](ctx, businessId)
}

// VesselStatusSummary is the purge/status response.
type VesselStatusSummary struct {
	VesselId      int             `json:"vessel_id"`
	Name          string          `json:"name"`
	Status        VesselStatus    `json:"status"`
	Capacity      decimal.Decimal `json:"capacity"`
	ActiveBatchId *int            `json:"active_batch_id"`
	CurrentVolume decimal.Decimal `json:"current_volume"`
}

// PurgeVessel marks a cleaned vessel available again (Cleaning -> Available).
func PurgeVessel(ctx context.Context, id int) (*VesselStatusSummary, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var summary *VesselStatusSummary
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		vessel, err := fetchVesselForUpdate(tx, businessId, id)
		if err != nil {
			return err
		}
		if vessel.Status != VesselStatusCleaning {
			return utils.InvalidStateTransitionError("vessel", string(VesselStatusCleaning), string(vessel.Status))
		}

		old := *vessel
		vessel.Status = VesselStatusAvailable
		if err := tx.Save(vessel).Error; err != nil {
			return err
		}
		if err := PublishLedgerEvent(ctx, tx, businessId, time.Now().UTC(), vessel.ID,
			ReferenceTypeVessel, LedgerEventActionUpdate, &old, vessel); err != nil {
			return err
		}

		summary = &VesselStatusSummary{
			VesselId:      vessel.ID,
			Name:          vessel.Name,
			Status:        vessel.Status,
			Capacity:      vessel.Capacity,
			CurrentVolume: decimal.Zero,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// fetchVesselForUpdate re-reads the vessel row FOR UPDATE inside tx so status
// checks hold until commit (TOCTOU guard for racing transfers/fills).
func fetchVesselForUpdate(tx *gorm.DB, businessId string, id int) (*Vessel, error) {
	var vessel Vessel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&vessel, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("vessel")
		}
		return nil, err
	}
	return &vessel, nil
}
