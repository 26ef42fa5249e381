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

// Keg is a reusable distribution container. KegNumber is the physical asset
// tag stamped on the shell and must be unique per business.
type Keg struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	KegNumber  string          `gorm:"size:30;not null;index:idx_keg_number,unique" json:"keg_number"`
	Type       string          `gorm:"size:30" json:"type"`
	Capacity   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"capacity"`
	Status     KegStatus       `gorm:"type:enum('Available','Filled','Ready','Distributed','Cleaning','Retired');default:Available" json:"status"`
	Condition  string          `gorm:"size:30;default:'Good'" json:"condition"`
	Location   string          `gorm:"size:100" json:"location"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

type NewKeg struct {
	KegNumber string          `json:"keg_number" binding:"required"`
	Type      string          `json:"type"`
	Capacity  decimal.Decimal `json:"capacity" binding:"required"`
	Condition string          `json:"condition"`
	Location  string          `json:"location"`
}

func (input *NewKeg) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.ValidateUnique[Keg](ctx, businessId, "keg_number", input.KegNumber, id); err != nil {
		return err
	}
	if !input.Capacity.IsPositive() {
		return utils.NewApiError(utils.ErrorKindInvalidInput, "capacity must be positive")
	}
	return nil
}

func CreateKeg(ctx context.Context, input *NewKeg) (*Keg, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	keg := Keg{
		BusinessId: businessId,
		KegNumber:  input.KegNumber,
		Type:       input.Type,
		Capacity:   input.Capacity,
		Status:     KegStatusAvailable,
		Condition:  input.Condition,
		Location:   input.Location,
	}
	if keg.Condition == "" {
		keg.Condition = "Good"
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&keg).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.ConflictError("keg number is already in use")
		}
		return nil, err
	}
	if err := utils.RemoveRedisList[Keg](businessId); err != nil {
		config.LogError(config.GetLogger(), "keg", "CreateKeg", "invalidate cache", keg.ID, err)
	}
	return &keg, nil
}

func UpdateKeg(ctx context.Context, id int, input *NewKeg) (*Keg, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	keg, err := utils.FetchModel[Keg](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	keg.KegNumber = input.KegNumber
	keg.Type = input.Type
	keg.Capacity = input.Capacity
	keg.Location = input.Location
	if input.Condition != "" {
		keg.Condition = input.Condition
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Save(keg).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Keg](businessId); err != nil {
		config.LogError(config.GetLogger(), "keg", "UpdateKeg", "invalidate cache", id, err)
	}
	return keg, nil
}

func GetKeg(ctx context.Context, id int) (*Keg, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Keg](ctx, businessId, id)
}

func ListKegs(ctx context.Context) ([]*Keg, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if cached, err := utils.RetrieveRedisList[Keg](businessId); err == nil && cached != nil {
		return cached, nil
	}

	kegs, err := utils.FetchAllModels[Keg](ctx, businessId)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedisList[Keg](kegs, businessId); err != nil {
		config.LogError(config.GetLogger(), "keg", "ListKegs", "store cache", businessId, err)
	}
	return kegs, nil
}

// RetireKeg takes a shell out of circulation permanently.
func RetireKeg(ctx context.Context, id int) (*Keg, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result *Keg
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keg, err := fetchKegForUpdate(tx, businessId, id)
		if err != nil {
			return err
		}
		if keg.Status == KegStatusFilled || keg.Status == KegStatusReady || keg.Status == KegStatusDistributed {
			return utils.NewApiError(utils.ErrorKindKegNotAvailable, "keg holds product and cannot be retired")
		}
		keg.Status = KegStatusRetired
		if err := tx.Save(keg).Error; err != nil {
			return err
		}
		result = keg
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Keg](businessId); err != nil {
		config.LogError(config.GetLogger(), "keg", "RetireKeg", "invalidate cache", id, err)
	}
	return result, nil
}

// CleanKeg puts a washed shell back into circulation (Cleaning -> Available),
// closing the fill/return cycle the same way PurgeVessel does for tanks.
func CleanKeg(ctx context.Context, id int) (*Keg, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result *Keg
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keg, err := fetchKegForUpdate(tx, businessId, id)
		if err != nil {
			return err
		}
		if keg.Status != KegStatusCleaning {
			return utils.InvalidStateTransitionError("keg", string(KegStatusCleaning), string(keg.Status))
		}
		keg.Status = KegStatusAvailable
		if err := tx.Save(keg).Error; err != nil {
			return err
		}
		result = keg
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Keg](businessId); err != nil {
		config.LogError(config.GetLogger(), "keg", "CleanKeg", "invalidate cache", id, err)
	}
	return result, nil
}

func fetchKegForUpdate(tx *gorm.DB, businessId string, id int) (*Keg, error) {
	var keg Keg
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&keg, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("keg")
		}
		return nil, err
	}
	return &keg, nil
}
