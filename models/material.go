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

// Material is a catalog entry for an input the cellar receives: an apple
// variety pressed on site or a juice product bought in.
type Material struct {
	ID         int            `gorm:"primary_key" json:"id"`
	BusinessId string         `gorm:"index;not null" json:"business_id"`
	Name       string         `gorm:"size:100;not null" json:"name" binding:"required"`
	Kind       string         `gorm:"size:30;not null" json:"kind"`
	Variety    string         `gorm:"size:100" json:"variety"`
	Supplier   string         `gorm:"size:100" json:"supplier"`
	Unit       string         `gorm:"size:10;default:'kg'" json:"unit"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

const (
	MaterialKindFruit     = "FRUIT"
	MaterialKindJuice     = "JUICE"
	MaterialKindPackaging = "PACKAGING"
)

type NewMaterial struct {
	Name     string `json:"name" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	Variety  string `json:"variety"`
	Supplier string `json:"supplier"`
	Unit     string `json:"unit"`
}

func (input *NewMaterial) validate(ctx context.Context, businessId string, id int) error {
	switch input.Kind {
	case MaterialKindFruit, MaterialKindJuice, MaterialKindPackaging:
	default:
		return utils.NewApiError(utils.ErrorKindInvalidInput, "kind must be FRUIT, JUICE or PACKAGING")
	}
	return utils.ValidateUnique[Material](ctx, businessId, "name", input.Name, id)
}

func CreateMaterial(ctx context.Context, input *NewMaterial) (*Material, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	material := Material{
		BusinessId: businessId,
		Name:       input.Name,
		Kind:       input.Kind,
		Variety:    input.Variety,
		Supplier:   input.Supplier,
		Unit:       input.Unit,
	}
	if material.Unit == "" {
		switch material.Kind {
		case MaterialKindJuice:
			material.Unit = "L"
		case MaterialKindPackaging:
			material.Unit = "pcs"
		default:
			material.Unit = "kg"
		}
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&material).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Material](businessId); err != nil {
		config.LogError(config.GetLogger(), "material", "CreateMaterial", "invalidate cache", material.ID, err)
	}
	return &material, nil
}

func UpdateMaterial(ctx context.Context, id int, input *NewMaterial) (*Material, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	material, err := utils.FetchModel[Material](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	material.Name = input.Name
	material.Kind = input.Kind
	material.Variety = input.Variety
	material.Supplier = input.Supplier
	if input.Unit != "" {
		material.Unit = input.Unit
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Save(material).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Material](businessId); err != nil {
		config.LogError(config.GetLogger(), "material", "UpdateMaterial", "invalidate cache", id, err)
	}
	return material, nil
}

func GetMaterial(ctx context.Context, id int) (*Material, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Material](ctx, businessId, id)
}

func ListMaterials(ctx context.Context) ([]*Material, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if cached, err := utils.RetrieveRedisList[Material](businessId); err == nil && cached != nil {
		return cached, nil
	}

	materials, err := utils.FetchAllModels[Material](ctx, businessId)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedisList[Material](materials, businessId); err != nil {
		config.LogError(config.GetLogger(), "material", "ListMaterials", "store cache", businessId, err)
	}
	return materials, nil
}

// PurchaseLineItem is a received lot of a material: one delivery of fruit or
// juice with its quantity and cost. Press runs consume fruit lots by weight;
// juice lots enter batches by volume. Consumption is derived from the
// press_run_loads and batch_compositions tables, never stored here.
type PurchaseLineItem struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	MaterialId   int             `gorm:"index;not null" json:"material_id"`
	Material     *Material       `gorm:"foreignKey:MaterialId" json:"material,omitempty"`
	LotNumber    string          `gorm:"size:50" json:"lot_number"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Unit         string          `gorm:"size:10;not null" json:"unit"`
	UnitCost     decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_cost"`
	ReceivedDate time.Time       `json:"received_date"`
	Archived     bool            `gorm:"default:false" json:"archived"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

type NewPurchaseLineItem struct {
	MaterialId   int             `json:"material_id" binding:"required"`
	LotNumber    string          `json:"lot_number"`
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	Unit         string          `json:"unit"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ReceivedDate time.Time       `json:"received_date"`
}

func (input *NewPurchaseLineItem) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Material](ctx, businessId, input.MaterialId); err != nil {
		return err
	}
	if !input.Quantity.IsPositive() {
		return utils.NewApiError(utils.ErrorKindInvalidInput, "quantity must be positive")
	}
	return nil
}

func CreatePurchaseLineItem(ctx context.Context, input *NewPurchaseLineItem) (*PurchaseLineItem, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	material, err := utils.FetchModel[Material](ctx, businessId, input.MaterialId)
	if err != nil {
		return nil, err
	}

	item := PurchaseLineItem{
		BusinessId:   businessId,
		MaterialId:   input.MaterialId,
		LotNumber:    input.LotNumber,
		Quantity:     input.Quantity,
		Unit:         input.Unit,
		UnitCost:     input.UnitCost,
		ReceivedDate: input.ReceivedDate,
	}
	if item.Unit == "" {
		item.Unit = material.Unit
	}
	if item.ReceivedDate.IsZero() {
		item.ReceivedDate = time.Now().UTC()
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[PurchaseLineItem](businessId); err != nil {
		config.LogError(config.GetLogger(), "material", "CreatePurchaseLineItem", "invalidate cache", item.ID, err)
	}
	return &item, nil
}

func GetPurchaseLineItem(ctx context.Context, id int) (*PurchaseLineItem, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[PurchaseLineItem](ctx, businessId, id, "Material")
}

func ListPurchaseLineItems(ctx context.Context) ([]*PurchaseLineItem, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[PurchaseLineItem](ctx, businessId, "Material")
}

// ArchivePurchaseLineItem hides a depleted lot from pickers. Archived lots
// are still resolvable by id for historical composition rows.
func ArchivePurchaseLineItem(ctx context.Context, id int) (*PurchaseLineItem, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	item, err := utils.FetchModel[PurchaseLineItem](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	item.Archived = true
	db := config.GetDB()
	if err := db.WithContext(ctx).Save(item).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[PurchaseLineItem](businessId); err != nil {
		config.LogError(config.GetLogger(), "material", "ArchivePurchaseLineItem", "invalidate cache", id, err)
	}
	return item, nil
}

// ConsumedQuantity sums all press-run draws against a purchase lot. Runs on
// the supplied handle so workflows can read it under their own locks.
func ConsumedQuantity(tx *gorm.DB, businessId string, lineItemId int) (decimal.Decimal, error) {
	var consumed decimal.NullDecimal
	err := tx.Model(&PressRunLoad{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("business_id = ? AND purchase_line_item_id = ?", businessId, lineItemId).
		Scan(&consumed).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !consumed.Valid {
		return decimal.Zero, nil
	}
	return consumed.Decimal, nil
}

func fetchPurchaseLineItemForUpdate(tx *gorm.DB, businessId string, id int) (*PurchaseLineItem, error) {
	var item PurchaseLineItem
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&item, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("purchase line item")
		}
		return nil, err
	}
	return &item, nil
}
