package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NumberSeries holds per-module prefixes and counters for generated
// human-facing numbers (batch, transfer, fill, press-run numbers).
type NumberSeries struct {
	ID         int                  `gorm:"primary_key" json:"id"`
	BusinessId string               `gorm:"index;not null" json:"business_id"`
	Name       string               `gorm:"size:100;not null" json:"name" binding:"required"`
	Modules    []NumberSeriesModule `gorm:"foreignKey:SeriesId" json:"modules"`
	CreatedAt  time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt       `gorm:"index" json:"deleted_at"`
}

type NumberSeriesModule struct {
	SeriesId   int    `gorm:"primaryKey;autoIncrement:false" json:"series_id" binding:"required"`
	ModuleName string `gorm:"primaryKey;autoIncrement:false;size:50" json:"module_name" binding:"required"`
	Prefix     string `gorm:"size:10" json:"prefix"`
	NextNumber int64  `gorm:"not null;default:1" json:"next_number"`
}

// Module names with default prefixes.
const (
	NumberModuleBatch    = "BATCH"
	NumberModuleTransfer = "TRANSFER"
	NumberModuleKegFill  = "KEG_FILL"
	NumberModulePressRun = "PRESS_RUN"
)

var defaultNumberPrefixes = map[string]string{
	NumberModuleBatch:    "BT",
	NumberModuleTransfer: "TR",
	NumberModuleKegFill:  "KF",
	NumberModulePressRun: "PR",
}

type NewNumberSeries struct {
	Name    string                  `json:"name" binding:"required"`
	Modules []NewNumberSeriesModule `json:"modules"`
}

type NewNumberSeriesModule struct {
	ModuleName string `json:"module_name" binding:"required"`
	Prefix     string `json:"prefix"`
}

func CreateNumberSeries(ctx context.Context, input *NewNumberSeries) (*NumberSeries, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateUnique[NumberSeries](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	series := NumberSeries{
		BusinessId: businessId,
		Name:       input.Name,
	}
	for _, m := range input.Modules {
		series.Modules = append(series.Modules, NumberSeriesModule{
			ModuleName: m.ModuleName,
			Prefix:     m.Prefix,
			NextNumber: 1,
		})
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&series).Error; err != nil {
		return nil, err
	}
	return &series, nil
}

// seedDefaultNumberSeries creates the standard series for a new business.
func seedDefaultNumberSeries(tx *gorm.DB, businessId string) error {
	series := NumberSeries{
		BusinessId: businessId,
		Name:       "Default",
	}
	for module, prefix := range defaultNumberPrefixes {
		series.Modules = append(series.Modules, NumberSeriesModule{
			ModuleName: module,
			Prefix:     prefix,
			NextNumber: 1,
		})
	}
	return tx.Create(&series).Error
}

// NextTransactionNumber claims the next number for a module, e.g. "TR-000042".
// The counter row is locked FOR UPDATE inside the caller's transaction so
// concurrent claims serialize and numbers never collide.
func NextTransactionNumber(ctx context.Context, tx *gorm.DB, businessId string, moduleName string) (string, error) {
	if businessId == "" {
		return "", errors.New("business id is required")
	}

	var module NumberSeriesModule
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Joins("JOIN number_series ON number_series.id = number_series_modules.series_id").
		Where("number_series.business_id = ? AND number_series_modules.module_name = ?", businessId, moduleName).
		First(&module).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No series configured: fall back to a bare module prefix with a
			// timestamp-free sequence derived from the default prefix table.
			return "", fmt.Errorf("no number series configured for module %s", moduleName)
		}
		return "", err
	}

	seq := module.NextNumber
	if err := tx.WithContext(ctx).Model(&NumberSeriesModule{}).
		Where("series_id = ? AND module_name = ?", module.SeriesId, module.ModuleName).
		Update("next_number", seq+1).Error; err != nil {
		return "", err
	}

	prefix := module.Prefix
	if prefix == "" {
		prefix = defaultNumberPrefixes[moduleName]
	}
	return fmt.Sprintf("%s-%06d", prefix, seq), nil
}
