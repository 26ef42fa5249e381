package utils

import (
	"context"

	"github.com/mmdatafocus/cellar_backend/config"
	"gorm.io/gorm"
)

func withPreloads(db *gorm.DB, associations []string) *gorm.DB {
	for _, field := range associations {
		db = db.Preload(field)
	}
	return db
}

// FetchSingleModel loads one record by primary key without tenant filtering.
// Callers that use it are responsible for their own scoping (auth lookups,
// internal tooling).
func FetchSingleModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {
	dbCtx := withPreloads(config.GetDB().WithContext(ctx), associations)
	var result T
	if err := dbCtx.First(&result, id).Error; err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// FetchModel loads one tenant-scoped record by primary key.
func FetchModel[T any](ctx context.Context, businessId string, id int, associations ...string) (*T, error) {
	dbCtx := withPreloads(config.GetDB().WithContext(ctx).Where("business_id = ?", businessId), associations)
	var result T
	if err := dbCtx.First(&result, id).Error; err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// FetchAllModels loads all tenant-scoped records of T.
func FetchAllModels[T any](ctx context.Context, businessId string, associations ...string) ([]*T, error) {
	dbCtx := withPreloads(config.GetDB().WithContext(ctx).Where("business_id = ?", businessId), associations)
	var results []*T
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, ErrorRecordNotFound
	}
	return results, nil
}
