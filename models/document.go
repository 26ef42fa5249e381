package models

import (
	"context"
	"errors"
	"mime/multipart"
	"path/filepath"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"gorm.io/gorm"
)

// Document is a polymorphic attachment (lab sheet, delivery note, photo)
// stored in GCS and linked to a ledger entity by reference type + id.
type Document struct {
	ID            int    `gorm:"primary_key" json:"id"`
	DocumentUrl   string `json:"document_url"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   int    `json:"reference_id"`
}

type NewDocument struct {
	DocumentUrl string `json:"document_url" binding:"required"`
}

type UploadResponse struct {
	FileUrl string `json:"file_url"`
}

// Polymorphic reference tables documents may attach to. Unknown types are
// denied rather than risking cross-tenant leakage.
var documentTableByRefType = map[string]string{
	"batches":             "batches",
	"batch_transfers":     "batch_transfers",
	"press_runs":          "press_runs",
	"keg_fills":           "keg_fills",
	"purchase_line_items": "purchase_line_items",
	"vessels":             "vessels",
	"kegs":                "kegs",
}

func CreateDocument(ctx context.Context, input *NewDocument, referenceType string, referenceId int) (*Document, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if _, ok := documentTableByRefType[referenceType]; !ok {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "unknown reference type")
	}
	if err := validateDocumentReference(ctx, businessId, referenceType, referenceId); err != nil {
		return nil, err
	}

	objectKey := utils.ExtractObjectKeyFromURL(input.DocumentUrl)
	if objectKey == "" {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "invalid document url")
	}
	if ok, err := utils.ObjectExistsInGCS(ctx, objectKey); !ok || err != nil {
		return nil, utils.NotFoundError("uploaded object")
	}

	doc := Document{
		DocumentUrl:   input.DocumentUrl,
		ReferenceType: referenceType,
		ReferenceID:   referenceId,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func GetDocument(ctx context.Context, id int) (*Document, error) {
	var result Document
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	// Enforce tenant ownership (fail closed) unless explicitly bypassed for
	// admin/internal ops.
	if skip, ok := utils.GetSkipTenantScopeFromContext(ctx); ok && skip {
		return &result, nil
	}
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return &result, nil
	}

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if result.ReferenceType == "" || result.ReferenceID <= 0 {
		return nil, errors.New("unauthorized")
	}
	if err := validateDocumentReference(ctx, businessId, result.ReferenceType, result.ReferenceID); err != nil {
		return nil, errors.New("unauthorized")
	}
	return &result, nil
}

func validateDocumentReference(ctx context.Context, businessId string, referenceType string, referenceId int) error {
	table, ok := documentTableByRefType[referenceType]
	if !ok || table == "" {
		return errors.New("unauthorized")
	}

	var count int64
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Table(table).
		Where("business_id = ? AND id = ?", businessId, referenceId).
		Count(&count).Error; err != nil {
		return err
	}
	if count <= 0 {
		return utils.NotFoundError("referenced record")
	}
	return nil
}

func DeleteDocument(ctx context.Context, id int) (*Document, error) {
	doc, err := GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Document{}, doc.ID).Error; err != nil {
			return err
		}
		objectKey := utils.ExtractObjectKeyFromURL(doc.DocumentUrl)
		if objectKey == "" {
			return nil
		}
		return utils.DeleteObjectFromGCS(ctx, objectKey)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UploadFile streams a multipart upload into GCS under the tenant's prefix
// and returns the public access URL.
func UploadFile(ctx context.Context, header *multipart.FileHeader) (*UploadResponse, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "file has no extension")
	}

	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	objectKey := filepath.Join(businessId, "documents", utils.GenerateUniqueFilename()+ext)
	if err := utils.UploadFileToGCS(ctx, objectKey, file); err != nil {
		return nil, err
	}

	return &UploadResponse{FileUrl: utils.BuildObjectAccessURL(objectKey)}, nil
}

// RemoveFile deletes an uploaded object that no document row references.
func RemoveFile(ctx context.Context, fullUrl string) (*UploadResponse, error) {
	var count int64
	db := config.GetDB()
	if err := db.Model(&Document{}).WithContext(ctx).Where("document_url = ?", fullUrl).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, utils.ConflictError("cannot delete file associated with a document")
	}

	objectKey := utils.ExtractObjectKeyFromURL(fullUrl)
	if objectKey == "" {
		return nil, utils.NewApiError(utils.ErrorKindInvalidInput, "invalid url")
	}
	if ok, err := utils.ObjectExistsInGCS(ctx, objectKey); !ok || err != nil {
		return nil, utils.NotFoundError("object")
	}
	if err := utils.DeleteObjectFromGCS(ctx, objectKey); err != nil {
		return nil, err
	}

	return &UploadResponse{FileUrl: fullUrl}, nil
}
