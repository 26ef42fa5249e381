package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/middlewares"
	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/mmdatafocus/cellar_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer = otel.Tracer("cellar-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// httpStatusForKind maps the stable error kinds onto HTTP statuses.
// Volume/quantity violations are 422 (request was well-formed but the ledger
// state refuses it); state-machine violations are 409 alongside uniqueness
// conflicts.
func httpStatusForKind(kind utils.ErrorKind) int {
	switch kind {
	case utils.ErrorKindNotFound:
		return http.StatusNotFound
	case utils.ErrorKindConflict, utils.ErrorKindInvalidStateTransition,
		utils.ErrorKindVesselNotAvailable, utils.ErrorKindKegNotAvailable,
		utils.ErrorKindBatchClosed:
		return http.StatusConflict
	case utils.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case utils.ErrorKindNoActiveBatch, utils.ErrorKindExceedsAvailableVolume,
		utils.ErrorKindExceedsVesselCapacity, utils.ErrorKindInsufficientQuantity,
		utils.ErrorKindInsufficientVolume:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	kind := utils.KindOf(err)
	status := httpStatusForKind(kind)
	if status == http.StatusInternalServerError {
		// Don't leak driver errors to clients; the error logger middleware
		// records the detail.
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}

// bindingErrorResponse turns gin binding failures into a field->tag map so
// clients can highlight the offending inputs.
func bindingErrorResponse(err error) gin.H {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)}
	}
	return gin.H{"error": err.Error()}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		token, user, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	}
}

func meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := models.GetUserById(c.Request.Context(), userId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func createVesselHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewVessel
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		vessel, err := models.CreateVessel(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, vessel)
	}
}

func updateVesselHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewVessel
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		vessel, err := models.UpdateVessel(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, vessel)
	}
}

func deleteVesselHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		vessel, err := models.DeleteVessel(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, vessel)
	}
}

func getVesselHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		vessel, err := models.GetVessel(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, vessel)
	}
}

func listVesselsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		vessels, err := models.ListVessels(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, vessels)
	}
}

func purgeVesselHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		summary, err := models.PurgeVessel(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func createKegHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewKeg
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		keg, err := models.CreateKeg(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, keg)
	}
}

func updateKegHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewKeg
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		keg, err := models.UpdateKeg(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, keg)
	}
}

func getKegHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		keg, err := models.GetKeg(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, keg)
	}
}

func listKegsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		kegs, err := models.ListKegs(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, kegs)
	}
}

func retireKegHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		keg, err := models.RetireKeg(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, keg)
	}
}

func cleanKegHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		keg, err := models.CleanKeg(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, keg)
	}
}

func createMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewMaterial
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		material, err := models.CreateMaterial(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, material)
	}
}

func updateMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewMaterial
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		material, err := models.UpdateMaterial(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, material)
	}
}

func getMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		material, err := models.GetMaterial(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, material)
	}
}

func listMaterialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		materials, err := models.ListMaterials(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, materials)
	}
}

func createPurchaseLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPurchaseLineItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		item, err := models.CreatePurchaseLineItem(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func getPurchaseLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		item, err := models.GetPurchaseLineItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func listPurchaseLineItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := models.ListPurchaseLineItems(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

func archivePurchaseLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		item, err := models.ArchivePurchaseLineItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func lineItemAvailabilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		availability, err := workflow.LineItemAvailable(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, availability)
	}
}

func createPressRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPressRun
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		pressRun, err := models.CreatePressRun(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, pressRun)
	}
}

func getPressRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		pressRun, err := models.GetPressRun(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, pressRun)
	}
}

func listPressRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pressRuns, err := models.ListPressRuns(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, pressRuns)
	}
}

func getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.BatchStatus
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			s := models.BatchStatus(raw)
			if !s.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch status: " + raw})
				return
			}
			status = &s
		}
		batches, err := models.ListBatches(c.Request.Context(), status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batches)
	}
}

type batchStatusRequest struct {
	Status models.BatchStatus `json:"status" binding:"required"`
}

func updateBatchStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req batchStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		batch, err := models.UpdateBatchStatus(c.Request.Context(), id, req.Status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func createTransferHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.TransferInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		spanCtx, span := tracer.Start(c.Request.Context(), "batch-transfer", trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		result, err := workflow.ExecuteBatchTransfer(spanCtx, logger, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func getTransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		transfer, err := models.GetBatchTransfer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	}
}

func listTransfersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		transfers, err := models.ListBatchTransfers(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfers)
	}
}

func createKegFillsHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.FillKegsInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		spanCtx, span := tracer.Start(c.Request.Context(), "keg-fill", trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		result, err := workflow.FillKegs(spanCtx, logger, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func getKegFillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		fill, err := models.GetKegFill(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fill)
	}
}

func listKegFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.KegFillStatus
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			s := models.KegFillStatus(raw)
			if !s.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid keg fill status: " + raw})
				return
			}
			status = &s
		}
		fills, err := models.ListKegFills(c.Request.Context(), status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fills)
	}
}

func readyKegFillHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		fill, err := workflow.MarkKegFillReady(c.Request.Context(), logger, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fill)
	}
}

type distributeRequest struct {
	Destination string `json:"destination"`
}

func distributeKegFillHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req distributeRequest
		// Body is optional; destination may be blank.
		_ = c.ShouldBindJSON(&req)
		fill, err := workflow.DistributeKegFill(c.Request.Context(), logger, id, req.Destination)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fill)
	}
}

func returnKegFillHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		fill, err := workflow.ReturnKegFill(c.Request.Context(), logger, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fill)
	}
}

type voidRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func voidKegFillHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req voidRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a void reason is required"})
			return
		}
		fill, err := workflow.VoidKegFill(c.Request.Context(), logger, id, req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fill)
	}
}

type bulkDistributeRequest struct {
	FillIds     []int  `json:"fill_ids" binding:"required"`
	Destination string `json:"destination"`
}

func bulkDistributeKegFillsHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkDistributeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		result, err := workflow.BulkDistributeKegFills(c.Request.Context(), logger, req.FillIds, req.Destination)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type bulkReturnRequest struct {
	FillIds []int `json:"fill_ids" binding:"required"`
}

func bulkReturnKegFillsHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkReturnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		result, err := workflow.BulkReturnKegFills(c.Request.Context(), logger, req.FillIds)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func uploadFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		resp, err := models.UploadFile(c.Request.Context(), header)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

func createDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		referenceType := c.Param("referenceType")
		referenceId, err := strconv.Atoi(c.Param("referenceId"))
		if err != nil || referenceId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		var input models.NewDocument
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err))
			return
		}
		doc, err := models.CreateDocument(c.Request.Context(), &input, referenceType, referenceId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

func getDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		doc, err := models.GetDocument(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func deleteDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		doc, err := models.DeleteDocument(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func registerRoutes(r *gin.Engine, logger *logrus.Logger) {
	r.POST("/auth/login", loginHandler())

	api := r.Group("/")
	api.Use(middlewares.RequireAuth())

	api.GET("/auth/me", meHandler())

	api.POST("/vessels", createVesselHandler())
	api.GET("/vessels", listVesselsHandler())
	api.GET("/vessels/:id", getVesselHandler())
	api.PUT("/vessels/:id", updateVesselHandler())
	api.DELETE("/vessels/:id", deleteVesselHandler())
	api.POST("/vessels/:id/purge", purgeVesselHandler())

	api.POST("/kegs", createKegHandler())
	api.GET("/kegs", listKegsHandler())
	api.GET("/kegs/:id", getKegHandler())
	api.PUT("/kegs/:id", updateKegHandler())
	api.POST("/kegs/:id/retire", retireKegHandler())
	api.POST("/kegs/:id/clean", cleanKegHandler())

	api.POST("/materials", createMaterialHandler())
	api.GET("/materials", listMaterialsHandler())
	api.GET("/materials/:id", getMaterialHandler())
	api.PUT("/materials/:id", updateMaterialHandler())

	api.POST("/purchase-line-items", createPurchaseLineItemHandler())
	api.GET("/purchase-line-items", listPurchaseLineItemsHandler())
	api.GET("/purchase-line-items/:id", getPurchaseLineItemHandler())
	api.POST("/purchase-line-items/:id/archive", archivePurchaseLineItemHandler())
	api.GET("/purchase-line-items/:id/availability", lineItemAvailabilityHandler())

	api.POST("/press-runs", createPressRunHandler())
	api.GET("/press-runs", listPressRunsHandler())
	api.GET("/press-runs/:id", getPressRunHandler())

	api.GET("/batches", listBatchesHandler())
	api.GET("/batches/:id", getBatchHandler())
	api.POST("/batches/:id/status", updateBatchStatusHandler())

	api.POST("/transfers", createTransferHandler(logger))
	api.GET("/transfers", listTransfersHandler())
	api.GET("/transfers/:id", getTransferHandler())

	api.POST("/keg-fills", createKegFillsHandler(logger))
	api.GET("/keg-fills", listKegFillsHandler())
	api.GET("/keg-fills/:id", getKegFillHandler())
	api.POST("/keg-fills/:id/ready", readyKegFillHandler(logger))
	api.POST("/keg-fills/:id/distribute", distributeKegFillHandler(logger))
	api.POST("/keg-fills/:id/return", returnKegFillHandler(logger))
	api.POST("/keg-fills/:id/void", voidKegFillHandler(logger))
	api.POST("/keg-fills/bulk-distribute", bulkDistributeKegFillsHandler(logger))
	api.POST("/keg-fills/bulk-return", bulkReturnKegFillsHandler(logger))

	api.POST("/uploads", uploadFileHandler())
	api.POST("/documents/:referenceType/:referenceId", createDocumentHandler())
	api.GET("/documents/:id", getDocumentHandler())
	api.DELETE("/documents/:id", deleteDocumentHandler())
}

func main() {
	port := os.Getenv("API_PORT_2")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationIdMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r, logger)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
