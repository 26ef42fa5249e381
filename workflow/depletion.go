package workflow

import (
	"context"
	"errors"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
)

// LineItemAvailability is the depletion snapshot for one purchase lot.
type LineItemAvailability struct {
	PurchaseLineItemId int                    `json:"purchase_line_item_id"`
	TotalQty           decimal.Decimal        `json:"total_qty"`
	ConsumedQty        decimal.Decimal        `json:"consumed_qty"`
	AvailableQty       decimal.Decimal        `json:"available_qty"`
	AvailablePct       decimal.Decimal        `json:"available_pct"`
	Status             models.DepletionStatus `json:"status"`
	Unit               string                 `json:"unit"`
}

// DeriveDepletionStatus classifies a lot from its consumption. Depleted means
// consumed within rounding tolerance of total; archived wins regardless of
// depletion. Pure.
func DeriveDepletionStatus(total, consumed, tolerance decimal.Decimal, archived bool) models.DepletionStatus {
	if archived {
		return models.DepletionStatusArchived
	}
	if consumed.IsZero() {
		return models.DepletionStatusActive
	}
	if total.Sub(consumed).LessThanOrEqual(tolerance) {
		return models.DepletionStatusDepleted
	}
	return models.DepletionStatusPartiallyDepleted
}

// LineItemAvailable computes {total, consumed, available} for a purchase lot.
// Available never goes negative even if rounding pushed consumption past the
// recorded total.
func LineItemAvailable(ctx context.Context, lineItemId int) (*LineItemAvailability, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	item, err := utils.FetchModel[models.PurchaseLineItem](ctx, businessId, lineItemId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	consumed, err := models.ConsumedQuantity(db.WithContext(ctx), businessId, item.ID)
	if err != nil {
		return nil, err
	}

	available := item.Quantity.Sub(consumed)
	if available.IsNegative() {
		available = decimal.Zero
	}
	pct := decimal.Zero
	if item.Quantity.IsPositive() {
		pct = available.Div(item.Quantity).Mul(decimal.NewFromInt(100))
	}

	return &LineItemAvailability{
		PurchaseLineItemId: item.ID,
		TotalQty:           item.Quantity,
		ConsumedQty:        consumed,
		AvailableQty:       available,
		AvailablePct:       pct,
		Status:             DeriveDepletionStatus(item.Quantity, consumed, config.DepletionRoundingTolerance(), item.Archived),
		Unit:               item.Unit,
	}, nil
}
