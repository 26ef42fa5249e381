package workflow

import (
	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
)

// CompositionRow is the persistence-free view of one provenance slice, used
// by the pure scaling math shared between split and blend.
type CompositionRow struct {
	SourceType models.CompositionSourceType
	SourceId   int
	Volume     decimal.Decimal
	Fraction   decimal.Decimal
}

func toCompositionRows(rows []models.BatchComposition) []CompositionRow {
	out := make([]CompositionRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, CompositionRow{
			SourceType: r.SourceType,
			SourceId:   r.SourceId,
			Volume:     r.Volume,
			Fraction:   r.Fraction,
		})
	}
	return out
}

// ScaleComposition returns a proportional copy of rows with every volume
// multiplied by ratio. Fractions are preserved unchanged: a ratio scales
// absolute volumes, not the relative mix. Pure; input is not mutated.
func ScaleComposition(rows []CompositionRow, ratio decimal.Decimal) []CompositionRow {
	out := make([]CompositionRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, CompositionRow{
			SourceType: r.SourceType,
			SourceId:   r.SourceId,
			Volume:     r.Volume.Mul(ratio),
			Fraction:   r.Fraction,
		})
	}
	return out
}

// RecomputeFractions rewrites every row's fraction as volume/total so the
// row set is consistent with a new total volume. Pure; returns a copy.
func RecomputeFractions(rows []CompositionRow, total decimal.Decimal) []CompositionRow {
	out := make([]CompositionRow, 0, len(rows))
	for _, r := range rows {
		fraction := decimal.Zero
		if total.IsPositive() {
			fraction = r.Volume.Div(total)
		}
		out = append(out, CompositionRow{
			SourceType: r.SourceType,
			SourceId:   r.SourceId,
			Volume:     r.Volume,
			Fraction:   fraction,
		})
	}
	return out
}

// SumFractions totals the fraction column. Callers check the result against
// 1 within rounding tolerance.
func SumFractions(rows []CompositionRow) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Fraction)
	}
	return sum
}

// ResolvedTransfer is the volume arithmetic of one transfer, computed before
// any row is written.
type ResolvedTransfer struct {
	// ActualTransferVolume is what actually leaves the source batch.
	ActualTransferVolume decimal.Decimal
	// AdjustedLoss is ActualTransferVolume - volume: the requested loss plus
	// any rounding slack the tolerance absorbed. The audit row records this,
	// not the requested loss.
	AdjustedLoss decimal.Decimal
	// Remaining is what stays behind in the source vessel.
	Remaining decimal.Decimal
}

// ResolveTransferVolumes applies the tolerance clamp of the transfer
// algorithm: volume+loss may exceed the source volume by at most tolerance;
// within that slack the transfer is clamped to drain the source exactly and
// the difference is folded into the adjusted loss. Pure.
func ResolveTransferVolumes(sourceVolume, volume, loss, tolerance decimal.Decimal) (ResolvedTransfer, error) {
	transferVolume := volume.Add(loss)
	if transferVolume.GreaterThan(sourceVolume.Add(tolerance)) {
		return ResolvedTransfer{}, utils.NewApiError(utils.ErrorKindExceedsAvailableVolume,
			"requested volume plus loss exceeds the source batch volume")
	}

	actual := transferVolume
	if actual.GreaterThan(sourceVolume) {
		actual = sourceVolume
	}

	return ResolvedTransfer{
		ActualTransferVolume: actual,
		AdjustedLoss:         actual.Sub(volume),
		Remaining:            sourceVolume.Sub(actual),
	}, nil
}
