package workflow

import (
	"testing"

	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the volume
// arithmetic every transfer goes through before any row is written; the
// DB-backed paths are covered by the docker-gated regression tests in models.

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rows(pairs ...string) []CompositionRow {
	// pairs alternate volume, fraction
	out := make([]CompositionRow, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, CompositionRow{
			SourceType: models.CompositionSourceRawFruitLot,
			SourceId:   i/2 + 1,
			Volume:     dec(pairs[i]),
			Fraction:   dec(pairs[i+1]),
		})
	}
	return out
}

func TestScaleCompositionPreservesFractions(t *testing.T) {
	src := rows("600", "0.6", "400", "0.4")
	scaled := ScaleComposition(src, dec("0.5"))

	if got := scaled[0].Volume; !got.Equal(dec("300")) {
		t.Fatalf("row 0 volume = %s, want 300", got)
	}
	if got := scaled[1].Volume; !got.Equal(dec("200")) {
		t.Fatalf("row 1 volume = %s, want 200", got)
	}
	// A proportional draw never changes the relative mix.
	for i := range scaled {
		if !scaled[i].Fraction.Equal(src[i].Fraction) {
			t.Fatalf("row %d fraction changed: %s -> %s", i, src[i].Fraction, scaled[i].Fraction)
		}
	}
	// Input must not be mutated.
	if !src[0].Volume.Equal(dec("600")) {
		t.Fatalf("input mutated: %s", src[0].Volume)
	}
}

func TestRecomputeFractionsSumsToOne(t *testing.T) {
	blended := rows("300", "0", "200", "0", "500", "0")
	out := RecomputeFractions(blended, dec("1000"))

	want := []string{"0.3", "0.2", "0.5"}
	for i, w := range want {
		if !out[i].Fraction.Equal(dec(w)) {
			t.Fatalf("row %d fraction = %s, want %s", i, out[i].Fraction, w)
		}
	}
	if sum := SumFractions(out); !sum.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fractions sum to %s, want 1", sum)
	}
}

func TestRecomputeFractionsZeroTotal(t *testing.T) {
	out := RecomputeFractions(rows("10", "1"), decimal.Zero)
	if !out[0].Fraction.IsZero() {
		t.Fatalf("fraction = %s, want 0 when total is 0", out[0].Fraction)
	}
}

func TestResolveTransferVolumesPlain(t *testing.T) {
	got, err := ResolveTransferVolumes(dec("1000"), dec("600"), dec("5"), dec("0.5"))
	if err != nil {
		t.Fatalf("ResolveTransferVolumes: %v", err)
	}
	if !got.ActualTransferVolume.Equal(dec("605")) {
		t.Fatalf("actual = %s, want 605", got.ActualTransferVolume)
	}
	if !got.AdjustedLoss.Equal(dec("5")) {
		t.Fatalf("adjusted loss = %s, want 5", got.AdjustedLoss)
	}
	if !got.Remaining.Equal(dec("395")) {
		t.Fatalf("remaining = %s, want 395", got.Remaining)
	}
}

func TestResolveTransferVolumesToleranceClamp(t *testing.T) {
	// Requested draw overshoots the source by 0.3, inside the 0.5 slack:
	// the transfer drains the source exactly and the overshoot is folded
	// into the adjusted loss.
	got, err := ResolveTransferVolumes(dec("1000"), dec("998"), dec("2.3"), dec("0.5"))
	if err != nil {
		t.Fatalf("ResolveTransferVolumes: %v", err)
	}
	if !got.ActualTransferVolume.Equal(dec("1000")) {
		t.Fatalf("actual = %s, want 1000 (clamped)", got.ActualTransferVolume)
	}
	if !got.AdjustedLoss.Equal(dec("2")) {
		t.Fatalf("adjusted loss = %s, want 2", got.AdjustedLoss)
	}
	if !got.Remaining.IsZero() {
		t.Fatalf("remaining = %s, want 0", got.Remaining)
	}
}

func TestResolveTransferVolumesOverTolerance(t *testing.T) {
	_, err := ResolveTransferVolumes(dec("1000"), dec("999"), dec("2"), dec("0.5"))
	if err == nil {
		t.Fatal("expected error when volume+loss exceeds source beyond tolerance")
	}
	if kind := utils.KindOf(err); kind != utils.ErrorKindExceedsAvailableVolume {
		t.Fatalf("error kind = %s, want EXCEEDS_AVAILABLE_VOLUME", kind)
	}
}

func TestResolveTransferVolumesExactDrain(t *testing.T) {
	got, err := ResolveTransferVolumes(dec("500"), dec("500"), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("ResolveTransferVolumes: %v", err)
	}
	if !got.Remaining.IsZero() || !got.AdjustedLoss.IsZero() {
		t.Fatalf("remaining=%s loss=%s, want both 0", got.Remaining, got.AdjustedLoss)
	}
}
