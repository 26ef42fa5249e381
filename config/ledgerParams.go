package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// Ledger tunables. Each has an env override and a per-business column override
// (see models.Business); env sets the installation-wide default.

// TransferVolumeTolerance is the rounding slack (in liters) a transfer request
// may exceed the source batch's recorded volume by. The excess is folded into
// the recorded (adjusted) loss, never silently dropped.
//
// Env: TRANSFER_VOLUME_TOLERANCE (default "0.1")
func TransferVolumeTolerance() decimal.Decimal {
	return decimalFromEnv("TRANSFER_VOLUME_TOLERANCE", "0.1")
}

// BatchMinWorkingVolume is the volume (liters) at or below which a batch can
// no longer be drawn from: residual liquid is not trackable at useful
// precision, so the batch auto-completes and releases its vessel for cleaning.
//
// Env: BATCH_MIN_WORKING_VOLUME (default "5")
func BatchMinWorkingVolume() decimal.Decimal {
	return decimalFromEnv("BATCH_MIN_WORKING_VOLUME", "5")
}

// DepletionRoundingTolerance is the slack used when deciding a purchase line
// item is fully consumed (consumed ~= total within tolerance).
//
// Env: DEPLETION_ROUNDING_TOLERANCE (default "0.01")
func DepletionRoundingTolerance() decimal.Decimal {
	return decimalFromEnv("DEPLETION_ROUNDING_TOLERANCE", "0.01")
}

func decimalFromEnv(key string, def string) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}
