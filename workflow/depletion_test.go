package workflow

import (
	"testing"

	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/shopspring/decimal"
)

func TestDeriveDepletionStatus(t *testing.T) {
	tolerance := dec("0.01")

	cases := []struct {
		name            string
		total, consumed string
		archived        bool
		want            models.DepletionStatus
	}{
		{"untouched", "100", "0", false, models.DepletionStatusActive},
		{"partial", "100", "40", false, models.DepletionStatusPartiallyDepleted},
		{"exact", "100", "100", false, models.DepletionStatusDepleted},
		{"within tolerance", "100", "99.995", false, models.DepletionStatusDepleted},
		{"just outside tolerance", "100", "99.98", false, models.DepletionStatusPartiallyDepleted},
		{"overconsumed by rounding", "100", "100.002", false, models.DepletionStatusDepleted},
		{"archived wins", "100", "40", true, models.DepletionStatusArchived},
		{"archived untouched", "100", "0", true, models.DepletionStatusArchived},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveDepletionStatus(dec(tc.total), dec(tc.consumed), tolerance, tc.archived)
			if got != tc.want {
				t.Fatalf("DeriveDepletionStatus(%s, %s, archived=%v) = %s, want %s",
					tc.total, tc.consumed, tc.archived, got, tc.want)
			}
		})
	}
}

func TestDeriveDepletionStatusZeroTolerance(t *testing.T) {
	got := DeriveDepletionStatus(dec("50"), dec("50"), decimal.Zero, false)
	if got != models.DepletionStatusDepleted {
		t.Fatalf("exact consumption with zero tolerance = %s, want Depleted", got)
	}
}
