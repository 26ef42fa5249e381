// ledger-verify scans the volume ledger of a business and reports rows that
// violate its bookkeeping rules:
//
//   - active batch composition volumes must sum to the batch's current volume
//   - composition fractions must sum to 1 (within rounding slack)
//   - a batch must never exceed its vessel's capacity
//   - no two active batches may occupy the same vessel
//   - vessel status must agree with occupancy (Available/Cleaning vessels hold nothing)
//
// Example:
//
//	go run ./cmd/ledger-verify -business-id=a195a02a-ee0c-4047-a6f4-443633d0aca4
//
// Exits non-zero when violations are found so it can run as a cron check.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/shopspring/decimal"
)

var fractionSlack = decimal.RequireFromString("0.000001")

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	verbose := flag.Bool("verbose", false, "Print every batch checked, not just violations")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var biz models.Business
	if err := db.Where("id = ?", *businessID).First(&biz).Error; err != nil {
		fmt.Fprintf(os.Stderr, "business not found: %v\n", err)
		os.Exit(1)
	}
	tolerance := biz.GetTransferTolerance()

	var vessels []models.Vessel
	if err := db.Where("business_id = ?", *businessID).Find(&vessels).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to load vessels: %v\n", err)
		os.Exit(1)
	}
	vesselById := make(map[int]models.Vessel, len(vessels))
	for _, v := range vessels {
		vesselById[v.ID] = v
	}

	var batches []models.Batch
	if err := db.Where("business_id = ?", *businessID).
		Preload("Compositions").
		Find(&batches).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to load batches: %v\n", err)
		os.Exit(1)
	}

	violations := 0
	report := func(format string, args ...any) {
		violations++
		fmt.Printf("VIOLATION: "+format+"\n", args...)
	}

	occupants := map[int][]string{}
	for _, b := range batches {
		if !b.Status.IsActive() {
			continue
		}
		occupants[b.VesselId] = append(occupants[b.VesselId], b.BatchNumber)

		volumeSum := decimal.Zero
		fractionSum := decimal.Zero
		for _, row := range b.Compositions {
			volumeSum = volumeSum.Add(row.Volume)
			fractionSum = fractionSum.Add(row.Fraction)
			if row.Volume.IsNegative() {
				report("batch %s: negative composition volume %s (source %s#%d)",
					b.BatchNumber, row.Volume, row.SourceType, row.SourceId)
			}
		}
		if volumeSum.Sub(b.CurrentVolume).Abs().GreaterThan(tolerance) {
			report("batch %s: composition volumes sum to %s but current volume is %s",
				b.BatchNumber, volumeSum, b.CurrentVolume)
		}
		if len(b.Compositions) > 0 && fractionSum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(fractionSlack) {
			report("batch %s: fractions sum to %s (want 1)", b.BatchNumber, fractionSum)
		}
		if b.CurrentVolume.IsNegative() {
			report("batch %s: negative current volume %s", b.BatchNumber, b.CurrentVolume)
		}

		vessel, ok := vesselById[b.VesselId]
		if !ok {
			report("batch %s: references missing vessel #%d", b.BatchNumber, b.VesselId)
			continue
		}
		if b.CurrentVolume.GreaterThan(vessel.Capacity) {
			report("batch %s: volume %s exceeds capacity %s of vessel %q",
				b.BatchNumber, b.CurrentVolume, vessel.Capacity, vessel.Name)
		}
		if !vessel.Status.IsOccupiedState() {
			report("batch %s: active in vessel %q whose status is %s",
				b.BatchNumber, vessel.Name, vessel.Status)
		}
		if *verbose {
			fmt.Printf("checked batch %s: volume=%s rows=%d vessel=%q\n",
				b.BatchNumber, b.CurrentVolume, len(b.Compositions), vessel.Name)
		}
	}

	for vesselId, batchNumbers := range occupants {
		if len(batchNumbers) > 1 {
			report("vessel #%d holds %d active batches: %s",
				vesselId, len(batchNumbers), strings.Join(batchNumbers, ", "))
		}
	}
	for _, v := range vessels {
		if v.Status.IsOccupiedState() && len(occupants[v.ID]) == 0 {
			report("vessel %q has status %s but no active batch", v.Name, v.Status)
		}
	}

	fmt.Printf("checked %d batches / %d vessels; %d violation(s)\n", len(batches), len(vessels), violations)
	if violations > 0 {
		os.Exit(3)
	}
}
