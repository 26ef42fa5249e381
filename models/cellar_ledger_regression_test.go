package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/models"
	"github.com/mmdatafocus/cellar_backend/utils"
	"github.com/mmdatafocus/cellar_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// End-to-end volume ledger regression: press run opens a batch with lot
// provenance, a split leaves a remaining batch behind, a blend merges two
// batches, and keg fills decrement the batch and walk the fill state machine.
// Volume conservation and fraction sums are asserted after every step.
func TestVolumeLedgerEndToEnd(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	logger := logrus.New()

	// Two fruit lots: 600kg + 400kg of different varieties.
	apple := createMaterial(t, ctx, "Dabinett", models.MaterialKindFruit)
	pear := createMaterial(t, ctx, "Conference Pear", models.MaterialKindFruit)
	lotA := createLot(t, ctx, apple.ID, "LOT-A", "600")
	lotB := createLot(t, ctx, pear.ID, "LOT-B", "400")

	tankA := createVessel(t, ctx, "Tank A", "1000")
	tankB := createVessel(t, ctx, "Tank B", "800")

	// Press run: 300kg + 200kg pressed into 500L of juice in Tank A.
	pressRun, err := models.CreatePressRun(ctx, &models.NewPressRun{
		VesselId:    tankA.ID,
		BatchName:   "Autumn Blend",
		JuiceVolume: dec(t, "500"),
		Loads: []models.NewPressRunLoad{
			{PurchaseLineItemId: lotA.ID, Quantity: dec(t, "300")},
			{PurchaseLineItemId: lotB.ID, Quantity: dec(t, "200")},
		},
	})
	if err != nil {
		t.Fatalf("CreatePressRun: %v", err)
	}

	batch, err := models.GetBatch(ctx, pressRun.BatchId)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.Status != models.BatchStatusFermenting {
		t.Fatalf("batch status = %s, want Fermenting", batch.Status)
	}
	assertVolume(t, "batch after press", batch.CurrentVolume, "500")
	assertCompositions(t, ctx, batch.ID, map[int]string{lotA.ID: "300", lotB.ID: "200"})

	tankA = mustGetVessel(t, ctx, tankA.ID)
	if tankA.Status != models.VesselStatusFermenting {
		t.Fatalf("tank A status = %s, want Fermenting", tankA.Status)
	}

	// Lot A availability reflects the 300kg load.
	avail, err := workflow.LineItemAvailable(ctx, lotA.ID)
	if err != nil {
		t.Fatalf("LineItemAvailable: %v", err)
	}
	assertVolume(t, "lot A consumed", avail.ConsumedQty, "300")
	assertVolume(t, "lot A available", avail.AvailableQty, "300")
	if avail.Status != models.DepletionStatusPartiallyDepleted {
		t.Fatalf("lot A status = %s, want PartiallyDepleted", avail.Status)
	}

	// Over-drawing a lot is rejected and nothing is written.
	tankSpare := createVessel(t, ctx, "Spare Tank", "1000")
	_, err = models.CreatePressRun(ctx, &models.NewPressRun{
		VesselId:    tankSpare.ID,
		BatchName:   "Overdraw",
		JuiceVolume: dec(t, "100"),
		Loads: []models.NewPressRunLoad{
			{PurchaseLineItemId: lotA.ID, Quantity: dec(t, "9999")},
		},
	})
	if kind := utils.KindOf(err); kind != utils.ErrorKindInsufficientQuantity {
		t.Fatalf("overdraw error kind = %q, want INSUFFICIENT_QUANTITY (err=%v)", kind, err)
	}
	if v := mustGetVessel(t, ctx, tankSpare.ID); v.Status != models.VesselStatusAvailable {
		t.Fatalf("spare tank status = %s after failed press run, want Available", v.Status)
	}

	// Split: move 300L (+5L loss) from Tank A to Tank B. 195L stays behind
	// as a remaining batch.
	loss := dec(t, "5")
	split, err := workflow.ExecuteBatchTransfer(ctx, logger, &workflow.TransferInput{
		SourceVesselId: tankA.ID,
		DestVesselId:   tankB.ID,
		Volume:         dec(t, "300"),
		Loss:           &loss,
	})
	if err != nil {
		t.Fatalf("ExecuteBatchTransfer (split): %v", err)
	}
	if split.Transfer.Kind != models.TransferKindSplit {
		t.Fatalf("transfer kind = %s, want Split", split.Transfer.Kind)
	}
	assertVolume(t, "moved batch", split.DestBatch.CurrentVolume, "300")
	if split.RemainingBatch == nil {
		t.Fatal("split produced no remaining batch")
	}
	assertVolume(t, "remaining batch", split.RemainingBatch.CurrentVolume, "195")
	assertVolume(t, "recorded loss", split.Transfer.LossVolume, "5")
	// The moved batch keeps the 60/40 mix: 180L apple, 120L pear.
	assertCompositions(t, ctx, split.DestBatch.ID, map[int]string{lotA.ID: "180", lotB.ID: "120"})
	assertCompositions(t, ctx, split.RemainingBatch.ID, map[int]string{lotA.ID: "117", lotB.ID: "78"})

	if v := mustGetVessel(t, ctx, tankB.ID); !v.Status.IsOccupiedState() {
		t.Fatalf("tank B status = %s, want occupied", v.Status)
	}

	// Blend: drain the remaining 195L from Tank A into Tank B's batch.
	blend, err := workflow.ExecuteBatchTransfer(ctx, logger, &workflow.TransferInput{
		SourceVesselId: tankA.ID,
		DestVesselId:   tankB.ID,
		Volume:         dec(t, "195"),
	})
	if err != nil {
		t.Fatalf("ExecuteBatchTransfer (blend): %v", err)
	}
	if blend.Transfer.Kind != models.TransferKindBlend {
		t.Fatalf("transfer kind = %s, want Blend", blend.Transfer.Kind)
	}
	assertVolume(t, "blended batch", blend.DestBatch.CurrentVolume, "495")
	assertCompositions(t, ctx, blend.DestBatch.ID, map[int]string{lotA.ID: "297", lotB.ID: "198"})

	source, err := models.GetBatch(ctx, blend.SourceBatch.ID)
	if err != nil {
		t.Fatalf("GetBatch (blended source): %v", err)
	}
	if source.Status != models.BatchStatusBlended {
		t.Fatalf("source batch status = %s, want Blended", source.Status)
	}
	if v := mustGetVessel(t, ctx, tankA.ID); v.Status != models.VesselStatusCleaning {
		t.Fatalf("tank A status = %s after drain, want Cleaning", v.Status)
	}

	// Keg fills: 30L + 50L kegs plus 2L fill loss leaves 413L in the batch.
	caps := createMaterial(t, ctx, "Keg Caps", models.MaterialKindPackaging)
	keg1 := createKeg(t, ctx, "KEG-001", "30")
	keg2 := createKeg(t, ctx, "KEG-002", "50")
	keg3 := createKeg(t, ctx, "KEG-003", "30")
	if k := mustGetKeg(t, ctx, keg1.ID); k.Type != "Sankey" || k.Location != "Cold Room" {
		t.Fatalf("keg 1 type=%q location=%q, want Sankey / Cold Room", k.Type, k.Location)
	}

	fillLoss := dec(t, "2")
	fills, err := workflow.FillKegs(ctx, logger, &workflow.FillKegsInput{
		BatchId:  blend.DestBatch.ID,
		VesselId: tankB.ID,
		Fills: []workflow.KegFillLine{
			{KegId: keg1.ID, VolumeTaken: dec(t, "30")},
			{KegId: keg2.ID, VolumeTaken: dec(t, "50")},
			{KegId: keg3.ID, VolumeTaken: dec(t, "30")},
		},
		Loss:      &fillLoss,
		Materials: []workflow.KegFillMaterialLine{{MaterialId: caps.ID, Quantity: dec(t, "3")}},
	})
	if err != nil {
		t.Fatalf("FillKegs: %v", err)
	}
	if len(fills.Fills) != 3 {
		t.Fatalf("got %d fills, want 3", len(fills.Fills))
	}
	assertVolume(t, "batch after fills", fills.Batch.CurrentVolume, "383")
	if fills.BatchCompleted {
		t.Fatal("batch should not auto-complete at 383L")
	}
	// Drawing 112L of a 495L batch shrinks every provenance row by the same
	// ratio: 297*383/495 and 198*383/495. Fractions stay 0.6/0.4.
	assertCompositions(t, ctx, blend.DestBatch.ID, map[int]string{lotA.ID: "229.8", lotB.ID: "153.2"})

	// Overfilling a keg is rejected.
	_, err = workflow.FillKegs(ctx, logger, &workflow.FillKegsInput{
		BatchId:  blend.DestBatch.ID,
		VesselId: tankB.ID,
		Fills:    []workflow.KegFillLine{{KegId: keg1.ID, VolumeTaken: dec(t, "10")}},
	})
	if kind := utils.KindOf(err); kind != utils.ErrorKindKegNotAvailable {
		t.Fatalf("refill error kind = %q, want KEG_NOT_AVAILABLE (err=%v)", kind, err)
	}

	// Walk fill 1 through the happy path: Ready -> Distributed -> Returned.
	f1 := fills.Fills[0]
	if _, err := workflow.MarkKegFillReady(ctx, logger, f1.ID); err != nil {
		t.Fatalf("MarkKegFillReady: %v", err)
	}
	distributed, err := workflow.DistributeKegFill(ctx, logger, f1.ID, "Taproom 12")
	if err != nil {
		t.Fatalf("DistributeKegFill: %v", err)
	}
	if distributed.Destination != "Taproom 12" || distributed.DistributedAt == nil {
		t.Fatalf("distribution not recorded: dest=%q at=%v", distributed.Destination, distributed.DistributedAt)
	}
	returned, err := workflow.ReturnKegFill(ctx, logger, f1.ID)
	if err != nil {
		t.Fatalf("ReturnKegFill: %v", err)
	}
	if returned.Status != models.KegFillStatusReturned || !returned.RemainingVolume.IsZero() {
		t.Fatalf("return: status=%s remaining=%s", returned.Status, returned.RemainingVolume)
	}
	if k := mustGetKeg(t, ctx, keg1.ID); k.Status != models.KegStatusCleaning {
		t.Fatalf("keg 1 status = %s after return, want Cleaning", k.Status)
	}
	// Contents are never restored to the batch on return.
	b, _ := models.GetBatch(ctx, blend.DestBatch.ID)
	assertVolume(t, "batch after return", b.CurrentVolume, "383")

	// Washing the shell closes the cycle: Cleaning -> Available, so the keg
	// can take another fill.
	cleaned, err := models.CleanKeg(ctx, keg1.ID)
	if err != nil {
		t.Fatalf("CleanKeg: %v", err)
	}
	if cleaned.Status != models.KegStatusAvailable {
		t.Fatalf("keg 1 status = %s after clean, want Available", cleaned.Status)
	}
	if _, err := models.CleanKeg(ctx, keg1.ID); utils.KindOf(err) != utils.ErrorKindInvalidStateTransition {
		t.Fatalf("cleaning an Available keg must fail with INVALID_STATE_TRANSITION, got %v", err)
	}

	// Void fill 2: keg goes straight back to Available.
	f2 := fills.Fills[1]
	voided, err := workflow.VoidKegFill(ctx, logger, f2.ID, "leaking spear valve")
	if err != nil {
		t.Fatalf("VoidKegFill: %v", err)
	}
	if voided.Status != models.KegFillStatusVoided || voided.VoidReason == "" {
		t.Fatalf("void: status=%s reason=%q", voided.Status, voided.VoidReason)
	}
	if k := mustGetKeg(t, ctx, keg2.ID); k.Status != models.KegStatusAvailable {
		t.Fatalf("keg 2 status = %s after void, want Available", k.Status)
	}
	if _, err := workflow.VoidKegFill(ctx, logger, f2.ID, ""); err == nil {
		t.Fatal("void without a reason must fail")
	}

	// Bulk distribute: the voided fill is skipped with a reason, fill 3 applies.
	f3 := fills.Fills[2]
	bulk, err := workflow.BulkDistributeKegFills(ctx, logger, []int{f2.ID, f3.ID}, "Festival")
	if err != nil {
		t.Fatalf("BulkDistributeKegFills: %v", err)
	}
	if len(bulk.Applied) != 1 || bulk.Applied[0].ID != f3.ID {
		t.Fatalf("bulk applied = %+v, want only fill %d", bulk.Applied, f3.ID)
	}
	if len(bulk.Skipped) != 1 || bulk.Skipped[0].KegFillId != f2.ID || bulk.Skipped[0].Reason == "" {
		t.Fatalf("bulk skipped = %+v, want fill %d with a reason", bulk.Skipped, f2.ID)
	}

	// Bulk return brings fill 3 home.
	ret, err := workflow.BulkReturnKegFills(ctx, logger, []int{f3.ID})
	if err != nil {
		t.Fatalf("BulkReturnKegFills: %v", err)
	}
	if len(ret.Applied) != 1 {
		t.Fatalf("bulk return applied %d fills, want 1", len(ret.Applied))
	}

	// Blending into a batch that has already been drawn down must still
	// land on consistent fractions: the keg fills shrank the provenance rows
	// with the batch, so the merge below sums to exactly 1 again.
	if _, err := models.PurgeVessel(ctx, tankA.ID); err != nil {
		t.Fatalf("PurgeVessel: %v", err)
	}
	secondRun, err := models.CreatePressRun(ctx, &models.NewPressRun{
		VesselId:    tankA.ID,
		BatchName:   "Pear Topup",
		JuiceVolume: dec(t, "100"),
		Loads:       []models.NewPressRunLoad{{PurchaseLineItemId: lotB.ID, Quantity: dec(t, "100")}},
	})
	if err != nil {
		t.Fatalf("CreatePressRun (topup): %v", err)
	}
	topup, err := workflow.ExecuteBatchTransfer(ctx, logger, &workflow.TransferInput{
		SourceVesselId: tankA.ID,
		DestVesselId:   tankB.ID,
		Volume:         dec(t, "100"),
	})
	if err != nil {
		t.Fatalf("ExecuteBatchTransfer (topup blend): %v", err)
	}
	if topup.SourceBatch.ID != secondRun.BatchId {
		t.Fatalf("topup blend drew from batch %d, want %d", topup.SourceBatch.ID, secondRun.BatchId)
	}
	assertVolume(t, "batch after topup blend", topup.DestBatch.CurrentVolume, "483")
	assertCompositions(t, ctx, topup.DestBatch.ID, map[int]string{lotA.ID: "229.8", lotB.ID: "253.2"})

	// Every mutation above left an outbox row behind.
	db := config.GetDB()
	var outboxCount int64
	if err := db.Model(&models.LedgerEventRecord{}).Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount == 0 {
		t.Fatal("no outbox rows were written")
	}

	// Every ledger entity carries the uniform soft-delete tombstone.
	for _, entity := range []any{
		&models.Batch{}, &models.BatchComposition{}, &models.BatchTransfer{}, &models.KegFill{},
	} {
		if !db.Migrator().HasColumn(entity, "deleted_at") {
			t.Fatalf("%T is missing the deleted_at tombstone column", entity)
		}
	}
}

// Draining a batch to (or below) the minimum working volume auto-completes it
// and releases the vessel for cleaning.
func TestKegFillAutoCompletesDrainedBatch(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	logger := logrus.New()

	apple := createMaterial(t, ctx, "Foxwhelp", models.MaterialKindFruit)
	lot := createLot(t, ctx, apple.ID, "LOT-F", "100")
	tank := createVessel(t, ctx, "Small Tank", "100")

	pressRun, err := models.CreatePressRun(ctx, &models.NewPressRun{
		VesselId:    tank.ID,
		BatchName:   "Single Variety",
		JuiceVolume: dec(t, "60"),
		Loads:       []models.NewPressRunLoad{{PurchaseLineItemId: lot.ID, Quantity: dec(t, "100")}},
	})
	if err != nil {
		t.Fatalf("CreatePressRun: %v", err)
	}

	// Consuming the whole lot archives it.
	avail, err := workflow.LineItemAvailable(ctx, lot.ID)
	if err != nil {
		t.Fatalf("LineItemAvailable: %v", err)
	}
	if avail.Status != models.DepletionStatusArchived {
		t.Fatalf("fully consumed lot status = %s, want Archived", avail.Status)
	}

	keg := createKeg(t, ctx, "KEG-100", "60")
	fills, err := workflow.FillKegs(ctx, logger, &workflow.FillKegsInput{
		BatchId:  pressRun.BatchId,
		VesselId: tank.ID,
		Fills:    []workflow.KegFillLine{{KegId: keg.ID, VolumeTaken: dec(t, "57")}},
	})
	if err != nil {
		t.Fatalf("FillKegs: %v", err)
	}
	if !fills.BatchCompleted {
		t.Fatalf("batch at %sL should auto-complete (min working volume 5)", fills.Batch.CurrentVolume)
	}
	if fills.Batch.Status != models.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want Completed", fills.Batch.Status)
	}
	if v := mustGetVessel(t, ctx, tank.ID); v.Status != models.VesselStatusCleaning {
		t.Fatalf("tank status = %s, want Cleaning", v.Status)
	}

	// A completed batch cannot be drawn from again.
	keg2 := createKeg(t, ctx, "KEG-101", "30")
	_, err = workflow.FillKegs(ctx, logger, &workflow.FillKegsInput{
		BatchId:  pressRun.BatchId,
		VesselId: tank.ID,
		Fills:    []workflow.KegFillLine{{KegId: keg2.ID, VolumeTaken: dec(t, "1")}},
	})
	if kind := utils.KindOf(err); kind != utils.ErrorKindBatchClosed {
		t.Fatalf("closed batch fill error kind = %q, want BATCH_CLOSED (err=%v)", kind, err)
	}
}

// A blend that would overflow the destination vessel and a fill that would
// overdraw the batch are both rejected with nothing written.
func TestTransferAndFillVolumeGuards(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	logger := logrus.New()

	apple := createMaterial(t, ctx, "Kingston Black", models.MaterialKindFruit)
	lot := createLot(t, ctx, apple.ID, "LOT-K", "1000")
	big := createVessel(t, ctx, "Big Tank", "1000")
	small := createVessel(t, ctx, "Small Tank", "300")

	if _, err := models.CreatePressRun(ctx, &models.NewPressRun{
		VesselId:    big.ID,
		BatchName:   "Guard Batch",
		JuiceVolume: dec(t, "500"),
		Loads:       []models.NewPressRunLoad{{PurchaseLineItemId: lot.ID, Quantity: dec(t, "800")}},
	}); err != nil {
		t.Fatalf("CreatePressRun: %v", err)
	}

	// Split 250L into the small tank; 250L stays behind.
	split, err := workflow.ExecuteBatchTransfer(ctx, logger, &workflow.TransferInput{
		SourceVesselId: big.ID,
		DestVesselId:   small.ID,
		Volume:         dec(t, "250"),
	})
	if err != nil {
		t.Fatalf("ExecuteBatchTransfer (split): %v", err)
	}
	if split.RemainingBatch == nil {
		t.Fatal("split produced no remaining batch")
	}

	// Blending 200L more would put 450L in a 300L vessel.
	_, err = workflow.ExecuteBatchTransfer(ctx, logger, &workflow.TransferInput{
		SourceVesselId: big.ID,
		DestVesselId:   small.ID,
		Volume:         dec(t, "200"),
	})
	if kind := utils.KindOf(err); kind != utils.ErrorKindExceedsVesselCapacity {
		t.Fatalf("overflow blend error kind = %q, want EXCEEDS_VESSEL_CAPACITY (err=%v)", kind, err)
	}

	// Nothing moved: both batches, both vessels, and the audit trail are
	// exactly as the split left them.
	dest, err := models.GetBatch(ctx, split.DestBatch.ID)
	if err != nil {
		t.Fatalf("GetBatch (dest): %v", err)
	}
	assertVolume(t, "dest batch after rejected blend", dest.CurrentVolume, "250")
	remaining, err := models.GetBatch(ctx, split.RemainingBatch.ID)
	if err != nil {
		t.Fatalf("GetBatch (remaining): %v", err)
	}
	assertVolume(t, "remaining batch after rejected blend", remaining.CurrentVolume, "250")
	if !remaining.Status.IsActive() {
		t.Fatalf("remaining batch status = %s, want active", remaining.Status)
	}
	if v := mustGetVessel(t, ctx, big.ID); !v.Status.IsOccupiedState() {
		t.Fatalf("big tank status = %s after rejected blend, want occupied", v.Status)
	}
	var transferCount int64
	if err := config.GetDB().Model(&models.BatchTransfer{}).Count(&transferCount).Error; err != nil {
		t.Fatalf("count transfers: %v", err)
	}
	if transferCount != 1 {
		t.Fatalf("transfer rows = %d after rejected blend, want 1", transferCount)
	}

	// Asking 260L of a 250L batch fails and leaves batch and keg untouched.
	keg := createKeg(t, ctx, "KEG-500", "300")
	_, err = workflow.FillKegs(ctx, logger, &workflow.FillKegsInput{
		BatchId:  split.DestBatch.ID,
		VesselId: small.ID,
		Fills:    []workflow.KegFillLine{{KegId: keg.ID, VolumeTaken: dec(t, "260")}},
	})
	if kind := utils.KindOf(err); kind != utils.ErrorKindInsufficientVolume {
		t.Fatalf("overdraw fill error kind = %q, want INSUFFICIENT_VOLUME (err=%v)", kind, err)
	}
	dest, err = models.GetBatch(ctx, split.DestBatch.ID)
	if err != nil {
		t.Fatalf("GetBatch (dest after rejected fill): %v", err)
	}
	assertVolume(t, "dest batch after rejected fill", dest.CurrentVolume, "250")
	if k := mustGetKeg(t, ctx, keg.ID); k.Status != models.KegStatusAvailable {
		t.Fatalf("keg status = %s after rejected fill, want Available", k.Status)
	}

	// An unfiltered query under another business's context must not see this
	// tenant's rows: the plugin injects the business_id predicate itself.
	other, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Other Cidery",
		Email: "owner@other.local",
	})
	if err != nil {
		t.Fatalf("CreateBusiness (other): %v", err)
	}
	otherCtx := utils.SetBusinessIdInContext(ctx, other.ID.String())
	var foreignVessels []models.Vessel
	if err := config.GetDB().WithContext(otherCtx).Find(&foreignVessels).Error; err != nil {
		t.Fatalf("cross-tenant vessel query: %v", err)
	}
	if len(foreignVessels) != 0 {
		t.Fatalf("cross-tenant query returned %d vessels, want 0", len(foreignVessels))
	}
}

// ---------------------------------------------------------------------------
// helpers

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cellar_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Test Cidery",
		Email: "owner@test.local",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return utils.SetBusinessIdInContext(ctx, biz.ID.String())
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func assertVolume(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s = %s, want %s", label, got, want)
	}
}

// assertCompositions checks per-lot volumes and that fractions sum to 1.
func assertCompositions(t *testing.T, ctx context.Context, batchId int, wantByLot map[int]string) {
	t.Helper()
	batch, err := models.GetBatch(ctx, batchId)
	if err != nil {
		t.Fatalf("GetBatch %d: %v", batchId, err)
	}
	if len(batch.Compositions) != len(wantByLot) {
		t.Fatalf("batch %d has %d composition rows, want %d", batchId, len(batch.Compositions), len(wantByLot))
	}
	fractionSum := decimal.Zero
	for _, row := range batch.Compositions {
		fractionSum = fractionSum.Add(row.Fraction)
		want, ok := wantByLot[row.SourceId]
		if !ok {
			t.Fatalf("batch %d has unexpected composition source %d", batchId, row.SourceId)
		}
		if !row.Volume.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("batch %d lot %d volume = %s, want %s", batchId, row.SourceId, row.Volume, want)
		}
	}
	slack := decimal.RequireFromString("0.000001")
	if fractionSum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(slack) {
		t.Fatalf("batch %d fractions sum to %s, want 1", batchId, fractionSum)
	}
}

func createMaterial(t *testing.T, ctx context.Context, name, kind string) *models.Material {
	t.Helper()
	m, err := models.CreateMaterial(ctx, &models.NewMaterial{Name: name, Kind: kind})
	if err != nil {
		t.Fatalf("CreateMaterial %q: %v", name, err)
	}
	return m
}

func createLot(t *testing.T, ctx context.Context, materialId int, lotNumber, qty string) *models.PurchaseLineItem {
	t.Helper()
	item, err := models.CreatePurchaseLineItem(ctx, &models.NewPurchaseLineItem{
		MaterialId:   materialId,
		LotNumber:    lotNumber,
		Quantity:     dec(t, qty),
		ReceivedDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseLineItem %q: %v", lotNumber, err)
	}
	return item
}

func createVessel(t *testing.T, ctx context.Context, name, capacity string) *models.Vessel {
	t.Helper()
	v, err := models.CreateVessel(ctx, &models.NewVessel{Name: name, Capacity: dec(t, capacity)})
	if err != nil {
		t.Fatalf("CreateVessel %q: %v", name, err)
	}
	return v
}

func createKeg(t *testing.T, ctx context.Context, number, capacity string) *models.Keg {
	t.Helper()
	k, err := models.CreateKeg(ctx, &models.NewKeg{
		KegNumber: number,
		Type:      "Sankey",
		Capacity:  dec(t, capacity),
		Location:  "Cold Room",
	})
	if err != nil {
		t.Fatalf("CreateKeg %q: %v", number, err)
	}
	return k
}

func mustGetVessel(t *testing.T, ctx context.Context, id int) *models.Vessel {
	t.Helper()
	v, err := models.GetVessel(ctx, id)
	if err != nil {
		t.Fatalf("GetVessel %d: %v", id, err)
	}
	return v
}

func mustGetKeg(t *testing.T, ctx context.Context, id int) *models.Keg {
	t.Helper()
	k, err := models.GetKeg(ctx, id)
	if err != nil {
		t.Fatalf("GetKeg %d: %v", id, err)
	}
	return k
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cellar-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cellar-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=cellar_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
