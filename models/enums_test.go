package models

import "testing"

func TestKegFillStatusTransitions(t *testing.T) {
	allowed := map[KegFillStatus][]KegFillStatus{
		KegFillStatusFilled:      {KegFillStatusReady, KegFillStatusDistributed, KegFillStatusVoided},
		KegFillStatusReady:       {KegFillStatusDistributed, KegFillStatusVoided},
		KegFillStatusDistributed: {KegFillStatusReturned, KegFillStatusVoided},
		KegFillStatusReturned:    {},
		KegFillStatusVoided:      {},
	}
	all := []KegFillStatus{
		KegFillStatusFilled, KegFillStatusReady, KegFillStatusDistributed,
		KegFillStatusReturned, KegFillStatusVoided,
	}

	for from, targets := range allowed {
		ok := map[KegFillStatus]bool{}
		for _, to := range targets {
			ok[to] = true
		}
		for _, to := range all {
			got := from.CanTransitionTo(to)
			if got != ok[to] {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, ok[to])
			}
		}
	}
}

func TestKegFillStatusTerminal(t *testing.T) {
	if !KegFillStatusReturned.IsTerminal() || !KegFillStatusVoided.IsTerminal() {
		t.Fatal("Returned and Voided must be terminal")
	}
	if KegFillStatusFilled.IsTerminal() || KegFillStatusReady.IsTerminal() || KegFillStatusDistributed.IsTerminal() {
		t.Fatal("Filled/Ready/Distributed must not be terminal")
	}
}

func TestBatchStatusActive(t *testing.T) {
	if !BatchStatusFermenting.IsActive() || !BatchStatusAging.IsActive() {
		t.Fatal("Fermenting and Aging are active statuses")
	}
	if BatchStatusCompleted.IsActive() || BatchStatusBlended.IsActive() {
		t.Fatal("Completed and Blended are closed statuses")
	}
}

func TestVesselStatusOccupiedState(t *testing.T) {
	occupied := []VesselStatus{VesselStatusFermenting, VesselStatusOccupied, VesselStatusAging}
	for _, s := range occupied {
		if !s.IsOccupiedState() {
			t.Errorf("%s should count as occupied", s)
		}
	}
	free := []VesselStatus{VesselStatusAvailable, VesselStatusCleaning, VesselStatusMaintenance}
	for _, s := range free {
		if s.IsOccupiedState() {
			t.Errorf("%s should not count as occupied", s)
		}
	}
}
