package models

import (
	"fmt"
)

// VesselStatus is the lifecycle state of a holding tank.
//
// available -> {fermenting|occupied} -> cleaning -> available
// side states maintenance, aging reachable from available.
type VesselStatus string

const (
	VesselStatusAvailable   VesselStatus = "Available"
	VesselStatusFermenting  VesselStatus = "Fermenting"
	VesselStatusOccupied    VesselStatus = "Occupied"
	VesselStatusCleaning    VesselStatus = "Cleaning"
	VesselStatusMaintenance VesselStatus = "Maintenance"
	VesselStatusAging       VesselStatus = "Aging"
)

func (s VesselStatus) Valid() bool {
	switch s {
	case VesselStatusAvailable, VesselStatusFermenting, VesselStatusOccupied,
		VesselStatusCleaning, VesselStatusMaintenance, VesselStatusAging:
		return true
	}
	return false
}

// IsOccupiedState reports whether the status counts against the
// one-active-batch-per-vessel invariant.
func (s VesselStatus) IsOccupiedState() bool {
	switch s {
	case VesselStatusFermenting, VesselStatusOccupied, VesselStatusAging:
		return true
	}
	return false
}

type BatchStatus string

const (
	BatchStatusFermenting BatchStatus = "Fermenting"
	BatchStatusAging      BatchStatus = "Aging"
	BatchStatusCompleted  BatchStatus = "Completed"
	BatchStatusBlended    BatchStatus = "Blended"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusFermenting, BatchStatusAging, BatchStatusCompleted, BatchStatusBlended:
		return true
	}
	return false
}

// IsActive reports whether the batch can still gain or lose volume.
// Completed and Blended batches are logically closed: no further composition
// or volume mutation is permitted.
func (s BatchStatus) IsActive() bool {
	return s == BatchStatusFermenting || s == BatchStatusAging
}

type KegStatus string

const (
	KegStatusAvailable   KegStatus = "Available"
	KegStatusFilled      KegStatus = "Filled"
	KegStatusReady       KegStatus = "Ready"
	KegStatusDistributed KegStatus = "Distributed"
	KegStatusCleaning    KegStatus = "Cleaning"
	KegStatusRetired     KegStatus = "Retired"
)

func (s KegStatus) Valid() bool {
	switch s {
	case KegStatusAvailable, KegStatusFilled, KegStatusReady,
		KegStatusDistributed, KegStatusCleaning, KegStatusRetired:
		return true
	}
	return false
}

// KegFillStatus is the per-fill state machine:
//
//	Filled -> (Ready) -> Distributed -> Returned   (terminal)
//	Filled|Ready|Distributed -> Voided             (terminal)
type KegFillStatus string

const (
	KegFillStatusFilled      KegFillStatus = "Filled"
	KegFillStatusReady       KegFillStatus = "Ready"
	KegFillStatusDistributed KegFillStatus = "Distributed"
	KegFillStatusReturned    KegFillStatus = "Returned"
	KegFillStatusVoided      KegFillStatus = "Voided"
)

func (s KegFillStatus) Valid() bool {
	switch s {
	case KegFillStatusFilled, KegFillStatusReady, KegFillStatusDistributed,
		KegFillStatusReturned, KegFillStatusVoided:
		return true
	}
	return false
}

func (s KegFillStatus) IsTerminal() bool {
	return s == KegFillStatusReturned || s == KegFillStatusVoided
}

// CanTransitionTo encodes the legal fill transitions. Every mutation
// re-validates against the row's current status inside the transaction; the
// client-supplied status is never trusted.
func (s KegFillStatus) CanTransitionTo(target KegFillStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch target {
	case KegFillStatusReady:
		return s == KegFillStatusFilled
	case KegFillStatusDistributed:
		return s == KegFillStatusFilled || s == KegFillStatusReady
	case KegFillStatusReturned:
		return s == KegFillStatusDistributed
	case KegFillStatusVoided:
		return true // any non-terminal state
	}
	return false
}

// RequiredStatusFor names the status(es) a fill must be in to reach target.
// Used to build InvalidStateTransition messages.
func RequiredStatusFor(target KegFillStatus) string {
	switch target {
	case KegFillStatusReady:
		return string(KegFillStatusFilled)
	case KegFillStatusDistributed:
		return fmt.Sprintf("%s or %s", KegFillStatusFilled, KegFillStatusReady)
	case KegFillStatusReturned:
		return string(KegFillStatusDistributed)
	case KegFillStatusVoided:
		return "any non-terminal status"
	}
	return "unknown"
}

// CompositionSourceType classifies where a batch's liquid originally came from.
type CompositionSourceType string

const (
	CompositionSourceRawFruitLot       CompositionSourceType = "RawFruitLot"
	CompositionSourcePurchasedJuiceLot CompositionSourceType = "PurchasedJuiceLot"
)

func (s CompositionSourceType) Valid() bool {
	return s == CompositionSourceRawFruitLot || s == CompositionSourcePurchasedJuiceLot
}

// DepletionStatus is derived from consumption, never stored authoritatively
// (except the Depleted flip which is persisted when a run exhausts a lot).
type DepletionStatus string

const (
	DepletionStatusActive            DepletionStatus = "Active"
	DepletionStatusPartiallyDepleted DepletionStatus = "PartiallyDepleted"
	DepletionStatusDepleted          DepletionStatus = "Depleted"
	DepletionStatusArchived          DepletionStatus = "Archived"
)

// KegCondition is free-form-ish physical condition tracking.
type KegCondition string

const (
	KegConditionGood           KegCondition = "Good"
	KegConditionNeedsInspection KegCondition = "NeedsInspection"
	KegConditionDamaged        KegCondition = "Damaged"
)

// LedgerReferenceType tags outbox events and polymorphic attachments.
type LedgerReferenceType string

const (
	ReferenceTypeBatch         LedgerReferenceType = "BATCH"
	ReferenceTypeBatchTransfer LedgerReferenceType = "BATCH_TRANSFER"
	ReferenceTypeVessel        LedgerReferenceType = "VESSEL"
	ReferenceTypeKegFill       LedgerReferenceType = "KEG_FILL"
	ReferenceTypePressRun      LedgerReferenceType = "PRESS_RUN"
)

// LedgerEventAction is the action field of published ledger events.
type LedgerEventAction string

const (
	LedgerEventActionCreate LedgerEventAction = "CREATE"
	LedgerEventActionUpdate LedgerEventAction = "UPDATE"
	LedgerEventActionClose  LedgerEventAction = "CLOSE"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
	UserRoleCellar   UserRole = "C"
)
