package models

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"gorm.io/gorm"
)

// LedgerEventRecord is the transactional-outbox row for ledger audit events.
// It is written inside the caller's DB transaction; publishing to Pub/Sub is
// performed asynchronously by the outbox dispatcher after commit, so an event
// exists if and only if its ledger mutation committed.
type LedgerEventRecord struct {
	ID                  int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId          string              `gorm:"size:64;not null;index" json:"business_id"`
	TransactionDateTime time.Time           `gorm:"index;not null" json:"transaction_date_time"`
	ReferenceId         int                 `json:"reference_id"`
	ReferenceType       LedgerReferenceType `gorm:"type:enum('BATCH','BATCH_TRANSFER','VESSEL','KEG_FILL','PRESS_RUN')" json:"reference_type"`
	Action              LedgerEventAction   `gorm:"type:enum('CREATE','UPDATE','CLOSE')" json:"action"`
	OldObj              []byte              `gorm:"type:blob" json:"old_obj"`
	NewObj              []byte              `gorm:"type:blob" json:"new_obj"`
	ActorUserId         int                 `gorm:"not null;default:0" json:"actor_user_id"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Outbox publish statuses for LedgerEventRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

func ConvertToLedgerEvent(record LedgerEventRecord) config.LedgerEvent {
	return config.LedgerEvent{
		ID:                  record.ID,
		BusinessId:          record.BusinessId,
		TransactionDateTime: record.TransactionDateTime,
		ReferenceId:         record.ReferenceId,
		ReferenceType:       string(record.ReferenceType),
		Action:              string(record.Action),
		OldObj:              record.OldObj,
		NewObj:              record.NewObj,
		ActorUserId:         record.ActorUserId,
		CorrelationId:       record.CorrelationId,
	}
}

// PublishLedgerEvent writes the outbox row inside the caller's DB transaction.
// oldObj/newObj are snapshots of the mutated entity before/after the change;
// pass nil for whichever side does not apply.
func PublishLedgerEvent(ctx context.Context, tx *gorm.DB, businessId string, transactionDateTime time.Time, refId int, refType LedgerReferenceType, action LedgerEventAction, oldObj interface{}, newObj interface{}) error {

	var oldInByte []byte
	var newInByte []byte
	var err error

	if newObj != nil {
		newInByte, err = ToJSONWithoutField(newObj, "Documents")
		if err != nil {
			return err
		}
	}
	if oldObj != nil {
		oldInByte, err = ToJSONWithoutField(oldObj, "Documents")
		if err != nil {
			return err
		}
	}

	actorId, _ := utils.GetUserIdFromContext(ctx)

	record := LedgerEventRecord{
		BusinessId:          businessId,
		TransactionDateTime: transactionDateTime,
		ReferenceId:         refId,
		ReferenceType:       refType,
		Action:              action,
		OldObj:              oldInByte,
		NewObj:              newInByte,
		ActorUserId:         actorId,
		PublishStatus:       OutboxPublishStatusPending,
		CorrelationId:       correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ToJSONWithoutField converts an object to JSON after temporarily removing a
// specified field (associations that would bloat event payloads).
func ToJSONWithoutField(obj interface{}, fieldName string) ([]byte, error) {
	val := reflect.ValueOf(obj)

	if val.Kind() == reflect.Interface {
		val = val.Elem()
	}
	if val.Kind() != reflect.Ptr {
		valPtr := reflect.New(val.Type())
		valPtr.Elem().Set(val)
		val = valPtr
	}
	val = val.Elem()

	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected a struct, got %v", val.Kind())
	}

	field := val.FieldByName(fieldName)
	var err error
	var jsonData []byte
	if field.IsValid() && field.CanSet() {
		originalValue := reflect.New(field.Type()).Elem()
		originalValue.Set(field)

		field.Set(reflect.Zero(field.Type()))
		jsonData, err = json.Marshal(val.Interface())
		field.Set(originalValue)
	} else {
		jsonData, err = json.Marshal(val.Interface())
	}
	if err != nil {
		return nil, err
	}
	return jsonData, nil
}
