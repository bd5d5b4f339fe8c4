package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/renderloft/creditengine/pkg/billing"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintChargesRequest     = "uniq_charges_request"
	constraintProcessedEvents    = "processed_events_pkey"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	pgLockNotAvailableCode       = "55P03"
	sqliteConstraintCode         = 19
	sqliteBusyCode               = 5
	dialectPostgres              = "postgres"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectCharge           = "charge"
	errorSubjectEvent            = "event"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeUpdate              = "update"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema for drivers without external migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &ChargeRecord{}, &ProcessedEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount looks up by user_id only; the mutable balance columns
// must never be part of the lookup conditions. The initial subscription state
// and trial allotment apply on creation alone.
func (store *Store) GetOrCreateAccount(ctx context.Context, userID billing.UserID, initialTrialUnits int64) (billing.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh := Account{
			UserID:            userID.String(),
			SubscriptionState: billing.SubscriptionNone.String(),
			TrialUnits:        initialTrialUnits,
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoNothing: true,
			}).
			Create(&fresh).Error
		if err != nil {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
		}
		// The insert may have lost a race and affected no row; re-read so the
		// caller always sees the persisted account.
		err = store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
		if err != nil {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
	}
	account, err := mapAccount(model)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// GetAccountForUpdate takes the exclusive per-account row lock. On postgres
// the NOWAIT option makes acquisition fail-fast; sqlite serializes writers
// in the driver, so contention there surfaces as a busy error instead.
func (store *Store) GetAccountForUpdate(ctx context.Context, accountID billing.AccountID) (billing.Account, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
		}
		if isLockContention(err) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, billing.ErrAccountBusy)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateAccountBalances(ctx context.Context, account billing.Account) error {
	var graceExpiresAt *time.Time
	if account.GraceExpiresAtUnixUTC != 0 {
		value := time.Unix(account.GraceExpiresAtUnixUTC, 0).UTC()
		graceExpiresAt = &value
	}
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID.String()).
		Updates(map[string]interface{}{
			"subscription_state": account.SubscriptionState.String(),
			"grace_expires_at":   graceExpiresAt,
			"trial_units":        account.TrialUnits,
			"token_units":        account.TokenUnits,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) CreateChargeRecord(ctx context.Context, record billing.ChargeRecord) error {
	model := ChargeRecord{
		ChargeID:        record.ChargeID.String(),
		RequestID:       record.RequestID.String(),
		AccountID:       record.AccountID.String(),
		Method:          record.Method.String(),
		UnitsCharged:    record.UnitsCharged,
		RefundableUnits: record.RefundableUnits,
		Status:          record.State.String(),
		Metadata:        datatypesJSON(record.MetadataJSON.String()),
		CreatedAt:       time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isRequestConflict(err) {
		return wrapStoreError(errorSubjectCharge, errorCodeDuplicate, billing.ErrDuplicateRequest)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetChargeRecordForUpdate(ctx context.Context, chargeID billing.ChargeID) (billing.ChargeRecord, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}
	var model ChargeRecord
	err := query.Where("charge_id = ?", chargeID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeGet, billing.ErrUnknownCharge)
		}
		if isLockContention(err) {
			return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeLock, billing.ErrAccountBusy)
		}
		return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	record, err := mapChargeRecord(model)
	if err != nil {
		return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) UpdateChargeRecord(ctx context.Context, record billing.ChargeRecord) error {
	result := store.db.WithContext(ctx).
		Model(&ChargeRecord{}).
		Where("charge_id = ?", record.ChargeID.String()).
		Updates(map[string]interface{}{
			"refundable_units": record.RefundableUnits,
			"status":           record.State.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdate, billing.ErrUnknownCharge)
	}
	return nil
}

func (store *Store) InsertProcessedEvent(ctx context.Context, eventID billing.EventID, eventType billing.EventType, appliedAtUnixUTC int64, payload billing.MetadataJSON) error {
	model := ProcessedEvent{
		EventID:   eventID.String(),
		EventType: eventType.String(),
		Payload:   datatypesJSON(payload.String()),
		AppliedAt: time.Unix(appliedAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isEventConflict(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, billing.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListChargeRecords(ctx context.Context, accountID billing.AccountID, beforeUnixUTC int64, limit int) ([]billing.ChargeRecord, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if beforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}

	var rows []ChargeRecord
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	return mapChargeRecords(rows)
}

func (store *Store) ListStaleChargeRecords(ctx context.Context, olderThanUnixUTC int64, limit int) ([]billing.ChargeRecord, error) {
	olderThan := time.Unix(olderThanUnixUTC, 0).UTC()
	var rows []ChargeRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", billing.ChargeStateCharged.String(), olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	return mapChargeRecords(rows)
}

func mapChargeRecords(rows []ChargeRecord) ([]billing.ChargeRecord, error) {
	records := make([]billing.ChargeRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapChargeRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func mapAccount(model Account) (billing.Account, error) {
	accountID, err := billing.NewAccountID(model.AccountID)
	if err != nil {
		return billing.Account{}, err
	}
	userID, err := billing.NewUserID(model.UserID)
	if err != nil {
		return billing.Account{}, err
	}
	state, err := billing.ParseSubscriptionState(model.SubscriptionState)
	if err != nil {
		return billing.Account{}, err
	}
	return billing.Account{
		AccountID:             accountID,
		UserID:                userID,
		SubscriptionState:     state,
		GraceExpiresAtUnixUTC: timeOrZero(model.GraceExpiresAt),
		TrialUnits:            model.TrialUnits,
		TokenUnits:            model.TokenUnits,
		CreatedUnixUTC:        model.CreatedAt.Unix(),
	}, nil
}

func mapChargeRecord(model ChargeRecord) (billing.ChargeRecord, error) {
	chargeID, err := billing.NewChargeID(model.ChargeID)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	requestID, err := billing.NewRequestID(model.RequestID)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	accountID, err := billing.NewAccountID(model.AccountID)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	method, err := billing.ParseMethod(model.Method)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	state, err := billing.ParseChargeState(model.Status)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	metadata, err := billing.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	return billing.ChargeRecord{
		ChargeID:        chargeID,
		RequestID:       requestID,
		AccountID:       accountID,
		Method:          method,
		UnitsCharged:    model.UnitsCharged,
		RefundableUnits: model.RefundableUnits,
		State:           state,
		MetadataJSON:    metadata,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isRequestConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintChargesRequest
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isEventConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintProcessedEvents
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return false
}
