package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/renderloft/creditengine/pkg/billing"
)

const (
	constraintChargesRequest  = "uniq_charges_request"
	constraintProcessedEvents = "processed_events_pkey"
	pgUniqueViolationCode     = "23505"
	pgLockNotAvailableCode    = "55P03"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectCharge        = "charge"
	errorSubjectEvent         = "event"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeLookup           = "lookup"
	errorCodeUpdate           = "update"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, user_id, subscription_state, trial_units, token_units)
		values(gen_random_uuid(), $1, 'none', $2, 0)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id::text, user_id, subscription_state,
			coalesce(extract(epoch from grace_expires_at)::bigint,0),
			trial_units, token_units,
			extract(epoch from created_at)::bigint
	`

	sqlSelectAccountForUpdate = `
		select account_id::text, user_id, subscription_state,
			coalesce(extract(epoch from grace_expires_at)::bigint,0),
			trial_units, token_units,
			extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
		for update nowait
	`

	sqlUpdateAccountBalances = `
		update accounts
		set subscription_state = $2,
			grace_expires_at = to_timestamp(nullif($3,0)),
			trial_units = $4,
			token_units = $5,
			updated_at = now()
		where account_id = $1
	`

	sqlInsertChargeRecord = `
		insert into charge_records(
			charge_id, request_id, account_id, method, units_charged, refundable_units, status, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlSelectChargeForUpdate = `
		select charge_id::text, request_id, account_id::text, method,
			units_charged, refundable_units, status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from charge_records
		where charge_id = $1
		for update nowait
	`

	sqlUpdateChargeRecord = `
		update charge_records
		set refundable_units = $2, status = $3, updated_at = now()
		where charge_id = $1
	`

	sqlInsertProcessedEvent = `
		insert into processed_events(event_id, event_type, payload, applied_at)
		values($1, $2, coalesce(nullif($3,''),'{}')::jsonb, to_timestamp($4))
	`

	sqlListChargesBefore = `
		select charge_id::text, request_id, account_id::text, method,
			units_charged, refundable_units, status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from charge_records
		where account_id = $1 and ($2::bigint = 0 or created_at < to_timestamp($2))
		order by created_at desc
		limit $3
	`

	sqlListStaleCharges = `
		select charge_id::text, request_id, account_id::text, method,
			units_charged, refundable_units, status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from charge_records
		where status = 'charged' and created_at < to_timestamp($1)
		order by created_at asc
		limit $2
	`
)

// connection is the subset of pgx shared by pools and transactions.
type connection interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	conn connection
}

// New returns a Store backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// WithTx executes fn within a transaction. Calls on an already
// transactional store reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID billing.UserID, initialTrialUnits int64) (billing.Account, error) {
	row := store.conn.QueryRow(ctx, sqlInsertOrGetAccount, userID.String(), initialTrialUnits)
	account, err := scanAccount(row)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID billing.AccountID) (billing.Account, error) {
	row := store.conn.QueryRow(ctx, sqlSelectAccountForUpdate, accountID.String())
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
		}
		if isLockContention(err) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, billing.ErrAccountBusy)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) UpdateAccountBalances(ctx context.Context, account billing.Account) error {
	_, err := store.conn.Exec(ctx, sqlUpdateAccountBalances,
		account.AccountID.String(),
		account.SubscriptionState.String(),
		account.GraceExpiresAtUnixUTC,
		account.TrialUnits,
		account.TokenUnits,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) CreateChargeRecord(ctx context.Context, record billing.ChargeRecord) error {
	_, err := store.conn.Exec(ctx, sqlInsertChargeRecord,
		record.ChargeID.String(),
		record.RequestID.String(),
		record.AccountID.String(),
		record.Method.String(),
		record.UnitsCharged,
		record.RefundableUnits,
		record.State.String(),
		record.MetadataJSON.String(),
		record.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintChargesRequest) {
		return wrapStoreError(errorSubjectCharge, errorCodeDuplicate, billing.ErrDuplicateRequest)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetChargeRecordForUpdate(ctx context.Context, chargeID billing.ChargeID) (billing.ChargeRecord, error) {
	row := store.conn.QueryRow(ctx, sqlSelectChargeForUpdate, chargeID.String())
	record, err := scanChargeRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeGet, billing.ErrUnknownCharge)
		}
		if isLockContention(err) {
			return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeLock, billing.ErrAccountBusy)
		}
		return billing.ChargeRecord{}, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) UpdateChargeRecord(ctx context.Context, record billing.ChargeRecord) error {
	tag, err := store.conn.Exec(ctx, sqlUpdateChargeRecord,
		record.ChargeID.String(),
		record.RefundableUnits,
		record.State.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdate, billing.ErrUnknownCharge)
	}
	return nil
}

func (store *Store) InsertProcessedEvent(ctx context.Context, eventID billing.EventID, eventType billing.EventType, appliedAtUnixUTC int64, payload billing.MetadataJSON) error {
	_, err := store.conn.Exec(ctx, sqlInsertProcessedEvent,
		eventID.String(),
		eventType.String(),
		payload.String(),
		appliedAtUnixUTC,
	)
	if isUniqueViolation(err, constraintProcessedEvents) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, billing.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListChargeRecords(ctx context.Context, accountID billing.AccountID, beforeUnixUTC int64, limit int) ([]billing.ChargeRecord, error) {
	rows, err := store.conn.Query(ctx, sqlListChargesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanChargeRecords(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	return records, nil
}

func (store *Store) ListStaleChargeRecords(ctx context.Context, olderThanUnixUTC int64, limit int) ([]billing.ChargeRecord, error) {
	rows, err := store.conn.Query(ctx, sqlListStaleCharges, olderThanUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanChargeRecords(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	return records, nil
}

func scanAccount(row pgx.Row) (billing.Account, error) {
	var (
		accountIDValue       string
		userIDValue          string
		stateValue           string
		graceExpiresAtUnix   int64
		trialUnitsValue      int64
		tokenUnitsValue      int64
		createdAtUnixSeconds int64
	)
	if err := row.Scan(
		&accountIDValue,
		&userIDValue,
		&stateValue,
		&graceExpiresAtUnix,
		&trialUnitsValue,
		&tokenUnitsValue,
		&createdAtUnixSeconds,
	); err != nil {
		return billing.Account{}, err
	}
	accountID, err := billing.NewAccountID(accountIDValue)
	if err != nil {
		return billing.Account{}, err
	}
	userID, err := billing.NewUserID(userIDValue)
	if err != nil {
		return billing.Account{}, err
	}
	state, err := billing.ParseSubscriptionState(stateValue)
	if err != nil {
		return billing.Account{}, err
	}
	return billing.Account{
		AccountID:             accountID,
		UserID:                userID,
		SubscriptionState:     state,
		GraceExpiresAtUnixUTC: graceExpiresAtUnix,
		TrialUnits:            trialUnitsValue,
		TokenUnits:            tokenUnitsValue,
		CreatedUnixUTC:        createdAtUnixSeconds,
	}, nil
}

func scanChargeRecord(row pgx.Row) (billing.ChargeRecord, error) {
	var (
		chargeIDValue        string
		requestIDValue       string
		accountIDValue       string
		methodValue          string
		unitsChargedValue    int64
		refundableValue      int64
		statusValue          string
		metadataValue        string
		createdAtUnixSeconds int64
	)
	if err := row.Scan(
		&chargeIDValue,
		&requestIDValue,
		&accountIDValue,
		&methodValue,
		&unitsChargedValue,
		&refundableValue,
		&statusValue,
		&metadataValue,
		&createdAtUnixSeconds,
	); err != nil {
		return billing.ChargeRecord{}, err
	}
	chargeID, err := billing.NewChargeID(chargeIDValue)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	requestID, err := billing.NewRequestID(requestIDValue)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	accountID, err := billing.NewAccountID(accountIDValue)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	method, err := billing.ParseMethod(methodValue)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	state, err := billing.ParseChargeState(statusValue)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	metadata, err := billing.NewMetadataJSON(metadataValue)
	if err != nil {
		return billing.ChargeRecord{}, err
	}
	return billing.ChargeRecord{
		ChargeID:        chargeID,
		RequestID:       requestID,
		AccountID:       accountID,
		Method:          method,
		UnitsCharged:    unitsChargedValue,
		RefundableUnits: refundableValue,
		State:           state,
		MetadataJSON:    metadata,
		CreatedUnixUTC:  createdAtUnixSeconds,
	}, nil
}

func scanChargeRecords(rows pgx.Rows) ([]billing.ChargeRecord, error) {
	records := make([]billing.ChargeRecord, 0, 32)
	for rows.Next() {
		record, err := scanChargeRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}

func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode
	}
	return false
}
