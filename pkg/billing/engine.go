package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Engine orchestrates the authorization resolver and the balance store to
// perform atomic charge, refund, and settle operations. Its public contract
// is total: every domain outcome is returned as a tagged value; only
// infrastructure failures surface as errors.
type Engine struct {
	store          Store
	nowFn          func() int64
	logger         OperationLogger
	trialAllotment int64
	graceSeconds   int64
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		store:          store,
		nowFn:          now,
		trialAllotment: DefaultTrialAllotmentUnits,
		graceSeconds:   int64(DefaultGracePeriod.Seconds()),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	if engine.trialAllotment < 0 {
		return nil, fmt.Errorf("%w: negative trial allotment", ErrInvalidEngineConfig)
	}
	if engine.graceSeconds <= 0 {
		return nil, fmt.Errorf("%w: non-positive grace period", ErrInvalidEngineConfig)
	}
	return engine, nil
}

// AuthorizeAndCharge resolves the paying method for a request of N units and
// deducts it in one transaction. The resolver runs on an unlocked snapshot;
// sufficiency is re-validated under the account row lock before the
// deduction commits. A stale snapshot or a contended lock is retried exactly
// once against fresh state before the outcome is surfaced.
func (engine *Engine) AuthorizeAndCharge(ctx context.Context, userID UserID, requestID RequestID, units Units, metadata MetadataJSON) (ChargeOutcome, error) {
	account, err := engine.store.GetOrCreateAccount(ctx, userID, engine.trialAllotment)
	if err != nil {
		return ChargeOutcome{}, err
	}

	var lastFailure error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			account, err = engine.store.GetOrCreateAccount(ctx, userID, engine.trialAllotment)
			if err != nil {
				return ChargeOutcome{}, err
			}
		}
		snapshot := account.Snapshot()
		decision := Resolve(snapshot, units, engine.nowFn())
		if !decision.Authorized {
			outcome := ChargeOutcome{
				Status:     ChargeStatusRejected,
				Reason:     decision.Reason,
				TrialUnits: snapshot.TrialUnits,
				TokenUnits: snapshot.TokenUnits,
			}
			engine.logCharge(ctx, userID, outcome, units, nil)
			return outcome, nil
		}

		record, chargeErr := engine.chargeResolved(ctx, account.AccountID, decision.Method, requestID, units, metadata)
		if chargeErr == nil {
			outcome := ChargeOutcome{
				Status:   ChargeStatusCharged,
				Method:   decision.Method,
				ChargeID: record.ChargeID,
			}
			engine.logCharge(ctx, userID, outcome, units, nil)
			return outcome, nil
		}
		if errors.Is(chargeErr, ErrDuplicateRequest) {
			outcome := ChargeOutcome{Status: ChargeStatusRejected, Reason: ReasonDuplicateRequest}
			engine.logCharge(ctx, userID, outcome, units, chargeErr)
			return outcome, nil
		}
		if errors.Is(chargeErr, ErrAccountBusy) || errors.Is(chargeErr, ErrInsufficientCredits) {
			lastFailure = chargeErr
			continue
		}
		engine.logCharge(ctx, userID, ChargeOutcome{}, units, chargeErr)
		return ChargeOutcome{}, chargeErr
	}

	if errors.Is(lastFailure, ErrAccountBusy) {
		outcome := ChargeOutcome{Status: ChargeStatusContended, Reason: ReasonContended}
		engine.logCharge(ctx, userID, outcome, units, lastFailure)
		return outcome, nil
	}
	snapshot := account.Snapshot()
	outcome := ChargeOutcome{
		Status:     ChargeStatusRejected,
		Reason:     ReasonInsufficientCredits,
		TrialUnits: snapshot.TrialUnits,
		TokenUnits: snapshot.TokenUnits,
	}
	engine.logCharge(ctx, userID, outcome, units, lastFailure)
	return outcome, nil
}

// chargeResolved performs the locked re-validation and deduction for an
// already-resolved method. The whole batch of N units deducts as one unit of
// work; a concurrent drain of the balance fails the transaction cleanly.
func (engine *Engine) chargeResolved(ctx context.Context, accountID AccountID, method Method, requestID RequestID, units Units, metadata MetadataJSON) (ChargeRecord, error) {
	chargeID, err := NewChargeID(uuid.NewString())
	if err != nil {
		return ChargeRecord{}, err
	}
	record := ChargeRecord{
		ChargeID:       chargeID,
		RequestID:      requestID,
		AccountID:      accountID,
		Method:         method,
		State:          ChargeStateCharged,
		MetadataJSON:   metadata,
		CreatedUnixUTC: engine.nowFn(),
	}
	if method != MethodSubscription {
		record.UnitsCharged = units.Int64()
		record.RefundableUnits = units.Int64()
	}

	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		switch method {
		case MethodSubscription:
			if !locked.Snapshot().SubscriptionEntitled(engine.nowFn()) {
				return ErrInsufficientCredits
			}
		case MethodTrial:
			if locked.TrialUnits < units.Int64() {
				return ErrInsufficientCredits
			}
			locked.TrialUnits -= units.Int64()
		case MethodToken:
			if locked.TokenUnits < units.Int64() {
				return ErrInsufficientCredits
			}
			locked.TokenUnits -= units.Int64()
		}
		if method != MethodSubscription {
			if err := transactionStore.UpdateAccountBalances(ctx, locked); err != nil {
				return err
			}
		}
		return transactionStore.CreateChargeRecord(ctx, record)
	})
	if operationError != nil {
		return ChargeRecord{}, operationError
	}
	return record, nil
}

// Refund credits back a charge, in full when units is zero or partially for
// a batch whose sub-items failed independently. It is idempotent: a charge
// already refunded in full reports AlreadyRefunded without touching
// balances, and the credit commits atomically with the record update.
func (engine *Engine) Refund(ctx context.Context, chargeID ChargeID, units int64) (RefundOutcome, error) {
	if units < 0 {
		return RefundOutcome{}, fmt.Errorf("%w: negative refund quantity", ErrInvalidUnits)
	}
	var outcome RefundOutcome
	var logUser UserID
	operationError := engine.withBusyRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetChargeRecordForUpdate(ctx, chargeID)
		if err != nil {
			return err
		}
		switch record.State {
		case ChargeStateRefunded:
			outcome = RefundOutcome{Status: RefundStatusAlreadyRefunded}
			return nil
		case ChargeStateSettled:
			outcome = RefundOutcome{Status: RefundStatusNoOp}
			return nil
		}
		if record.Method == MethodSubscription {
			// Nothing was decremented; resolve the record without a credit.
			record.State = ChargeStateRefunded
			if err := transactionStore.UpdateChargeRecord(ctx, record); err != nil {
				return err
			}
			outcome = RefundOutcome{Status: RefundStatusNoOp}
			return nil
		}
		refundUnits := units
		if refundUnits == 0 {
			refundUnits = record.RefundableUnits
		}
		if refundUnits > record.RefundableUnits {
			return fmt.Errorf("%w: refund exceeds refundable quantity", ErrInvalidUnits)
		}
		if refundUnits == 0 {
			outcome = RefundOutcome{Status: RefundStatusNoOp}
			return nil
		}

		locked, err := transactionStore.GetAccountForUpdate(ctx, record.AccountID)
		if err != nil {
			return err
		}
		switch record.Method {
		case MethodTrial:
			locked.TrialUnits += refundUnits
		case MethodToken:
			locked.TokenUnits += refundUnits
		}
		if err := transactionStore.UpdateAccountBalances(ctx, locked); err != nil {
			return err
		}
		record.RefundableUnits -= refundUnits
		if record.RefundableUnits == 0 {
			record.State = ChargeStateRefunded
		}
		if err := transactionStore.UpdateChargeRecord(ctx, record); err != nil {
			return err
		}
		logUser = locked.UserID
		outcome = RefundOutcome{Status: RefundStatusRefunded, UnitsReturned: refundUnits}
		return nil
	})
	engine.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    logUser,
		ChargeID:  chargeID,
		Units:     outcome.UnitsReturned,
		Error:     operationError,
	})
	if operationError != nil {
		return RefundOutcome{}, operationError
	}
	return outcome, nil
}

// Settle resolves a completed charge so it can no longer be refunded.
// Duplicate completion callbacks report NoOp.
func (engine *Engine) Settle(ctx context.Context, chargeID ChargeID) (SettleOutcome, error) {
	var outcome SettleOutcome
	operationError := engine.withBusyRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetChargeRecordForUpdate(ctx, chargeID)
		if err != nil {
			return err
		}
		if record.State != ChargeStateCharged {
			outcome = SettleOutcome{Status: SettleStatusNoOp}
			return nil
		}
		record.State = ChargeStateSettled
		if err := transactionStore.UpdateChargeRecord(ctx, record); err != nil {
			return err
		}
		outcome = SettleOutcome{Status: SettleStatusSettled}
		return nil
	})
	engine.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		ChargeID:  chargeID,
		Error:     operationError,
	})
	if operationError != nil {
		return SettleOutcome{}, operationError
	}
	return outcome, nil
}

// BalanceSnapshot returns the entitlement view for display. It is not
// authoritative for charging decisions; those always re-check under lock.
func (engine *Engine) BalanceSnapshot(ctx context.Context, userID UserID) (AccountSnapshot, error) {
	account, err := engine.store.GetOrCreateAccount(ctx, userID, engine.trialAllotment)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return account.Snapshot(), nil
}

// withBusyRetry runs one transaction, retrying a contended account lock
// exactly once before surfacing the failure.
func (engine *Engine) withBusyRetry(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	err := engine.store.WithTx(ctx, fn)
	if errors.Is(err, ErrAccountBusy) {
		err = engine.store.WithTx(ctx, fn)
	}
	return err
}

func (engine *Engine) logCharge(ctx context.Context, userID UserID, outcome ChargeOutcome, units Units, operationError error) {
	entry := OperationLog{
		Operation: operationAuthorize,
		UserID:    userID,
		ChargeID:  outcome.ChargeID,
		Method:    outcome.Method,
		Units:     units.Int64(),
		Error:     operationError,
	}
	if outcome.Status != "" {
		entry.Status = string(outcome.Status)
	}
	engine.logOperation(ctx, entry)
}

func (engine *Engine) logOperation(ctx context.Context, entry OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}
