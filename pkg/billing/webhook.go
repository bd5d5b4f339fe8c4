package billing

import (
	"context"
	"errors"
	"fmt"
)

// WebhookApplier consumes verified payment-processor events and applies
// their balance or entitlement effect exactly once. The processed-event
// insert and the effect commit in one transaction under the account lock,
// so a crash cannot land between "seen" and "applied", and a duplicate
// delivery is detected before any balance mutation.
type WebhookApplier struct {
	engine *Engine
}

// NewWebhookApplier wires a WebhookApplier over an Engine's store and clock.
func NewWebhookApplier(engine *Engine) (*WebhookApplier, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", ErrInvalidEngineConfig)
	}
	return &WebhookApplier{engine: engine}, nil
}

// Apply records the event id and applies the corresponding mutation.
// Signature verification belongs to the transport boundary; events reaching
// this method are already authenticated.
func (applier *WebhookApplier) Apply(ctx context.Context, event Event) (WebhookOutcome, error) {
	engine := applier.engine
	if _, err := ParseEventType(event.Type.String()); err != nil {
		outcome := WebhookOutcome{Status: WebhookStatusRejected, Reason: ReasonUnknownEventType}
		applier.logApply(ctx, event, outcome, err)
		return outcome, nil
	}
	if event.Type == EventTokenPackPurchased && event.TokenUnits <= 0 {
		outcome := WebhookOutcome{Status: WebhookStatusRejected, Reason: ReasonInvalidTokenUnits}
		applier.logApply(ctx, event, outcome, ErrInvalidUnits)
		return outcome, nil
	}

	account, err := engine.store.GetOrCreateAccount(ctx, event.UserID, engine.trialAllotment)
	if err != nil {
		return WebhookOutcome{}, err
	}

	operationError := engine.withBusyRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.GetAccountForUpdate(ctx, account.AccountID)
		if err != nil {
			return err
		}
		nowUnixUTC := engine.nowFn()
		if err := transactionStore.InsertProcessedEvent(ctx, event.EventID, event.Type, nowUnixUTC, event.PayloadJSON); err != nil {
			return err
		}
		switch event.Type {
		case EventTokenPackPurchased:
			locked.TokenUnits += event.TokenUnits
		case EventSubscriptionActivated, EventSubscriptionRenewed:
			locked.SubscriptionState = SubscriptionActive
			locked.GraceExpiresAtUnixUTC = 0
		case EventPaymentFailed:
			locked.SubscriptionState = SubscriptionGracePeriod
			locked.GraceExpiresAtUnixUTC = nowUnixUTC + engine.graceSeconds
		case EventSubscriptionCancelled:
			locked.SubscriptionState = SubscriptionCancelled
			locked.GraceExpiresAtUnixUTC = 0
		}
		return transactionStore.UpdateAccountBalances(ctx, locked)
	})
	if errors.Is(operationError, ErrDuplicateEvent) {
		outcome := WebhookOutcome{Status: WebhookStatusDuplicate}
		applier.logApply(ctx, event, outcome, nil)
		return outcome, nil
	}
	if operationError != nil {
		applier.logApply(ctx, event, WebhookOutcome{}, operationError)
		return WebhookOutcome{}, operationError
	}
	outcome := WebhookOutcome{Status: WebhookStatusApplied}
	applier.logApply(ctx, event, outcome, nil)
	return outcome, nil
}

func (applier *WebhookApplier) logApply(ctx context.Context, event Event, outcome WebhookOutcome, operationError error) {
	entry := OperationLog{
		Operation: operationWebhook,
		UserID:    event.UserID,
		EventID:   event.EventID,
		Units:     event.TokenUnits,
		Error:     operationError,
	}
	if outcome.Status != "" {
		entry.Status = string(outcome.Status)
	}
	applier.engine.logOperation(ctx, entry)
}
