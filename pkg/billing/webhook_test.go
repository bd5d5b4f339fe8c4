package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestApplyTokenPurchaseCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	applier := mustApplier(test, mustEngine(test, store))
	event := Event{
		EventID:     mustEventID(test, "evt-1"),
		Type:        EventTokenPackPurchased,
		UserID:      mustUserID(test, "user-tokens"),
		TokenUnits:  50,
		PayloadJSON: mustMetadata(test, `{"pack":"standard"}`),
	}

	first, err := applier.Apply(context.Background(), event)
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if first.Status != WebhookStatusApplied {
		test.Fatalf("expected applied, got %+v", first)
	}
	if account := store.mustAccountByUser(test, "user-tokens"); account.TokenUnits != 50 {
		test.Fatalf("expected 50 tokens, got %d", account.TokenUnits)
	}

	second, err := applier.Apply(context.Background(), event)
	if err != nil {
		test.Fatalf("duplicate apply: %v", err)
	}
	if second.Status != WebhookStatusDuplicate {
		test.Fatalf("expected duplicate, got %+v", second)
	}
	if account := store.mustAccountByUser(test, "user-tokens"); account.TokenUnits != 50 {
		test.Fatalf("duplicate delivery credited again: %d tokens", account.TokenUnits)
	}
}

func TestApplyActivationGrantsEntitlement(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustEngine(test, store)
	applier := mustApplier(test, engine)
	userID := mustUserID(test, "user-activate")

	outcome, err := applier.Apply(context.Background(), Event{
		EventID: mustEventID(test, "evt-activate"),
		Type:    EventSubscriptionActivated,
		UserID:  userID,
	})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if outcome.Status != WebhookStatusApplied {
		test.Fatalf("expected applied, got %+v", outcome)
	}
	account := store.mustAccountByUser(test, userID.String())
	if account.SubscriptionState != SubscriptionActive || account.GraceExpiresAtUnixUTC != 0 {
		test.Fatalf("expected active subscription, got %+v", account)
	}

	charge, err := engine.AuthorizeAndCharge(context.Background(), userID, mustRequestID(test, "req-activated"), mustUnits(test, 100), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("authorize: %v", err)
	}
	if charge.Status != ChargeStatusCharged || charge.Method != MethodSubscription {
		test.Fatalf("expected unlimited subscription charge, got %+v", charge)
	}
}

func TestApplyPaymentFailureStartsGrace(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount("user-grace", SubscriptionActive, 0, 0, 0)
	engine := mustEngine(test, store, WithGracePeriodSeconds(3600))
	applier := mustApplier(test, engine)

	outcome, err := applier.Apply(context.Background(), Event{
		EventID: mustEventID(test, "evt-fail"),
		Type:    EventPaymentFailed,
		UserID:  mustUserID(test, "user-grace"),
	})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if outcome.Status != WebhookStatusApplied {
		test.Fatalf("expected applied, got %+v", outcome)
	}
	account := store.mustAccountByUser(test, "user-grace")
	if account.SubscriptionState != SubscriptionGracePeriod {
		test.Fatalf("expected grace period, got %s", account.SubscriptionState)
	}
	if account.GraceExpiresAtUnixUTC != testClockUnixUTC+3600 {
		test.Fatalf("expected grace expiry %d, got %d", testClockUnixUTC+3600, account.GraceExpiresAtUnixUTC)
	}
	if !account.Snapshot().SubscriptionEntitled(testClockUnixUTC + 3599) {
		test.Fatalf("expected entitlement inside grace window")
	}
	if account.Snapshot().SubscriptionEntitled(testClockUnixUTC + 3600) {
		test.Fatalf("expected no entitlement after grace expiry")
	}
}

func TestApplyCancellationEndsEntitlement(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount("user-cancel", SubscriptionGracePeriod, testClockUnixUTC+600, 0, 0)
	applier := mustApplier(test, mustEngine(test, store))

	outcome, err := applier.Apply(context.Background(), Event{
		EventID: mustEventID(test, "evt-cancel"),
		Type:    EventSubscriptionCancelled,
		UserID:  mustUserID(test, "user-cancel"),
	})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if outcome.Status != WebhookStatusApplied {
		test.Fatalf("expected applied, got %+v", outcome)
	}
	account := store.mustAccountByUser(test, "user-cancel")
	if account.SubscriptionState != SubscriptionCancelled || account.GraceExpiresAtUnixUTC != 0 {
		test.Fatalf("expected cancelled without grace, got %+v", account)
	}
	if account.Snapshot().SubscriptionEntitled(testClockUnixUTC) {
		test.Fatalf("cancelled subscription must not entitle")
	}
}

func TestApplyRejectsUnknownEventType(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	applier := mustApplier(test, mustEngine(test, store))

	outcome, err := applier.Apply(context.Background(), Event{
		EventID: mustEventID(test, "evt-unknown"),
		Type:    EventType("price_updated"),
		UserID:  mustUserID(test, "user-unknown"),
	})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if outcome.Status != WebhookStatusRejected || outcome.Reason != ReasonUnknownEventType {
		test.Fatalf("expected unknown-type rejection, got %+v", outcome)
	}
}

func TestApplyRejectsNonPositiveTokenUnits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	applier := mustApplier(test, mustEngine(test, store))

	outcome, err := applier.Apply(context.Background(), Event{
		EventID:    mustEventID(test, "evt-zero"),
		Type:       EventTokenPackPurchased,
		UserID:     mustUserID(test, "user-zero"),
		TokenUnits: 0,
	})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if outcome.Status != WebhookStatusRejected || outcome.Reason != ReasonInvalidTokenUnits {
		test.Fatalf("expected invalid-units rejection, got %+v", outcome)
	}
}

func TestApplyConcurrentDuplicateDeliveryCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	applier := mustApplier(test, mustEngine(test, store))
	event := Event{
		EventID:     mustEventID(test, "evt-race"),
		Type:        EventTokenPackPurchased,
		UserID:      mustUserID(test, "user-token-race"),
		TokenUnits:  10,
		PayloadJSON: mustMetadata(test, "{}"),
	}

	const workers = 2
	outcomes := make([]WebhookOutcome, workers)
	failures := make([]error, workers)
	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			outcomes[index], failures[index] = applier.Apply(context.Background(), event)
		}(worker)
	}
	group.Wait()

	applied := 0
	for index := 0; index < workers; index++ {
		if failures[index] != nil {
			if !errors.Is(failures[index], ErrAccountBusy) {
				test.Fatalf("unexpected apply error: %v", failures[index])
			}
			continue
		}
		switch outcomes[index].Status {
		case WebhookStatusApplied:
			applied++
		case WebhookStatusDuplicate:
		default:
			test.Fatalf("unexpected outcome: %+v", outcomes[index])
		}
	}
	if applied != 1 {
		test.Fatalf("expected exactly one applied delivery, got %d", applied)
	}
	account := store.mustAccountByUser(test, "user-token-race")
	if account.TokenUnits != 10 {
		test.Fatalf("expected 10 tokens credited once, got %d", account.TokenUnits)
	}
}

func mustApplier(test *testing.T, engine *Engine) *WebhookApplier {
	test.Helper()
	applier, err := NewWebhookApplier(engine)
	if err != nil {
		test.Fatalf("applier init: %v", err)
	}
	return applier
}
