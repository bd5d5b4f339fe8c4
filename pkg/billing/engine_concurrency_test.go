package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestConcurrentChargesNeverDoubleSpend(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustEngine(test, store, WithTrialAllotment(1))
	userID := mustUserID(test, "user-race")

	const workers = 8
	requestIDs := make([]RequestID, workers)
	for index := range requestIDs {
		requestIDs[index] = mustRequestID(test, fmt.Sprintf("req-race-%d", index))
	}
	units := mustUnits(test, 1)
	metadata := mustMetadata(test, "{}")

	outcomes := make([]ChargeOutcome, workers)
	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			outcome, err := engine.AuthorizeAndCharge(context.Background(), userID, requestIDs[index], units, metadata)
			if err != nil {
				test.Errorf("authorize %d: %v", index, err)
				return
			}
			outcomes[index] = outcome
		}(worker)
	}
	group.Wait()

	charged := 0
	for _, outcome := range outcomes {
		switch outcome.Status {
		case ChargeStatusCharged:
			charged++
		case ChargeStatusRejected, ChargeStatusContended:
		default:
			test.Fatalf("unexpected outcome: %+v", outcome)
		}
	}
	if charged != 1 {
		test.Fatalf("expected exactly one winner for one trial unit, got %d", charged)
	}
	account := store.mustAccountByUser(test, userID.String())
	if account.TrialUnits != 0 {
		test.Fatalf("expected trial drained to zero, got %d", account.TrialUnits)
	}
	if store.chargeCount() != 1 {
		test.Fatalf("expected one charge record, got %d", store.chargeCount())
	}
}

func TestConcurrentChargesKeepBalanceNonNegative(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustEngine(test, store, WithTrialAllotment(3))
	userID := mustUserID(test, "user-drain")

	const workers = 6
	requestIDs := make([]RequestID, workers)
	for index := range requestIDs {
		requestIDs[index] = mustRequestID(test, fmt.Sprintf("req-drain-%d", index))
	}
	units := mustUnits(test, 2)
	metadata := mustMetadata(test, "{}")

	var charged int64
	var mu sync.Mutex
	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			outcome, err := engine.AuthorizeAndCharge(context.Background(), userID, requestIDs[index], units, metadata)
			if err != nil {
				test.Errorf("authorize %d: %v", index, err)
				return
			}
			if outcome.Status == ChargeStatusCharged {
				mu.Lock()
				charged += 2
				mu.Unlock()
			}
		}(worker)
	}
	group.Wait()

	account := store.mustAccountByUser(test, userID.String())
	if account.TrialUnits < 0 {
		test.Fatalf("trial balance went negative: %d", account.TrialUnits)
	}
	if account.TrialUnits != 3-charged {
		test.Fatalf("expected trial %d after charging %d, got %d", 3-charged, charged, account.TrialUnits)
	}
}

func TestConcurrentRefundsCreditOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustEngine(test, store, WithTrialAllotment(2))
	userID := mustUserID(test, "user-refund-race")
	outcome := mustCharge(test, engine, userID, "req-refund-race", 2)

	const workers = 2
	results := make([]RefundOutcome, workers)
	failures := make([]error, workers)
	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			results[index], failures[index] = engine.Refund(context.Background(), outcome.ChargeID, 0)
		}(worker)
	}
	group.Wait()

	refunded := 0
	for index := 0; index < workers; index++ {
		if failures[index] != nil {
			if !errors.Is(failures[index], ErrAccountBusy) {
				test.Fatalf("unexpected refund error: %v", failures[index])
			}
			continue
		}
		if results[index].Status == RefundStatusRefunded {
			refunded++
		}
	}
	if refunded > 1 {
		test.Fatalf("refund credited %d times", refunded)
	}

	account := store.mustAccountByUser(test, userID.String())
	wantTrial := int64(0)
	if refunded == 1 {
		wantTrial = 2
	}
	if account.TrialUnits != wantTrial {
		test.Fatalf("expected trial %d, got %d", wantTrial, account.TrialUnits)
	}
}
