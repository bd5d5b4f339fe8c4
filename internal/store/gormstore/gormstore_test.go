package gormstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/renderloft/creditengine/internal/store/gormstore"
	"github.com/renderloft/creditengine/pkg/billing"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/creditengine.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(database); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return gormstore.New(database)
}

func mustUserID(t *testing.T, raw string) billing.UserID {
	t.Helper()
	userID, err := billing.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}

func TestGetOrCreateAccountReturnsExistingAfterBalanceChange(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	userID := mustUserID(t, "user-returning")

	first, err := store.GetOrCreateAccount(ctx, userID, 3)
	if err != nil {
		t.Fatalf("first get-or-create failed: %v", err)
	}
	if first.TrialUnits != 3 {
		t.Fatalf("expected initial trial units 3, got %d", first.TrialUnits)
	}

	mutated := first
	mutated.SubscriptionState = billing.SubscriptionActive
	mutated.TrialUnits = 1
	mutated.TokenUnits = 5
	if err := store.UpdateAccountBalances(ctx, mutated); err != nil {
		t.Fatalf("update balances failed: %v", err)
	}

	second, err := store.GetOrCreateAccount(ctx, userID, 3)
	if err != nil {
		t.Fatalf("second get-or-create failed: %v", err)
	}
	if second.AccountID != first.AccountID {
		t.Fatalf("expected the same account id, got %s and %s", first.AccountID.String(), second.AccountID.String())
	}
	if second.TrialUnits != 1 || second.TokenUnits != 5 {
		t.Fatalf("expected mutated balances 1/5, got %d/%d", second.TrialUnits, second.TokenUnits)
	}
	if second.SubscriptionState != billing.SubscriptionActive {
		t.Fatalf("expected subscription state active, got %s", second.SubscriptionState.String())
	}

	locked, err := store.GetAccountForUpdate(ctx, second.AccountID)
	if err != nil {
		t.Fatalf("locked read of existing account failed: %v", err)
	}
	if locked.AccountID != first.AccountID || locked.TrialUnits != 1 {
		t.Fatalf("locked read returned a different row: id=%s trial=%d", locked.AccountID.String(), locked.TrialUnits)
	}
}

func TestListChargeRecordsZeroCursorMeansNoUpperBound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	userID := mustUserID(t, "user-history")

	account, err := store.GetOrCreateAccount(ctx, userID, 3)
	if err != nil {
		t.Fatalf("get-or-create failed: %v", err)
	}
	chargeID, err := billing.NewChargeID("charge-history-1")
	if err != nil {
		t.Fatalf("charge id: %v", err)
	}
	requestID, err := billing.NewRequestID("request-history-1")
	if err != nil {
		t.Fatalf("request id: %v", err)
	}
	metadata, err := billing.NewMetadataJSON("")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	createdAt := time.Now().UTC().Unix()
	record := billing.ChargeRecord{
		ChargeID:        chargeID,
		RequestID:       requestID,
		AccountID:       account.AccountID,
		Method:          billing.MethodToken,
		UnitsCharged:    2,
		RefundableUnits: 2,
		State:           billing.ChargeStateCharged,
		MetadataJSON:    metadata,
		CreatedUnixUTC:  createdAt,
	}
	if err := store.CreateChargeRecord(ctx, record); err != nil {
		t.Fatalf("create charge record failed: %v", err)
	}

	unbounded, err := store.ListChargeRecords(ctx, account.AccountID, 0, 10)
	if err != nil {
		t.Fatalf("list with zero cursor failed: %v", err)
	}
	if len(unbounded) != 1 {
		t.Fatalf("expected 1 record with zero cursor, got %d", len(unbounded))
	}

	bounded, err := store.ListChargeRecords(ctx, account.AccountID, createdAt-10, 10)
	if err != nil {
		t.Fatalf("list with past cursor failed: %v", err)
	}
	if len(bounded) != 0 {
		t.Fatalf("expected no records older than the cursor, got %d", len(bounded))
	}
}
