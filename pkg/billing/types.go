package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// AccountID identifies a billing account.
type AccountID struct {
	value string
}

// ChargeID identifies a charge record.
type ChargeID struct {
	value string
}

// RequestID is the client-supplied idempotency anchor for one user action.
type RequestID struct {
	value string
}

// EventID is the payment processor's identifier for a webhook delivery.
type EventID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Units is a strictly positive count of billable units.
type Units int64

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewChargeID validates and normalizes a charge id.
func NewChargeID(raw string) (ChargeID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChargeID{}, fmt.Errorf("%w: empty value", ErrInvalidChargeID)
	}
	return ChargeID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ChargeID) String() string {
	return id.value
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// NewEventID validates and normalizes an event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewUnits validates a unit count and ensures it is strictly positive.
func NewUnits(raw int64) (Units, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidUnits)
	}
	return Units(raw), nil
}

// Int64 returns the raw unit count.
func (units Units) Int64() int64 {
	return int64(units)
}

// SubscriptionState defines the entitlement lifecycle of an account.
type SubscriptionState string

const (
	SubscriptionNone        SubscriptionState = "none"
	SubscriptionActive      SubscriptionState = "active"
	SubscriptionGracePeriod SubscriptionState = "grace_period"
	SubscriptionCancelled   SubscriptionState = "cancelled"
)

// ParseSubscriptionState validates a raw subscription state.
func ParseSubscriptionState(raw string) (SubscriptionState, error) {
	switch SubscriptionState(raw) {
	case SubscriptionNone, SubscriptionActive, SubscriptionGracePeriod, SubscriptionCancelled:
		return SubscriptionState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionState, raw)
}

// String returns the state value.
func (state SubscriptionState) String() string {
	return string(state)
}

// Method enumerates the payment methods a charge can draw on.
type Method string

const (
	MethodSubscription Method = "subscription"
	MethodTrial        Method = "trial"
	MethodToken        Method = "token"
)

// ParseMethod validates a raw payment method.
func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case MethodSubscription, MethodTrial, MethodToken:
		return Method(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMethod, raw)
}

// String returns the method value.
func (method Method) String() string {
	return string(method)
}

// ChargeState defines the charge record lifecycle.
type ChargeState string

const (
	ChargeStateCharged  ChargeState = "charged"
	ChargeStateRefunded ChargeState = "refunded"
	ChargeStateSettled  ChargeState = "settled"
)

// ParseChargeState validates a raw charge state.
func ParseChargeState(raw string) (ChargeState, error) {
	switch ChargeState(raw) {
	case ChargeStateCharged, ChargeStateRefunded, ChargeStateSettled:
		return ChargeState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChargeState, raw)
}

// String returns the state value.
func (state ChargeState) String() string {
	return string(state)
}

// EventType enumerates the payment-processor notifications the ledger consumes.
type EventType string

const (
	EventTokenPackPurchased    EventType = "token_pack_purchased"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventSubscriptionRenewed   EventType = "subscription_renewed"
	EventPaymentFailed         EventType = "payment_failed"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
)

// ParseEventType validates a raw event type.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(raw) {
	case EventTokenPackPurchased, EventSubscriptionActivated, EventSubscriptionRenewed,
		EventPaymentFailed, EventSubscriptionCancelled:
		return EventType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
}

// String returns the event type value.
func (eventType EventType) String() string {
	return string(eventType)
}

// Account is the unit of contention: one row per user, mutated only through
// Store primitives under the per-account lock.
type Account struct {
	AccountID             AccountID
	UserID                UserID
	SubscriptionState     SubscriptionState
	GraceExpiresAtUnixUTC int64
	TrialUnits            int64
	TokenUnits            int64
	CreatedUnixUTC        int64
}

// Snapshot returns the entitlement view used for authorization decisions.
func (account Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		SubscriptionState:     account.SubscriptionState,
		GraceExpiresAtUnixUTC: account.GraceExpiresAtUnixUTC,
		TrialUnits:            account.TrialUnits,
		TokenUnits:            account.TokenUnits,
	}
}

// AccountSnapshot is a point-in-time entitlement view. It is never
// authoritative for charging; deductions re-read under the account lock.
type AccountSnapshot struct {
	SubscriptionState     SubscriptionState
	GraceExpiresAtUnixUTC int64
	TrialUnits            int64
	TokenUnits            int64
}

// SubscriptionEntitled reports whether the subscription currently
// authorizes unlimited usage.
func (snapshot AccountSnapshot) SubscriptionEntitled(nowUnixUTC int64) bool {
	switch snapshot.SubscriptionState {
	case SubscriptionActive:
		return true
	case SubscriptionGracePeriod:
		return snapshot.GraceExpiresAtUnixUTC > nowUnixUTC
	}
	return false
}

// ChargeRecord is the audit and refund anchor for one authorized request.
// UnitsCharged is zero for subscription charges since nothing is decremented.
type ChargeRecord struct {
	ChargeID        ChargeID
	RequestID       RequestID
	AccountID       AccountID
	Method          Method
	UnitsCharged    int64
	RefundableUnits int64
	State           ChargeState
	MetadataJSON    MetadataJSON
	CreatedUnixUTC  int64
}

// Event is a verified payment-processor notification.
type Event struct {
	EventID          EventID
	Type       EventType
	UserID     UserID
	TokenUnits int64
	// PeriodEndUnixUTC is informational: cancellation ends entitlement
	// immediately, so the applier never reads it. It survives for auditing in
	// PayloadJSON alongside the rest of the delivery.
	PeriodEndUnixUTC int64
	PayloadJSON      MetadataJSON
}

// ChargeStatus tags the outcome of an authorize-and-charge call.
type ChargeStatus string

const (
	ChargeStatusCharged   ChargeStatus = "charged"
	ChargeStatusRejected  ChargeStatus = "rejected"
	ChargeStatusContended ChargeStatus = "contended"
)

// ChargeOutcome is the total result of AuthorizeAndCharge. On rejection the
// checked balances are included so the caller can offer the correct upsell;
// on contention no balance information is exposed.
type ChargeOutcome struct {
	Status     ChargeStatus
	Method     Method
	ChargeID   ChargeID
	Reason     string
	TrialUnits int64
	TokenUnits int64
}

// RefundStatus tags the outcome of a refund call.
type RefundStatus string

const (
	RefundStatusRefunded        RefundStatus = "refunded"
	RefundStatusAlreadyRefunded RefundStatus = "already_refunded"
	RefundStatusNoOp            RefundStatus = "noop"
)

// RefundOutcome is the total result of Refund.
type RefundOutcome struct {
	Status        RefundStatus
	UnitsReturned int64
}

// SettleStatus tags the outcome of a settle call.
type SettleStatus string

const (
	SettleStatusSettled SettleStatus = "settled"
	SettleStatusNoOp    SettleStatus = "noop"
)

// SettleOutcome is the total result of Settle.
type SettleOutcome struct {
	Status SettleStatus
}

// WebhookStatus tags the outcome of applying a processor event.
type WebhookStatus string

const (
	WebhookStatusApplied   WebhookStatus = "applied"
	WebhookStatusDuplicate WebhookStatus = "duplicate"
	WebhookStatusRejected  WebhookStatus = "rejected"
)

// WebhookOutcome is the total result of WebhookApplier.Apply.
type WebhookOutcome struct {
	Status WebhookStatus
	Reason string
}

// Store is the persistence contract used by Engine and WebhookApplier.
// Every mutation happens inside WithTx; GetAccountForUpdate and
// GetChargeRecordForUpdate take exclusive row locks with fail-fast
// acquisition (ErrAccountBusy instead of queuing).
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID, initialTrialUnits int64) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccountBalances(ctx context.Context, account Account) error
	CreateChargeRecord(ctx context.Context, record ChargeRecord) error
	GetChargeRecordForUpdate(ctx context.Context, chargeID ChargeID) (ChargeRecord, error)
	UpdateChargeRecord(ctx context.Context, record ChargeRecord) error
	InsertProcessedEvent(ctx context.Context, eventID EventID, eventType EventType, appliedAtUnixUTC int64, payload MetadataJSON) error
	// ListChargeRecords returns up to limit records for the account, newest
	// first. A beforeUnixUTC of zero means no upper bound; a nonzero value
	// restricts results to records created strictly before it.
	ListChargeRecords(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]ChargeRecord, error)
	ListStaleChargeRecords(ctx context.Context, olderThanUnixUTC int64, limit int) ([]ChargeRecord, error)
}
