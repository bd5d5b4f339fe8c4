package billing

import "time"

const (
	operationAuthorize = "authorize"
	operationRefund    = "refund"
	operationSettle    = "settle"
	operationWebhook   = "webhook_apply"
	operationSweep     = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	ReasonInsufficientCredits = "insufficient_credits"
	ReasonContended           = "contended"
	ReasonDuplicateRequest    = "duplicate_request"
	ReasonUnknownEventType    = "unknown_event_type"
	ReasonInvalidTokenUnits   = "invalid_token_units"
)

const (
	// DefaultTrialAllotmentUnits is the one-time trial granted at account creation.
	DefaultTrialAllotmentUnits int64 = 3

	// DefaultGracePeriod bounds entitlement after a failed subscription payment.
	DefaultGracePeriod = 168 * time.Hour
)
