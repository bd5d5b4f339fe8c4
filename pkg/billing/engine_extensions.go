package billing

import "context"

// ListCharges lists charge records for a user before a cutoff time.
func (engine *Engine) ListCharges(requestContext context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]ChargeRecord, error) {
	account, accountError := engine.store.GetOrCreateAccount(requestContext, userID, engine.trialAllotment)
	if accountError != nil {
		return nil, accountError
	}
	return engine.store.ListChargeRecords(requestContext, account.AccountID, beforeUnixUTC, limit)
}

// SweepStaleCharges refunds charges stuck in the charged state longer than
// the cutoff. The generation workflow is responsible for resolving every
// charge to refunded or settled; this sweep is the operational safeguard
// for callers that crashed between charging and resolving.
func (engine *Engine) SweepStaleCharges(requestContext context.Context, olderThanUnixUTC int64, limit int) (int, error) {
	stale, listError := engine.store.ListStaleChargeRecords(requestContext, olderThanUnixUTC, limit)
	if listError != nil {
		return 0, listError
	}
	swept := 0
	for _, record := range stale {
		outcome, refundError := engine.Refund(requestContext, record.ChargeID, 0)
		if refundError != nil {
			return swept, refundError
		}
		if outcome.Status == RefundStatusRefunded || outcome.Status == RefundStatusNoOp {
			swept++
		}
	}
	engine.logOperation(requestContext, OperationLog{
		Operation: operationSweep,
		Units:     int64(swept),
	})
	return swept, nil
}
