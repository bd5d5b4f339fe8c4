package billing

// Decision is the result of resolving the authorization hierarchy for a
// request. When Authorized is false, Reason carries the rejection cause.
type Decision struct {
	Authorized bool
	Method     Method
	Reason     string
}

// Resolve picks the payment method covering a request of the given unit
// count, in fixed priority order: subscription entitlement, then trial
// credits, then purchased tokens. It only inspects the snapshot and never
// blocks or mutates, so callers may evaluate it speculatively and must
// re-validate sufficiency under the account lock before deducting.
func Resolve(snapshot AccountSnapshot, units Units, nowUnixUTC int64) Decision {
	if snapshot.SubscriptionEntitled(nowUnixUTC) {
		return Decision{Authorized: true, Method: MethodSubscription}
	}
	if snapshot.TrialUnits >= units.Int64() {
		return Decision{Authorized: true, Method: MethodTrial}
	}
	if snapshot.TokenUnits >= units.Int64() {
		return Decision{Authorized: true, Method: MethodToken}
	}
	return Decision{Reason: ReasonInsufficientCredits}
}
