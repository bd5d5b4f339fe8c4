package billing

import "testing"

func TestResolvePriorityOrder(test *testing.T) {
	test.Parallel()
	now := testClockUnixUTC

	testCases := []struct {
		name         string
		snapshot     AccountSnapshot
		units        int64
		wantAuth     bool
		wantMethod   Method
		wantRejected string
	}{
		{
			name:       "active subscription wins over balances",
			snapshot:   AccountSnapshot{SubscriptionState: SubscriptionActive, TrialUnits: 3, TokenUnits: 10},
			units:      5,
			wantAuth:   true,
			wantMethod: MethodSubscription,
		},
		{
			name:       "grace period entitles before expiry",
			snapshot:   AccountSnapshot{SubscriptionState: SubscriptionGracePeriod, GraceExpiresAtUnixUTC: now + 60},
			units:      2,
			wantAuth:   true,
			wantMethod: MethodSubscription,
		},
		{
			name:       "expired grace falls through to trial",
			snapshot:   AccountSnapshot{SubscriptionState: SubscriptionGracePeriod, GraceExpiresAtUnixUTC: now - 1, TrialUnits: 2},
			units:      2,
			wantAuth:   true,
			wantMethod: MethodTrial,
		},
		{
			name:       "trial preferred over tokens",
			snapshot:   AccountSnapshot{TrialUnits: 3, TokenUnits: 10},
			units:      3,
			wantAuth:   true,
			wantMethod: MethodTrial,
		},
		{
			name:       "insufficient trial falls through to tokens",
			snapshot:   AccountSnapshot{TrialUnits: 2, TokenUnits: 10},
			units:      3,
			wantAuth:   true,
			wantMethod: MethodToken,
		},
		{
			name:         "trial and tokens never combine",
			snapshot:     AccountSnapshot{TrialUnits: 2, TokenUnits: 2},
			units:        3,
			wantRejected: ReasonInsufficientCredits,
		},
		{
			name:         "cancelled subscription does not entitle",
			snapshot:     AccountSnapshot{SubscriptionState: SubscriptionCancelled},
			units:        1,
			wantRejected: ReasonInsufficientCredits,
		},
		{
			name:         "empty account is rejected",
			snapshot:     AccountSnapshot{},
			units:        1,
			wantRejected: ReasonInsufficientCredits,
		},
	}

	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			decision := Resolve(testCase.snapshot, mustUnits(test, testCase.units), now)
			if decision.Authorized != testCase.wantAuth {
				test.Fatalf("expected authorized=%v, got %+v", testCase.wantAuth, decision)
			}
			if testCase.wantAuth && decision.Method != testCase.wantMethod {
				test.Fatalf("expected method %s, got %s", testCase.wantMethod, decision.Method)
			}
			if !testCase.wantAuth && decision.Reason != testCase.wantRejected {
				test.Fatalf("expected reason %s, got %s", testCase.wantRejected, decision.Reason)
			}
		})
	}
}

func TestSubscriptionEntitledBoundary(test *testing.T) {
	test.Parallel()
	snapshot := AccountSnapshot{SubscriptionState: SubscriptionGracePeriod, GraceExpiresAtUnixUTC: testClockUnixUTC}
	if snapshot.SubscriptionEntitled(testClockUnixUTC) {
		test.Fatalf("grace expiring now must not entitle")
	}
	if !snapshot.SubscriptionEntitled(testClockUnixUTC - 1) {
		test.Fatalf("grace in the future must entitle")
	}
}
