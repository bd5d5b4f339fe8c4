package billing

import "context"

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	ChargeID  ChargeID
	EventID   EventID
	Method    Method
	Units     int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithTrialAllotment overrides the trial units granted at account creation.
func WithTrialAllotment(units int64) EngineOption {
	return func(engine *Engine) {
		engine.trialAllotment = units
	}
}

// WithGracePeriodSeconds overrides the post-payment-failure entitlement window.
func WithGracePeriodSeconds(seconds int64) EngineOption {
	return func(engine *Engine) {
		engine.graceSeconds = seconds
	}
}
