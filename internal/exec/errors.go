package exec

import "fmt"

// ValidationError rejects a malformed or guard-violating trade request
// before any order is placed. No side effects have occurred.
type ValidationError struct {
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trade rejected for %s: %s", e.Symbol, e.Reason)
}

func rejectf(symbol, format string, args ...any) *ValidationError {
	return &ValidationError{Symbol: symbol, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError marks a trade attempt that failed after placement or
// during polling. The position state is unchanged; only this attempt is
// aborted.
type ExecutionError struct {
	Symbol  string
	OrderID string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for %s (order %s): %v", e.Symbol, e.OrderID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// SlippageRejection marks an opening fill outside tolerance. A
// compensating reverse order has been attempted; the trade is surfaced
// as failed, never silently accepted.
type SlippageRejection struct {
	Symbol       string
	RequestPrice float64
	FillPrice    float64
	Tolerance    float64
	RolledBack   bool
}

func (e *SlippageRejection) Error() string {
	return fmt.Sprintf("slippage on %s: requested %.8g filled %.8g exceeds tolerance %.2f%% (rolled back: %v)",
		e.Symbol, e.RequestPrice, e.FillPrice, e.Tolerance*100, e.RolledBack)
}

// ReconciliationAmbiguity marks a sync pass where exchange and local
// state disagreed and the confirming re-read could not settle it. Local
// state is left untouched.
type ReconciliationAmbiguity struct {
	LocalCount    int
	ExchangeCount int
	Err           error
}

func (e *ReconciliationAmbiguity) Error() string {
	return fmt.Sprintf("reconciliation ambiguous: local=%d exchange=%d: %v", e.LocalCount, e.ExchangeCount, e.Err)
}

func (e *ReconciliationAmbiguity) Unwrap() error { return e.Err }
