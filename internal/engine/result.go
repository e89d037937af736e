package engine

import (
	"fmt"

	"papertrade/internal/domain"
)

// FailureKind classifies operation failures for the caller-facing payload.
type FailureKind string

const (
	FailValidation   FailureKind = "validation"
	FailNotFound     FailureKind = "not_found"
	FailMarketClosed FailureKind = "market_closed"
	FailBrokerReject FailureKind = "broker_reject"
	FailTimeout      FailureKind = "timeout"
)

// OpError is a classified operation failure. Every error the engine returns
// across its boundary is one of these.
type OpError struct {
	Kind   FailureKind
	Detail string
	Err    error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func failf(kind FailureKind, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func failErr(kind FailureKind, detail string, err error) *OpError {
	return &OpError{Kind: kind, Detail: detail, Err: err}
}

// SubmitResult is the outcome of a successful order submission: the parent
// order in its last observed state plus any contingent legs.
type SubmitResult struct {
	Order *domain.Order
	Legs  []domain.Order
}

// CancelResult reports the terminal state a cancel request ended in. When a
// fill wins the race Status is "filled" and Canceled is false; that is still
// a successful, truthful result.
type CancelResult struct {
	OrderID  string
	Status   domain.OrderStatus
	Canceled bool
}

// CancelOutcome is one order's result within a liquidation fan-out.
type CancelOutcome struct {
	OrderID string
	Err     error
}

// LiquidateResult aggregates the partial results of a position liquidation.
// Success is false when any open-order cancel failed, even though the
// closing order may still have been submitted.
type LiquidateResult struct {
	Symbol       string
	Success      bool
	Cancels      []CancelOutcome
	ClosingOrder *domain.Order
}
