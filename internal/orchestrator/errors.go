package orchestrator

import (
	"errors"
	"fmt"
)

// Reason classifies a precondition failure.
type Reason string

const (
	ReasonNotConnected        Reason = "not_connected"
	ReasonIneligible          Reason = "ineligible"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonOutOfBounds         Reason = "out_of_bounds"
	ReasonAlreadyClaimed      Reason = "already_claimed"
	ReasonBusy                Reason = "busy"
	ReasonSaleNotActive       Reason = "sale_not_active"
	ReasonSaleNotEnded        Reason = "sale_not_ended"
	ReasonNothingToClaim      Reason = "nothing_to_claim"
	ReasonNotListed           Reason = "not_listed"
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonPriceUnavailable    Reason = "price_unavailable"
	ReasonOffline             Reason = "offline"
)

// PreconditionError is a failure resolved locally, before any signer runs.
type PreconditionError struct {
	Reason  Reason
	Message string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func precondition(r Reason, format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{Reason: r, Message: fmt.Sprintf(format, args...)}
}

// IsReason reports whether err is a PreconditionError with reason r.
func IsReason(err error, r Reason) bool {
	var pe *PreconditionError
	return errors.As(err, &pe) && pe.Reason == r
}

// Messages shown for signer failures.
const (
	msgRejected = "Transaction was rejected in your wallet."
	msgFailed   = "Transaction failed: %v"
)
