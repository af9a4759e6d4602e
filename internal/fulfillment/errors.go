package fulfillment

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration failures for callers deciding between retry
// and abort.
type Kind string

const (
	KindConfiguration       Kind = "configuration"
	KindValidation          Kind = "validation"
	KindCarrier             Kind = "carrier"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNoPriceFound        Kind = "no_price_found"
	KindNoServiceMatch      Kind = "no_service_match"
	KindInternal            Kind = "internal"
)

// State is a step of the fulfillment flow.
type State string

const (
	StateValidating     State = "validating"
	StatePricing        State = "pricing"
	StateFeeComputed    State = "fee_computed"
	StateBalanceChecked State = "balance_checked"
	StateLabelRequested State = "label_requested"
	StateBilled         State = "billed"
	StateDone           State = "done"
)

// Error codes beyond the kind.
const (
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeAccountMismatch     = "ACCOUNT_MISMATCH"
	CodeUnknownCarrier      = "UNKNOWN_CARRIER"
	CodeCarrierInit         = "CARRIER_INIT"
	CodeBalanceNotFound     = "BALANCE_NOT_FOUND"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidPackage      = "INVALID_PACKAGE"
	CodeUnknownService      = "UNKNOWN_SERVICE"
	CodeAddressInvalid      = "ADDRESS_INVALID"
	CodeShipmentNotFound    = "SHIPMENT_NOT_FOUND"
	CodeNotCancellable      = "NOT_CANCELLABLE"
	CodeCancelUnsupported   = "CANCEL_UNSUPPORTED"
	CodeTrackUnsupported    = "TRACK_UNSUPPORTED"
	CodeQuoteRejected       = "QUOTE_REJECTED"
	CodeCancelRefused       = "CANCEL_REFUSED"
	CodeNoRates             = "NO_RATES"
	CodeChannelUnavailable  = "CHANNEL_UNAVAILABLE"
	CodeWeightOutOfRange    = "WEIGHT_OUT_OF_RANGE"
	CodeNoPriceFound        = "NO_PRICE_FOUND"
	CodeNoServiceMatch      = "NO_SERVICE_MATCH"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeStorage             = "STORAGE"
)

// Error is the only error type returned by the Orchestrator.
type Error struct {
	Kind    Kind
	Code    string
	Carrier string
	State   State // step the flow was in when it failed
	Message string
	Cause   error

	retryable bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (%s)", e.Kind, e.Code)
	if e.Carrier != "" {
		msg += " " + e.Carrier
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, and of the same code when the
// target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
}

// Retryable reports whether repeating the request may succeed. Only
// transient carrier failures on the quote path qualify.
func (e *Error) Retryable() bool {
	return e.retryable
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, code string, state State, msg string) *Error {
	return &Error{Kind: kind, Code: code, State: state, Message: msg}
}

func (e *Error) withCause(err error) *Error {
	e.Cause = err
	return e
}

func (e *Error) withCarrier(name string) *Error {
	e.Carrier = name
	return e
}
