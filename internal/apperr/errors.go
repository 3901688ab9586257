// Package apperr defines the engine's error taxonomy. Every rejected
// operation returns an *Error whose Kind callers can match with errors.Is
// against the exported sentinels.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInsufficientAllowance    Kind = "InsufficientAllowance"
	KindInsufficientBalance      Kind = "InsufficientBalance"
	KindBelowValidMargin         Kind = "BelowValidMargin"
	KindAboveMargin              Kind = "AboveMargin"
	KindUnitMismatch             Kind = "UnitMismatch"
	KindOrderPredatesLiquidation Kind = "OrderPredatesLiquidation"
	KindAlreadyClaimed           Kind = "AlreadyClaimed"
	KindEscrowAlreadyClaimed     Kind = "EscrowAlreadyClaimed"
	KindEscrowNotReleased        Kind = "EscrowNotReleased"
	KindClaimWindowExpired       Kind = "ClaimWindowExpired"
	KindPoolAlreadyExists        Kind = "PoolAlreadyExists"
	KindPoolNotSupported         Kind = "PoolNotSupported"
	KindOnlyGovernance           Kind = "OnlyGovernance"

	KindInvalidArgument    Kind = "InvalidArgument"
	KindNotFound           Kind = "NotFound"
	KindUnauthorized       Kind = "Unauthorized"
	KindFillAlreadyClaimed Kind = "FillAlreadyClaimed"
)

// Error is a classified failure. Op names the operation that rejected.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInsufficientAllowance    = &Error{Kind: KindInsufficientAllowance}
	ErrInsufficientBalance      = &Error{Kind: KindInsufficientBalance}
	ErrBelowValidMargin         = &Error{Kind: KindBelowValidMargin}
	ErrAboveMargin              = &Error{Kind: KindAboveMargin}
	ErrUnitMismatch             = &Error{Kind: KindUnitMismatch}
	ErrOrderPredatesLiquidation = &Error{Kind: KindOrderPredatesLiquidation}
	ErrAlreadyClaimed           = &Error{Kind: KindAlreadyClaimed}
	ErrEscrowAlreadyClaimed     = &Error{Kind: KindEscrowAlreadyClaimed}
	ErrEscrowNotReleased        = &Error{Kind: KindEscrowNotReleased}
	ErrClaimWindowExpired       = &Error{Kind: KindClaimWindowExpired}
	ErrPoolAlreadyExists        = &Error{Kind: KindPoolAlreadyExists}
	ErrPoolNotSupported         = &Error{Kind: KindPoolNotSupported}
	ErrOnlyGovernance           = &Error{Kind: KindOnlyGovernance}
	ErrInvalidArgument          = &Error{Kind: KindInvalidArgument}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrUnauthorized             = &Error{Kind: KindUnauthorized}
	ErrFillAlreadyClaimed       = &Error{Kind: KindFillAlreadyClaimed}
)

// New builds a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
