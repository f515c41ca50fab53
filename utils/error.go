package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies business-rule violations so callers can render a
// stable, localizable message. Anything that is not a DomainError is an
// infrastructure failure and propagates unchanged.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NotFound"
	KindInsufficientStock ErrorKind = "InsufficientStock"
	KindInvalidDiscount   ErrorKind = "InvalidDiscount"
	KindInvalidReference  ErrorKind = "InvalidReference"
	KindInvalidQuantity   ErrorKind = "InvalidQuantity"
)

type DomainError struct {
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

var ErrorRecordNotFound = &DomainError{Kind: KindNotFound, Message: "record not found"}

func NotFoundError(format string, args ...any) error {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStockError(itemName string, available int, requested int) error {
	return &DomainError{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("insufficient stock for %s (available=%d, requested=%d)", itemName, available, requested),
	}
}

func InvalidDiscountError(format string, args ...any) error {
	return &DomainError{Kind: KindInvalidDiscount, Message: fmt.Sprintf(format, args...)}
}

func InvalidReferenceError(format string, args ...any) error {
	return &DomainError{Kind: KindInvalidReference, Message: fmt.Sprintf(format, args...)}
}

func InvalidQuantityError(format string, args ...any) error {
	return &DomainError{Kind: KindInvalidQuantity, Message: fmt.Sprintf(format, args...)}
}

// ErrorKindOf reports the domain kind of err, or false for infrastructure
// errors.
func ErrorKindOf(err error) (ErrorKind, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

func IsKind(err error, kind ErrorKind) bool {
	k, ok := ErrorKindOf(err)
	return ok && k == kind
}
