package settlement

import (
	"errors"

	"github.com/uhyunpark/instantswap/pkg/core"
)

// Settlement failures. Every error returned by Settle wraps exactly one of these,
// or is an internal fault (storage, context) that maps to CodeInternal.
var (
	ErrInvalidOrder           = core.ErrInvalidOrder
	ErrExpired                = errors.New("order expired")
	ErrUnauthorized           = errors.New("caller is not the order taker")
	ErrAlreadyConsumed        = errors.New("order already consumed")
	ErrInvalidSignature       = errors.New("invalid maker signature")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrPartialTransferFailure = errors.New("transfer failed after order was consumed")
)

// Stable error codes for transport layers
const (
	CodeInvalidOrder           = "InvalidOrder"
	CodeExpired                = "Expired"
	CodeUnauthorized           = "Unauthorized"
	CodeAlreadyConsumed        = "AlreadyConsumed"
	CodeInvalidSignature       = "InvalidSignature"
	CodeInsufficientFunds      = "InsufficientFunds"
	CodePartialTransferFailure = "PartialTransferFailure"
	CodeInternal               = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidOrder, CodeInvalidOrder},
	{ErrExpired, CodeExpired},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrAlreadyConsumed, CodeAlreadyConsumed},
	{ErrInvalidSignature, CodeInvalidSignature},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrPartialTransferFailure, CodePartialTransferFailure},
}

// Code returns the taxonomy name of err, "" for nil
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
