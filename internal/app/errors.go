package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidReference   = errors.New("invalid or unknown reference")
	ErrNotEligible        = errors.New("weekly profit is not eligible for withdrawal")
	ErrNotVerified        = errors.New("bank account could not be verified")
	ErrVerificationFailed = errors.New("account verification failed")
	ErrTransferFailed     = errors.New("transfer initiation failed")
	ErrNotFailed          = errors.New("withdrawal is not in a failed state")
	ErrNetworkUnavailable = errors.New("network is currently unavailable")
	ErrRateLimited        = errors.New("too many requests")
	ErrTransactionFailed  = errors.New("transaction failed")
)

// ValidationError reports every rejected field, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// minAmount is the smallest value a NUMERIC(_, 2) column can hold above zero.
var minAmount = decimal.New(1, -2)

// checkAmount rejects amounts below 0.01 or with more than two decimal places, so
// nothing is rounded on its way into the store.
func (e *ValidationError) checkAmount(field string, amount decimal.Decimal) bool {
	switch {
	case amount.LessThan(minAmount):
		e.add(field, "must be at least 0.01")
	case !amount.Equal(amount.Truncate(2)):
		e.add(field, "must have at most two decimal places")
	default:
		return true
	}
	return false
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NotFoundError wraps a store not-found sentinel with the resource that was missing.
type NotFoundError struct {
	Resource string
	Err      error
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }
func (e *NotFoundError) Unwrap() error { return e.Err }

// UpstreamError is a reseller or gateway call that failed or timed out.
type UpstreamError struct {
	Op     string
	Detail string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ConflictError is a duplicate reference or a lost race for a profit week.
type ConflictError struct {
	Reason string
	Err    error
}

func (e *ConflictError) Error() string { return e.Reason }
func (e *ConflictError) Unwrap() error { return e.Err }
