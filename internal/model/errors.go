package model

import "errors"

// Engagement errors. Each operation fails with exactly one of these, wrapped
// or bare; callers match with errors.Is.
var (
	ErrInvalidParty       = errors.New("invalid party")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNotFound           = errors.New("engagement not found")
	ErrWrongState         = errors.New("operation not allowed in current status")
	ErrNotClient          = errors.New("caller is not the client")
	ErrNotFreelancer      = errors.New("caller is not the freelancer")
	ErrNotOwner           = errors.New("caller is not the platform owner")
	ErrNotParty           = errors.New("caller is not a party to the engagement")
	ErrWrongAmount        = errors.New("deposit does not equal bid amount")
	ErrWrongFee           = errors.New("fee does not equal dispute fee")
	ErrFeeTooHigh         = errors.New("platform fee percent out of range")
	ErrSharesExceedEscrow = errors.New("dispute shares exceed escrowed amount")
	ErrDeadlineNotPassed  = errors.New("deadline has not passed")
	ErrAlreadyCompleted   = errors.New("engagement already completed")
)

// Code is a machine-readable error code.
type Code string

// Error codes, one per engagement error.
const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidParty       Code = "INVALID_PARTY"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeWrongState         Code = "WRONG_STATE"
	CodeNotClient          Code = "NOT_CLIENT"
	CodeNotFreelancer      Code = "NOT_FREELANCER"
	CodeNotOwner           Code = "NOT_OWNER"
	CodeNotParty           Code = "NOT_PARTY"
	CodeWrongAmount        Code = "WRONG_AMOUNT"
	CodeWrongFee           Code = "WRONG_FEE"
	CodeFeeTooHigh         Code = "FEE_TOO_HIGH"
	CodeSharesExceedEscrow Code = "SHARES_EXCEED_ESCROW"
	CodeDeadlineNotPassed  Code = "DEADLINE_NOT_PASSED"
	CodeAlreadyCompleted   Code = "ALREADY_COMPLETED"
)

var errorCodes = []struct {
	err  error
	code Code
}{
	{ErrInvalidParty, CodeInvalidParty},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrNotFound, CodeNotFound},
	{ErrWrongState, CodeWrongState},
	{ErrNotClient, CodeNotClient},
	{ErrNotFreelancer, CodeNotFreelancer},
	{ErrNotOwner, CodeNotOwner},
	{ErrNotParty, CodeNotParty},
	{ErrWrongAmount, CodeWrongAmount},
	{ErrWrongFee, CodeWrongFee},
	{ErrFeeTooHigh, CodeFeeTooHigh},
	{ErrSharesExceedEscrow, CodeSharesExceedEscrow},
	{ErrDeadlineNotPassed, CodeDeadlineNotPassed},
	{ErrAlreadyCompleted, CodeAlreadyCompleted},
}

// ErrorCode returns the code for err, or CodeUnknown if err is not an
// engagement error.
func ErrorCode(err error) Code {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}
