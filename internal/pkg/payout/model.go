package payout

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPaying Status = "paying"
	StatusPaid   Status = "paid"
	StatusError  Status = "error"
)

// ErrInsufficientFunds is returned by a Transferer when the payout account
// cannot cover the transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Transferer issues a single transfer to an email recipient.
type Transferer interface {
	RequestTransfer(ctx context.Context, batchID string, amount decimal.Decimal, currency string, email string) error
}
