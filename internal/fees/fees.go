// Package fees computes how an escrow fee is split between buyer and seller.
//
// All arithmetic is done in decimal and rounded to cents. The results always
// reconcile: BuyerPays - SellerReceives == FeeAmount.
package fees

import (
	"fmt"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/shopspring/decimal"
)

// Payer names who bears the fee.
type Payer string

const (
	PaidBySeller Payer = "SELLER"
	PaidByBuyer  Payer = "BUYER"
	PaidBySplit  Payer = "SPLIT"
)

// Valid reports whether p is a known payer.
func (p Payer) Valid() bool {
	switch p {
	case PaidBySeller, PaidByBuyer, PaidBySplit:
		return true
	}
	return false
}

var (
	// MaxPercentage is the highest fee percentage accepted.
	MaxPercentage = decimal.NewFromInt(20)
	// MaxAmount is the highest trade amount accepted.
	MaxAmount = decimal.NewFromInt(100000)

	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

var (
	ErrInvalidAmount     = apperr.New(apperr.Validation, "invalid_amount", "amount must be greater than 0 and at most 100000")
	ErrInvalidPercentage = apperr.New(apperr.Validation, "invalid_fee_percentage", "fee percentage must be between 0 and 20")
	ErrInvalidPayer      = apperr.New(apperr.Validation, "invalid_fee_payer", "feePaidBy must be SELLER, BUYER or SPLIT")
	ErrUnreconciled      = apperr.New(apperr.Validation, "fee_unreconciled", "fee split does not reconcile")
)

// Split is the result of a fee computation.
type Split struct {
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	FeePercentage  decimal.Decimal `json:"feePercentage"`
	FeePaidBy      Payer           `json:"feePaidBy"`
	FeeAmount      decimal.Decimal `json:"feeAmount"`
	BuyerPays      decimal.Decimal `json:"buyerPays"`
	SellerReceives decimal.Decimal `json:"sellerReceives"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`
}

// Calculate computes the split for total at pct percent, borne by paidBy.
func Calculate(total, pct decimal.Decimal, paidBy Payer) (Split, error) {
	if !total.IsPositive() || total.GreaterThan(MaxAmount) {
		return Split{}, ErrInvalidAmount
	}
	if pct.IsNegative() || pct.GreaterThan(MaxPercentage) {
		return Split{}, ErrInvalidPercentage
	}
	if !paidBy.Valid() {
		return Split{}, ErrInvalidPayer
	}

	total = total.Round(2)
	fee := total.Mul(pct).Div(hundred).Round(2)

	s := Split{
		TotalAmount:   total,
		FeePercentage: pct,
		FeePaidBy:     paidBy,
		FeeAmount:     fee,
	}

	switch paidBy {
	case PaidBySeller:
		s.BuyerPays = total
		s.SellerReceives = total.Sub(fee)
	case PaidByBuyer:
		s.BuyerPays = total.Add(fee)
		s.SellerReceives = total
	case PaidBySplit:
		// An odd cent goes to the buyer so the halves sum to the fee exactly.
		buyerHalf := fee.Div(two).RoundCeil(2)
		sellerHalf := fee.Sub(buyerHalf)
		s.BuyerPays = total.Add(buyerHalf)
		s.SellerReceives = total.Sub(sellerHalf)
	}
	s.FinalAmount = s.SellerReceives

	if err := s.Validate(); err != nil {
		return Split{}, err
	}
	return s, nil
}

// Validate re-checks the invariants of a split. Callers run it again on
// persisted values before acting on them.
func (s Split) Validate() error {
	if s.FeeAmount.IsNegative() || s.FeeAmount.GreaterThan(s.TotalAmount) {
		return fmt.Errorf("%w: fee %s outside [0, %s]", ErrUnreconciled, s.FeeAmount, s.TotalAmount)
	}
	if !s.FinalAmount.IsPositive() {
		return fmt.Errorf("%w: final amount %s must be positive", ErrUnreconciled, s.FinalAmount)
	}
	if !s.BuyerPays.Sub(s.SellerReceives).Equal(s.FeeAmount) {
		return fmt.Errorf("%w: buyer pays %s, seller receives %s, fee %s",
			ErrUnreconciled, s.BuyerPays, s.SellerReceives, s.FeeAmount)
	}
	return nil
}
