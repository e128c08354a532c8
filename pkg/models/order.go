package models

import (
	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/shopspring/decimal"
)

// Order is one customer transaction. ID is assigned by the remote store and
// is zero until the first successful insert.
type Order struct {
	ID         int64           `json:"id"`
	Client     string          `json:"client"`
	Product    string          `json:"product"`
	Cost       decimal.Decimal `json:"cost"`
	Price      decimal.Decimal `json:"price"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Status     Status          `json:"status"`
	Date       Date            `json:"date"`
}

// Profit is price minus cost.
func (o Order) Profit() decimal.Decimal {
	return o.Price.Sub(o.Cost)
}

// Balance is what the client still owes.
func (o Order) Balance() decimal.Decimal {
	return o.Price.Sub(o.PaidAmount)
}

// Equal compares every stored field. Decimals compare by value, so 10 and
// 10.00 are equal.
func (o Order) Equal(other Order) bool {
	return o.ID == other.ID &&
		o.Client == other.Client &&
		o.Product == other.Product &&
		o.Cost.Equal(other.Cost) &&
		o.Price.Equal(other.Price) &&
		o.PaidAmount.Equal(other.PaidAmount) &&
		o.Status == other.Status &&
		o.Date.Equal(other.Date)
}

// Validate checks a record received from the remote store. Unlike
// Draft.Validate it does not compare paid_amount with price.
func (o Order) Validate() error {
	verr := &errs.ValidationError{}
	if o.ID <= 0 {
		verr.Add("id", "must be positive")
	}
	checkText(verr, "client", o.Client)
	checkText(verr, "product", o.Product)
	checkAmount(verr, "cost", o.Cost)
	checkAmount(verr, "price", o.Price)
	checkAmount(verr, "paid_amount", o.PaidAmount)
	if !o.Status.Valid() {
		verr.Add("status", "is not a known status")
	}
	return verr.OrNil()
}
