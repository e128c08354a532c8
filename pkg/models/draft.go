package models

import (
	"strings"

	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/shopspring/decimal"
)

// Draft is an order that has not been inserted yet.
type Draft struct {
	Client     string           `json:"client"`
	Product    string           `json:"product"`
	Cost       decimal.Decimal  `json:"cost"`
	Price      decimal.Decimal  `json:"price"`
	PaidAmount *decimal.Decimal `json:"paid_amount,omitempty"`
	Status     Status           `json:"status,omitempty"`
	Date       *Date            `json:"date,omitempty"`
}

// Validate reports every violated field at once.
func (d Draft) Validate() error {
	verr := &errs.ValidationError{}
	checkText(verr, "client", d.Client)
	checkText(verr, "product", d.Product)
	checkAmount(verr, "cost", d.Cost)
	checkAmount(verr, "price", d.Price)
	if d.PaidAmount != nil {
		checkAmount(verr, "paid_amount", *d.PaidAmount)
		if !verr.Has("paid_amount") && !verr.Has("price") {
			checkPaid(verr, *d.PaidAmount, d.Price)
		}
	}
	if d.Status != "" && !d.Status.Valid() {
		verr.Add("status", "is not a known status")
	}
	return verr.OrNil()
}

// WithDefaults fills the optional fields: paid_amount 0, status
// pending_purchase, date today. Text fields are trimmed.
func (d Draft) WithDefaults(today Date) Draft {
	d.Client = strings.TrimSpace(d.Client)
	d.Product = strings.TrimSpace(d.Product)
	if d.PaidAmount == nil {
		zero := decimal.Zero
		d.PaidAmount = &zero
	}
	if d.Status == "" {
		d.Status = StatusPendingPurchase
	}
	if d.Date == nil || d.Date.IsZero() {
		d.Date = &today
	}
	return d
}

// Patch carries the mutable fields of an order. Nil means "leave as is".
type Patch struct {
	Client     *string          `json:"client,omitempty"`
	Product    *string          `json:"product,omitempty"`
	Cost       *decimal.Decimal `json:"cost,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Status     *Status          `json:"status,omitempty"`
	PaidAmount *decimal.Decimal `json:"paid_amount,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Client == nil && p.Product == nil && p.Cost == nil &&
		p.Price == nil && p.Status == nil && p.PaidAmount == nil
}

// Fields lists the column names the patch touches, in a stable order.
func (p Patch) Fields() []string {
	var fields []string
	if p.Client != nil {
		fields = append(fields, "client")
	}
	if p.Product != nil {
		fields = append(fields, "product")
	}
	if p.Cost != nil {
		fields = append(fields, "cost")
	}
	if p.Price != nil {
		fields = append(fields, "price")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.PaidAmount != nil {
		fields = append(fields, "paid_amount")
	}
	return fields
}

// Apply returns o with the patch applied. The id never changes.
func (p Patch) Apply(o Order) Order {
	if p.Client != nil {
		o.Client = strings.TrimSpace(*p.Client)
	}
	if p.Product != nil {
		o.Product = strings.TrimSpace(*p.Product)
	}
	if p.Cost != nil {
		o.Cost = *p.Cost
	}
	if p.Price != nil {
		o.Price = *p.Price
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PaidAmount != nil {
		o.PaidAmount = *p.PaidAmount
	}
	return o
}

// Validate checks the patched fields against the record they will replace,
// so a lone paid_amount is still compared with the current price.
func (p Patch) Validate(current Order) error {
	verr := &errs.ValidationError{}
	if p.Empty() {
		verr.Add("patch", "has no fields to update")
		return verr
	}
	if p.Client != nil {
		checkText(verr, "client", *p.Client)
	}
	if p.Product != nil {
		checkText(verr, "product", *p.Product)
	}
	if p.Cost != nil {
		checkAmount(verr, "cost", *p.Cost)
	}
	if p.Price != nil {
		checkAmount(verr, "price", *p.Price)
	}
	if p.PaidAmount != nil {
		checkAmount(verr, "paid_amount", *p.PaidAmount)
	}
	if p.Status != nil && !p.Status.Valid() {
		verr.Add("status", "is not a known status")
	}
	if p.PaidAmount != nil || p.Price != nil {
		next := p.Apply(current)
		if !verr.Has("paid_amount") && !verr.Has("price") {
			checkPaid(verr, next.PaidAmount, next.Price)
		}
	}
	return verr.OrNil()
}

func checkText(verr *errs.ValidationError, field, value string) {
	if strings.TrimSpace(value) == "" {
		verr.Add(field, "is required")
	}
}

func checkAmount(verr *errs.ValidationError, field string, value decimal.Decimal) {
	if value.IsNegative() {
		verr.Add(field, "must not be negative")
	}
}

func checkPaid(verr *errs.ValidationError, paid, price decimal.Decimal) {
	if paid.GreaterThan(price) {
		verr.Add("paid_amount", "must not exceed price")
	}
}
