package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/shopspring/decimal"
)

var (
	ErrAmountRequired  = errors.New("is required")
	ErrAmountNotNumber = errors.New("must be a number")
	ErrAmountNegative  = errors.New("must not be negative")
)

// ParseRequiredAmount is used for cost and price: blank input is an error.
func ParseRequiredAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrAmountRequired
	}
	return parseAmount(raw)
}

// ParseOptionalAmount is used for paid_amount: blank input means zero.
func ParseOptionalAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return parseAmount(raw)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrAmountNotNumber
	}
	if d.IsNegative() {
		return decimal.Zero, ErrAmountNegative
	}
	return d, nil
}

// DraftForm is the raw text submitted by an order form.
type DraftForm struct {
	Client     string
	Product    string
	Cost       string
	Price      string
	PaidAmount string
	Status     string
	Date       string
}

// Parse coerces the form into a Draft and validates it, collecting every
// field error before returning.
func (f DraftForm) Parse() (Draft, error) {
	verr := &errs.ValidationError{}
	draft := Draft{
		Client:  f.Client,
		Product: f.Product,
	}

	var err error
	if draft.Cost, err = ParseRequiredAmount(f.Cost); err != nil {
		verr.Add("cost", err.Error())
	}
	if draft.Price, err = ParseRequiredAmount(f.Price); err != nil {
		verr.Add("price", err.Error())
	}
	paid, err := ParseOptionalAmount(f.PaidAmount)
	if err != nil {
		verr.Add("paid_amount", err.Error())
	} else {
		draft.PaidAmount = &paid
	}

	if strings.TrimSpace(f.Status) != "" {
		if draft.Status, err = ParseStatus(f.Status); err != nil {
			verr.Add("status", "is not a known status")
		}
	}
	if strings.TrimSpace(f.Date) != "" {
		d, err := ParseDate(strings.TrimSpace(f.Date))
		if err != nil {
			verr.Add("date", "must be a date (YYYY-MM-DD)")
		} else {
			draft.Date = &d
		}
	}

	// Run the structural checks too, skipping fields already reported.
	if err := draft.Validate(); err != nil {
		var more *errs.ValidationError
		if errors.As(err, &more) {
			for _, fe := range more.Fields {
				if !verr.Has(fe.Field) {
					verr.Fields = append(verr.Fields, fe)
				}
			}
		}
	}
	if err := verr.OrNil(); err != nil {
		return Draft{}, err
	}
	return draft, nil
}

// draftJSON keeps the amounts raw so a missing or non-numeric amount is
// reported per field instead of decoding to zero.
type draftJSON struct {
	Client     string          `json:"client"`
	Product    string          `json:"product"`
	Cost       json.RawMessage `json:"cost"`
	Price      json.RawMessage `json:"price"`
	PaidAmount json.RawMessage `json:"paid_amount"`
	Status     string          `json:"status"`
	Date       string          `json:"date"`
}

// ParseDraftJSON decodes a JSON order the same way DraftForm.Parse coerces
// a form: cost and price are required, amounts may be numbers or numeric
// strings. Malformed JSON is returned as a plain error, field problems as
// a ValidationError.
func ParseDraftJSON(data []byte) (Draft, error) {
	var raw draftJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Draft{}, err
	}

	return DraftForm{
		Client:     raw.Client,
		Product:    raw.Product,
		Cost:       amountText(raw.Cost),
		Price:      amountText(raw.Price),
		PaidAmount: amountText(raw.PaidAmount),
		Status:     raw.Status,
		Date:       raw.Date,
	}.Parse()
}

func amountText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
