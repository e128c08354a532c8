// Package stats derives dashboard figures and invoice totals from an order
// collection. Every function is pure.
package stats

import (
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Stats struct {
	TotalProfit       decimal.Decimal `json:"total_profit"`
	ActiveOrders      int             `json:"active_orders"`
	PendingInvestment decimal.Decimal `json:"pending_investment"`
	TotalOrders       int             `json:"total_orders"`
	// AverageMargin is a percentage rounded to two places.
	AverageMargin decimal.Decimal `json:"average_margin"`
}

func Compute(orders []models.Order) Stats {
	s := Stats{
		TotalProfit:       decimal.Zero,
		PendingInvestment: decimal.Zero,
		AverageMargin:     decimal.Zero,
		TotalOrders:       len(orders),
	}

	revenue := decimal.Zero
	for _, o := range orders {
		s.TotalProfit = s.TotalProfit.Add(o.Profit())
		revenue = revenue.Add(o.Price)
		if o.Status.Active() {
			s.ActiveOrders++
		}
		if o.Status == models.StatusPendingPurchase {
			s.PendingInvestment = s.PendingInvestment.Add(o.Cost)
		}
	}

	if !revenue.IsZero() {
		s.AverageMargin = s.TotalProfit.Div(revenue).Mul(hundred).Round(2)
	}
	return s
}
