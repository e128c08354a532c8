package stats

import (
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/shopspring/decimal"
)

type InvoiceLine struct {
	OrderID int64           `json:"order_id"`
	Product string          `json:"product"`
	Price   decimal.Decimal `json:"price"`
}

type Invoice struct {
	Lines    []InvoiceLine   `json:"lines"`
	Clients  []string        `json:"clients"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Paid     decimal.Decimal `json:"paid"`
	Due      decimal.Decimal `json:"due"`
	// SingleClient is set when every line belongs to the same client.
	SingleClient string `json:"single_client,omitempty"`
}

// BuildInvoice totals the given orders. An order in status paid counts as
// fully paid whatever its paid_amount says.
func BuildInvoice(orders []models.Order) Invoice {
	inv := Invoice{
		Lines:    make([]InvoiceLine, 0, len(orders)),
		Clients:  make([]string, 0),
		Subtotal: decimal.Zero,
		Paid:     decimal.Zero,
	}

	seen := make(map[string]struct{})
	for _, o := range orders {
		inv.Lines = append(inv.Lines, InvoiceLine{OrderID: o.ID, Product: o.Product, Price: o.Price})
		inv.Subtotal = inv.Subtotal.Add(o.Price)
		if o.Status == models.StatusPaid {
			inv.Paid = inv.Paid.Add(o.Price)
		} else {
			inv.Paid = inv.Paid.Add(o.PaidAmount)
		}
		if _, ok := seen[o.Client]; !ok {
			seen[o.Client] = struct{}{}
			inv.Clients = append(inv.Clients, o.Client)
		}
	}

	inv.Due = inv.Subtotal.Sub(inv.Paid)
	if len(inv.Clients) == 1 {
		inv.SingleClient = inv.Clients[0]
	}
	return inv
}
