package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

type Status string

const (
	StatusPendingPurchase Status = "pending_purchase"
	StatusPendingDelivery Status = "pending_delivery"
	StatusDelivered       Status = "delivered"
	StatusPaid            Status = "paid"
)

// Labels written by the first version of the app. Rows carrying them are
// still read back as the canonical codes.
var legacyStatusLabels = map[string]Status{
	"pendiente por comprar": StatusPendingPurchase,
	"por entregar":          StatusPendingDelivery,
	"entregado":             StatusDelivered,
	"pagado":                StatusPaid,
}

// ParseStatus accepts canonical codes (any case) and legacy labels.
func ParseStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	switch s := Status(key); s {
	case StatusPendingPurchase, StatusPendingDelivery, StatusDelivered, StatusPaid:
		return s, nil
	}
	if s, ok := legacyStatusLabels[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown order status %q", raw)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPurchase, StatusPendingDelivery, StatusDelivered, StatusPaid:
		return true
	default:
		return false
	}
}

// Active orders still need work: buying or delivering.
func (s Status) Active() bool {
	return s == StatusPendingPurchase || s == StatusPendingDelivery
}

// UnmarshalText leaves an empty value empty so that callers can apply their
// own default.
func (s *Status) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*s = ""
		return nil
	}
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = ""
		return nil
	default:
		return fmt.Errorf("cannot scan %T into order status", src)
	}
}

func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}
