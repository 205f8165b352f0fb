// Package domain holds the aggregates and events the engine test suites
// run against: two aggregate types with disjoint filters sharing one
// stream, plus an unfiltered audit trail.
package domain

import (
	"fmt"

	"github.com/codewandler/ledger-go/core/ledger"
)

var (
	KeyOrderPlaced  = ledger.Key("order_placed", 1)
	KeyOrderShipped = ledger.Key("order_shipped", 1)
)

type (
	OrderPlaced struct {
		OrderID int     `json:"order_id"`
		Amount  float64 `json:"amount"`
	}

	OrderShipped struct {
		OrderID int    `json:"order_id"`
		Carrier string `json:"carrier"`
	}
)

func (e OrderPlaced) Validate() error {
	if e.OrderID == 0 {
		return fmt.Errorf("order id is required")
	}
	if e.Amount < 0 {
		return fmt.Errorf("amount cannot be negative")
	}
	return nil
}

// NewRegistry builds the registry for all test domain events.
func NewRegistry() *ledger.Registry {
	b := ledger.NewRegistryBuilder()
	ledger.RegisterEvent[OrderPlaced](b, KeyOrderPlaced)
	ledger.RegisterEvent[OrderShipped](b, KeyOrderShipped)
	return b.MustBuild()
}

// === Order ===

// Order consumes order_placed events only.
type Order struct {
	ledger.Root

	OrderID   int     `json:"order_id"`
	Amount    float64 `json:"amount"`
	NumPlaced int     `json:"num_placed"`
}

func (o *Order) Kind() ledger.TypeKey { return ledger.Key("order", 1) }
func (o *Order) EventTypes() ledger.TypeFilter {
	return ledger.TypeFilter{KeyOrderPlaced}
}
func (o *Order) CanApply(k ledger.TypeKey) bool { return ledger.FilterCanApply(o, k) }

func (o *Order) Apply(event any) error {
	switch e := event.(type) {
	case *OrderPlaced:
		o.OrderID = e.OrderID
		o.Amount += e.Amount
		o.NumPlaced++
		return nil
	}
	return fmt.Errorf("unknown order event: %T", event)
}

// Place raises an order_placed event.
func (o *Order) Place(orderID int, amount float64) error {
	return ledger.RaiseAndApply(o, &OrderPlaced{OrderID: orderID, Amount: amount})
}

// === Shipment ===

// Shipment consumes order_shipped events only.
type Shipment struct {
	ledger.Root

	OrderID int    `json:"order_id"`
	Carrier string `json:"carrier"`
	Shipped int    `json:"shipped"`
}

func (s *Shipment) Kind() ledger.TypeKey { return ledger.Key("shipment", 1) }
func (s *Shipment) EventTypes() ledger.TypeFilter {
	return ledger.TypeFilter{KeyOrderShipped}
}
func (s *Shipment) CanApply(k ledger.TypeKey) bool { return ledger.FilterCanApply(s, k) }

func (s *Shipment) Apply(event any) error {
	switch e := event.(type) {
	case *OrderShipped:
		s.OrderID = e.OrderID
		s.Carrier = e.Carrier
		s.Shipped++
		return nil
	}
	return fmt.Errorf("unknown shipment event: %T", event)
}

func (s *Shipment) Ship(orderID int, carrier string) error {
	return ledger.RaiseAndApply(s, &OrderShipped{OrderID: orderID, Carrier: carrier})
}

// === AuditTrail ===

// AuditTrail has an empty filter and therefore consumes every event in
// the stream.
type AuditTrail struct {
	ledger.Root

	NumEvents int `json:"num_events"`
}

func (a *AuditTrail) Kind() ledger.TypeKey           { return ledger.Key("audit_trail", 1) }
func (a *AuditTrail) EventTypes() ledger.TypeFilter  { return nil }
func (a *AuditTrail) CanApply(k ledger.TypeKey) bool { return true }

func (a *AuditTrail) Apply(event any) error {
	a.NumEvents++
	return nil
}
