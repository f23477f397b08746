package operation

import (
	"context"
	"encoding/json"
	"time"
)

// body keeps the JSON a variant was decoded from. A decoded variant marshals
// back to exactly that JSON, so fields the Go type does not model still reach
// the workflow engine and the durable copy.
type body struct {
	raw json.RawMessage
}

func (b *body) setRaw(raw json.RawMessage) {
	b.raw = append(json.RawMessage(nil), raw...)
}

// Raw returns the JSON the payload was decoded from, nil when it was built in Go.
func (b body) Raw() json.RawMessage { return b.raw }

func (b body) marshal(typed any) ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	return json.Marshal(typed)
}

// LineItem is one row of an invoice or purchase order. Quantities and prices
// are decimal strings as the workflow engine expects them.
type LineItem struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TaxRate     string `json:"tax_rate,omitempty"`
}

type Invoice struct {
	CustomerID  string     `json:"customer_id"`
	PointOfSale int        `json:"point_of_sale,omitempty"`
	InvoiceKind string     `json:"invoice_kind,omitempty"` // A, B, C...
	Currency    string     `json:"currency,omitempty"`
	Items       []LineItem `json:"items"`
	Notes       string     `json:"notes,omitempty"`
}

type PurchaseOrder struct {
	SupplierID   string     `json:"supplier_id"`
	WarehouseID  string     `json:"warehouse_id,omitempty"`
	ExpectedDate *time.Time `json:"expected_date,omitempty"`
	Items        []LineItem `json:"items"`
	Notes        string     `json:"notes,omitempty"`
}

type Payment struct {
	InvoiceID  string     `json:"invoice_id,omitempty"`
	CustomerID string     `json:"customer_id,omitempty"`
	Amount     string     `json:"amount"`
	Method     string     `json:"method"`
	Reference  string     `json:"reference,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
}

type MovementKind string

const (
	MovementIn         MovementKind = "in"
	MovementOut        MovementKind = "out"
	MovementAdjustment MovementKind = "adjustment"
)

type StockMovement struct {
	ProductID   string       `json:"product_id"`
	WarehouseID string       `json:"warehouse_id"`
	Quantity    string       `json:"quantity"`
	Movement    MovementKind `json:"kind"`
	Reason      string       `json:"reason,omitempty"`
	Reference   string       `json:"reference,omitempty"`
}

type CreateInvoice struct {
	Invoice
	body
}

type UpdateInvoice struct {
	ID string `json:"id"`
	Invoice
	body
}

type CreatePurchaseOrder struct {
	PurchaseOrder
	body
}

type UpdatePurchaseOrder struct {
	ID string `json:"id"`
	PurchaseOrder
	body
}

type CreatePayment struct {
	Payment
	body
}

type UpdatePayment struct {
	ID string `json:"id"`
	Payment
	body
}

type CreateStockMovement struct {
	StockMovement
	body
}

type UpdateStockMovement struct {
	ID string `json:"id"`
	StockMovement
	body
}

func (CreateInvoice) Kind() Kind { return Kind{TypeInvoice, ActionCreate} }
func (p CreateInvoice) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.EmitInvoice(ctx, p)
}
func (CreateInvoice) sealed() {}
func (p CreateInvoice) MarshalJSON() ([]byte, error) {
	type plain CreateInvoice
	return p.marshal(plain(p))
}

func (UpdateInvoice) Kind() Kind { return Kind{TypeInvoice, ActionUpdate} }
func (p UpdateInvoice) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.UpdateInvoice(ctx, p)
}
func (UpdateInvoice) sealed() {}
func (p UpdateInvoice) MarshalJSON() ([]byte, error) {
	type plain UpdateInvoice
	return p.marshal(plain(p))
}

func (CreatePurchaseOrder) Kind() Kind { return Kind{TypePurchaseOrder, ActionCreate} }
func (p CreatePurchaseOrder) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.CreatePurchaseOrder(ctx, p)
}
func (CreatePurchaseOrder) sealed() {}
func (p CreatePurchaseOrder) MarshalJSON() ([]byte, error) {
	type plain CreatePurchaseOrder
	return p.marshal(plain(p))
}

func (UpdatePurchaseOrder) Kind() Kind { return Kind{TypePurchaseOrder, ActionUpdate} }
func (p UpdatePurchaseOrder) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.UpdatePurchaseOrder(ctx, p)
}
func (UpdatePurchaseOrder) sealed() {}
func (p UpdatePurchaseOrder) MarshalJSON() ([]byte, error) {
	type plain UpdatePurchaseOrder
	return p.marshal(plain(p))
}

func (CreatePayment) Kind() Kind { return Kind{TypePayment, ActionCreate} }
func (p CreatePayment) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.RecordPayment(ctx, p)
}
func (CreatePayment) sealed() {}
func (p CreatePayment) MarshalJSON() ([]byte, error) {
	type plain CreatePayment
	return p.marshal(plain(p))
}

func (UpdatePayment) Kind() Kind { return Kind{TypePayment, ActionUpdate} }
func (p UpdatePayment) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.UpdatePayment(ctx, p)
}
func (UpdatePayment) sealed() {}
func (p UpdatePayment) MarshalJSON() ([]byte, error) {
	type plain UpdatePayment
	return p.marshal(plain(p))
}

func (CreateStockMovement) Kind() Kind { return Kind{TypeStockMovement, ActionCreate} }
func (p CreateStockMovement) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.CreateStockMovement(ctx, p)
}
func (CreateStockMovement) sealed() {}
func (p CreateStockMovement) MarshalJSON() ([]byte, error) {
	type plain CreateStockMovement
	return p.marshal(plain(p))
}

func (UpdateStockMovement) Kind() Kind { return Kind{TypeStockMovement, ActionUpdate} }
func (p UpdateStockMovement) Deliver(ctx context.Context, d Deliverer) (Result, error) {
	return d.RecordStockMovement(ctx, p)
}
func (UpdateStockMovement) sealed() {}
func (p UpdateStockMovement) MarshalJSON() ([]byte, error) {
	type plain UpdateStockMovement
	return p.marshal(plain(p))
}
