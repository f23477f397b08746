// Package operation defines the business mutations that can be deferred while
// the workflow engine is unreachable. Every (type, action) pair is its own Go
// type, bound to exactly one Deliverer method.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeInvoice       Type = "invoice"
	TypePurchaseOrder Type = "purchase_order"
	TypePayment       Type = "payment"
	TypeStockMovement Type = "stock_movement"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	// ActionDelete is reserved; no payload variant exists for it.
	ActionDelete Action = "delete"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities; higher is processed first. Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Kind identifies a payload variant.
type Kind struct {
	Type   Type
	Action Action
}

func (k Kind) String() string {
	return string(k.Type) + "/" + string(k.Action)
}

var ErrUnsupported = errors.New("unsupported operation")

// Result is what the workflow engine answers to a delivery.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Deliverer performs the remote business call for each variant.
// A returned error and a Result with Success=false are both failed attempts.
type Deliverer interface {
	EmitInvoice(ctx context.Context, p CreateInvoice) (Result, error)
	UpdateInvoice(ctx context.Context, p UpdateInvoice) (Result, error)
	CreatePurchaseOrder(ctx context.Context, p CreatePurchaseOrder) (Result, error)
	UpdatePurchaseOrder(ctx context.Context, p UpdatePurchaseOrder) (Result, error)
	RecordPayment(ctx context.Context, p CreatePayment) (Result, error)
	UpdatePayment(ctx context.Context, p UpdatePayment) (Result, error)
	CreateStockMovement(ctx context.Context, p CreateStockMovement) (Result, error)
	RecordStockMovement(ctx context.Context, p UpdateStockMovement) (Result, error)
}

// Payload is a deferred business mutation. The set of implementations is closed.
type Payload interface {
	Kind() Kind
	Deliver(ctx context.Context, d Deliverer) (Result, error)
	sealed()
}

// Deliver runs p against d and folds a non-success Result into an error.
func Deliver(ctx context.Context, d Deliverer, p Payload) error {
	res, err := p.Deliver(ctx, d)
	if err != nil {
		return err
	}
	if !res.Success {
		if res.Error == "" {
			return fmt.Errorf("%s rejected by workflow", p.Kind())
		}
		return fmt.Errorf("%s rejected by workflow: %s", p.Kind(), res.Error)
	}
	return nil
}

var decoders = map[Kind]func(json.RawMessage) (Payload, error){
	{TypeInvoice, ActionCreate}:       decodeAs[CreateInvoice],
	{TypeInvoice, ActionUpdate}:       decodeAs[UpdateInvoice],
	{TypePurchaseOrder, ActionCreate}: decodeAs[CreatePurchaseOrder],
	{TypePurchaseOrder, ActionUpdate}: decodeAs[UpdatePurchaseOrder],
	{TypePayment, ActionCreate}:       decodeAs[CreatePayment],
	{TypePayment, ActionUpdate}:       decodeAs[UpdatePayment],
	{TypeStockMovement, ActionCreate}: decodeAs[CreateStockMovement],
	{TypeStockMovement, ActionUpdate}: decodeAs[UpdateStockMovement],
}

// Decode builds the variant for (t, a) from its JSON body. The variant keeps
// raw and marshals back to it unchanged.
func Decode(t Type, a Action, raw json.RawMessage) (Payload, error) {
	kind := Kind{Type: t, Action: a}
	dec, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	p, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if r, ok := any(&v).(interface{ setRaw(json.RawMessage) }); ok {
		r.setRaw(raw)
	}
	return v, nil
}
