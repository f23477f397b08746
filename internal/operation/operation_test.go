package operation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// recorder is a Deliverer that records which method was called.
type recorder struct {
	called string
	result Result
	err    error
}

func (r *recorder) hit(name string) (Result, error) {
	r.called = name
	return r.result, r.err
}

func (r *recorder) EmitInvoice(context.Context, CreateInvoice) (Result, error) {
	return r.hit("EmitInvoice")
}
func (r *recorder) UpdateInvoice(context.Context, UpdateInvoice) (Result, error) {
	return r.hit("UpdateInvoice")
}
func (r *recorder) CreatePurchaseOrder(context.Context, CreatePurchaseOrder) (Result, error) {
	return r.hit("CreatePurchaseOrder")
}
func (r *recorder) UpdatePurchaseOrder(context.Context, UpdatePurchaseOrder) (Result, error) {
	return r.hit("UpdatePurchaseOrder")
}
func (r *recorder) RecordPayment(context.Context, CreatePayment) (Result, error) {
	return r.hit("RecordPayment")
}
func (r *recorder) UpdatePayment(context.Context, UpdatePayment) (Result, error) {
	return r.hit("UpdatePayment")
}
func (r *recorder) CreateStockMovement(context.Context, CreateStockMovement) (Result, error) {
	return r.hit("CreateStockMovement")
}
func (r *recorder) RecordStockMovement(context.Context, UpdateStockMovement) (Result, error) {
	return r.hit("RecordStockMovement")
}

func TestDecodeDispatch(t *testing.T) {
	tests := []struct {
		typ    Type
		action Action
		method string
	}{
		{TypeInvoice, ActionCreate, "EmitInvoice"},
		{TypeInvoice, ActionUpdate, "UpdateInvoice"},
		{TypePurchaseOrder, ActionCreate, "CreatePurchaseOrder"},
		{TypePurchaseOrder, ActionUpdate, "UpdatePurchaseOrder"},
		{TypePayment, ActionCreate, "RecordPayment"},
		{TypePayment, ActionUpdate, "UpdatePayment"},
		{TypeStockMovement, ActionCreate, "CreateStockMovement"},
		{TypeStockMovement, ActionUpdate, "RecordStockMovement"},
	}
	for _, tt := range tests {
		p, err := Decode(tt.typ, tt.action, json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("decode %s/%s: %v", tt.typ, tt.action, err)
		}
		if p.Kind() != (Kind{tt.typ, tt.action}) {
			t.Errorf("decoded kind %s, want %s/%s", p.Kind(), tt.typ, tt.action)
		}
		r := &recorder{result: Result{Success: true}}
		if err := Deliver(context.Background(), r, p); err != nil {
			t.Errorf("deliver %s: %v", p.Kind(), err)
		}
		if r.called != tt.method {
			t.Errorf("%s dispatched to %s, want %s", p.Kind(), r.called, tt.method)
		}
	}
}

func TestDecodeUnsupported(t *testing.T) {
	_, err := Decode(TypeInvoice, ActionDelete, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for delete, got %v", err)
	}
	_, err = Decode("quote", ActionCreate, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for unknown type, got %v", err)
	}
}

func TestDecodePayloadFields(t *testing.T) {
	raw := json.RawMessage(`{"id":"mv-9","product_id":"p-1","warehouse_id":"w-1","quantity":"2.5","kind":"out"}`)
	p, err := Decode(TypeStockMovement, ActionUpdate, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mv, ok := p.(UpdateStockMovement)
	if !ok {
		t.Fatalf("unexpected variant %T", p)
	}
	if mv.ID != "mv-9" || mv.Quantity != "2.5" || mv.Movement != MovementOut {
		t.Errorf("fields not decoded: %+v", mv)
	}

	if _, err := Decode(TypeInvoice, ActionCreate, json.RawMessage(`{"items":"nope"}`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestDecodedPayloadMarshalsVerbatim(t *testing.T) {
	raw := `{"customer_id":"C-1","items":[],"cuit":"20-12345678-9","afip_concept":2}`
	p, err := Decode(TypeInvoice, ActionCreate, json.RawMessage(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inv := p.(CreateInvoice); inv.CustomerID != "C-1" {
		t.Errorf("typed fields not decoded: %+v", inv)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Fatalf("marshal = %s, want %s", out, raw)
	}
}

func TestBuiltPayloadMarshalsFields(t *testing.T) {
	out, err := json.Marshal(UpdatePayment{ID: "pay-1", Payment: Payment{Amount: "10.00", Method: "transfer"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"pay-1","amount":"10.00","method":"transfer"}`
	if string(out) != want {
		t.Fatalf("marshal = %s, want %s", out, want)
	}
}

func TestDecodeNullPayload(t *testing.T) {
	p, err := Decode(TypePayment, ActionCreate, json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, _ := json.Marshal(p)
	if string(out) != `{}` {
		t.Fatalf("marshal = %s, want {}", out)
	}
}

func TestDeliverFoldsRejection(t *testing.T) {
	r := &recorder{result: Result{Success: false, Error: "CUIT inválido"}}
	err := Deliver(context.Background(), r, CreateInvoice{})
	if err == nil || !strings.Contains(err.Error(), "CUIT inválido") {
		t.Fatalf("expected rejection error, got %v", err)
	}

	r = &recorder{err: errors.New("connection refused")}
	if err := Deliver(context.Background(), r, CreatePayment{}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PriorityHigh.Rank() > PriorityMedium.Rank() && PriorityMedium.Rank() > PriorityLow.Rank()) {
		t.Fatal("priority ranks out of order")
	}
	if Priority("urgent").Valid() {
		t.Error("unknown priority reported valid")
	}
}
