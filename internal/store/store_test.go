package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"onepyme/internal/operation"
)

func sampleOperations() []PendingOperation {
	created := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	scheduled := created.Add(4 * time.Second)
	lastErr := "timeout"
	return []PendingOperation{
		{
			ID:         "1",
			Payload:    operation.CreateInvoice{Invoice: operation.Invoice{CustomerID: "c-1", PointOfSale: 3, Items: []operation.LineItem{{ProductID: "p-1", Quantity: "2", UnitPrice: "150.00"}}}},
			Priority:   operation.PriorityHigh,
			CreatedAt:  created,
			MaxRetries: 3,
		},
		{
			ID:          "2",
			Payload:     operation.UpdateStockMovement{ID: "mv-1", StockMovement: operation.StockMovement{ProductID: "p-1", WarehouseID: "w-1", Quantity: "5", Movement: operation.MovementIn}},
			Priority:    operation.PriorityLow,
			CreatedAt:   created,
			RetryCount:  2,
			MaxRetries:  3,
			LastError:   &lastErr,
			ScheduledAt: &scheduled,
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	ops := sampleOperations()
	data, err := Encode(ops)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"scheduled_at":"2026-03-02T10:30:04Z"`) {
		t.Errorf("timestamps not ISO-8601: %s", data)
	}
	if !strings.Contains(string(data), `"type":"stock_movement","action":"update"`) {
		t.Errorf("type/action not serialized: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("order not preserved: %s, %s", got[0].ID, got[1].ID)
	}
	inv, ok := got[0].Payload.(operation.CreateInvoice)
	if !ok || inv.CustomerID != "c-1" || len(inv.Items) != 1 {
		t.Errorf("invoice payload not restored: %#v", got[0].Payload)
	}
	if got[1].ScheduledAt == nil || !got[1].ScheduledAt.Equal(*ops[1].ScheduledAt) {
		t.Errorf("scheduled_at not restored: %v", got[1].ScheduledAt)
	}
	if got[1].LastError == nil || *got[1].LastError != "timeout" {
		t.Errorf("last_error not restored: %v", got[1].LastError)
	}
}

func TestEncodeKeepsUnmodeledPayloadFields(t *testing.T) {
	raw := `{"customer_id":"c-1","items":[],"cuit":"20-12345678-9","afip_concept":2}`
	payload, err := operation.Decode(operation.TypeInvoice, operation.ActionCreate, []byte(raw))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	data, err := Encode([]PendingOperation{{ID: "1", Payload: payload, Priority: operation.PriorityMedium, MaxRetries: 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := json.Marshal(got[0].Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if string(out) != raw {
		t.Fatalf("payload after reload = %s, want %s", out, raw)
	}
}

func TestEncodeEmpty(t *testing.T) {
	data, err := Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("expected [], got %s", data)
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{{`,
		"not an array":      `{"id":"1"}`,
		"delete action":     `[{"id":"1","type":"invoice","action":"delete","payload":{},"priority":"medium","max_retries":3}]`,
		"unknown priority":  `[{"id":"1","type":"invoice","action":"create","payload":{},"priority":"urgent","max_retries":3}]`,
		"retries overflow":  `[{"id":"1","type":"invoice","action":"create","payload":{},"priority":"low","retry_count":4,"max_retries":3}]`,
		"missing id":        `[{"type":"invoice","action":"create","payload":{},"priority":"low","max_retries":3}]`,
		"duplicate id":      `[{"id":"1","type":"payment","action":"create","payload":{},"priority":"low","max_retries":3},{"id":"1","type":"payment","action":"create","payload":{},"priority":"low","max_retries":3}]`,
		"bad payload shape": `[{"id":"1","type":"invoice","action":"create","payload":{"items":7},"priority":"low","max_retries":3}]`,
	}
	for name, data := range cases {
		if _, err := Decode([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOperationStore(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := NewOperationStore(backend, "onepyme:pending_operations")

	ops, err := s.Load(ctx)
	if err != nil || len(ops) != 0 {
		t.Fatalf("empty store: ops=%v err=%v", ops, err)
	}

	if err := s.Save(ctx, sampleOperations()); err != nil {
		t.Fatalf("save: %v", err)
	}
	ops, err = s.Load(ctx)
	if err != nil || len(ops) != 2 {
		t.Fatalf("load after save: ops=%d err=%v", len(ops), err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := backend.Get(ctx, "onepyme:pending_operations"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected key gone after clear, got %v", err)
	}

	backend.Set(ctx, "onepyme:pending_operations", []byte("garbage"))
	if _, err := s.Load(ctx); err == nil {
		t.Fatal("expected error for corrupt content")
	}
}

func testBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "a:b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Set(ctx, "a:b", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Set(ctx, "a:b", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := b.Get(ctx, "a:b")
	if err != nil || string(got) != "two" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := b.Delete(ctx, "a:b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, "a:b"); err != nil {
		t.Fatalf("delete missing key: %v", err)
	}
	if _, err := b.Get(ctx, "a:b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	testBackend(t, b)

	if err := b.Set(context.Background(), "queue", []byte("[]")); err != nil {
		t.Fatalf("set: %v", err)
	}
	tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(tmps) != 0 {
		t.Errorf("temporary files left behind: %v", tmps)
	}
}

func TestFileBackendRemovesStaleTemp(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "queue.json.123.tmp")
	if err := os.WriteFile(stale, []byte("half"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileBackend(dir); err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale temporary file not removed: %v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	b, err := NewSQLiteBackend(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	defer b.Close()
	testBackend(t, b)
}

func TestSQLiteBackendPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewSQLiteBackend(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	b.Close()

	b, err = NewSQLiteBackend(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, err := b.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("value lost across reopen: %q %v", got, err)
	}
}

func TestPendingOperationEligible(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Second)
	past := now.Add(-time.Second)

	if !(PendingOperation{}).Eligible(now) {
		t.Error("unscheduled operation not eligible")
	}
	if !(PendingOperation{ScheduledAt: &past}).Eligible(now) {
		t.Error("past schedule not eligible")
	}
	if !(PendingOperation{ScheduledAt: &now}).Eligible(now) {
		t.Error("schedule equal to now not eligible")
	}
	if (PendingOperation{ScheduledAt: &future}).Eligible(now) {
		t.Error("future schedule eligible")
	}
}
