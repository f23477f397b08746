package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"onepyme/internal/log"
	"onepyme/internal/operation"
	"onepyme/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ queue.Observer = (*QueueMetrics)(nil)

func TestObserverUpdatesCollectors(t *testing.T) {
	m := NewQueueMetrics(prometheus.NewRegistry(), log.NewNop())

	m.OperationEnqueued(operation.TypeInvoice)
	m.OperationEnqueued(operation.TypeInvoice)
	m.OperationEnqueued(operation.TypePayment)
	m.OperationDelivered(operation.TypeInvoice)
	m.OperationFailed(operation.TypePayment)
	m.OperationDropped(operation.TypePayment)
	m.QueueDepth(7)
	m.DrainCompleted(250 * time.Millisecond)
	m.SetOnline(false)

	if got := testutil.ToFloat64(m.EnqueuedTotal.WithLabelValues("invoice")); got != 2 {
		t.Errorf("enqueued invoice = %v", got)
	}
	if got := testutil.ToFloat64(m.DeliveredTotal.WithLabelValues("invoice")); got != 1 {
		t.Errorf("delivered invoice = %v", got)
	}
	if got := testutil.ToFloat64(m.FailuresTotal.WithLabelValues("payment")); got != 1 {
		t.Errorf("failures payment = %v", got)
	}
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues("payment")); got != 1 {
		t.Errorf("dropped payment = %v", got)
	}
	if got := testutil.ToFloat64(m.Depth); got != 7 {
		t.Errorf("depth = %v", got)
	}
	if got := testutil.ToFloat64(m.Online); got != 0 {
		t.Errorf("online = %v", got)
	}
	if n := testutil.CollectAndCount(m.DrainDuration); n != 1 {
		t.Errorf("drain histogram series = %d", n)
	}
}

func TestCheckHealth(t *testing.T) {
	m := NewQueueMetrics(nil, log.NewNop())
	m.AddHealthCheck("storage", func(context.Context) error { return nil })
	m.AddHealthCheck("dead_letters", func(context.Context) error { return errors.New("connection refused") })

	m.CheckHealth(context.Background())
	if got := testutil.ToFloat64(m.ComponentHealth.WithLabelValues("storage")); got != 1 {
		t.Errorf("storage health = %v", got)
	}
	if got := testutil.ToFloat64(m.ComponentHealth.WithLabelValues("dead_letters")); got != 0 {
		t.Errorf("dead letters health = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewQueueMetrics(prometheus.NewRegistry(), log.NewNop())
	m.OperationEnqueued(operation.TypeStockMovement)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`onepyme_operations_enqueued_total{type="stock_movement"} 1`,
		"onepyme_queue_depth 0",
		"onepyme_connectivity_online 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
