package observability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	for i := 1; i <= 3; i++ {
		sc.Register(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	sc := &ShutdownCoordinator{}
	sc.Register("ok", func(ctx context.Context) error { return nil })
	sc.Register("bad", func(ctx context.Context) error { return errors.New("boom") })

	if err := sc.Shutdown(context.Background()); err == nil {
		t.Fatal("expected aggregated error")
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("debug", "json", &buf)
	logger.Debug("hello", "k", "v")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("unexpected json log output: %s", out)
	}
}

func TestSetupLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("warn", "json", &buf)
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn line missing")
	}
}

func TestPrettyHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "ingest")}))
	logger.Info("started", "file_id", "abc")

	out := buf.String()
	if !strings.Contains(out, "component=ingest") || !strings.Contains(out, "file_id=abc") {
		t.Errorf("unexpected pretty output: %s", out)
	}
}

func TestMetricsRegistered(t *testing.T) {
	m := NewMetrics()

	m.OperationTotal.WithLabelValues("upload", "ok").Inc()
	m.ChunksWritten.Add(3)
	m.PoolInUse.WithLabelValues("write").Set(2)

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("upload", "ok")); got != 1 {
		t.Errorf("operation total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChunksWritten); got != 3 {
		t.Errorf("chunks written = %v, want 3", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "vault_operation_total" {
			found = true
		}
	}
	if !found {
		t.Error("vault_operation_total not registered")
	}
}

func TestOperationRecordsMetrics(t *testing.T) {
	m := NewMetrics()
	op, _ := StartOperation(context.Background(), m, "test.op")
	op.End(nil)

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("test.op", "ok")); got != 1 {
		t.Errorf("ok count = %v, want 1", got)
	}

	op, _ = StartOperation(context.Background(), m, "test.op")
	op.End(errors.New("boom"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("test.op", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}
