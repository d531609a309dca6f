package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "file without path", mutate: func(c *Config) { c.Logging.Output = "stdout,file" }, wantErr: "log file path"},
		{name: "bad output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: "invalid log output"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hermit.log")
	logger, err := NewLogger(LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.NewComponentLogger("engine").WithAction("compile", "abc").Info("executed")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	for _, want := range []string{`"component":"engine"`, `"fingerprint":"abc"`, `"action":"compile"`, `"message":"executed"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in %s", want, data)
		}
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "hermit"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordCacheLookup(LookupHit)
	m.RecordCacheLookup(LookupHit)
	m.RecordCacheLookup(LookupMiss)
	m.RecordMaterialization(false, 3, 1, 2, time.Millisecond)
	m.RecordActionFailure("timeout")
	m.RecordStoreBytes("put", 128)
	m.RecordStoreBytes("put", 0)

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues(LookupHit)); got != 2 {
		t.Errorf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.materializeOps.WithLabelValues("add")); got != 3 {
		t.Errorf("expected 3 adds, got %v", got)
	}
	if got := testutil.ToFloat64(m.actionFailures.WithLabelValues("timeout")); got != 1 {
		t.Errorf("expected 1 timeout failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.storeBytes.WithLabelValues("put")); got != 128 {
		t.Errorf("expected 128 bytes, got %v", got)
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordCacheLookup(LookupHit)
	m.SetCacheInflight(3)
	m.ActionStarted()
	m.RecordAction("process", time.Second)
	m.RecordMaterialization(true, 1, 0, 0, time.Second)
	if m.Registry() != nil {
		t.Error("expected no registry when disabled")
	}
}

func TestEventPublisherAsyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 64, MaxBatchSize: 8, EnableAsync: true})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []string
	unsubscribe := ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishCacheMiss("fp", "a"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("expected 10 delivered events, got %d", len(got))
	}
	if err := ep.PublishCacheMiss("fp", "a"); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestEventPublisherUnsubscribe(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	count := 0
	unsubscribe := ep.Subscribe(func(Event) { count++ }, FilterByFingerprint("a"))

	_ = ep.PublishCacheMiss("a", "")
	_ = ep.PublishCacheMiss("b", "")
	unsubscribe()
	_ = ep.PublishCacheMiss("a", "")

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}
