package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"no service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordTrialStarted("exp1")
	m.RecordTrialCompleted("succeeded", time.Second)
	m.RecordEntriesMoved("trials", 3)
	m.RecordSnapshotSave(errors.New("locked"))
	m.RecordRegistryBuild("models", nil)
	m.RecordPolicyViolation("sweep-size", "warning")
	m.RecordError("SCHEDULER_FAILED")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`gridlab_trials_started_total{experiment="exp1"} 1`,
		`gridlab_trials_completed_total{status="succeeded"} 1`,
		`gridlab_consolidation_entries_moved_total{kind="trials"} 3`,
		`gridlab_snapshot_saves_total{result="error"} 1`,
		`gridlab_registry_builds_total{category="models",result="ok"} 1`,
		`gridlab_policy_violations_total{policy="sweep-size",severity="warning"} 1`,
		`gridlab_errors_by_code_total{code="SCHEDULER_FAILED"} 1`,
		`gridlab_active_trials 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected metrics output to contain %s", want)
		}
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordTrialStarted("exp1")
	m.RecordLaunch("single", "ok", time.Second)
	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("Expected no server for disabled metrics, got %v", err)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordError("X")
	if err := nilMetrics.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil shutdown to succeed, got %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Expected 404 from a disabled handler, got %d", rec.Code)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "noop")
	if op.Span != nil {
		t.Error("Expected no span without telemetry in the context")
	}
	if op.Logger == nil || op.Timer == nil {
		t.Error("Expected a logger and timer")
	}
	op.End(errors.New("ignored"))
}

func TestLaunchContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := WithLaunchContext(tel.WithContext(context.Background()), "exp1", "single")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace ID inside the launch context")
	}
	EndLaunchContext(ctx, "single", nil)

	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `gridlab_launches_total{mode="single",result="ok"} 1`) {
		t.Error("Expected the launch to be counted")
	}
}
