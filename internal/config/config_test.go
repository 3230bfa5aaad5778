package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"purchaseflow/internal/workflow"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Purchases.DefaultCurrency != "JPY" {
		t.Fatalf("expected JPY, got %s", cfg.Purchases.DefaultCurrency)
	}
	if cfg.Attachments.MaxBytes != DefaultMaxAttachmentBytes {
		t.Fatalf("unexpected max bytes %d", cfg.Attachments.MaxBytes)
	}
	def, ok := cfg.Stages.Stage(workflow.StageTransport)
	if !ok {
		t.Fatalf("transport stage missing")
	}
	want := workflow.TransportStage()
	if len(def.Tasks) != len(want.Tasks) {
		t.Fatalf("expected %d tasks, got %d", len(want.Tasks), len(def.Tasks))
	}
	for i, task := range want.Tasks {
		got := def.Tasks[i]
		if got.Key != task.Key || got.Capture != task.Capture || len(got.After) != len(task.After) {
			t.Fatalf("task %d differs from built-in transport stage: %+v", i, got)
		}
	}
}

func TestFromYAMLRejectsCycle(t *testing.T) {
	data := []byte(`purchases:
  default_currency: usd
attachments:
  allowed_types: [application/pdf]
stages:
  - key: s
    tasks:
      - key: a
        after: [b]
      - key: b
        after: [a]
`)
	_, err := FromYAML(data)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestFromYAMLNormalizesCurrency(t *testing.T) {
	data := []byte(`purchases:
  default_currency: usd
attachments:
  allowed_types: [image/png]
stages:
  - key: paperwork
`)
	cfg, err := FromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Purchases.DefaultCurrency != "USD" {
		t.Fatalf("expected USD, got %s", cfg.Purchases.DefaultCurrency)
	}
	if cfg.Attachments.MaxBytes != DefaultMaxAttachmentBytes {
		t.Fatalf("expected default max bytes, got %d", cfg.Attachments.MaxBytes)
	}
}

func TestWebhookValidation(t *testing.T) {
	base := `purchases:
  default_currency: JPY
attachments:
  allowed_types: [application/pdf]
stages:
  - key: paperwork
webhooks:
`
	cfg, err := FromYAML([]byte(base + "  - url: https://accounting.example/hooks\n    events: [workflow.finalized]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "workflow.finalized" {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
	if _, err := FromYAML([]byte(base + "  - url: ftp://accounting.example\n")); err == nil {
		t.Fatalf("expected url error")
	}
	if _, err := FromYAML([]byte(base + "  - url: http://localhost:9000\n    timeout_seconds: -1\n")); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("EUR")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Purchases.DefaultCurrency != "EUR" {
		t.Fatalf("expected EUR, got %s", cfg.Purchases.DefaultCurrency)
	}
}

func TestParseEnvServeDefaults(t *testing.T) {
	var cfg ServeConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" || cfg.BasePath != "/v0" || cfg.ReadHeaderTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServeConfig(t *testing.T) {
	t.Setenv("PURCHASEFLOW_JWT_SECRET", "")
	if _, err := LoadServeConfig(); err == nil {
		t.Fatal("expected error without secret")
	}
	t.Setenv("PURCHASEFLOW_JWT_SECRET", "s3cret")
	t.Setenv("PURCHASEFLOW_ALLOW_ACTOR_HEADER", "true")
	t.Setenv("PURCHASEFLOW_ADDR", ":9999")
	cfg, err := LoadServeConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AllowActorHeader || cfg.Addr != ":9999" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	t.Setenv("PURCHASEFLOW_SHUTDOWN_TIMEOUT", "soon")
	if _, err := LoadServeConfig(); err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}
