package app

import (
	"context"
	"os"
	"testing"

	"purchaseflow/internal/config"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/logger"
	"purchaseflow/internal/migrate"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("EUR")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctx := context.Background()
	ws, err := Open(ctx, dir, logger.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if v, err := migrate.Current(ctx, ws.DB); err != nil || v != latest {
		t.Fatalf("expected schema %d, got %d (%v)", latest, v, err)
	}
	p, _, err := ws.Engine.CreatePurchase(ctx, engine.PurchaseCreateOptions{ID: "pur-1", ActorID: "clerk"})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if p.Currency != "EUR" {
		t.Fatalf("expected workspace currency EUR, got %s", p.Currency)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("purchases:\n  default_currency: euro\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Open(context.Background(), dir, nil); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ws, err := Open(ctx, dir, logger.Discard())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if ws.Config.Purchases.DefaultCurrency != "JPY" {
			t.Fatalf("expected default config")
		}
		ws.Close()
	}
}
