package main

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/chaz8081/gostt-relay/internal/billing"
	"github.com/chaz8081/gostt-relay/internal/config"
	"github.com/chaz8081/gostt-relay/internal/usage"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Billing.Credits = 5
	ledger, err := billing.NewLedger(nil, billing.TierFree, cfg.Billing.Credits)
	if err != nil {
		t.Fatal(err)
	}
	return &app{cfg: cfg, ledger: ledger}
}

func TestApplyConfig(t *testing.T) {
	defer logLevel.Set(slog.LevelInfo)
	a := testApp(t)

	next := config.Default()
	next.LogLevel = "debug"
	next.Billing.Tier = "pro"
	next.Billing.Credits = 7.5
	a.applyConfig(next)

	if got := logLevel.Level(); got != slog.LevelDebug {
		t.Errorf("logLevel = %v, want %v", got, slog.LevelDebug)
	}
	if got := a.ledger.Tier(); got != billing.TierPro {
		t.Errorf("Tier() = %q, want %q", got, billing.TierPro)
	}
	if credits, _ := a.ledger.Balance(); credits != 7.5 {
		t.Errorf("credits = %v, want 7.5", credits)
	}
}

func TestApplyConfigIgnoresLoweredCredits(t *testing.T) {
	a := testApp(t)

	next := config.Default()
	next.Billing.Credits = 1
	a.applyConfig(next)

	if credits, _ := a.ledger.Balance(); credits != 5 {
		t.Errorf("credits = %v, want 5", credits)
	}

	// A later top-up is measured from the lowered figure.
	next = config.Default()
	next.Billing.Credits = 3
	a.applyConfig(next)
	if credits, _ := a.ledger.Balance(); credits != 7 {
		t.Errorf("credits = %v, want 7", credits)
	}
}

func TestRestoreLedgerCarriesUsageAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	// A previous run spent ten included minutes and some credits.
	prev, err := usage.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	prev.Record(10*60, "gpt-4o-mini-transcribe", 0.03, false)
	prev.Record(10*60, "gpt-4o-mini-transcribe", 0.03, false)
	_ = prev.Close()

	store, err := usage.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ledger, err := billing.NewLedger(nil, billing.TierFree, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := restoreLedger(ledger, store); err != nil {
		t.Fatalf("restoreLedger() error = %v", err)
	}

	credits, included := ledger.Balance()
	if included != 0 {
		t.Errorf("included = %v, want 0 after 20 of 15 minutes", included)
	}
	// Five minutes overflowed at $0.003/min.
	if want := 1 - 5*0.003; credits < want-1e-9 || credits > want+1e-9 {
		t.Errorf("credits = %v, want %v", credits, want)
	}
}
