package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/billing"
	"github.com/chaz8081/gostt-relay/internal/config"
	"github.com/chaz8081/gostt-relay/internal/credentials"
	"github.com/chaz8081/gostt-relay/internal/metrics"
	"github.com/chaz8081/gostt-relay/internal/models"
	"github.com/chaz8081/gostt-relay/internal/router"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
	"github.com/chaz8081/gostt-relay/internal/usage"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg     *config.Config
	catalog *models.Catalog
	metrics *metrics.Metrics
	models  *models.Manager
	ledger  *billing.Ledger
	creds   *credentials.FileStore
	usage   *usage.Store // nil if the database could not be opened
	router  *router.Router
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		catalog: models.DefaultCatalog(),
		metrics: metrics.NewMetrics(nil),
		creds:   credentials.NewFileStore(cfg.CredentialsPath),
	}

	ledger, err := billing.NewLedger(a.catalog, billing.Tier(cfg.Billing.Tier), cfg.Billing.Credits)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger

	a.models = models.NewManager(models.ManagerOptions{
		Catalog:    a.catalog,
		BundledDir: cfg.BundledDir,
		CacheDir:   cfg.ModelDir,
		NewRuntime: transcribe.NewWhisperRuntime,
		OnStateChange: func(id string, s models.State) {
			a.metrics.RecordModelState(id, s.String())
		},
	})

	rcfg := router.Config{
		Catalog:     a.catalog,
		Models:      a.models,
		Entitlement: a.ledger,
		Credentials: a.creds,
		Metrics:     a.metrics,
		Providers: map[string]string{
			"openai":    cfg.Providers.OpenAI,
			"groq":      cfg.Providers.Groq,
			"fireworks": cfg.Providers.Fireworks,
		},
		RealtimeURL:  cfg.Providers.Realtime,
		DefaultModel: cfg.DefaultModel,
		Optimize: audio.OptimizeOptions{
			TrimSilence: cfg.Audio.TrimSilence,
			Threshold:   cfg.Audio.SilenceThreshold,
			MinSilence:  cfg.Audio.MinSilence,
			TargetRate:  audio.TargetSampleRate,
		},
	}

	if store, err := usage.Open(cfg.UsageDB); err != nil {
		log.Printf("WARNING: usage tracking disabled: %v", err)
	} else {
		a.usage = store
		rcfg.Usage = store
		if err := restoreLedger(a.ledger, store); err != nil {
			log.Printf("WARNING: starting with a fresh allowance: %v", err)
		}
	}

	a.router = router.New(rcfg)
	return a, nil
}

// restoreLedger replays recorded usage into a new ledger so the monthly
// allowance and spent credits carry across runs.
func restoreLedger(l *billing.Ledger, store *usage.Store) error {
	entries, err := store.Entries(time.Time{})
	if err != nil {
		return err
	}
	for _, e := range entries {
		l.Replay(e.At, e.Seconds, e.Backend, e.Translation)
	}
	return nil
}

// warmLocal loads the on-device model if its files are already on disk.
func (a *app) warmLocal(ctx context.Context) {
	entry, ok := a.catalog.Local()
	if !ok {
		return
	}
	if _, found := a.models.Locate(entry.ID()); !found {
		return
	}
	start := time.Now()
	log.Printf("Loading local model %s...", entry.ID())
	if _, err := a.models.Load(ctx, entry.ID(), false); err != nil {
		log.Printf("Local model unavailable: %v", err)
		return
	}
	log.Printf("Model loaded in %s", time.Since(start).Round(time.Millisecond))
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.router.Close(ctx); err != nil {
		log.Printf("ERROR: closing router: %v", err)
	}
	if err := a.models.Close(); err != nil {
		log.Printf("ERROR: closing model: %v", err)
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			log.Printf("ERROR: closing usage db: %v", err)
		}
	}
}

func (a *app) balanceLine() string {
	credits, included := a.ledger.Balance()
	return fmt.Sprintf("Balance:  $%.2f credits, %.0f min included", credits, included/60)
}

// applyConfig takes the hot-reloadable parts of a new config revision: log
// level, billing tier, and credit top-ups. Lowering credits in the file has
// no effect on the running ledger.
func (a *app) applyConfig(next *config.Config) {
	logLevel.Set(next.SlogLevel())

	if next.Billing.Tier != a.cfg.Billing.Tier {
		if err := a.ledger.SetTier(billing.Tier(next.Billing.Tier)); err != nil {
			log.Printf("WARNING: keeping tier %s: %v", a.cfg.Billing.Tier, err)
		} else {
			log.Printf("Billing tier changed to %s", next.Billing.Tier)
			a.cfg.Billing.Tier = next.Billing.Tier
		}
	}
	if delta := next.Billing.Credits - a.cfg.Billing.Credits; delta > 0 {
		a.ledger.AddCredits(delta)
		log.Printf("Added $%.2f credits", delta)
	}
	a.cfg.Billing.Credits = next.Billing.Credits
	a.cfg.LogLevel = next.LogLevel
}

// watchConfig applies config file changes until ctx is done.
func (a *app) watchConfig(ctx context.Context, path string) {
	if path == "" {
		return
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		log.Printf("WARNING: config reload disabled: %v", err)
		return
	}
	if err := w.Run(ctx, a.applyConfig); err != nil {
		log.Printf("WARNING: config reload stopped: %v", err)
	}
}
