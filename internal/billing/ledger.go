// Package billing implements the in-process entitlement ledger: which
// backends a tier may use, the monthly allowance of included audio, and a
// prepaid credit balance that pays for overflow.
package billing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gostt-relay/internal/models"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// TranslationFactor weights translated audio against the allowance; a
// translation runs a transcription and a text pass.
const TranslationFactor = 2.0

// Plan describes what a tier includes.
type Plan struct {
	// Backends lists allowed model ids; nil allows the whole catalog.
	Backends []string
	// IncludedSeconds of cloud audio per calendar month.
	IncludedSeconds float64
}

// Plans are the built-in tiers.
var Plans = map[Tier]Plan{
	TierFree: {
		Backends:        []string{"whisper-base-en", "gpt-4o-mini-transcribe", "whisper-large-v3"},
		IncludedSeconds: 15 * 60,
	},
	TierPro: {
		IncludedSeconds: 20 * 3600,
	},
}

// Ledger tracks one user's entitlement. It is safe for concurrent use.
type Ledger struct {
	catalog *models.Catalog
	now     func() time.Time

	mu      sync.Mutex
	tier    Tier
	plan    Plan
	allowed map[string]bool
	credits float64 // USD
	used    float64 // included seconds consumed this period
	period  string
}

// NewLedger creates a ledger for tier with a prepaid credit balance.
func NewLedger(catalog *models.Catalog, tier Tier, credits float64) (*Ledger, error) {
	if catalog == nil {
		catalog = models.DefaultCatalog()
	}
	l := &Ledger{catalog: catalog, now: time.Now, credits: credits}
	if err := l.SetTier(tier); err != nil {
		return nil, err
	}
	l.period = periodKey(l.now())
	return l, nil
}

// SetTier switches plans. Usage in the current period carries over.
func (l *Ledger) SetTier(tier Tier) error {
	plan, ok := Plans[tier]
	if !ok {
		return fmt.Errorf("billing: unknown tier %q", tier)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tier = tier
	l.plan = plan
	l.allowed = nil
	if plan.Backends != nil {
		l.allowed = make(map[string]bool, len(plan.Backends))
		for _, id := range plan.Backends {
			l.allowed[id] = true
		}
	}
	return nil
}

// Tier returns the current tier.
func (l *Ledger) Tier() Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tier
}

// Subscribed reports whether the user is on a paid plan.
func (l *Ledger) Subscribed() bool { return l.Tier() == TierPro }

// AddCredits tops up the prepaid balance.
func (l *Ledger) AddCredits(usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits += usd
}

// Balance returns the remaining credits and included seconds this period.
func (l *Ledger) Balance() (credits, includedSeconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.credits, l.plan.IncludedSeconds - l.used
}

// CanUseBackend reports whether the tier allows backendID.
func (l *Ledger) CanUseBackend(backendID string) bool {
	if _, ok := l.catalog.Lookup(backendID); !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed == nil || l.allowed[backendID]
}

// CanAffordEstimatedCost reports whether the allowance plus credits cover
// seconds of audio on backendID.
func (l *Ledger) CanAffordEstimatedCost(seconds float64, backendID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	_, overCost, ok := l.splitLocked(seconds, backendID, false)
	return ok && overCost <= l.credits
}

// ConsumeUsage charges seconds of finished work. Local models are free.
// It returns false, charging nothing, when the balance cannot cover it.
func (l *Ledger) ConsumeUsage(seconds float64, backendID string, isTranslation bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	covered, overCost, ok := l.splitLocked(seconds, backendID, isTranslation)
	if !ok || overCost > l.credits {
		slog.Warn("billing: usage not covered",
			"backend", backendID, "seconds", seconds, "credits", l.credits, "tier", l.tier)
		return false
	}
	l.used += covered
	l.credits -= overCost
	slog.Debug("billing: usage consumed",
		"backend", backendID, "seconds", seconds, "included", covered, "charged", overCost)
	return true
}

// Replay re-applies a charge recorded at an earlier time, so a new
// process starts from the allowance and credits its predecessors left.
// Records must be replayed oldest first. A charge the credits no longer
// cover drains them to zero instead of being refused.
func (l *Ledger) Replay(at time.Time, seconds float64, backendID string, isTranslation bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := periodKey(at); p != l.period {
		l.period = p
		l.used = 0
	}
	covered, overCost, ok := l.splitLocked(seconds, backendID, isTranslation)
	if !ok {
		slog.Debug("billing: skipping replay of unknown backend", "backend", backendID)
		return
	}
	l.used += covered
	l.credits = max(l.credits-overCost, 0)
}

// splitLocked divides a charge into allowance seconds and an overflow
// cost in USD against the current period; the caller must hold mu.
func (l *Ledger) splitLocked(seconds float64, backendID string, translation bool) (covered, overCost float64, ok bool) {
	entry, found := l.catalog.Lookup(backendID)
	if !found {
		return 0, 0, false
	}
	rate := entry.Backend.Caps.CostPerMinute
	if entry.Backend.IsLocal() || rate == 0 || seconds <= 0 {
		return 0, 0, true
	}

	weighted := seconds
	if translation {
		weighted *= TranslationFactor
	}
	remaining := max(l.plan.IncludedSeconds-l.used, 0)
	covered = min(weighted, remaining)
	over := weighted - covered
	return covered, rate * over / 60, true
}

// rollLocked resets the allowance at the start of a calendar month.
func (l *Ledger) rollLocked() {
	if p := periodKey(l.now()); p != l.period {
		l.period = p
		l.used = 0
	}
}

func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
