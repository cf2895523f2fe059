package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultInterval is how often watched identities are re-evaluated.
const DefaultInterval = 30 * time.Second

// Watcher keeps a current Decision for every watched identity and refreshes
// them all on a cron schedule. Readers only ever see whole decisions; an
// upload that is already in flight never reads them again.
type Watcher struct {
	gate     *Gate
	logger   *zap.Logger
	runner   *cron.Cron
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	watched   map[string]Identity
	decisions map[string]Decision
}

// NewWatcher builds a Watcher that refreshes every interval.
func NewWatcher(gate *Gate, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		gate:     gate,
		logger:   logger,
		interval: interval,
		timeout:  10 * time.Second,
		runner: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		watched:   make(map[string]Identity),
		decisions: make(map[string]Decision),
	}
}

// Start schedules the periodic refresh. It does not block.
func (w *Watcher) Start() error {
	spec := fmt.Sprintf("@every %s", w.interval)
	if _, err := w.runner.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		w.RefreshAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule window refresh: %w", err)
	}
	w.runner.Start()
	w.logger.Info("window watcher started", zap.Duration("interval", w.interval))
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (w *Watcher) Stop() {
	ctx := w.runner.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(15 * time.Second):
		w.logger.Warn("window watcher stop timed out")
	}
}

// Watch adds identity to the refresh set and evaluates it immediately.
func (w *Watcher) Watch(ctx context.Context, identity Identity) Decision {
	w.mu.Lock()
	w.watched[identity.Username] = identity
	w.mu.Unlock()
	return w.refresh(ctx, identity)
}

// Unwatch removes username from the refresh set.
func (w *Watcher) Unwatch(username string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, username)
	delete(w.decisions, username)
}

// Decision returns the latest decision for identity, watching it first if
// it was not watched yet.
func (w *Watcher) Decision(ctx context.Context, identity Identity) Decision {
	w.mu.RLock()
	decision, ok := w.decisions[identity.Username]
	w.mu.RUnlock()
	if ok {
		return decision
	}
	return w.Watch(ctx, identity)
}

// RefreshAll re-evaluates every watched identity.
func (w *Watcher) RefreshAll(ctx context.Context) {
	w.mu.RLock()
	identities := make([]Identity, 0, len(w.watched))
	for _, identity := range w.watched {
		identities = append(identities, identity)
	}
	w.mu.RUnlock()

	for _, identity := range identities {
		w.refresh(ctx, identity)
	}
}

func (w *Watcher) refresh(ctx context.Context, identity Identity) Decision {
	decision := w.gate.Refresh(ctx, identity)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[identity.Username]; !ok {
		return decision
	}
	previous, had := w.decisions[identity.Username]
	w.decisions[identity.Username] = decision
	if had && previous.Allowed != decision.Allowed {
		w.logger.Info("upload permission changed",
			zap.String("username", identity.Username),
			zap.Bool("allowed", decision.Allowed),
			zap.String("source", string(decision.Source)),
		)
	}
	return decision
}
