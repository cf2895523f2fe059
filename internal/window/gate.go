package window

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "window",
		Name:      "refresh_total",
		Help:      "Window refreshes by the source the decision came from.",
	}, []string{"source"})
)

// Authority is the remote service that owns the upload window.
type Authority interface {
	FetchWindow(ctx context.Context, username string) (Status, error)
}

// Cache keeps the last status fetched for each user.
type Cache interface {
	Load(ctx context.Context, username string) (Status, bool, error)
	Store(ctx context.Context, username string, status Status) error
}

// Gate fetches the window and evaluates it, falling back to the cached
// status when the authority cannot be reached.
type Gate struct {
	authority Authority
	cache     Cache
	logger    *zap.Logger
	now       func() time.Time
}

// NewGate builds a Gate. A nil cache means an in-memory one.
func NewGate(authority Authority, cache Cache, logger *zap.Logger) *Gate {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{authority: authority, cache: cache, logger: logger, now: time.Now}
}

// Refresh fetches a fresh status for identity. On failure it uses the cached
// status and marks the decision degraded; with no cache the window is closed.
func (g *Gate) Refresh(ctx context.Context, identity Identity) Decision {
	now := g.now()
	status, err := g.authority.FetchWindow(ctx, identity.Username)
	if err == nil {
		status, err = Normalize(status)
	}
	if err == nil {
		if storeErr := g.cache.Store(ctx, identity.Username, status); storeErr != nil {
			g.logger.Warn("window cache store failed", zap.String("username", identity.Username), zap.Error(storeErr))
		}
		decision := Evaluate(status, identity)
		decision.CheckedAt = now
		refreshTotal.WithLabelValues(string(SourceAuthority)).Inc()
		return decision
	}

	cached, ok, cacheErr := g.cache.Load(ctx, identity.Username)
	if cacheErr != nil {
		g.logger.Warn("window cache load failed", zap.String("username", identity.Username), zap.Error(cacheErr))
	}
	if ok && cacheErr == nil {
		g.logger.Warn("window fetch failed, using cached status",
			zap.String("username", identity.Username),
			zap.Bool("cached_open", cached.IsOpen),
			zap.Error(err),
		)
		decision := Evaluate(cached, identity)
		decision.Source = SourceCache
		decision.Degraded = true
		decision.CheckedAt = now
		refreshTotal.WithLabelValues(string(SourceCache)).Inc()
		return decision
	}

	g.logger.Warn("window fetch failed and nothing cached, treating window as closed",
		zap.String("username", identity.Username),
		zap.Error(err),
	)
	decision := Closed()
	decision.CheckedAt = now
	refreshTotal.WithLabelValues(string(SourceDefault)).Inc()
	return decision
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{statuses: make(map[string]Status)}
}

func (c *MemoryCache) Load(_ context.Context, username string) (Status, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.statuses[username]
	return status, ok, nil
}

func (c *MemoryCache) Store(_ context.Context, username string, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[username] = status
	return nil
}
