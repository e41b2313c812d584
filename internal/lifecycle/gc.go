package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/registry"
	"golang.org/x/time/rate"
)

const (
	defaultGCInterval       = 5 * time.Minute
	defaultStaleThreshold   = 180 * time.Second
	defaultTTL              = 24 * time.Hour
	gcEntryRateLimit        = 200 // entries per second, paces large scans
)

// GCOptions configures a single GC pass.
type GCOptions struct {
	StaleThreshold time.Duration
	TTL            time.Duration
	DryRun         bool
}

func (o GCOptions) withDefaults() GCOptions {
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = defaultStaleThreshold
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	return o
}

// GCResult summarizes a single pass.
type GCResult struct {
	Scanned       int
	MarkedOffline int
	Deleted       int
	Errors        []error
}

// GC periodically marks stale entries offline and deletes entries past TTL.
type GC struct {
	store    *registry.Store
	interval time.Duration
	opts     GCOptions
	limiter  *rate.Limiter
}

// NewGC creates a GC bound to store. interval zero uses the default (5m).
func NewGC(store *registry.Store, interval time.Duration, opts GCOptions) *GC {
	if interval <= 0 {
		interval = defaultGCInterval
	}
	return &GC{
		store:    store,
		interval: interval,
		opts:     opts.withDefaults(),
		limiter:  rate.NewLimiter(rate.Limit(gcEntryRateLimit), gcEntryRateLimit),
	}
}

// Run loops Sweep every interval until ctx is cancelled. Errors from
// individual sweeps are logged; the loop never exits on a sweep error.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := g.Sweep(ctx)
			if len(result.Errors) > 0 {
				slog.Error("gc: sweep completed with errors", "scanned", result.Scanned,
					"markedOffline", result.MarkedOffline, "deleted", result.Deleted, "errorCount", len(result.Errors))
			} else {
				slog.Debug("gc: sweep complete", "scanned", result.Scanned,
					"markedOffline", result.MarkedOffline, "deleted", result.Deleted)
			}
		}
	}
}

// Sweep performs a single GC pass: entries whose heartbeat age strictly
// exceeds StaleThreshold and aren't already offline are marked offline;
// entries whose age since registration exceeds TTL are deleted. Per-entry
// errors are collected and returned; Sweep itself never returns an error.
func (g *GC) Sweep(ctx context.Context) GCResult {
	result := GCResult{}

	entries, err := g.store.List(ctx, nil)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("gc: list entries: %w", err))
		return result
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if err := g.limiter.Wait(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("gc: rate limiter: %w", err))
			return result
		}
		result.Scanned++

		if now.Sub(entry.RegisteredAt) > g.opts.TTL {
			if !g.opts.DryRun {
				if err := g.store.Delete(ctx, entry.GUID); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("gc: delete %s: %w", entry.GUID, err))
					continue
				}
			}
			result.Deleted++
			continue
		}

		if now.Sub(entry.LastHeartbeat) > g.opts.StaleThreshold && entry.Status != registry.StatusOffline {
			if !g.opts.DryRun {
				entry.Status = registry.StatusOffline
				if err := g.store.Put(ctx, entry); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("gc: mark offline %s: %w", entry.GUID, err))
					continue
				}
			}
			result.MarkedOffline++
		}
	}

	return result
}
