// Package feed aggregates external tasks from calendar subscriptions and the
// markdown vault into one snapshot the call engine reads on every refresh.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"switchboard/internal/clock"
	"switchboard/internal/events"
	"switchboard/internal/ics"
	appLog "switchboard/internal/log"
	"switchboard/internal/task"
	"switchboard/internal/vault"
)

// Publisher announces a finished sync.
type Publisher interface {
	Publish(eventType events.EventType, data map[string]any)
}

// ICSFetcher is the subset of ics.Fetcher the feed needs.
type ICSFetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

type Options struct {
	Fetcher   ICSFetcher
	Sources   []ics.Source
	VaultDir  string
	Location  *time.Location
	Clock     clock.Clock
	Publisher Publisher
	// HorizonDays bounds calendar expansion; zero means 7.
	HorizonDays int
	// Debounce delays a vault-triggered sync so a burst of writes costs one
	// scan; zero means 500ms.
	Debounce time.Duration
}

// Feed holds the latest normalized task snapshot.
type Feed struct {
	opts Options

	mu       sync.RWMutex
	sources  []ics.Source
	vaultDir string
	// gen increments on every source change; a sync that read an older
	// generation does not store its result.
	gen      uint64
	tasks    []task.Task
	lastSync time.Time

	group singleflight.Group

	runMu    sync.Mutex
	cron     *cron.Cron
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
}

func New(opts Options) *Feed {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{Loc: opts.Location}
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Feed{
		opts:     opts,
		sources:  opts.Sources,
		vaultDir: opts.VaultDir,
	}
}

// SetSources swaps the calendar subscriptions and vault directory used by
// the next sync. A running vault watcher keeps its original directory.
func (f *Feed) SetSources(sources []ics.Source, vaultDir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = sources
	f.vaultDir = vaultDir
	f.gen++
}

// Reconfigure swaps the sources and syncs against them right away. It never
// joins a sync already running on the previous sources.
func (f *Feed) Reconfigure(ctx context.Context, sources []ics.Source, vaultDir string) (int, error) {
	f.SetSources(sources, vaultDir)
	f.group.Forget("sync")
	return f.Sync(ctx)
}

// Tasks returns the last synced snapshot.
func (f *Feed) Tasks(ctx context.Context) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]task.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func (f *Feed) LastSync() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSync
}

// Sync collects tasks from every source, replaces the snapshot and publishes
// SyncCompleted. Concurrent callers share one run. Source failures are
// returned joined; whatever was collected is still stored.
func (f *Feed) Sync(ctx context.Context) (int, error) {
	v, err, shared := f.group.Do("sync", func() (any, error) {
		return f.sync(ctx)
	})
	if shared {
		appLog.Debug("feed: sync coalesced")
	}
	n, _ := v.(int)
	return n, err
}

func (f *Feed) sync(ctx context.Context) (int, error) {
	f.mu.RLock()
	sources := f.sources
	vaultDir := f.vaultDir
	gen := f.gen
	f.mu.RUnlock()

	now := f.opts.Clock.Now().In(f.opts.Location)
	var raws []task.Raw
	var errs []error

	if len(sources) > 0 && f.opts.Fetcher != nil {
		r, err := f.calendarTasks(ctx, sources, now)
		raws = append(raws, r...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if vaultDir != "" {
		r, err := vault.Scan(vaultDir)
		if err != nil {
			errs = append(errs, err)
		}
		raws = append(raws, r...)
	}

	tasks := make([]task.Task, 0, len(raws))
	for _, raw := range raws {
		t := task.Normalize(raw, f.opts.Location)
		if !t.HasTime() {
			continue
		}
		tasks = append(tasks, t)
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		appLog.Debug("feed: discarding sync of replaced sources", "tasks", len(tasks))
		return len(tasks), errors.Join(errs...)
	}
	f.tasks = tasks
	f.lastSync = now
	f.mu.Unlock()

	appLog.Info("feed: sync completed", "tasks", len(tasks), "errors", len(errs))
	if f.opts.Publisher != nil {
		f.opts.Publisher.Publish(events.SyncCompleted, map[string]any{"tasks": len(tasks)})
	}
	return len(tasks), errors.Join(errs...)
}

func (f *Feed) calendarTasks(ctx context.Context, sources []ics.Source, now time.Time) ([]task.Raw, error) {
	results, fetchErrs := f.opts.Fetcher.FetchAll(ctx, sources)
	errs := fetchErrs

	var parsed []ics.ParsedEvent
	for _, res := range results {
		evs, err := ics.Parse(res.Source, res.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", res.Source.ID, err))
			continue
		}
		parsed = append(parsed, evs...)
	}

	instances, err := ics.Expand(parsed, ics.Window{
		Start:    now.Add(-time.Hour),
		End:      now.AddDate(0, 0, f.opts.HorizonDays),
		Location: f.opts.Location,
	})
	if err != nil {
		errs = append(errs, err)
	}

	out := make([]task.Raw, 0, len(instances))
	for _, in := range instances {
		if raw, ok := in.Raw(); ok {
			out = append(out, raw)
		}
	}
	return out, errors.Join(errs...)
}

// Start runs an initial sync, schedules periodic syncs on spec (standard
// 5-field cron) and, when a vault is configured, watches it for edits.
func (f *Feed) Start(ctx context.Context, spec string) error {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(f.opts.Location))
	if _, err := c.AddFunc(spec, func() {
		if _, err := f.Sync(runCtx); err != nil {
			appLog.Error("feed: scheduled sync had errors", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}

	if _, err := f.Sync(runCtx); err != nil {
		appLog.Error("feed: initial sync had errors", err)
	}

	c.Start()
	f.cron = c
	f.cancel = cancel

	f.mu.RLock()
	dir, nsrc := f.vaultDir, len(f.sources)
	f.mu.RUnlock()
	if dir != "" {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := vault.Watch(runCtx, dir, func(string) { f.scheduleSync(runCtx) }); err != nil {
				appLog.Error("feed: vault watcher stopped", err, "dir", dir)
			}
		}()
	}

	appLog.Info("feed: started", "refresh", spec, "sources", nsrc, "vault", dir)
	return nil
}

func (f *Feed) scheduleSync(ctx context.Context) {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.debounce != nil {
		f.debounce.Stop()
	}
	f.debounce = time.AfterFunc(f.opts.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := f.Sync(ctx); err != nil {
			appLog.Error("feed: vault sync had errors", err)
		}
	})
}

// Stop halts the cron scheduler and the vault watcher and waits for a
// running scheduled sync to finish.
func (f *Feed) Stop() {
	f.runMu.Lock()
	c, cancel := f.cron, f.cancel
	f.cron, f.cancel = nil, nil
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	f.runMu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	f.wg.Wait()
	appLog.Info("feed: stopped")
}
