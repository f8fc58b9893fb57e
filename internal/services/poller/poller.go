// Package poller keeps the tracked shipments and their latest known state in
// sync with the registry file and the carriers.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ptrack/internal/integrations/carrier"
	"github.com/BearBump/ptrack/internal/metrics"
	"github.com/BearBump/ptrack/internal/models"
	"github.com/BearBump/ptrack/internal/registry"
	"github.com/BearBump/ptrack/internal/services/changeset"
	"github.com/pkg/errors"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Poller owns the cache of tracking states. Initialize, Tick and Run must be
// driven from a single goroutine; Stats, Latest, Warnings and Trigger are safe
// to call from anywhere.
type Poller struct {
	sourcePath string
	carriers   *carrier.Registry
	rl         RateLimiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time

	planner *Planner

	concurrency        int
	rateLimitPerMinute int64

	current    map[models.Identifier]*models.TrackingState
	unknown    map[models.Identifier]*registry.UnknownCarrierError
	lastRescan time.Time
	lastMTime  time.Time

	forced    atomic.Bool
	triggerCh chan struct{}
	latest    atomic.Pointer[changeset.Result]

	warningsMu sync.Mutex
	warnings   []error
	parseErr   error

	startedAtUnixNano   int64
	lastTickUnixNano    atomic.Int64
	lastRescanUnixNano  atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalTicks          atomic.Int64
	totalFetches        atomic.Int64
	totalAbsent         atomic.Int64
	inFlight            atomic.Int64
	tracked             atomic.Int64
}

func New(sourcePath string, carriers *carrier.Registry) *Poller {
	if carriers == nil {
		carriers = carrier.NewRegistry()
	}
	return &Poller{
		sourcePath:        sourcePath,
		carriers:          carriers,
		metrics:           metrics.Noop{},
		logger:            slog.Default(),
		now:               time.Now,
		planner:           DefaultPlanner(),
		concurrency:       8,
		current:           make(map[models.Identifier]*models.TrackingState),
		unknown:           make(map[models.Identifier]*registry.UnknownCarrierError),
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (p *Poller) WithRescanInterval(d time.Duration) *Poller {
	if d > 0 {
		cfg := p.planner.cfg
		cfg.RescanInterval = d
		p.planner = NewPlanner(cfg, p.planner.r)
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

func (p *Poller) WithConcurrency(n int) *Poller {
	if n > 0 {
		p.concurrency = n
	}
	return p
}

func (p *Poller) WithClock(now func() time.Time) *Poller {
	if now != nil {
		p.now = now
		p.startedAtUnixNano = now().UTC().UnixNano()
	}
	return p
}

func (p *Poller) WithLogger(l *slog.Logger) *Poller {
	if l != nil {
		p.logger = l
	}
	return p
}

func (p *Poller) WithMetrics(m metrics.MetricsCollector) *Poller {
	if m != nil {
		p.metrics = m
	}
	return p
}

// WithRateLimiter caps carrier lookups per carrier and minute.
func (p *Poller) WithRateLimiter(rl RateLimiter, perMinute int64) *Poller {
	p.rl = rl
	if perMinute > 0 {
		p.rateLimitPerMinute = perMinute
	}
	return p
}

// RescanInterval is the maximum age of a cached result.
func (p *Poller) RescanInterval() time.Duration {
	return p.planner.Interval()
}

// Trigger forces a full rescan on the next tick and wakes Run (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.forced.Store(true)
	p.lastTriggerUnixNano.Store(p.now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastTickAt    *time.Time `json:"lastTickAt,omitempty"`
	LastRescanAt  *time.Time `json:"lastRescanAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalTicks    int64      `json:"totalTicks"`
	TotalFetches  int64      `json:"totalFetches"`
	TotalAbsent   int64      `json:"totalAbsent"`
	InFlight      int64      `json:"inFlight"`
	Tracked       int64      `json:"tracked"`
	LastError     string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, p.startedAtUnixNano).UTC(),
		LastTickAt:   unixNanoPtr(p.lastTickUnixNano.Load()),
		LastRescanAt: unixNanoPtr(p.lastRescanUnixNano.Load()),
		TotalTicks:   p.totalTicks.Load(),
		TotalFetches: p.totalFetches.Load(),
		TotalAbsent:  p.totalAbsent.Load(),
		InFlight:     p.inFlight.Load(),
		Tracked:      p.tracked.Load(),
	}
	st.LastTriggerAt = unixNanoPtr(p.lastTriggerUnixNano.Load())
	p.warningsMu.Lock()
	if p.parseErr != nil {
		st.LastError = p.parseErr.Error()
	}
	p.warningsMu.Unlock()
	return st
}

func unixNanoPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

// Latest returns the result of the last Initialize or Tick, nil before that.
func (p *Poller) Latest() *changeset.Result {
	return p.latest.Load()
}

// Warnings returns the problems currently in effect: shipments routed to an
// unknown carrier and the last failed re-parse of the registry, if any.
func (p *Poller) Warnings() []error {
	p.warningsMu.Lock()
	defer p.warningsMu.Unlock()
	out := append([]error(nil), p.warnings...)
	if p.parseErr != nil {
		out = append(out, p.parseErr)
	}
	return out
}

// Initialize parses the registry and fetches every shipment in it. It fails if
// the registry cannot be read.
func (p *Poller) Initialize(ctx context.Context) error {
	src, err := registry.Parse(p.sourcePath, p.carriers)
	if err != nil {
		p.metrics.RecordRegistryReload(false)
		return errors.Wrap(err, "initial registry parse")
	}
	p.metrics.RecordRegistryReload(true)
	now := p.now()

	p.adopt(src)
	next := p.fetchAll(ctx, src.Identifiers, nil)
	p.markRescanned(now)

	res := changeset.Compute(nil, next)
	res.At = now
	res.Warnings = src.Problems()
	p.commit(now, next, res)
	return nil
}

// Tick runs one reconciliation pass and returns what changed against the
// previous pass. The stored map is replaced only after every lookup finished.
func (p *Poller) Tick(ctx context.Context) changeset.Result {
	now := p.now()
	forced := p.forced.Swap(false)
	rescan := forced || p.planner.RescanDue(p.lastRescan, now)

	var (
		ids       []models.Identifier
		reuse     map[models.Identifier]*models.TrackingState
		warnings  []error
		reparsed  bool
		prevMTime = p.lastMTime
	)

	changed, err := registry.ModifiedSince(p.sourcePath, p.lastMTime)
	if err != nil {
		p.logger.Warn("stat registry", "path", p.sourcePath, "error", err.Error())
		warnings = append(warnings, err)
	}
	if changed {
		src, perr := registry.Parse(p.sourcePath, p.carriers)
		if perr != nil {
			p.metrics.RecordRegistryReload(false)
			p.logger.Error("re-parse registry, keeping previous shipments", "path", p.sourcePath, "error", perr.Error())
			if mt, err := registry.ModTime(p.sourcePath); err == nil {
				p.lastMTime = mt
			}
			p.setParseErr(perr)
			warnings = append(warnings, perr)
		} else {
			p.metrics.RecordRegistryReload(true)
			p.setParseErr(nil)
			p.adopt(src)
			warnings = append(warnings, src.Problems()...)
			ids = src.Identifiers
			reparsed = true
		}
	}
	if !reparsed {
		ids = make([]models.Identifier, 0, len(p.current))
		for id := range p.current {
			ids = append(ids, id)
		}
	}
	if !rescan {
		reuse = p.current
	}

	next := p.fetchAll(ctx, ids, reuse)
	if err := ctx.Err(); err != nil {
		// Lookups cut short by cancellation are not results. Keep the cache
		// and leave the rescan and any registry edit for the next tick.
		if reparsed {
			p.lastMTime = prevMTime
		}
		if forced {
			p.forced.Store(true)
		}
		res := changeset.Compute(p.current, p.current)
		res.At = now
		res.Warnings = append(warnings, errors.Wrap(err, "tick cancelled"))
		return res
	}
	if rescan {
		p.markRescanned(now)
	}

	res := changeset.Compute(p.current, next)
	res.At = now
	res.Warnings = warnings
	p.commit(now, next, res)
	return res
}

// Run ticks every interval, and whenever Trigger is called, until ctx is done.
func (p *Poller) Run(ctx context.Context, every time.Duration, onTick func(changeset.Result)) error {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-p.triggerCh:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res := p.Tick(ctx)
		if onTick != nil {
			onTick(res)
		}
	}
}

func (p *Poller) adopt(src *registry.Source) {
	p.lastMTime = src.ModTime
	p.unknown = src.Unknown
	problems := src.Problems()
	for _, e := range problems {
		p.logger.Warn("shipment routed to unknown carrier", "error", e.Error())
	}
	p.warningsMu.Lock()
	p.warnings = problems
	p.warningsMu.Unlock()
}

func (p *Poller) setParseErr(err error) {
	p.warningsMu.Lock()
	p.parseErr = err
	p.warningsMu.Unlock()
}

func (p *Poller) markRescanned(now time.Time) {
	p.lastRescan = now
	p.lastRescanUnixNano.Store(now.UTC().UnixNano())
	p.planner.Rescanned()
	p.metrics.RecordRescan()
}

func (p *Poller) commit(now time.Time, next map[models.Identifier]*models.TrackingState, res changeset.Result) {
	p.current = next
	p.latest.Store(&res)
	p.lastTickUnixNano.Store(now.UTC().UnixNano())
	p.totalTicks.Add(1)
	p.tracked.Store(int64(len(next)))
	p.metrics.SetTracked(len(next))
}

// fetchAll builds the next map for ids. Entries present in reuse are taken over
// unchanged; everything else goes to its carrier.
func (p *Poller) fetchAll(ctx context.Context, ids []models.Identifier, reuse map[models.Identifier]*models.TrackingState) map[models.Identifier]*models.TrackingState {
	next := make(map[models.Identifier]*models.TrackingState, len(ids))

	var pending []models.Identifier
	for _, id := range ids {
		if st, ok := reuse[id]; ok {
			next[id] = st
			continue
		}
		if _, bad := p.unknown[id]; bad {
			next[id] = nil
			continue
		}
		pending = append(pending, id)
	}

	results := make([]*models.TrackingState, len(pending))
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for i, id := range pending {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			results[i] = p.fetchOne(ctx, id)
		}()
	}
	wg.Wait()

	for i, id := range pending {
		next[id] = results[i]
	}
	return next
}

func (p *Poller) fetchOne(ctx context.Context, id models.Identifier) *models.TrackingState {
	a, ok := p.carriers.Lookup(id.Source)
	if !ok {
		return nil
	}
	p.waitForBudget(ctx, id.Source)

	start := time.Now()
	st := a.GetDetailsFor(ctx, id)
	p.metrics.RecordFetchLatency(id.Source, time.Since(start))
	p.totalFetches.Add(1)
	if st == nil {
		p.totalAbsent.Add(1)
		p.metrics.RecordFetchFailure(id.Source)
		return nil
	}
	p.metrics.RecordFetchSuccess(id.Source)
	return st
}

func (p *Poller) waitForBudget(ctx context.Context, source string) {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return
	}
	now := p.now().UTC()
	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", source, now.Format("200601021504"))
	allowed, n, err := p.rl.Allow(ctx, minuteKey, p.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		p.logger.Warn("rate limiter unavailable", "carrier", source, "error", err.Error())
		return
	}
	if !allowed {
		p.logger.Warn("rate limit exceeded", "carrier", source, "count", n)
		p.metrics.RecordRateLimited(source)
		select {
		case <-ctx.Done():
		case <-time.After(p.planner.RateLimitPause()):
		}
	}
}
