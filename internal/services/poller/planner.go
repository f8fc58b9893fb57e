package poller

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	RescanInterval time.Duration // default: 20 minutes

	// RescanJitter spreads rescans of several instances sharing one carrier
	// budget; 0 keeps the interval exact.
	RescanJitter time.Duration

	RateLimitPause time.Duration // default: 500 milliseconds
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		RescanInterval: 20 * time.Minute,
		RateLimitPause: 500 * time.Millisecond,
	}
}

// Planner decides when cached results are too old to be reused.
type Planner struct {
	cfg PlannerConfig
	r   Rand

	// jitter drawn for the current rescan period
	jitter time.Duration
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = def.RescanInterval
	}
	if cfg.RescanJitter < 0 {
		cfg.RescanJitter = 0
	}
	if cfg.RescanJitter > cfg.RescanInterval {
		cfg.RescanJitter = cfg.RescanInterval
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = def.RateLimitPause
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &Planner{cfg: cfg, r: r}
	p.redraw()
	return p
}

func (p *Planner) Interval() time.Duration {
	return p.cfg.RescanInterval
}

// RescanDue reports whether a full rescan started at last has expired by now.
// A zero last means no rescan ever happened. Jitter only brings a rescan
// forward, so no cached result outlives the interval.
func (p *Planner) RescanDue(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= p.cfg.RescanInterval-p.jitter
}

// Rescanned is called after every full rescan.
func (p *Planner) Rescanned() {
	p.redraw()
}

func (p *Planner) RateLimitPause() time.Duration {
	return p.cfg.RateLimitPause
}

func (p *Planner) redraw() {
	if p.cfg.RescanJitter <= 0 {
		p.jitter = 0
		return
	}
	p.jitter = time.Duration(p.r.Intn(int(p.cfg.RescanJitter.Seconds())+1)) * time.Second
}
