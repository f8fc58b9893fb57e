package carrier

import (
	"log/slog"
	"sort"
	"time"
)

// Registry maps carrier keys to adapters. It is filled once at startup and only
// read afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		timeout:  30 * time.Second,
		logger:   slog.Default(),
	}
}

// WithCallTimeout bounds every adapter call made through clients registered afterwards.
func (r *Registry) WithCallTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

func (r *Registry) WithLogger(l *slog.Logger) *Registry {
	if l != nil {
		r.logger = l
	}
	return r
}

// Register wraps c so that it satisfies the adapter contract and stores it under key.
func (r *Registry) Register(key string, c Client) *Registry {
	r.adapters[key] = &guard{
		name:    key,
		client:  c,
		timeout: r.timeout,
		logger:  r.logger.With("component", "carrier"),
	}
	return r
}

// RegisterAdapter stores an adapter that already honors the contract.
func (r *Registry) RegisterAdapter(key string, a Adapter) *Registry {
	r.adapters[key] = a
	return r
}

func (r *Registry) Lookup(key string) (Adapter, bool) {
	a, ok := r.adapters[key]
	return a, ok
}

func (r *Registry) Has(key string) bool {
	_, ok := r.adapters[key]
	return ok
}

func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
