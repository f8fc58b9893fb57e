package carrier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BearBump/ptrack/internal/models"
)

// Client is implemented by every carrier integration.
type Client interface {
	GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error)
}

// Adapter is what the poller calls. A nil result means "no data right now",
// whatever the reason was.
type Adapter interface {
	GetDetailsFor(ctx context.Context, id models.Identifier) *models.TrackingState
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, id models.Identifier) *models.TrackingState

func (f AdapterFunc) GetDetailsFor(ctx context.Context, id models.Identifier) *models.TrackingState {
	return f(ctx, id)
}

// guard turns a Client into an Adapter: it bounds the call, logs and swallows
// failures and normalizes the returned state.
type guard struct {
	name    string
	client  Client
	timeout time.Duration
	logger  *slog.Logger
}

func (g *guard) GetDetailsFor(ctx context.Context, id models.Identifier) (st *models.TrackingState) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("carrier lookup panicked", "carrier", g.name, "number", id.Number, "panic", fmt.Sprint(r))
			st = nil
		}
	}()

	res, err := g.client.GetTracking(ctx, id)
	if err != nil {
		g.logger.Error("carrier lookup failed", "carrier", g.name, "number", id.Number, "error", err.Error())
		return nil
	}
	if res == nil {
		g.logger.Warn("carrier returned no data", "carrier", g.name, "number", id.Number)
		return nil
	}
	return g.normalize(id, res)
}

func (g *guard) normalize(id models.Identifier, res *models.TrackingState) *models.TrackingState {
	out := *res
	out.ID = id
	if !out.Progress.Valid() {
		g.logger.Warn("carrier progress out of range",
			"carrier", g.name, "number", id.Number,
			"completed", out.Progress.Completed, "total", out.Progress.Total)
		out.Progress = out.Progress.Clamp()
	}
	out.Updates = append([]models.TrackingEvent(nil), res.Updates...)
	sort.SliceStable(out.Updates, func(i, j int) bool {
		return out.Updates[i].When.After(out.Updates[j].When)
	})
	return &out
}
