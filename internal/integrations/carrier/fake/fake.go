package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/ptrack/internal/models"
)

const totalSteps = 5

// FakeClient is an offline carrier for demos and tests. The progress of a
// shipment is derived from a hash of (source, number) plus the hours passed
// since the first lookup, so every shipment eventually gets delivered.
type FakeClient struct {
	now   func() time.Time
	start time.Time
}

func New() *FakeClient {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *FakeClient {
	return &FakeClient{now: now, start: now()}
}

func (f *FakeClient) GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := f.now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(id.Source))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(id.Number))
	v := h.Sum32()

	step := int(v%totalSteps) + int(now.Sub(f.start)/time.Hour)
	if step > totalSteps {
		step = totalSteps
	}

	updates := make([]models.TrackingEvent, 0, step+1)
	for i := 0; i <= step; i++ {
		updates = append(updates, models.TrackingEvent{
			Text:  models.StateFromProgress(i).String(),
			When:  now.Add(-time.Duration(step-i) * time.Hour).Truncate(time.Minute),
			Where: "Fake hub",
		})
	}

	return &models.TrackingState{
		ID:               id,
		State:            models.StateFromProgress(step),
		ShortDescription: "fake carrier update",
		LastUpdate:       updates[len(updates)-1].When,
		Progress:         models.Progress{Completed: step, Total: totalSteps},
		IsDelivered:      step == totalSteps,
		IsExpress:        models.BoolPtr(v%7 == 0),
		Updates:          updates,
	}, nil
}
