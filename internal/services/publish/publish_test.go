package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/ptrack/internal/broker/kafka"
	"github.com/BearBump/ptrack/internal/broker/messages"
	"github.com/BearBump/ptrack/internal/cache/rediscache"
	"github.com/BearBump/ptrack/internal/models"
	"github.com/BearBump/ptrack/internal/services/changeset"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type producerMock struct {
	mock.Mock
}

func (m *producerMock) PublishBatch(ctx context.Context, topic string, msgs []kafka.Message) error {
	return m.Called(ctx, topic, msgs).Error(0)
}

func sampleResult() changeset.Result {
	a := models.Identifier{Number: "A", Source: "dhl"}
	b := models.Identifier{Number: "B", Source: "gls"}
	c := models.Identifier{Number: "C", Source: "dhl"}
	st := &models.TrackingState{State: models.StateOnTheWay, Progress: models.Progress{Completed: 2, Total: 5}}

	res := changeset.Compute(
		map[models.Identifier]*models.TrackingState{a: st, b: st},
		map[models.Identifier]*models.TrackingState{b: st, c: nil},
	)
	res.At = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return res
}

func TestPublisher_PublishesChangedEntries(t *testing.T) {
	pm := &producerMock{}
	pm.On("PublishBatch", mock.Anything, "shipment.changed", mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 2 {
			return false
		}
		var first messages.ShipmentChanged
		if err := json.Unmarshal(msgs[0].Value, &first); err != nil {
			return false
		}
		return string(msgs[0].Key) == "dhl:A" && first.Change == "removed" && string(msgs[1].Key) == "dhl:C"
	})).Return(nil).Once()

	p := New(pm, nil, "shipment.changed")
	require.NoError(t, p.Publish(context.Background(), sampleResult()))
	pm.AssertExpectations(t)
}

func TestPublisher_NothingChanged(t *testing.T) {
	pm := &producerMock{}
	id := models.Identifier{Number: "A", Source: "dhl"}
	m := map[models.Identifier]*models.TrackingState{id: nil}

	p := New(pm, nil, "t")
	require.NoError(t, p.Publish(context.Background(), changeset.Compute(m, m)))
	pm.AssertNotCalled(t, "PublishBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublisher_RetriesThenFails(t *testing.T) {
	pm := &producerMock{}
	want := errors.New("broker down")
	pm.On("PublishBatch", mock.Anything, mock.Anything, mock.Anything).Return(want)

	p := New(pm, nil, "t").WithRetry(3, time.Millisecond)
	err := p.Publish(context.Background(), sampleResult())
	require.ErrorIs(t, err, want)
	pm.AssertNumberOfCalls(t, "PublishBatch", 3)
}

func TestPublisher_RetryRecovers(t *testing.T) {
	pm := &producerMock{}
	pm.On("PublishBatch", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("not ready")).Once()
	pm.On("PublishBatch", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	p := New(pm, nil, "t").WithRetry(3, time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), sampleResult()))
	pm.AssertNumberOfCalls(t, "PublishBatch", 2)
}

func TestPublisher_SnapshotRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := rediscache.New(rediscache.Options{Addr: mr.Addr()})

	p := New(nil, rc, "t").WithSnapshot("snap", time.Minute)
	require.NoError(t, p.Publish(context.Background(), sampleResult()))
	require.Equal(t, time.Minute, mr.TTL("snap"))

	snap, ok, err := LoadSnapshot(context.Background(), rc, "snap")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Entries, 2)
	require.Equal(t, "B", snap.Entries[0].ID.Number)
	require.Equal(t, changeset.Kept, snap.Entries[0].Change)
	require.Equal(t, models.StateOnTheWay, snap.Entries[0].State.State)
	require.Nil(t, snap.Entries[1].State)
	require.Equal(t, changeset.Added, snap.Entries[1].Change)
}

func TestLoadSnapshot_Missing(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := rediscache.New(rediscache.Options{Addr: mr.Addr()})

	_, ok, err := LoadSnapshot(context.Background(), rc, "")
	require.NoError(t, err)
	require.False(t, ok)
}
