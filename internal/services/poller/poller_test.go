package poller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/ptrack/internal/integrations/carrier"
	"github.com/BearBump/ptrack/internal/models"
	"github.com/BearBump/ptrack/internal/registry"
	"github.com/BearBump/ptrack/internal/services/changeset"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type adapterMock struct {
	mock.Mock
}

func (m *adapterMock) GetDetailsFor(ctx context.Context, id models.Identifier) *models.TrackingState {
	args := m.Called(ctx, id)
	st, _ := args.Get(0).(*models.TrackingState)
	return st
}

type fakeRL struct {
	mu      sync.Mutex
	keys    []string
	allowed bool
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return r.allowed, int64(len(r.keys)), nil
}

var (
	dhlA = models.Identifier{Number: "JJD0001", Source: "dhl"}
	glsB = models.Identifier{Number: "GLS0002", Source: "gls", ReadableName: "Shoes"}
)

type PollerSuite struct {
	suite.Suite

	dir   string
	path  string
	now   time.Time
	mtime time.Time

	dhl *adapterMock
	gls *adapterMock
	reg *carrier.Registry
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.path = filepath.Join(s.dir, "shipments.txt")
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.mtime = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	s.dhl = &adapterMock{}
	s.gls = &adapterMock{}
	s.reg = carrier.NewRegistry().
		RegisterAdapter("dhl", s.dhl).
		RegisterAdapter("gls", s.gls)
}

func (s *PollerSuite) writeRegistry(lines ...string) {
	s.Require().NoError(os.WriteFile(s.path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	s.mtime = s.mtime.Add(time.Minute)
	s.Require().NoError(os.Chtimes(s.path, s.mtime, s.mtime))
}

func (s *PollerSuite) newPoller() *Poller {
	return New(s.path, s.reg).WithClock(func() time.Time { return s.now })
}

func (s *PollerSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func st(desc string) *models.TrackingState {
	return &models.TrackingState{ShortDescription: desc, Progress: models.Progress{Completed: 1, Total: 5}}
}

func entryFor(res changeset.Result, id models.Identifier) (changeset.Entry, bool) {
	for _, e := range res.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return changeset.Entry{}, false
}

func (s *PollerSuite) TestInitialize_FetchesEveryShipment() {
	s.writeRegistry(`JJD0001 dhl`, `GLS0002 gls "Shoes"`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a")).Once()
	s.gls.On("GetDetailsFor", mock.Anything, glsB).Return(st("b")).Once()

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	res := p.Latest()
	s.Require().NotNil(res)
	s.Require().Len(res.Added(), 2)
	s.Require().Equal(int64(2), p.Stats().Tracked)
	s.Require().NotNil(p.Stats().LastRescanAt)
	s.dhl.AssertExpectations(s.T())
	s.gls.AssertExpectations(s.T())
}

func (s *PollerSuite) TestInitialize_MissingRegistry() {
	p := s.newPoller()
	err := p.Initialize(context.Background())
	s.Require().Error(err)
	var sre *registry.SourceReadError
	s.Require().ErrorAs(err, &sre)
}

func (s *PollerSuite) TestTick_ReusesFreshResults() {
	s.writeRegistry(`JJD0001 dhl`)
	first := st("a")
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(first)

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.advance(5 * time.Second)
	res := p.Tick(context.Background())

	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
	s.Require().Len(res.Kept(), 1)
	s.Require().Same(first, res.Kept()[0].State)
	s.Require().False(res.Kept()[0].Updated)
}

func (s *PollerSuite) TestTick_RescanAfterInterval() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a")).Once()
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("b")).Once()

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.advance(20 * time.Minute)
	res := p.Tick(context.Background())

	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 2)
	s.Require().Equal("b", res.Kept()[0].State.ShortDescription)
	s.Require().True(res.Kept()[0].Updated)
}

func (s *PollerSuite) TestTick_ForcedRescan() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	p.Trigger()
	s.advance(time.Second)
	p.Tick(context.Background())
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 2)

	s.advance(time.Second)
	p.Tick(context.Background())
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 2)
	s.Require().NotNil(p.Stats().LastTriggerAt)
	s.Require().Equal(s.now.Add(-2*time.Second), *p.Stats().LastTriggerAt)
}

func (s *PollerSuite) TestTick_CancelledKeepsCache() {
	s.writeRegistry(`JJD0001 dhl`)
	var calls atomic.Int64
	reg := carrier.NewRegistry().Register("dhl", clientFunc(func(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
		calls.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return st("a"), nil
	}))
	p := New(s.path, reg).WithClock(func() time.Time { return s.now })
	s.Require().NoError(p.Initialize(context.Background()))
	initial := p.Latest()
	rescannedAt := p.Stats().LastRescanAt

	s.advance(21 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Tick(ctx)

	e, ok := entryFor(res, dhlA)
	s.Require().True(ok)
	s.Require().NotNil(e.State)
	s.Require().False(e.Updated)
	s.Require().Empty(res.Changed())
	s.Require().NotEmpty(res.Warnings)
	s.Require().ErrorIs(res.Warnings[len(res.Warnings)-1], context.Canceled)
	s.Require().Same(initial, p.Latest())
	s.Require().Equal(rescannedAt, p.Stats().LastRescanAt)

	before := calls.Load()
	res = p.Tick(context.Background())
	s.Require().Equal(before+1, calls.Load())
	e, _ = entryFor(res, dhlA)
	s.Require().NotNil(e.State)
}

func (s *PollerSuite) TestTick_CancelledLeavesRegistryEditForNextTick() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))
	s.gls.On("GetDetailsFor", mock.Anything, glsB).Return(st("b"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.writeRegistry(`JJD0001 dhl`, `GLS0002 gls "Shoes"`)
	s.advance(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Tick(ctx)
	_, ok := entryFor(res, glsB)
	s.Require().False(ok)

	s.advance(time.Second)
	res = p.Tick(context.Background())
	s.Require().Len(res.Added(), 1)
	s.Require().Equal(glsB, res.Added()[0].ID)
}

func (s *PollerSuite) TestTick_CancelledKeepsForcedRescan() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	p.Trigger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Tick(ctx)
	s.Require().True(p.forced.Load())

	p.Tick(context.Background())
	s.Require().False(p.forced.Load())
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 3)
}

func (s *PollerSuite) TestTick_FileChangeTakesPrecedence() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))
	s.gls.On("GetDetailsFor", mock.Anything, glsB).Return(st("b"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.advance(5 * time.Second)
	s.writeRegistry(`GLS0002 gls "Shoes"`)
	res := p.Tick(context.Background())

	s.gls.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
	s.Require().Len(res.Added(), 1)
	s.Require().Equal(glsB, res.Added()[0].ID)
	s.Require().Len(res.Removed(), 1)
	s.Require().Equal(dhlA, res.Removed()[0].ID)

	// the edit does not restart the rescan clock
	s.advance(20*time.Minute - 5*time.Second)
	p.Tick(context.Background())
	s.gls.AssertNumberOfCalls(s.T(), "GetDetailsFor", 2)
}

func (s *PollerSuite) TestTick_FileChangeKeepsCachedShipments() {
	s.writeRegistry(`JJD0001 dhl`)
	cached := st("a")
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(cached)
	s.gls.On("GetDetailsFor", mock.Anything, glsB).Return(st("b"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.advance(5 * time.Second)
	s.writeRegistry(`JJD0001 dhl`, `GLS0002 gls "Shoes"`)
	res := p.Tick(context.Background())

	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
	e, ok := entryFor(res, dhlA)
	s.Require().True(ok)
	s.Require().Same(cached, e.State)
	s.Require().Equal(changeset.Kept, e.Change)
}

func (s *PollerSuite) TestTick_SameNumberDifferentCarrier() {
	dhlX := models.Identifier{Number: "X1", Source: "dhl"}
	glsX := models.Identifier{Number: "X1", Source: "gls"}
	s.writeRegistry(`X1 dhl`, `X1 gls`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlX).Return(st("from dhl")).Once()
	s.gls.On("GetDetailsFor", mock.Anything, glsX).Return(st("from gls")).Once()

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	res := p.Latest()
	s.Require().Len(res.Entries, 2)
	d, _ := entryFor(*res, dhlX)
	g, _ := entryFor(*res, glsX)
	s.Require().Equal("from dhl", d.State.ShortDescription)
	s.Require().Equal("from gls", g.State.ShortDescription)
}

func (s *PollerSuite) TestTick_FailureIsolation() {
	s.writeRegistry(`JJD0001 dhl`, `GLS0002 gls "Shoes"`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(nil)
	s.gls.On("GetDetailsFor", mock.Anything, glsB).Return(st("b"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	res := p.Latest()
	d, ok := entryFor(*res, dhlA)
	s.Require().True(ok)
	s.Require().Nil(d.State)
	g, _ := entryFor(*res, glsB)
	s.Require().Equal("b", g.State.ShortDescription)
	s.Require().Equal(int64(1), p.Stats().TotalAbsent)
}

func (s *PollerSuite) TestTick_FailedShipmentRetriedOnRescanOnly() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(nil).Once()
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("back"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.advance(5 * time.Second)
	res := p.Tick(context.Background())
	s.Require().Nil(res.Entries[0].State)
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)

	s.advance(20 * time.Minute)
	res = p.Tick(context.Background())
	s.Require().Equal("back", res.Entries[0].State.ShortDescription)
	s.Require().True(res.Entries[0].Updated)
}

func (s *PollerSuite) TestTick_UnknownCarrierServedFromCacheScenario() {
	ups := models.Identifier{Number: "1Z999AA10123456784", Source: "ups", ReadableName: "Birthday gift"}
	dhl := models.Identifier{Number: "JJD0001234567", Source: "dhl"}
	s.writeRegistry(`"1Z999AA10123456784" ups "Birthday gift"`, `"JJD0001234567" dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhl).Return(st("dhl"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	warnings := p.Latest().Warnings
	s.Require().Len(warnings, 1)
	var uce *registry.UnknownCarrierError
	s.Require().ErrorAs(warnings[0], &uce)
	s.Require().Equal(1, uce.Line)
	s.Require().Equal(ups, uce.ID)

	s.advance(5 * time.Second)
	res := p.Tick(context.Background())

	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
	s.Require().Len(res.Kept(), 2)
	u, _ := entryFor(res, ups)
	s.Require().Nil(u.State)
	s.Require().Len(p.Warnings(), 1)
}

func (s *PollerSuite) TestTick_BrokenRegistryKeepsPreviousShipments() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	s.advance(5 * time.Second)
	s.writeRegistry(`JJD0001 dhl`, `ONLYNUMBER`)
	res := p.Tick(context.Background())

	s.Require().Len(res.Warnings, 1)
	var sre *registry.SourceReadError
	s.Require().ErrorAs(res.Warnings[0], &sre)
	s.Require().Len(res.Kept(), 1)
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
	s.Require().NotEmpty(p.Stats().LastError)

	// reported once per edit
	s.advance(5 * time.Second)
	res = p.Tick(context.Background())
	s.Require().Empty(res.Warnings)
	s.Require().Len(p.Warnings(), 1)

	s.writeRegistry(`JJD0001 dhl`)
	p.Tick(context.Background())
	s.Require().Empty(p.Warnings())
}

func (s *PollerSuite) TestTick_ProgressAlwaysInRange() {
	s.writeRegistry(`JJD0001 dhl`)
	reg := carrier.NewRegistry().Register("dhl", clientFunc(func(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
		return &models.TrackingState{Progress: models.Progress{Completed: 7, Total: 5}}, nil
	}))

	p := New(s.path, reg).WithClock(func() time.Time { return s.now })
	s.Require().NoError(p.Initialize(context.Background()))

	for _, e := range p.Latest().Entries {
		s.Require().True(e.State.Progress.Valid())
	}
}

func (s *PollerSuite) TestTick_RateLimited() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))
	rl := &fakeRL{allowed: false}

	p := s.newPoller().
		WithPlanner(PlannerConfig{RateLimitPause: time.Millisecond}).
		WithRateLimiter(rl, 10)
	s.Require().NoError(p.Initialize(context.Background()))

	s.Require().Equal([]string{"rl:carrier:dhl:202403011200"}, rl.keys)
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
}

func (s *PollerSuite) TestRun_TriggerWakesLoop() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan changeset.Result, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, time.Hour, func(r changeset.Result) {
			select {
			case ticks <- r:
			default:
			}
		})
	}()

	p.Trigger()
	select {
	case r := <-ticks:
		s.Require().Len(r.Kept(), 1)
	case <-time.After(2 * time.Second):
		s.T().Fatal("trigger did not wake the loop")
	}

	cancel()
	s.Require().ErrorIs(<-done, context.Canceled)
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 2)
}

func (s *PollerSuite) TestRun_CancelledContextDoesNotTick() {
	s.writeRegistry(`JJD0001 dhl`)
	s.dhl.On("GetDetailsFor", mock.Anything, dhlA).Return(st("a"))

	p := s.newPoller()
	s.Require().NoError(p.Initialize(context.Background()))
	s.advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Trigger()
	ticked := false
	err := p.Run(ctx, time.Millisecond, func(changeset.Result) { ticked = true })

	s.Require().ErrorIs(err, context.Canceled)
	s.Require().False(ticked)
	s.dhl.AssertNumberOfCalls(s.T(), "GetDetailsFor", 1)
}

func (s *PollerSuite) TestNew_NilRegistry() {
	s.writeRegistry(`JJD0001 dhl`)
	p := New(s.path, nil).WithClock(func() time.Time { return s.now })

	s.Require().NoError(p.Initialize(context.Background()))
	e, ok := entryFor(*p.Latest(), dhlA)
	s.Require().True(ok)
	s.Require().Nil(e.State)
	s.Require().Len(p.Warnings(), 1)
	s.Require().Equal(s.now, p.Stats().StartedAt)
}

type clientFunc func(ctx context.Context, id models.Identifier) (*models.TrackingState, error)

func (f clientFunc) GetTracking(ctx context.Context, id models.Identifier) (*models.TrackingState, error) {
	return f(ctx, id)
}

func TestPoller_WithSettings(t *testing.T) {
	p := New("x", carrier.NewRegistry()).
		WithRescanInterval(5*time.Minute).
		WithConcurrency(3).
		WithRateLimiter(&fakeRL{}, 13)
	require.Equal(t, 5*time.Minute, p.RescanInterval())
	require.Equal(t, 3, p.concurrency)
	require.Equal(t, int64(13), p.rateLimitPerMinute)

	p.WithConcurrency(0).WithRescanInterval(0)
	require.Equal(t, 3, p.concurrency)
	require.Equal(t, 5*time.Minute, p.RescanInterval())
}

func TestPoller_TriggerIsNonBlocking(t *testing.T) {
	p := New("x", carrier.NewRegistry())
	p.Trigger()
	p.Trigger()
	require.True(t, p.forced.Load())
}
