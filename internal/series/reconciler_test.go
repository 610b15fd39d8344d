package series

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chartfeed/internal/model"
	"chartfeed/internal/tickstore"
)

const (
	waitFor  = 2 * time.Second
	pollTick = 5 * time.Millisecond
)

// MockHistorySource is a testify mock of the REST history layer.
type MockHistorySource struct {
	mock.Mock
}

func (m *MockHistorySource) Daily(ctx context.Context, symbol string) ([]model.PriceHistoryRow, error) {
	args := m.Called(ctx, symbol)
	rows, _ := args.Get(0).([]model.PriceHistoryRow)
	return rows, args.Error(1)
}

func (m *MockHistorySource) Intraday(ctx context.Context, symbol string) ([]model.PriceHistoryRow, error) {
	args := m.Called(ctx, symbol)
	rows, _ := args.Get(0).([]model.PriceHistoryRow)
	return rows, args.Error(1)
}

// sinkRecorder collects series updates for assertions.
type sinkRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (s *sinkRecorder) sink(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *sinkRecorder) snapshot() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func fptr(v float64) *float64 { return &v }

func waitForState(t *testing.T, r *Reconciler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want }, waitFor, pollTick,
		"expected state %s, still %s", want, r.State())
}

// Test_Reconciler_DailySeedAndLiveTick runs the end-to-end scenario:
// two daily rows seed two candles with their closes unchanged, then a
// live update tick inside the following day opens a third candle at
// the tick price.
func Test_Reconciler_DailySeedAndLiveTick(t *testing.T) {
	hist := &MockHistorySource{}
	hist.On("Daily", mock.Anything, "NSE:RELIANCE").Return([]model.PriceHistoryRow{
		{Date: "2024-01-01", Open: fptr(10), High: fptr(10), Low: fptr(10), Close: fptr(10)},
		{Date: "2024-01-02", Open: fptr(12), High: fptr(12), Low: fptr(12), Close: fptr(12)},
	}, nil)

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(0))

	require.Equal(t, StateIdle, r.State())
	r.Load(context.Background(), model.Timeframe1d)
	waitForState(t, r, StateLive)
	assert.Equal(t, model.Timeframe1d, r.Timeframe())

	updates := rec.snapshot()
	require.Len(t, updates, 1)
	require.True(t, updates[0].Reset)
	require.Len(t, updates[0].Snapshot, 2)
	assert.Equal(t, 10.0, updates[0].Snapshot[0].Close)
	assert.Equal(t, 12.0, updates[0].Snapshot[1].Close)

	// Live update tick at 2024-01-03 01:00:00 UTC, price 13.
	store.Append("NSE:RELIANCE", model.Tick{
		Kind: model.TickUpdate, Symbol: "NSE:RELIANCE",
		Timestamp: 1704243600, Price: 13, Volume: 5,
	})

	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, pollTick)
	u := rec.snapshot()[1]
	assert.False(t, u.Reset)
	assert.True(t, u.IsNew)
	assert.Equal(t, int64(1704240000), u.Candle.BucketTime) // 2024-01-03 00:00 UTC
	assert.Equal(t, 13.0, u.Candle.Open)
	assert.Equal(t, 13.0, u.Candle.High)
	assert.Equal(t, 13.0, u.Candle.Low)
	assert.Equal(t, 13.0, u.Candle.Close)
	assert.Equal(t, 5.0, u.Volume.Volume)

	hist.AssertExpectations(t)
}

// Test_Reconciler_IntradaySeedAggregates verifies that intraday rows
// re-bucket to the selected timeframe before seeding.
func Test_Reconciler_IntradaySeedAggregates(t *testing.T) {
	rows := make([]model.PriceHistoryRow, 0, 15)
	stamps := []string{
		"2024-01-01T09:15:00", "2024-01-01T09:16:00", "2024-01-01T09:17:00",
		"2024-01-01T09:18:00", "2024-01-01T09:19:00", "2024-01-01T09:20:00",
		"2024-01-01T09:21:00", "2024-01-01T09:22:00", "2024-01-01T09:23:00",
		"2024-01-01T09:24:00", "2024-01-01T09:25:00", "2024-01-01T09:26:00",
		"2024-01-01T09:27:00", "2024-01-01T09:28:00", "2024-01-01T09:29:00",
	}
	for i, ts := range stamps {
		p := 100 + float64(i)
		rows = append(rows, model.PriceHistoryRow{
			Datetime: ts, Open: fptr(p), High: fptr(p + 1), Low: fptr(p - 1), Close: fptr(p),
		})
	}

	hist := &MockHistorySource{}
	hist.On("Intraday", mock.Anything, "NSE:TCS").Return(rows, nil)

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:TCS", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe5m)
	waitForState(t, r, StateLive)

	updates := rec.snapshot()
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Snapshot, 3, "fifteen 1-minute rows make three 5-minute buckets")
	assert.Equal(t, 100.0, updates[0].Snapshot[0].Open)
	assert.Equal(t, 104.0, updates[0].Snapshot[0].Close)
	assert.Equal(t, 114.0, updates[0].Snapshot[2].Close)
}

// Test_Reconciler_TimeframeSwitchReusesCache verifies that switching
// timeframe on the same symbol rebuilds from the cached intraday rows
// without another fetch, and that the series is rebuilt from base
// rows rather than resampled.
func Test_Reconciler_TimeframeSwitchReusesCache(t *testing.T) {
	rows := []model.PriceHistoryRow{
		{Datetime: "2024-01-01T09:15:00", Open: fptr(100), High: fptr(101), Low: fptr(99), Close: fptr(100)},
		{Datetime: "2024-01-01T09:20:00", Open: fptr(101), High: fptr(102), Low: fptr(100), Close: fptr(101)},
		{Datetime: "2024-01-01T09:30:00", Open: fptr(102), High: fptr(103), Low: fptr(101), Close: fptr(102)},
	}

	hist := &MockHistorySource{}
	hist.On("Intraday", mock.Anything, "NSE:INFY").Return(rows, nil).Once()

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:INFY", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe5m)
	waitForState(t, r, StateLive)
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.snapshot()[0].Snapshot, 3)

	r.SetTimeframe(context.Background(), model.Timeframe15m)
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, pollTick)
	waitForState(t, r, StateLive)

	second := rec.snapshot()[1]
	require.True(t, second.Reset)
	// 09:15 and 09:20 collapse into the 09:15 bucket; 09:30 stands alone.
	require.Len(t, second.Snapshot, 2)
	assert.Equal(t, 100.0, second.Snapshot[0].Open)
	assert.Equal(t, 101.0, second.Snapshot[0].Close)

	// Exactly one fetch despite two loads.
	hist.AssertExpectations(t)
	hist.AssertNumberOfCalls(t, "Intraday", 1)
}

// Test_Reconciler_DailyNeverUsesIntradayCache verifies endpoint
// selection per timeframe.
func Test_Reconciler_DailyNeverUsesIntradayCache(t *testing.T) {
	hist := &MockHistorySource{}
	hist.On("Intraday", mock.Anything, "NSE:SBIN").Return([]model.PriceHistoryRow{
		{Datetime: "2024-01-01T09:15:00", Close: fptr(600)},
	}, nil).Once()
	hist.On("Daily", mock.Anything, "NSE:SBIN").Return([]model.PriceHistoryRow{
		{Date: "2024-01-01", Close: fptr(601)},
	}, nil).Once()

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:SBIN", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe5m)
	waitForState(t, r, StateLive)

	r.SetTimeframe(context.Background(), model.Timeframe1d)
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, pollTick)

	hist.AssertExpectations(t)
}

// Test_Reconciler_FetchFailureStaysLoading verifies that a failed
// historical fetch leaves the reconciler Loading with no updates and
// no automatic retry.
func Test_Reconciler_FetchFailureStaysLoading(t *testing.T) {
	hist := &MockHistorySource{}
	hist.On("Daily", mock.Anything, "NSE:RELIANCE").Return(nil, assert.AnError).Once()

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe1d)

	// Give the fetch goroutine time to fail.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateLoading, r.State())
	assert.Zero(t, rec.count())
	hist.AssertExpectations(t)

	// Ticks arriving while loading are not observed by this element.
	store.Append("NSE:RELIANCE", model.Tick{Kind: model.TickUpdate, Timestamp: 1704243600, Price: 13})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())
}

// Test_Reconciler_StaleResponseDiscarded verifies that a historical
// response resolving after the timeframe context changed is dropped
// rather than applied.
func Test_Reconciler_StaleResponseDiscarded(t *testing.T) {
	hist := &MockHistorySource{}
	// First load: slow response that must end up discarded.
	hist.On("Daily", mock.Anything, "NSE:RELIANCE").
		Run(func(mock.Arguments) { time.Sleep(150 * time.Millisecond) }).
		Return([]model.PriceHistoryRow{{Date: "2024-01-01", Close: fptr(10)}}, nil).Once()
	// Second load: fast response that wins.
	hist.On("Daily", mock.Anything, "NSE:RELIANCE").
		Return([]model.PriceHistoryRow{{Date: "2024-01-01", Close: fptr(99)}}, nil).Once()

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe1d)
	// Let the first fetch enter the slow call before invalidating it.
	time.Sleep(30 * time.Millisecond)
	r.Load(context.Background(), model.Timeframe1d)
	waitForState(t, r, StateLive)

	// Let the slow response arrive and be discarded.
	time.Sleep(200 * time.Millisecond)

	updates := rec.snapshot()
	require.Len(t, updates, 1, "stale response must not produce a second reset")
	assert.Equal(t, 99.0, updates[0].Snapshot[0].Close)
	assert.Equal(t, StateLive, r.State())
}

// Test_Reconciler_TimezoneCorrectionLiveOnly verifies the asymmetry:
// live tick timestamps get the local-offset correction, historical
// rows do not.
func Test_Reconciler_TimezoneCorrectionLiveOnly(t *testing.T) {
	hist := &MockHistorySource{}
	// 09:30 UTC row stays in the 09:00 hourly bucket uncorrected.
	hist.On("Intraday", mock.Anything, "NSE:RELIANCE").Return([]model.PriceHistoryRow{
		{Datetime: "2024-01-01T09:30:00", Close: fptr(100)},
	}, nil)

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(3600))

	r.Load(context.Background(), model.Timeframe1h)
	waitForState(t, r, StateLive)

	seeded := rec.snapshot()[0]
	require.Len(t, seeded.Snapshot, 1)
	assert.Equal(t, int64(1704099600), seeded.Snapshot[0].BucketTime) // 09:00 UTC

	// Live tick stamped 09:30 shifts to 10:30 after the +1h correction
	// and opens the 10:00 bucket.
	store.Append("NSE:RELIANCE", model.Tick{
		Kind: model.TickUpdate, Symbol: "NSE:RELIANCE",
		Timestamp: 1704101400, Price: 105, Volume: 1,
	})

	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, pollTick)
	u := rec.snapshot()[1]
	assert.True(t, u.IsNew)
	assert.Equal(t, int64(1704103200), u.Candle.BucketTime) // 10:00 UTC
}

// Test_Reconciler_SnapshotTickVolumeExcluded verifies that a snapshot
// tick updates the close but adds nothing to accumulated volume.
func Test_Reconciler_SnapshotTickVolumeExcluded(t *testing.T) {
	hist := &MockHistorySource{}
	hist.On("Daily", mock.Anything, "NSE:RELIANCE").Return([]model.PriceHistoryRow{}, nil)

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe1d)
	waitForState(t, r, StateLive)

	store.Append("NSE:RELIANCE", model.Tick{
		Kind: model.TickUpdate, Symbol: "NSE:RELIANCE",
		Timestamp: 1704243600, Price: 13, Volume: 5,
	})
	store.Append("NSE:RELIANCE", model.Tick{
		Kind: model.TickSnapshot, Symbol: "NSE:RELIANCE",
		Timestamp: 1704243700, Close: 14, Volume: 5_000_000, // cumulative daily volume
	})

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, pollTick)
	u := rec.snapshot()[2]
	assert.Equal(t, 14.0, u.Candle.Close)
	assert.Equal(t, 5.0, u.Candle.Volume, "snapshot volume must not accumulate")
	assert.Equal(t, 5.0, u.Volume.Volume)
}

// Test_Reconciler_LateTickProducesNoUpdate verifies that an
// out-of-order tick for a superseded bucket is dropped end to end.
func Test_Reconciler_LateTickProducesNoUpdate(t *testing.T) {
	hist := &MockHistorySource{}
	hist.On("Intraday", mock.Anything, "NSE:RELIANCE").Return([]model.PriceHistoryRow{
		{Datetime: "2024-01-01T09:30:00", Open: fptr(100), High: fptr(100), Low: fptr(100), Close: fptr(100)},
	}, nil)

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe5m)
	waitForState(t, r, StateLive)
	require.Equal(t, 1, rec.count())

	// The seeded candle sits in the 09:30 bucket; this tick belongs to
	// 09:20 and must not rewind the series.
	store.Append("NSE:RELIANCE", model.Tick{
		Kind: model.TickUpdate, Symbol: "NSE:RELIANCE",
		Timestamp: 1704100800, Price: 90, Volume: 1,
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

// Test_Reconciler_CloseStopsObserving verifies teardown: after Close,
// appended ticks produce no further updates and the state is Idle.
func Test_Reconciler_CloseStopsObserving(t *testing.T) {
	hist := &MockHistorySource{}
	hist.On("Daily", mock.Anything, "NSE:RELIANCE").Return([]model.PriceHistoryRow{
		{Date: "2024-01-01", Close: fptr(10)},
	}, nil)

	store := tickstore.New(100)
	rec := sinkRecorder{}
	r := New("NSE:RELIANCE", hist, store, rec.sink, WithUTCOffset(0))

	r.Load(context.Background(), model.Timeframe1d)
	waitForState(t, r, StateLive)

	r.Close()
	assert.Equal(t, StateIdle, r.State())

	store.Append("NSE:RELIANCE", model.Tick{Kind: model.TickUpdate, Timestamp: 1704243600, Price: 13})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}
