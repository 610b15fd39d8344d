// Package series reconciles REST-fetched history with live streamed
// ticks into one continuous chart series.
//
// One Reconciler instance serves one displayed symbol. It loads
// historical candles for the selected timeframe, seeds the chart with
// them, then folds every subsequent live tick into the running candle,
// handling timeframe switches, stale fetch responses and the timezone
// asymmetry between the two data paths.
package series

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chartfeed/internal/candle"
	"chartfeed/internal/model"
	"chartfeed/internal/wire"
)

// State is the reconciler lifecycle position.
type State int

// Lifecycle states. A timeframe switch re-enters StateLoading.
const (
	StateIdle State = iota
	StateLoading
	StateSeeded
	StateLive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateSeeded:
		return "seeded"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// HistorySource provides the two historical endpoints the reconciler
// seeds from.
type HistorySource interface {
	Daily(ctx context.Context, symbol string) ([]model.PriceHistoryRow, error)
	Intraday(ctx context.Context, symbol string) ([]model.PriceHistoryRow, error)
}

// TickSource delivers live ticks for a symbol via explicit observer
// registration; the returned function cancels the registration.
type TickSource interface {
	Subscribe(symbol string, fn func(model.Tick)) func()
}

// Update is one change delivered to the rendering sink. A Reset update
// replaces the whole series with Snapshot (seeding and timeframe
// switches); otherwise Candle carries an incremental change to the
// last candle, with IsNew marking a freshly opened bucket.
type Update struct {
	Symbol   string
	Reset    bool
	Snapshot []model.Candle
	Candle   model.Candle
	Volume   candle.VolumePoint
	IsNew    bool
}

// Sink receives series updates. It is called from the reconciler's
// load goroutine and from the tick observer; implementations must not
// block tick processing.
type Sink func(Update)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithUTCOffset overrides the local UTC offset (in seconds) applied to
// live tick timestamps. Tests use this to pin the correction.
func WithUTCOffset(seconds int64) Option {
	return func(r *Reconciler) { r.utcOffset = seconds }
}

// Reconciler owns the per-symbol live series state.
type Reconciler struct {
	history HistorySource
	ticks   TickSource
	sink    Sink
	symbol  string
	logger  zerolog.Logger

	// utcOffset is the additive correction, in seconds, applied to live
	// tick timestamps. The upstream tick source encodes local time read
	// as if it were UTC; historical rows are true UTC and are never
	// corrected. Getting this asymmetry wrong shifts the chart by hours
	// without any error.
	utcOffset int64

	mu          sync.Mutex
	state       State
	timeframe   model.Timeframe
	token       uuid.UUID
	last        *model.Candle
	lastVol     *candle.VolumePoint
	cachedSym   string
	cachedRows  []model.PriceHistoryRow
	unsubscribe func()
}

// New returns an idle reconciler for one displayed symbol.
func New(symbol string, history HistorySource, ticks TickSource, sink Sink, opts ...Option) *Reconciler {
	_, offset := time.Now().Zone()
	r := &Reconciler{
		history:   history,
		ticks:     ticks,
		sink:      sink,
		symbol:    symbol,
		utcOffset: int64(offset),
		logger:    log.With().Str("component", "series").Str("symbol", symbol).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Symbol returns the displayed symbol this reconciler serves.
func (r *Reconciler) Symbol() string { return r.symbol }

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Timeframe returns the currently selected bucket width.
func (r *Reconciler) Timeframe() model.Timeframe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeframe
}

// Load moves the reconciler into StateLoading for the given timeframe
// and starts the historical fetch. The candle history built so far is
// discarded: a timeframe change must re-bucket from base rows, never
// resample already-aggregated candles. Load returns once the fetch is
// underway; seeding happens asynchronously.
func (r *Reconciler) Load(ctx context.Context, tf model.Timeframe) {
	r.mu.Lock()
	r.timeframe = tf
	r.state = StateLoading
	token := uuid.New()
	r.token = token
	r.last = nil
	r.lastVol = nil
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	cached := !tf.IsDaily() && r.cachedSym == r.symbol && r.cachedRows != nil
	rows := r.cachedRows
	r.mu.Unlock()

	r.logger.Info().Stringer("timeframe", tf).Bool("cached", cached).Msg("loading history")

	if cached {
		// Intraday rows for this symbol are already on hand; re-bucket
		// without touching the network.
		go r.seed(token, tf, rows, true)
		return
	}

	go func() {
		var (
			fetched []model.PriceHistoryRow
			err     error
		)
		if tf.IsDaily() {
			fetched, err = r.history.Daily(ctx, r.symbol)
		} else {
			fetched, err = r.history.Intraday(ctx, r.symbol)
		}
		if err != nil {
			// Chart stays in its last good (or empty) state; the caller
			// retries by switching timeframe or re-mounting.
			r.logger.Error().Err(err).Stringer("timeframe", tf).Msg("history fetch failed")
			return
		}
		r.seed(token, tf, fetched, false)
	}()
}

// SetTimeframe switches the chart to a new bucket width, reusing the
// intraday row cache when possible.
func (r *Reconciler) SetTimeframe(ctx context.Context, tf model.Timeframe) {
	r.Load(ctx, tf)
}

// Close unregisters the tick observer and returns to StateIdle. Any
// in-flight fetch response is invalidated.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.token = uuid.New()
	r.state = StateIdle
}

// seed applies a historical fetch result: rows become candles, the
// chart gets a reset update, and the reconciler goes live on the tick
// feed. A response whose token no longer matches the current load is
// stale — the symbol or timeframe context changed while it was in
// flight — and is silently discarded.
func (r *Reconciler) seed(token uuid.UUID, tf model.Timeframe, rows []model.PriceHistoryRow, fromCache bool) {
	candles := candle.FromHistory(rows)
	if !tf.IsDaily() {
		// Daily rows are already at daily granularity; everything finer
		// re-buckets from the base rows.
		candles = candle.Aggregate(candles, tf)
	}

	r.mu.Lock()
	if token != r.token {
		r.mu.Unlock()
		r.logger.Debug().Stringer("timeframe", tf).Msg("stale history response discarded")
		return
	}
	if !tf.IsDaily() && !fromCache {
		r.cachedSym = r.symbol
		r.cachedRows = rows
	}
	if len(candles) > 0 {
		last := candles[len(candles)-1]
		r.last = &last
		r.lastVol = &candle.VolumePoint{BucketTime: last.BucketTime, Volume: last.Volume}
	}
	r.state = StateSeeded
	r.mu.Unlock()

	r.sink(Update{Symbol: r.symbol, Reset: true, Snapshot: candles})

	r.mu.Lock()
	if token != r.token {
		// Context changed while the reset was being delivered.
		r.mu.Unlock()
		return
	}
	r.unsubscribe = r.ticks.Subscribe(r.symbol, r.onTick)
	r.state = StateLive
	r.mu.Unlock()

	r.logger.Info().Stringer("timeframe", tf).Int("candles", len(candles)).Msg("series seeded")
}

// onTick folds one live tick into the running candle. Ticks observed
// before the series went live are never replayed here; the store
// retains them but this element starts from current ticks only.
func (r *Reconciler) onTick(t model.Tick) {
	r.mu.Lock()
	if r.state != StateLive {
		r.mu.Unlock()
		return
	}

	// Normalize the ambiguous unit, then apply the local-offset
	// correction that only the live path needs.
	ts := wire.NormalizeTimestamp(t.Timestamp) + r.utcOffset

	fold := candle.UpdateLive(r.last, r.lastVol, t.LastPrice(), t.IncrementalVolume(), ts, r.timeframe)
	if fold.Stale {
		r.mu.Unlock()
		r.logger.Debug().Int64("timestamp", ts).Msg("late tick ignored")
		return
	}

	r.last = &fold.Candle
	r.lastVol = &fold.Volume
	r.mu.Unlock()

	r.sink(Update{
		Symbol: r.symbol,
		Candle: fold.Candle,
		Volume: fold.Volume,
		IsNew:  fold.IsNew,
	})
}
